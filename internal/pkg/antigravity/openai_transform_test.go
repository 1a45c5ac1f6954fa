//go:build unit

package antigravity

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func openaiReq(model string, extra func(*OpenAIRequest)) *OpenAIRequest {
	req := &OpenAIRequest{
		Model: model,
		Messages: []OpenAIMessage{
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
	}
	if extra != nil {
		extra(req)
	}
	return req
}

func TestTransformOpenAIToGemini_SystemMerge(t *testing.T) {
	req := openaiReq("gemini-2.5-pro", func(r *OpenAIRequest) {
		r.Messages = []OpenAIMessage{
			{Role: "system", Content: json.RawMessage(`"first"`)},
			{Role: "system", Content: json.RawMessage(`"second"`)},
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		}
	})
	v1, _, err := TransformOpenAIToGemini(req, "")
	require.NoError(t, err)

	// 开头连续 system 并入 systemInstruction，不出现在 contents
	require.NotNil(t, v1.Request.SystemInstruction)
	require.Len(t, v1.Request.SystemInstruction.Parts, 2)
	require.Len(t, v1.Request.Contents, 1)
	require.Equal(t, "user", v1.Request.Contents[0].Role)
}

func TestTransformOpenAIToGemini_Roles(t *testing.T) {
	req := openaiReq("gemini-2.5-pro", func(r *OpenAIRequest) {
		r.Messages = []OpenAIMessage{
			{Role: "user", Content: json.RawMessage(`"run it"`)},
			{Role: "assistant", ToolCalls: []OpenAIToolCall{{
				ID:   "call_7",
				Type: "function",
				Function: OpenAIFunctionCall{Name: "run.cmd", Arguments: `{"cmd":"ls"}`},
			}}},
			{Role: "tool", ToolCallID: "call_7", Content: json.RawMessage(`"file1"`)},
		}
	})
	v1, _, err := TransformOpenAIToGemini(req, "")
	require.NoError(t, err)
	require.Len(t, v1.Request.Contents, 3)

	assistant := v1.Request.Contents[1]
	require.Equal(t, "model", assistant.Role)
	fc := assistant.Parts[0].FunctionCall
	require.Equal(t, "call_7", fc.ID)
	require.Equal(t, "run_cmd", fc.Name)

	tool := v1.Request.Contents[2]
	require.Equal(t, "user", tool.Role)
	fr := tool.Parts[0].FunctionResponse
	require.Equal(t, "call_7", fr.ID)
	// 名字从同一请求内的 tool_calls 映射回推
	require.Equal(t, "run_cmd", fr.Name)
	require.Equal(t, "file1", fr.Response["output"])
}

func TestTransformOpenAIToGemini_InlineImage(t *testing.T) {
	req := openaiReq("gemini-2.5-pro", func(r *OpenAIRequest) {
		r.Messages = []OpenAIMessage{
			{Role: "user", Content: json.RawMessage(
				`[{"type":"text","text":"what is this"},` +
					`{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}]`)},
		}
	})
	v1, _, err := TransformOpenAIToGemini(req, "")
	require.NoError(t, err)

	parts := v1.Request.Contents[0].Parts
	require.Len(t, parts, 2)
	require.Equal(t, "what is this", parts[0].Text)
	require.Equal(t, "image/png", parts[1].InlineData.MimeType)
	require.Equal(t, "aGVsbG8=", parts[1].InlineData.Data)
}

func TestTransformOpenAIToGemini_ReasoningEffort(t *testing.T) {
	cases := map[string]int{"low": 8000, "medium": 16000, "high": 32000}
	for effort, budget := range cases {
		req := openaiReq("gemini-2.5-pro-thinking", func(r *OpenAIRequest) {
			r.ReasoningEffort = effort
		})
		v1, _, err := TransformOpenAIToGemini(req, "")
		require.NoError(t, err)
		require.NotNil(t, v1.Request.GenerationConfig.ThinkingConfig, effort)
		require.Equal(t, budget, v1.Request.GenerationConfig.ThinkingConfig.ThinkingBudget, effort)
	}

	// 非 thinking 模型忽略 reasoning_effort
	req := openaiReq("gemini-2.5-pro", func(r *OpenAIRequest) { r.ReasoningEffort = "high" })
	v1, _, err := TransformOpenAIToGemini(req, "")
	require.NoError(t, err)
	require.Nil(t, v1.Request.GenerationConfig.ThinkingConfig)
}

func TestTransformOpenAIToGemini_StopAndMaxTokens(t *testing.T) {
	req := openaiReq("gemini-2.5-pro", func(r *OpenAIRequest) {
		r.MaxTokens = 50000
		r.Stop = json.RawMessage(`["a","b"]`)
	})
	v1, _, err := TransformOpenAIToGemini(req, "")
	require.NoError(t, err)
	require.Equal(t, 16384, v1.Request.GenerationConfig.MaxOutputTokens)
	require.Equal(t, []string{"a", "b"}, v1.Request.GenerationConfig.StopSequences)

	req = openaiReq("gemini-2.5-pro", func(r *OpenAIRequest) {
		r.MaxTokens = 100
		r.MaxCompletionTokens = 200
		r.Stop = json.RawMessage(`"single"`)
	})
	v1, _, err = TransformOpenAIToGemini(req, "")
	require.NoError(t, err)
	require.Equal(t, 200, v1.Request.GenerationConfig.MaxOutputTokens)
	require.Equal(t, []string{"single"}, v1.Request.GenerationConfig.StopSequences)
}

func TestTransformGeminiToOpenAI_ThinkingResponse(t *testing.T) {
	// 场景：thought part + text part 合并为单个 chat.completion
	upstream := `{"candidates":[{"content":{"role":"model","parts":[` +
		`{"text":"ok ","thought":true},{"text":"hello"}]},"finishReason":"STOP"}],` +
		`"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"thoughtsTokenCount":3}}`

	out, usage, err := TransformGeminiToOpenAI([]byte(upstream), "gemini-2.5-pro-thinking", "sess")
	require.NoError(t, err)
	require.Equal(t, 1, usage.PromptTokens)
	require.Equal(t, 5, usage.CompletionTokens)
	require.Equal(t, 6, usage.TotalTokens)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Equal(t, "chat.completion", resp["object"])
	require.Equal(t, "gemini-2.5-pro-thinking", resp["model"])

	choice := resp["choices"].([]any)[0].(map[string]any)
	require.Equal(t, "stop", choice["finish_reason"])
	message := choice["message"].(map[string]any)
	require.Equal(t, "hello", message["content"])
	require.Equal(t, "ok ", message["reasoning_content"])
}

func TestTransformGeminiToOpenAI_ToolCalls(t *testing.T) {
	upstream := `{"candidates":[{"content":{"role":"model","parts":[` +
		`{"functionCall":{"id":"call_5","name":"t","args":{"q":"x"}}}]},"finishReason":"STOP"}]}`

	out, _, err := TransformGeminiToOpenAI([]byte(upstream), "gemini-2.5-pro", "sess")
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	choice := resp["choices"].([]any)[0].(map[string]any)
	// functionCall 存在时 finish_reason 强制 tool_calls
	require.Equal(t, "tool_calls", choice["finish_reason"])
	toolCalls := choice["message"].(map[string]any)["tool_calls"].([]any)
	tc := toolCalls[0].(map[string]any)
	require.Equal(t, "call_5", tc["id"])
	require.Equal(t, "function", tc["type"])
	require.JSONEq(t, `{"q":"x"}`, tc["function"].(map[string]any)["arguments"].(string))
}

func TestOpenAIStreamProcessor(t *testing.T) {
	p := NewOpenAIStreamProcessor("gemini-2.5-pro-thinking", "sess")

	var out []byte
	out = append(out, p.ProcessLine(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"ok ","thought":true}]}}]}}`)...)
	out = append(out, p.ProcessLine(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2}}}`)...)
	fin, usage := p.Finish()
	out = append(out, fin...)

	events := string(out)
	require.Contains(t, events, `"reasoning_content":"ok "`)
	require.Contains(t, events, `"content":"hello"`)
	require.Contains(t, events, `"finish_reason":"stop"`)
	require.True(t, strings.HasSuffix(events, "data: [DONE]\n\n"))
	require.Equal(t, 3, usage.TotalTokens)

	// 每个 chunk 都是合法 JSON 且 object 正确
	for _, line := range strings.Split(events, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var chunk map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		require.Equal(t, "chat.completion.chunk", chunk["object"])
	}
}
