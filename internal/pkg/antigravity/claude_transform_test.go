//go:build unit

package antigravity

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func claudeReq(model string, extra func(*ClaudeRequest)) *ClaudeRequest {
	req := &ClaudeRequest{
		Model:     model,
		MaxTokens: 1024,
		Messages: []ClaudeMessage{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}
	if extra != nil {
		extra(req)
	}
	return req
}

func TestTransformClaudeToGemini_Basic(t *testing.T) {
	v1, sessionID, err := TransformClaudeToGemini(claudeReq("claude-sonnet-4-5", nil), "proj-1")
	require.NoError(t, err)

	require.Equal(t, "proj-1", v1.Project)
	require.Equal(t, "antigravity", v1.UserAgent)
	require.Equal(t, "claude-sonnet-4-5", v1.Model)
	require.True(t, strings.HasPrefix(v1.RequestID, "agent-"))
	require.Len(t, sessionID, 32)
	require.Equal(t, sessionID, v1.Request.SessionID)

	require.Len(t, v1.Request.Contents, 1)
	require.Equal(t, "user", v1.Request.Contents[0].Role)
	require.Equal(t, "hello", v1.Request.Contents[0].Parts[0].Text)
	require.Equal(t, 1024, v1.Request.GenerationConfig.MaxOutputTokens)
}

func TestTransformClaudeToGemini_SystemInstruction(t *testing.T) {
	t.Run("string system", func(t *testing.T) {
		req := claudeReq("claude-sonnet-4-5", func(r *ClaudeRequest) {
			r.System = json.RawMessage(`"be terse"`)
		})
		v1, _, err := TransformClaudeToGemini(req, "")
		require.NoError(t, err)
		require.NotNil(t, v1.Request.SystemInstruction)
		require.Equal(t, "be terse", v1.Request.SystemInstruction.Parts[0].Text)
	})

	t.Run("block array system", func(t *testing.T) {
		req := claudeReq("claude-sonnet-4-5", func(r *ClaudeRequest) {
			r.System = json.RawMessage(`[{"type":"text","text":"one"},{"type":"text","text":"two"}]`)
		})
		v1, _, err := TransformClaudeToGemini(req, "")
		require.NoError(t, err)
		require.Len(t, v1.Request.SystemInstruction.Parts, 2)
	})
}

func TestTransformClaudeToGemini_ToolSanitization(t *testing.T) {
	req := claudeReq("claude-sonnet-4-5", func(r *ClaudeRequest) {
		r.Tools = []ClaudeTool{
			{Name: "my.tool!", InputSchema: map[string]any{"type": "object"}},
			{Name: "web_search_20250305", Type: "web_search_20250305"},
		}
	})
	v1, sessionID, err := TransformClaudeToGemini(req, "")
	require.NoError(t, err)

	// web_search 工具被剥离，剩余工具名被清洗
	require.Len(t, v1.Request.Tools, 1)
	decls := v1.Request.Tools[0].FunctionDeclarations
	require.Len(t, decls, 1)
	require.Equal(t, "my_tool", decls[0].Name)
	require.Equal(t, "VALIDATED", v1.Request.ToolConfig.FunctionCallingConfig.Mode)

	// 出站 functionCall 还原为原始名（场景：工具名往返）
	upstream := `{"candidates":[{"content":{"role":"model","parts":[` +
		`{"functionCall":{"id":"call_1","name":"my_tool","args":{"x":1}}}]},` +
		`"finishReason":"TOOL_USE"}]}`
	out, _, err := TransformGeminiToClaude([]byte(upstream), req.Model, sessionID)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	blocks := resp["content"].([]any)
	block := blocks[0].(map[string]any)
	require.Equal(t, "tool_use", block["type"])
	require.Equal(t, "my.tool!", block["name"])
	require.Equal(t, "tool_use", resp["stop_reason"])
}

func TestTransformClaudeToGemini_ThinkingSignatureRefill(t *testing.T) {
	sig := validSignature("refill-")
	DefaultSignatureCache.Set("call_cached", sig)

	req := claudeReq("gemini-3-pro-high", func(r *ClaudeRequest) {
		r.Messages = []ClaudeMessage{
			{Role: "user", Content: json.RawMessage(`"go"`)},
			{Role: "assistant", Content: json.RawMessage(
				`[{"type":"tool_use","id":"call_cached","name":"lookup","input":{}},` +
					`{"type":"tool_use","id":"call_unknown","name":"lookup","input":{}}]`)},
			{Role: "user", Content: json.RawMessage(
				`[{"type":"tool_result","tool_use_id":"call_cached","content":"ok"}]`)},
		}
	})
	v1, _, err := TransformClaudeToGemini(req, "")
	require.NoError(t, err)

	model := v1.Request.Contents[1]
	require.Equal(t, "model", model.Role)
	// 缓存命中的回填真实 signature，未命中的 Gemini 模型兜底 dummy
	require.Equal(t, sig, model.Parts[0].ThoughtSignature)
	require.Equal(t, DummyThoughtSignature, model.Parts[1].ThoughtSignature)
}

func TestTransformClaudeToGemini_NoDummySignatureForClaude(t *testing.T) {
	req := claudeReq("claude-sonnet-4-5-thinking", func(r *ClaudeRequest) {
		r.Messages = []ClaudeMessage{
			{Role: "user", Content: json.RawMessage(`"go"`)},
			{Role: "assistant", Content: json.RawMessage(
				`[{"type":"tool_use","id":"call_nope","name":"lookup","input":{}}]`)},
		}
	})
	v1, _, err := TransformClaudeToGemini(req, "")
	require.NoError(t, err)
	require.Empty(t, v1.Request.Contents[1].Parts[0].ThoughtSignature)
}

func TestTransformClaudeToGemini_ToolResult(t *testing.T) {
	req := claudeReq("claude-sonnet-4-5", func(r *ClaudeRequest) {
		r.Messages = []ClaudeMessage{
			{Role: "user", Content: json.RawMessage(`"go"`)},
			{Role: "assistant", Content: json.RawMessage(
				`[{"type":"tool_use","id":"call_9","name":"run.cmd","input":{"cmd":"ls"}}]`)},
			{Role: "user", Content: json.RawMessage(
				`[{"type":"tool_result","tool_use_id":"call_9","content":[{"type":"text","text":"file1"},{"type":"text","text":"file2"}]}]`)},
		}
	})
	v1, _, err := TransformClaudeToGemini(req, "")
	require.NoError(t, err)

	fr := v1.Request.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	require.Equal(t, "call_9", fr.ID)
	require.Equal(t, "run_cmd", fr.Name)
	require.Equal(t, "file1\nfile2", fr.Response["output"])
}

func TestTransformClaudeToGemini_ThinkingConfig(t *testing.T) {
	req := claudeReq("claude-sonnet-4-5-thinking", func(r *ClaudeRequest) {
		r.Thinking = &ClaudeThinking{Type: "enabled", BudgetTokens: 12000}
	})
	v1, _, err := TransformClaudeToGemini(req, "")
	require.NoError(t, err)
	require.NotNil(t, v1.Request.GenerationConfig.ThinkingConfig)
	require.True(t, v1.Request.GenerationConfig.ThinkingConfig.IncludeThoughts)
	require.Equal(t, 12000, v1.Request.GenerationConfig.ThinkingConfig.ThinkingBudget)
}

func TestTransformGeminiToClaude_Blocks(t *testing.T) {
	sig := validSignature("sig-out-")
	upstream := `{"candidates":[{"content":{"role":"model","parts":[` +
		`{"text":"pondering","thought":true,"thoughtSignature":"` + sig + `"},` +
		`{"text":"answer"}]},"finishReason":"STOP"}],` +
		`"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"thoughtsTokenCount":3}}`

	out, usage, err := TransformGeminiToClaude([]byte(upstream), "claude-sonnet-4-5-thinking", "sess")
	require.NoError(t, err)
	require.Equal(t, 10, usage.InputTokens)
	require.Equal(t, 8, usage.OutputTokens)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Equal(t, "assistant", resp["role"])
	require.Equal(t, "end_turn", resp["stop_reason"])
	require.Equal(t, "claude-sonnet-4-5-thinking", resp["model"])

	blocks := resp["content"].([]any)
	require.Len(t, blocks, 2)
	thinking := blocks[0].(map[string]any)
	require.Equal(t, "thinking", thinking["type"])
	require.Equal(t, "pondering", thinking["thinking"])
	require.Equal(t, sig, thinking["signature"])
	text := blocks[1].(map[string]any)
	require.Equal(t, "answer", text["text"])
}

func TestTransformGeminiToClaude_SignatureCached(t *testing.T) {
	sig := validSignature("persist-")
	upstream := `{"response":{"candidates":[{"content":{"role":"model","parts":[` +
		`{"functionCall":{"id":"call_sig","name":"t","args":{}},"thoughtSignature":"` + sig + `"}]},` +
		`"finishReason":"TOOL_USE"}]}}`

	_, _, err := TransformGeminiToClaude(UnwrapV1InternalResponse([]byte(upstream)), "gemini-3-flash", "sess")
	require.NoError(t, err)

	// 场景：signature 往返 —— 出站写缓存，入站按 tool_use_id 回填
	require.Equal(t, sig, DefaultSignatureCache.Get("call_sig"))
}

func TestClaudeStreamProcessor_Framing(t *testing.T) {
	p := NewClaudeStreamProcessor("claude-sonnet-4-5-thinking", "sess")

	var out []byte
	out = append(out, p.ProcessLine(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"mull","thought":true}]}}]}}`)...)
	out = append(out, p.ProcessLine(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}}`)...)
	fin, usage := p.Finish()
	out = append(out, fin...)

	events := string(out)
	// 事件顺序：message_start → thinking 块 → text 块 → message_delta → message_stop
	order := []string{
		"message_start",
		`"type":"thinking"`,
		"thinking_delta",
		"content_block_stop",
		`"type":"text"`,
		"text_delta",
		"message_delta",
		`"stop_reason":"end_turn"`,
		"message_stop",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(events, marker)
		require.Greater(t, idx, last, "marker %q out of order", marker)
		last = idx
	}
	require.Equal(t, 4, usage.InputTokens)
	require.Equal(t, 2, usage.OutputTokens)
}

func TestClaudeStreamProcessor_IgnoresNonData(t *testing.T) {
	p := NewClaudeStreamProcessor("claude-sonnet-4-5", "sess")
	require.Nil(t, p.ProcessLine(": comment"))
	require.Nil(t, p.ProcessLine(""))
	require.Nil(t, p.ProcessLine("data: [DONE]"))
	require.Nil(t, p.ProcessLine("event: ping"))
}
