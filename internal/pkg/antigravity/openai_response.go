package antigravity

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// mapOpenAIFinishReason finishReason -> finish_reason
func mapOpenAIFinishReason(finishReason string, hasToolCall bool) string {
	if hasToolCall {
		return "tool_calls"
	}
	switch finishReason {
	case "MAX_TOKENS":
		return "length"
	case "TOOL_USE", "FUNCTION_CALL":
		return "tool_calls"
	case "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

func openaiUsageFromGemini(meta *GeminiUsageMetadata) *OpenAIUsage {
	if meta == nil {
		return &OpenAIUsage{}
	}
	completion := meta.CandidatesTokenCount + meta.ThoughtsTokenCount
	return &OpenAIUsage{
		PromptTokens:     meta.PromptTokenCount,
		CompletionTokens: completion,
		TotalTokens:      meta.PromptTokenCount + completion,
	}
}

func newChatCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// TransformGeminiToOpenAI 将（已 unwrap 的）Gemini 响应转换为 chat.completion
func TransformGeminiToOpenAI(geminiBody []byte, originalModel, sessionID string) ([]byte, *OpenAIUsage, error) {
	var resp GeminiResponse
	if err := json.Unmarshal(geminiBody, &resp); err != nil {
		return nil, nil, err
	}

	var contentBuf, reasoningBuf strings.Builder
	var toolCalls []map[string]any
	finishReason := ""

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finishReason = cand.FinishReason
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				appendOpenAIPart(part, &contentBuf, &reasoningBuf, &toolCalls, sessionID, originalModel)
			}
		}
	}

	message := map[string]any{
		"role":    "assistant",
		"content": contentBuf.String(),
	}
	if reasoningBuf.Len() > 0 {
		message["reasoning_content"] = reasoningBuf.String()
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	usage := openaiUsageFromGemini(resp.UsageMetadata)
	out := map[string]any{
		"id":      newChatCompletionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   originalModel,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": mapOpenAIFinishReason(finishReason, len(toolCalls) > 0),
		}},
		"usage": usage,
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return body, usage, nil
}

// appendOpenAIPart 按 part 类别归集：thought -> reasoning、text -> content、
// functionCall -> tool_calls（缓存 signature、还原工具名）
func appendOpenAIPart(part GeminiPart, content, reasoning *strings.Builder, toolCalls *[]map[string]any, sessionID, model string) {
	switch {
	case part.Thought:
		reasoning.WriteString(part.Text)
	case part.FunctionCall != nil:
		id := part.FunctionCall.ID
		if id == "" {
			id = NewToolCallID()
		}
		DefaultSignatureCache.Set(id, part.ThoughtSignature)
		args := string(part.FunctionCall.Args)
		if args == "" {
			args = "{}"
		}
		*toolCalls = append(*toolCalls, map[string]any{
			"id":   id,
			"type": "function",
			"function": map[string]any{
				"name":      restoreToolName(sessionID, model, part.FunctionCall.Name),
				"arguments": args,
			},
		})
	case part.Text != "":
		content.WriteString(part.Text)
	}
}

// OpenAIStreamProcessor 把上游 Gemini SSE 转换为 chat.completion.chunk 流
// delta 平铺发出，结束 chunk 携带 finish_reason 与 usage
type OpenAIStreamProcessor struct {
	originalModel string
	sessionID     string
	id            string
	created       int64
	finishReason  string
	hasToolCall   bool
	toolCallIndex int
	usage         *OpenAIUsage
}

// NewOpenAIStreamProcessor 创建 OpenAI 流式转换器
func NewOpenAIStreamProcessor(originalModel, sessionID string) *OpenAIStreamProcessor {
	return &OpenAIStreamProcessor{
		originalModel: originalModel,
		sessionID:     sessionID,
		id:            newChatCompletionID(),
		created:       time.Now().Unix(),
		usage:         &OpenAIUsage{},
	}
}

func (p *OpenAIStreamProcessor) chunk(delta map[string]any, finishReason any, usage *OpenAIUsage) []byte {
	payload := map[string]any{
		"id":      p.id,
		"object":  "chat.completion.chunk",
		"created": p.created,
		"model":   p.originalModel,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
	if usage != nil {
		payload["usage"] = usage
	}
	data, _ := json.Marshal(payload)
	return []byte("data: " + string(data) + "\n\n")
}

// ProcessLine 处理一行上游 SSE；非 data 行返回 nil
func (p *OpenAIStreamProcessor) ProcessLine(line string) []byte {
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, "data:") {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if payload == "" || payload == "[DONE]" {
		return nil
	}

	inner := UnwrapV1InternalResponse([]byte(payload))
	var resp GeminiResponse
	if err := json.Unmarshal(inner, &resp); err != nil {
		return nil
	}

	if resp.UsageMetadata != nil {
		p.usage = openaiUsageFromGemini(resp.UsageMetadata)
	}

	var out []byte
	for _, cand := range resp.Candidates {
		if cand.FinishReason != "" {
			p.finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.Thought:
				if part.Text != "" {
					out = append(out, p.chunk(map[string]any{"reasoning_content": part.Text}, nil, nil)...)
				}
			case part.FunctionCall != nil:
				p.hasToolCall = true
				id := part.FunctionCall.ID
				if id == "" {
					id = NewToolCallID()
				}
				DefaultSignatureCache.Set(id, part.ThoughtSignature)
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				out = append(out, p.chunk(map[string]any{
					"tool_calls": []any{map[string]any{
						"index": p.toolCallIndex,
						"id":    id,
						"type":  "function",
						"function": map[string]any{
							"name":      restoreToolName(p.sessionID, p.originalModel, part.FunctionCall.Name),
							"arguments": args,
						},
					}},
				}, nil, nil)...)
				p.toolCallIndex++
			case part.Text != "":
				out = append(out, p.chunk(map[string]any{"content": part.Text}, nil, nil)...)
			}
		}
	}
	return out
}

// ErrorFrame 流中断时的终止错误 chunk；不跟随 [DONE]
func (p *OpenAIStreamProcessor) ErrorFrame(message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "api_error",
		},
	})
	return []byte("data: " + string(data) + "\n\n")
}

// Finish 收尾 chunk（finish_reason + usage）与 [DONE]
func (p *OpenAIStreamProcessor) Finish() ([]byte, *OpenAIUsage) {
	out := p.chunk(map[string]any{}, mapOpenAIFinishReason(p.finishReason, p.hasToolCall), p.usage)
	out = append(out, []byte("data: [DONE]\n\n")...)
	return out, p.usage
}
