package antigravity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// mapClaudeStopReason finishReason -> stop_reason
func mapClaudeStopReason(finishReason string, hasToolCall bool) string {
	if hasToolCall {
		return "tool_use"
	}
	switch finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "TOOL_USE", "FUNCTION_CALL":
		return "tool_use"
	case "SAFETY":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// restoreToolName 出站方向把 sanitized 名还原为客户端声明的原始名。
// 入站写缓存用的是规范化后的模型名，这里保持一致。
func restoreToolName(sessionID, model, name string) string {
	if original := DefaultToolNameCache.Get(sessionID, NormalizeModel(model), name); original != "" {
		return original
	}
	return name
}

// UnwrapV1InternalResponse 解开 {response:...} 包装；无包装时原样返回
func UnwrapV1InternalResponse(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() && inner.IsObject() {
		return []byte(inner.Raw)
	}
	return body
}

// claudeUsageFromGemini usageMetadata -> Anthropic usage
func claudeUsageFromGemini(meta *GeminiUsageMetadata) *ClaudeUsage {
	if meta == nil {
		return &ClaudeUsage{}
	}
	return &ClaudeUsage{
		InputTokens:          meta.PromptTokenCount,
		OutputTokens:         meta.CandidatesTokenCount + meta.ThoughtsTokenCount,
		CacheReadInputTokens: meta.CachedContentTokenCount,
	}
}

// TransformGeminiToClaude 将（已 unwrap 的）Gemini 响应转换为 Claude Messages 响应
func TransformGeminiToClaude(geminiBody []byte, originalModel, sessionID string) ([]byte, *ClaudeUsage, error) {
	var resp GeminiResponse
	if err := json.Unmarshal(geminiBody, &resp); err != nil {
		return nil, nil, fmt.Errorf("parse gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, nil, fmt.Errorf("gemini response has no candidates")
	}

	cand := resp.Candidates[0]
	var blocks []map[string]any
	hasToolCall := false

	if cand.Content != nil {
		var thinkingBuf strings.Builder
		var thinkingSig string
		var textBuf strings.Builder

		flushThinking := func() {
			if thinkingBuf.Len() == 0 {
				return
			}
			block := map[string]any{"type": "thinking", "thinking": thinkingBuf.String()}
			if thinkingSig != "" {
				block["signature"] = thinkingSig
			}
			blocks = append(blocks, block)
			thinkingBuf.Reset()
			thinkingSig = ""
		}
		flushText := func() {
			if textBuf.Len() == 0 {
				return
			}
			blocks = append(blocks, map[string]any{"type": "text", "text": textBuf.String()})
			textBuf.Reset()
		}

		for _, part := range cand.Content.Parts {
			switch {
			case part.Thought:
				flushText()
				thinkingBuf.WriteString(part.Text)
				if len(part.ThoughtSignature) >= MinSignatureLength {
					thinkingSig = part.ThoughtSignature
				}
			case part.FunctionCall != nil:
				flushThinking()
				flushText()
				hasToolCall = true
				id := part.FunctionCall.ID
				if id == "" {
					id = NewToolCallID()
				}
				// signature 出站落缓存，后续入站按 tool_use_id 回填
				DefaultSignatureCache.Set(id, part.ThoughtSignature)

				input := json.RawMessage(part.FunctionCall.Args)
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    id,
					"name":  restoreToolName(sessionID, originalModel, part.FunctionCall.Name),
					"input": input,
				})
			case part.Text != "":
				flushThinking()
				textBuf.WriteString(part.Text)
			}
		}
		flushThinking()
		flushText()
	}

	if len(blocks) == 0 {
		blocks = append(blocks, map[string]any{"type": "text", "text": ""})
	}

	usage := claudeUsageFromGemini(resp.UsageMetadata)
	out := map[string]any{
		"id":            "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		"type":          "message",
		"role":          "assistant",
		"model":         originalModel,
		"content":       blocks,
		"stop_reason":   mapClaudeStopReason(cand.FinishReason, hasToolCall),
		"stop_sequence": nil,
		"usage":         usage,
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return body, usage, nil
}

// ---------- 流式转换 ----------

type claudeBlockType int

const (
	blockNone claudeBlockType = iota
	blockThinking
	blockText
	blockToolUse
)

// ClaudeStreamProcessor 把上游 Gemini SSE 逐行转换为 Claude 协议事件
// 事件顺序与上游 part 顺序一致，块边界处补齐 start/stop 帧
type ClaudeStreamProcessor struct {
	originalModel string
	sessionID     string

	started      bool
	blockIndex   int
	currentBlock claudeBlockType
	finishReason string
	hasToolCall  bool
	usage        *ClaudeUsage
	messageID    string
}

// NewClaudeStreamProcessor 创建 Claude 流式转换器
func NewClaudeStreamProcessor(originalModel, sessionID string) *ClaudeStreamProcessor {
	return &ClaudeStreamProcessor{
		originalModel: originalModel,
		sessionID:     sessionID,
		blockIndex:    -1,
		usage:         &ClaudeUsage{},
		messageID:     "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
	}
}

func claudeEvent(eventType string, payload map[string]any) []byte {
	data, _ := json.Marshal(payload)
	return []byte("event: " + eventType + "\ndata: " + string(data) + "\n\n")
}

func (p *ClaudeStreamProcessor) emitMessageStart() []byte {
	p.started = true
	return claudeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            p.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         p.originalModel,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (p *ClaudeStreamProcessor) closeBlock() []byte {
	if p.currentBlock == blockNone {
		return nil
	}
	p.currentBlock = blockNone
	return claudeEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": p.blockIndex,
	})
}

func (p *ClaudeStreamProcessor) openBlock(t claudeBlockType, contentBlock map[string]any) []byte {
	p.blockIndex++
	p.currentBlock = t
	return claudeEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         p.blockIndex,
		"content_block": contentBlock,
	})
}

// ProcessLine 处理一行上游 SSE；非 data 行返回 nil
func (p *ClaudeStreamProcessor) ProcessLine(line string) []byte {
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

	var out []byte
	if !p.started {
		out = append(out, p.emitMessageStart()...)
	}

	if resp.UsageMetadata != nil {
		p.usage = claudeUsageFromGemini(resp.UsageMetadata)
	}

	for _, cand := range resp.Candidates {
		if cand.FinishReason != "" {
			p.finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			out = append(out, p.processPart(part)...)
		}
	}
	return out
}

func (p *ClaudeStreamProcessor) processPart(part GeminiPart) []byte {
	var out []byte
	switch {
	case part.Thought:
		if p.currentBlock != blockThinking {
			out = append(out, p.closeBlock()...)
			out = append(out, p.openBlock(blockThinking, map[string]any{
				"type": "thinking", "thinking": "",
			})...)
		}
		if part.Text != "" {
			out = append(out, claudeEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": p.blockIndex,
				"delta": map[string]any{"type": "thinking_delta", "thinking": part.Text},
			})...)
		}
		if len(part.ThoughtSignature) >= MinSignatureLength {
			out = append(out, claudeEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": p.blockIndex,
				"delta": map[string]any{"type": "signature_delta", "signature": part.ThoughtSignature},
			})...)
		}

	case part.FunctionCall != nil:
		out = append(out, p.closeBlock()...)
		p.hasToolCall = true
		id := part.FunctionCall.ID
		if id == "" {
			id = NewToolCallID()
		}
		DefaultSignatureCache.Set(id, part.ThoughtSignature)

		out = append(out, p.openBlock(blockToolUse, map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  restoreToolName(p.sessionID, p.originalModel, part.FunctionCall.Name),
			"input": map[string]any{},
		})...)
		if len(part.FunctionCall.Args) > 0 {
			out = append(out, claudeEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": p.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(part.FunctionCall.Args)},
			})...)
		}
		// 工具调用块立即关闭，args 在单个 part 内完整给出
		out = append(out, p.closeBlock()...)

	case part.Text != "":
		if p.currentBlock != blockText {
			out = append(out, p.closeBlock()...)
			out = append(out, p.openBlock(blockText, map[string]any{
				"type": "text", "text": "",
			})...)
		}
		out = append(out, claudeEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": p.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": part.Text},
		})...)
	}
	return out
}

// ErrorFrame 流中断时的终止错误帧；发出后不再有任何事件
func (p *ClaudeStreamProcessor) ErrorFrame(message string) []byte {
	return claudeEvent("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": message,
		},
	})
}

// Finish 收尾：关闭未完块，发送 message_delta + message_stop
func (p *ClaudeStreamProcessor) Finish() ([]byte, *ClaudeUsage) {
	var out []byte
	if !p.started {
		out = append(out, p.emitMessageStart()...)
	}
	out = append(out, p.closeBlock()...)
	out = append(out, claudeEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   mapClaudeStopReason(p.finishReason, p.hasToolCall),
			"stop_sequence": nil,
		},
		"usage": p.usage,
	})...)
	out = append(out, claudeEvent("message_stop", map[string]any{
		"type": "message_stop",
	})...)
	return out, p.usage
}
