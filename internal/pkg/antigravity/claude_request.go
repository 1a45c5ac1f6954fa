package antigravity

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// 全局缓存单例：出站写入、入站回填（进程内有界缓存，见各自实现）
var (
	DefaultSignatureCache = NewSignatureCache()
	DefaultToolNameCache  = NewToolNameCache()
)

// reasoning_effort / thinking 预算档位
const (
	thinkingBudgetLow    = 8000
	thinkingBudgetMedium = 16000
	thinkingBudgetHigh   = 32000
)

// TransformClaudeToGemini 将 Claude Messages 请求转换为 v1internal 格式
// 返回转换后的请求与 sessionId（出站还原工具名时需要）
func TransformClaudeToGemini(claudeReq *ClaudeRequest, projectID string) (*V1InternalRequest, string, error) {
	targetModel := NormalizeModel(claudeReq.Model)
	family := GetModelFamily(targetModel)

	// 只有 Gemini 模型支持 dummy thought signature workaround
	allowDummyThought := family == ModelFamilyGemini

	toolIDToName := make(map[string]string)
	contents, err := buildClaudeContents(claudeReq.Messages, toolIDToName, allowDummyThought)
	if err != nil {
		return nil, "", fmt.Errorf("build contents: %w", err)
	}

	sessionID := StableSessionID(contents)

	systemInstruction := buildSystemInstruction(claudeReq.System)
	generationConfig := buildClaudeGenerationConfig(claudeReq, targetModel)
	tools := buildClaudeTools(claudeReq.Tools, sessionID, targetModel)

	innerRequest := GeminiRequest{
		Contents:         contents,
		GenerationConfig: generationConfig,
		SessionID:        sessionID,
	}
	if systemInstruction != nil {
		innerRequest.SystemInstruction = systemInstruction
	}
	if len(tools) > 0 {
		innerRequest.Tools = tools
		// 总是设置 toolConfig，与官方客户端一致
		innerRequest.ToolConfig = &GeminiToolConfig{
			FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "VALIDATED"},
		}
	}

	v1Req := &V1InternalRequest{
		Project:   projectID,
		RequestID: NewRequestID(),
		UserAgent: "antigravity", // 固定值，与官方客户端一致
		Model:     targetModel,
		Request:   innerRequest,
	}
	return v1Req, sessionID, nil
}

// buildSystemInstruction 将 system（字符串或 block 数组）合并为 systemInstruction
func buildSystemInstruction(system json.RawMessage) *GeminiContent {
	if len(system) == 0 {
		return nil
	}

	var parts []GeminiPart

	var sysStr string
	if err := json.Unmarshal(system, &sysStr); err == nil {
		if strings.TrimSpace(sysStr) != "" {
			parts = append(parts, GeminiPart{Text: sysStr})
		}
	} else {
		var blocks []SystemBlock
		if err := json.Unmarshal(system, &blocks); err == nil {
			for _, block := range blocks {
				if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
					parts = append(parts, GeminiPart{Text: block.Text})
				}
			}
		}
	}

	if len(parts) == 0 {
		return nil
	}
	return &GeminiContent{Role: "user", Parts: parts}
}

// buildClaudeContents 构建 contents
func buildClaudeContents(messages []ClaudeMessage, toolIDToName map[string]string, allowDummyThought bool) ([]GeminiContent, error) {
	var contents []GeminiContent

	for i, msg := range messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}

		parts, err := buildClaudeParts(msg.Content, toolIDToName, allowDummyThought)
		if err != nil {
			return nil, fmt.Errorf("build parts for message %d: %w", i, err)
		}
		if len(parts) == 0 {
			continue
		}

		contents = append(contents, GeminiContent{Role: role, Parts: parts})
	}
	return contents, nil
}

// buildClaudeParts 构建单条消息的 parts
func buildClaudeParts(content json.RawMessage, toolIDToName map[string]string, allowDummyThought bool) ([]GeminiPart, error) {
	var parts []GeminiPart

	// 纯字符串 content
	var textContent string
	if err := json.Unmarshal(content, &textContent); err == nil {
		if strings.TrimSpace(textContent) != "" && textContent != "(no content)" {
			parts = append(parts, GeminiPart{Text: textContent})
		}
		return parts, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, fmt.Errorf("parse content blocks: %w", err)
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" && block.Text != "(no content)" {
				parts = append(parts, GeminiPart{Text: block.Text})
			}

		case "thinking":
			part := GeminiPart{Text: block.Thinking, Thought: true}
			if block.Signature != "" && block.Signature != DummyThoughtSignature {
				part.ThoughtSignature = block.Signature
			} else if allowDummyThought {
				part.ThoughtSignature = DummyThoughtSignature
			}
			parts = append(parts, part)

		case "image":
			if block.Source != nil && block.Source.Type == "base64" {
				parts = append(parts, GeminiPart{
					InlineData: &GeminiInlineData{
						MimeType: block.Source.MediaType,
						Data:     block.Source.Data,
					},
				})
			}

		case "tool_use":
			if block.ID != "" && block.Name != "" {
				toolIDToName[block.ID] = block.Name
			}
			part := GeminiPart{
				FunctionCall: &GeminiFunctionCall{
					ID:   block.ID,
					Name: SanitizeToolName(block.Name),
					Args: block.Input,
				},
			}
			// signature 缺失时从缓存回填；Gemini 模型最后兜底 dummy signature
			switch {
			case block.Signature != "" && block.Signature != DummyThoughtSignature:
				part.ThoughtSignature = block.Signature
			default:
				if cached := DefaultSignatureCache.Get(block.ID); cached != "" {
					part.ThoughtSignature = cached
				} else if allowDummyThought {
					part.ThoughtSignature = DummyThoughtSignature
				}
			}
			parts = append(parts, part)

		case "tool_result":
			funcName := block.Name
			if funcName == "" {
				if name, ok := toolIDToName[block.ToolUseID]; ok {
					funcName = name
				} else {
					funcName = block.ToolUseID
				}
			}
			parts = append(parts, GeminiPart{
				FunctionResponse: &GeminiFunctionResponse{
					ID:   block.ToolUseID,
					Name: SanitizeToolName(funcName),
					Response: map[string]any{
						"output": parseToolResultContent(block.Content, block.IsError),
					},
				},
			})
		}
	}
	return parts, nil
}

// parseToolResultContent 解析 tool_result 的 content
func parseToolResultContent(content json.RawMessage, isError bool) string {
	fallback := "Command executed successfully."
	if isError {
		fallback = "Tool execution failed with no output."
	}
	if len(content) == 0 {
		return fallback
	}

	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		if strings.TrimSpace(str) == "" {
			return fallback
		}
		return str
	}

	var arr []map[string]any
	if err := json.Unmarshal(content, &arr); err == nil {
		var texts []string
		for _, item := range arr {
			if text, ok := item["text"].(string); ok {
				texts = append(texts, text)
			}
		}
		result := strings.Join(texts, "\n")
		if strings.TrimSpace(result) == "" {
			return fallback
		}
		return result
	}

	return string(content)
}

// buildClaudeGenerationConfig 构建 generationConfig
func buildClaudeGenerationConfig(req *ClaudeRequest, targetModel string) *GeminiGenerationConfig {
	config := &GeminiGenerationConfig{}

	if req.MaxTokens > 0 {
		config.MaxOutputTokens = CapMaxOutputTokens(targetModel, req.MaxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = req.Temperature
	}
	if req.TopP != nil {
		config.TopP = req.TopP
	}
	if req.TopK != nil {
		config.TopK = req.TopK
	}
	if len(req.StopSequences) > 0 {
		config.StopSequences = req.StopSequences
	}

	if req.Thinking != nil && req.Thinking.Type == "enabled" && IsThinkingModel(targetModel) {
		config.ThinkingConfig = &GeminiThinkingConfig{IncludeThoughts: true}
		if req.Thinking.BudgetTokens > 0 {
			config.ThinkingConfig.ThinkingBudget = req.Thinking.BudgetTokens
		}
	}

	return config
}

// isWebSearchTool web_search 类工具由本地 shim 处理，不声明给上游
func isWebSearchTool(tool ClaudeTool) bool {
	if strings.HasPrefix(tool.Type, "web_search") || tool.Type == "google_search" {
		return true
	}
	switch strings.TrimSpace(tool.Name) {
	case "web_search", "google_search", "web_search_20250305":
		return true
	}
	return false
}

// buildClaudeTools 清洗工具声明；改名的工具记入映射缓存供出站还原
func buildClaudeTools(tools []ClaudeTool, sessionID, model string) []GeminiToolDeclaration {
	if len(tools) == 0 {
		return nil
	}

	var funcDecls []GeminiFunctionDecl
	for _, tool := range tools {
		if isWebSearchTool(tool) {
			continue
		}
		if strings.TrimSpace(tool.Name) == "" {
			log.Printf("Warning: skipping tool with empty name")
			continue
		}

		sanitized := SanitizeToolName(tool.Name)
		if sanitized != tool.Name {
			DefaultToolNameCache.Set(sessionID, model, sanitized, tool.Name)
		}

		inputSchema := tool.InputSchema
		DeepCleanUndefined(inputSchema)
		params := CleanJSONSchema(inputSchema)

		funcDecls = append(funcDecls, GeminiFunctionDecl{
			Name:        sanitized,
			Description: tool.Description,
			Parameters:  params,
		})
	}

	if len(funcDecls) == 0 {
		return nil
	}
	return []GeminiToolDeclaration{{FunctionDeclarations: funcDecls}}
}
