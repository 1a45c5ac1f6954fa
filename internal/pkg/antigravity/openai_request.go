package antigravity

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
)

var dataImageRe = regexp.MustCompile(`^data:image/(\w+);base64,(.*)$`)

// TransformOpenAIToGemini 将 OpenAI Chat Completions 请求转换为 v1internal 格式
func TransformOpenAIToGemini(openaiReq *OpenAIRequest, projectID string) (*V1InternalRequest, string, error) {
	targetModel := NormalizeModel(openaiReq.Model)

	// 开头连续的 system 消息并入 systemInstruction
	var systemParts []GeminiPart
	messages := openaiReq.Messages
	for len(messages) > 0 && messages[0].Role == "system" {
		if text := openaiTextContent(messages[0].Content); strings.TrimSpace(text) != "" {
			systemParts = append(systemParts, GeminiPart{Text: text})
		}
		messages = messages[1:]
	}

	toolCallIDToName := make(map[string]string)
	contents, err := buildOpenAIContents(messages, toolCallIDToName)
	if err != nil {
		return nil, "", err
	}

	sessionID := StableSessionID(contents)
	tools := buildOpenAITools(openaiReq.Tools, sessionID, targetModel)

	innerRequest := GeminiRequest{
		Contents:         contents,
		GenerationConfig: buildOpenAIGenerationConfig(openaiReq, targetModel),
		SessionID:        sessionID,
	}
	if len(systemParts) > 0 {
		innerRequest.SystemInstruction = &GeminiContent{Role: "user", Parts: systemParts}
	}
	if len(tools) > 0 {
		innerRequest.Tools = tools
		innerRequest.ToolConfig = &GeminiToolConfig{
			FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "VALIDATED"},
		}
	}

	return &V1InternalRequest{
		Project:   projectID,
		RequestID: NewRequestID(),
		UserAgent: "antigravity",
		Model:     targetModel,
		Request:   innerRequest,
	}, sessionID, nil
}

// openaiTextContent 提取 content 的纯文本（字符串或 parts 数组）
func openaiTextContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return str
	}
	var blocks []map[string]any
	if err := json.Unmarshal(content, &blocks); err == nil {
		var texts []string
		for _, block := range blocks {
			if block["type"] == "text" {
				if text, ok := block["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

func buildOpenAIContents(messages []OpenAIMessage, toolCallIDToName map[string]string) ([]GeminiContent, error) {
	var contents []GeminiContent

	for i, msg := range messages {
		var role string
		var parts []GeminiPart

		switch msg.Role {
		case "user", "system":
			role = "user"
			parts = openaiContentParts(msg.Content)

		case "assistant":
			role = "model"
			if text := openaiTextContent(msg.Content); strings.TrimSpace(text) != "" {
				parts = append(parts, GeminiPart{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" && tc.Function.Name != "" {
					toolCallIDToName[tc.ID] = tc.Function.Name
				}
				part := GeminiPart{
					FunctionCall: &GeminiFunctionCall{
						ID:   tc.ID,
						Name: SanitizeToolName(tc.Function.Name),
						Args: json.RawMessage(tc.Function.Arguments),
					},
				}
				if cached := DefaultSignatureCache.Get(tc.ID); cached != "" {
					part.ThoughtSignature = cached
				}
				parts = append(parts, part)
			}

		case "tool":
			role = "user"
			funcName := msg.Name
			if funcName == "" {
				if name, ok := toolCallIDToName[msg.ToolCallID]; ok {
					funcName = name
				} else {
					funcName = msg.ToolCallID
				}
			}
			parts = append(parts, GeminiPart{
				FunctionResponse: &GeminiFunctionResponse{
					ID:   msg.ToolCallID,
					Name: SanitizeToolName(funcName),
					Response: map[string]any{
						"output": openaiTextContent(msg.Content),
					},
				},
			})

		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}

		if len(parts) == 0 {
			continue
		}
		contents = append(contents, GeminiContent{Role: role, Parts: parts})
	}
	return contents, nil
}

// openaiContentParts 拆分 content 为 text / inline image parts
func openaiContentParts(content json.RawMessage) []GeminiPart {
	if len(content) == 0 {
		return nil
	}

	var parts []GeminiPart
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		if strings.TrimSpace(str) != "" {
			parts = append(parts, GeminiPart{Text: str})
		}
		return parts
	}

	var blocks []map[string]any
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	for _, block := range blocks {
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok && strings.TrimSpace(text) != "" {
				parts = append(parts, GeminiPart{Text: text})
			}
		case "image_url":
			imageURL, _ := block["image_url"].(map[string]any)
			url, _ := imageURL["url"].(string)
			if m := dataImageRe.FindStringSubmatch(url); len(m) == 3 {
				parts = append(parts, GeminiPart{
					InlineData: &GeminiInlineData{
						MimeType: "image/" + m[1],
						Data:     m[2],
					},
				})
			}
		}
	}
	return parts
}

func buildOpenAIGenerationConfig(req *OpenAIRequest, targetModel string) *GeminiGenerationConfig {
	config := &GeminiGenerationConfig{}

	maxTokens := req.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = CapMaxOutputTokens(targetModel, maxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = req.Temperature
	}
	if req.TopP != nil {
		config.TopP = req.TopP
	}

	if len(req.Stop) > 0 {
		var single string
		if err := json.Unmarshal(req.Stop, &single); err == nil {
			config.StopSequences = []string{single}
		} else {
			var multi []string
			if err := json.Unmarshal(req.Stop, &multi); err == nil {
				config.StopSequences = multi
			}
		}
	}

	// reasoning_effort 映射 thinking 预算
	if req.ReasoningEffort != "" && IsThinkingModel(targetModel) {
		budget := 0
		switch req.ReasoningEffort {
		case "low":
			budget = thinkingBudgetLow
		case "medium":
			budget = thinkingBudgetMedium
		case "high":
			budget = thinkingBudgetHigh
		}
		if budget > 0 {
			config.ThinkingConfig = &GeminiThinkingConfig{
				IncludeThoughts: true,
				ThinkingBudget:  budget,
			}
		}
	}

	return config
}

func buildOpenAITools(tools []OpenAITool, sessionID, model string) []GeminiToolDeclaration {
	if len(tools) == 0 {
		return nil
	}

	var funcDecls []GeminiFunctionDecl
	for _, tool := range tools {
		if tool.Type != "function" || strings.TrimSpace(tool.Function.Name) == "" {
			log.Printf("Warning: skipping unsupported tool type=%s name=%s", tool.Type, tool.Function.Name)
			continue
		}

		sanitized := SanitizeToolName(tool.Function.Name)
		if sanitized != tool.Function.Name {
			DefaultToolNameCache.Set(sessionID, model, sanitized, tool.Function.Name)
		}

		params := tool.Function.Parameters
		DeepCleanUndefined(params)

		funcDecls = append(funcDecls, GeminiFunctionDecl{
			Name:        sanitized,
			Description: tool.Function.Description,
			Parameters:  CleanJSONSchema(params),
		})
	}

	if len(funcDecls) == 0 {
		return nil
	}
	return []GeminiToolDeclaration{{FunctionDeclarations: funcDecls}}
}
