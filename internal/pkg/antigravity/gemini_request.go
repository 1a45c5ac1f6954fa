package antigravity

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TransformGeminiToNative 将 Gemini generateContent 请求包装为 v1internal 格式
// 近似恒等转换：移除 safetySettings（上游不支持）、有工具时强制
// functionCallingConfig.mode=VALIDATED、补齐 functionCall/functionResponse 的 id 配对
func TransformGeminiToNative(body []byte, projectID, model string) ([]byte, string, error) {
	cleaned, err := sjson.DeleteBytes(body, "safetySettings")
	if err != nil {
		cleaned = body
	}

	if gjson.GetBytes(cleaned, "tools").Exists() {
		cleaned, err = sjson.SetBytes(cleaned, "toolConfig.functionCallingConfig.mode", "VALIDATED")
		if err != nil {
			return nil, "", fmt.Errorf("set toolConfig: %w", err)
		}
	}

	// 反序列化为 map（相当于深拷贝），做 id 配对等结构性修改
	var request map[string]any
	if err := json.Unmarshal(cleaned, &request); err != nil {
		return nil, "", fmt.Errorf("parse gemini request: %w", err)
	}

	pairFunctionCallIDs(request)

	sessionID := geminiSessionID(request)
	request["sessionId"] = sessionID

	targetModel := NormalizeModel(model)
	capGeminiMaxOutputTokens(request, targetModel)

	payload := map[string]any{
		"project":   projectID,
		"requestId": NewRequestID(),
		"userAgent": "antigravity",
		"model":     targetModel,
		"request":   request,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return out, sessionID, nil
}

// geminiSessionID 在原生请求 map 上计算稳定 session ID
func geminiSessionID(request map[string]any) string {
	contents, _ := request["contents"].([]any)
	var converted []GeminiContent
	for _, c := range contents {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		role, _ := cm["role"].(string)
		content := GeminiContent{Role: role}
		if parts, ok := cm["parts"].([]any); ok {
			for _, p := range parts {
				pm, ok := p.(map[string]any)
				if !ok {
					continue
				}
				text, _ := pm["text"].(string)
				thought, _ := pm["thought"].(bool)
				content.Parts = append(content.Parts, GeminiPart{Text: text, Thought: thought})
			}
		}
		converted = append(converted, content)
	}
	return StableSessionID(converted)
}

// pairFunctionCallIDs 为缺 id 的 functionCall 生成 id，并按位置顺序
// 配对到同样缺 id 的 functionResponse（取两者较短的列表）
func pairFunctionCallIDs(request map[string]any) {
	contents, _ := request["contents"].([]any)

	var calls []map[string]any     // 缺 id 的 functionCall
	var responses []map[string]any // 缺 id 的 functionResponse

	for _, c := range contents {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		parts, _ := cm["parts"].([]any)
		for _, p := range parts {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if fc, ok := pm["functionCall"].(map[string]any); ok {
				if id, _ := fc["id"].(string); id == "" {
					calls = append(calls, fc)
				}
			}
			if fr, ok := pm["functionResponse"].(map[string]any); ok {
				if id, _ := fr["id"].(string); id == "" {
					responses = append(responses, fr)
				}
			}
		}
	}

	for i, fc := range calls {
		id := NewToolCallID()
		fc["id"] = id
		if i < len(responses) {
			responses[i]["id"] = id
		}
	}
	// 多出的 functionResponse 单独补 id，避免上游校验缺字段
	for i := len(calls); i < len(responses); i++ {
		responses[i]["id"] = NewToolCallID()
	}
}

// capGeminiMaxOutputTokens 应用 Gemini 系列输出上限
func capGeminiMaxOutputTokens(request map[string]any, model string) {
	gc, ok := request["generationConfig"].(map[string]any)
	if !ok {
		return
	}
	if v, ok := gc["maxOutputTokens"].(float64); ok {
		capped := CapMaxOutputTokens(model, int(v))
		if capped != int(v) {
			gc["maxOutputTokens"] = capped
		}
	}
}
