package antigravity

import "strings"

const maxToolNameLength = 128

// SanitizeToolName 将工具名收敛到上游接受的 [A-Za-z0-9_-] 字符集
// 非法字符替换为 _，去掉首尾 _，空名回退为 "tool"，长度上限 128
func SanitizeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	sanitized := strings.Trim(b.String(), "_")
	if sanitized == "" {
		sanitized = "tool"
	}
	if len(sanitized) > maxToolNameLength {
		sanitized = sanitized[:maxToolNameLength]
	}
	return sanitized
}

// schema 字段白名单，Gemini v1internal 只接受这些字段
var allowedSchemaFields = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"title":       true,
	"format":      true,
}

// CleanJSONSchema 按白名单清理 JSON Schema，const 转为等价 enum，
// 嵌套 properties/items 递归处理
func CleanJSONSchema(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}

	cleaned := make(map[string]any, len(schema))
	for key, value := range schema {
		if key == "const" {
			cleaned["enum"] = []any{value}
			continue
		}
		if !allowedSchemaFields[key] {
			continue
		}

		switch key {
		case "properties":
			if props, ok := value.(map[string]any); ok {
				newProps := make(map[string]any, len(props))
				for propKey, propValue := range props {
					if propMap, ok := propValue.(map[string]any); ok {
						newProps[propKey] = CleanJSONSchema(propMap)
					} else {
						newProps[propKey] = propValue
					}
				}
				cleaned["properties"] = newProps
			}
		case "items":
			switch items := value.(type) {
			case map[string]any:
				cleaned["items"] = CleanJSONSchema(items)
			case []any:
				newItems := make([]any, 0, len(items))
				for _, item := range items {
					if itemMap, ok := item.(map[string]any); ok {
						newItems = append(newItems, CleanJSONSchema(itemMap))
					} else {
						newItems = append(newItems, item)
					}
				}
				cleaned["items"] = newItems
			default:
				cleaned["items"] = value
			}
		default:
			cleaned[key] = value
		}
	}

	if _, ok := cleaned["type"]; !ok {
		cleaned["type"] = "object"
	}
	return cleaned
}

// DeepCleanUndefined 深度移除 "[undefined]" 占位值（部分客户端序列化缺陷）
func DeepCleanUndefined(value any) {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			if s, ok := item.(string); ok && s == "[undefined]" {
				delete(v, key)
				continue
			}
			DeepCleanUndefined(item)
		}
	case []any:
		for _, item := range v {
			DeepCleanUndefined(item)
		}
	}
}
