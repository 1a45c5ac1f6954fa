package antigravity

import (
	"regexp"
	"strconv"
	"strings"
)

// ModelFamily 模型家族
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// haiku 请求统一降级到 flash-lite
const haikuRedirectModel = "gemini-2.5-flash-lite"

// Gemini 系列单次输出上限
const geminiMaxOutputTokens = 16384

var (
	dateSuffixRe    = regexp.MustCompile(`-\d{8}$`)
	geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)
)

// GetModelFamily 根据模型名判断家族（大小写不敏感）
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

// NormalizeModel 规范化模型名：去掉 -YYYYMMDD 日期后缀，haiku 重定向到 flash-lite
func NormalizeModel(modelName string) string {
	name := dateSuffixRe.ReplaceAllString(modelName, "")
	if strings.Contains(strings.ToLower(name), "haiku") {
		return haikuRedirectModel
	}
	return name
}

// IsThinkingModel 判断模型是否输出 thinking
// Claude: 名称含 "thinking"；Gemini: 名称含 "thinking" 或主版本号 >= 3
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	switch GetModelFamily(lower) {
	case ModelFamilyClaude:
		return strings.Contains(lower, "thinking")
	case ModelFamilyGemini:
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); len(m) >= 2 {
			if version, err := strconv.Atoi(m[1]); err == nil && version >= 3 {
				return true
			}
		}
	}
	return false
}

// CapMaxOutputTokens 对 Gemini 系列应用输出上限
func CapMaxOutputTokens(modelName string, maxOutputTokens int) int {
	if GetModelFamily(modelName) == ModelFamilyGemini && maxOutputTokens > geminiMaxOutputTokens {
		return geminiMaxOutputTokens
	}
	return maxOutputTokens
}

// SupportedModel 公开模型表条目，/v1/models 与 /v1beta/models 使用
type SupportedModel struct {
	ID          string
	DisplayName string
	Family      ModelFamily
}

// SupportedModels 网关对外公布的模型列表
var SupportedModels = []SupportedModel{
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Family: ModelFamilyClaude},
	{ID: "claude-sonnet-4-5-thinking", DisplayName: "Claude Sonnet 4.5 (Thinking)", Family: ModelFamilyClaude},
	{ID: "claude-opus-4-5-thinking", DisplayName: "Claude Opus 4.5 (Thinking)", Family: ModelFamilyClaude},
	{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", Family: ModelFamilyGemini},
	{ID: "gemini-2.5-flash-lite", DisplayName: "Gemini 2.5 Flash Lite", Family: ModelFamilyGemini},
	{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", Family: ModelFamilyGemini},
	{ID: "gemini-3-flash", DisplayName: "Gemini 3 Flash", Family: ModelFamilyGemini},
	{ID: "gemini-3-pro-high", DisplayName: "Gemini 3 Pro (High)", Family: ModelFamilyGemini},
	{ID: "gemini-3-pro-low", DisplayName: "Gemini 3 Pro (Low)", Family: ModelFamilyGemini},
}

// FindSupportedModel 按 ID 查找公开模型
func FindSupportedModel(id string) (SupportedModel, bool) {
	for _, m := range SupportedModels {
		if m.ID == id {
			return m, true
		}
	}
	return SupportedModel{}, false
}
