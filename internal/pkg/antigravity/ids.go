package antigravity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewRequestID 生成 v1internal requestId
func NewRequestID() string {
	return "agent-" + uuid.New().String()
}

// NewToolCallID 为缺失 id 的 functionCall 生成工具调用 id
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// StableSessionID 基于首条 user 文本生成稳定 session ID
// SHA-256 截断为 32 位 hex，作为工具名缓存的会话命名空间；
// 无用户文本时回退为随机 UUID
func StableSessionID(contents []GeminiContent) string {
	for _, content := range contents {
		if content.Role != "user" {
			continue
		}
		for _, part := range content.Parts {
			if part.Text != "" && !part.Thought {
				h := sha256.Sum256([]byte(part.Text))
				return hex.EncodeToString(h[:])[:32]
			}
		}
	}
	return uuid.New().String()
}
