//go:build unit

package antigravity

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validSignature(seed string) string {
	return seed + strings.Repeat("x", MinSignatureLength)
}

func TestSignatureCache_RoundTrip(t *testing.T) {
	cache := NewSignatureCache()
	defer cache.Stop()

	sig := validSignature("sig-")
	cache.Set("call_abc", sig)
	require.Equal(t, sig, cache.Get("call_abc"))
	require.Equal(t, 1, cache.Len())
}

func TestSignatureCache_PlaceholderIgnored(t *testing.T) {
	cache := NewSignatureCache()
	defer cache.Stop()

	// 短于 MinSignatureLength 的是占位符，不缓存
	cache.Set("call_abc", "short")
	cache.Set("call_abc", DummyThoughtSignature)
	require.Empty(t, cache.Get("call_abc"))
	require.Equal(t, 0, cache.Len())
}

func TestSignatureCache_ExpiryOnRead(t *testing.T) {
	cache := NewSignatureCache()
	defer cache.Stop()

	cache.Set("call_abc", validSignature("old-"))

	// 手动做旧，读取时应清除
	cache.mu.Lock()
	entry := cache.entries["call_abc"]
	entry.insertedAt = time.Now().Add(-SignatureCacheTTL - time.Minute)
	cache.entries["call_abc"] = entry
	cache.mu.Unlock()

	require.Empty(t, cache.Get("call_abc"))
	require.Equal(t, 0, cache.Len())
}

func TestSignatureCache_EmptyIDIgnored(t *testing.T) {
	cache := NewSignatureCache()
	defer cache.Stop()

	cache.Set("", validSignature("x-"))
	require.Equal(t, 0, cache.Len())
}

func TestToolNameCache_RoundTrip(t *testing.T) {
	cache := NewToolNameCache()
	defer cache.Stop()

	cache.Set("session1", "claude-sonnet-4-5", "my_tool", "my.tool!")
	require.Equal(t, "my.tool!", cache.Get("session1", "claude-sonnet-4-5", "my_tool"))
}

func TestToolNameCache_NamespaceIsolation(t *testing.T) {
	cache := NewToolNameCache()
	defer cache.Stop()

	// 两个不同原始名 sanitize 到同一个安全名，但 session/model 不同，互不覆盖
	cache.Set("sessionA", "claude-sonnet-4-5", "my_tool", "my.tool")
	cache.Set("sessionB", "claude-sonnet-4-5", "my_tool", "my/tool")
	cache.Set("sessionA", "gemini-2.5-pro", "my_tool", "my!tool")

	require.Equal(t, "my.tool", cache.Get("sessionA", "claude-sonnet-4-5", "my_tool"))
	require.Equal(t, "my/tool", cache.Get("sessionB", "claude-sonnet-4-5", "my_tool"))
	require.Equal(t, "my!tool", cache.Get("sessionA", "gemini-2.5-pro", "my_tool"))
}

func TestToolNameCache_FIFOEviction(t *testing.T) {
	cache := NewToolNameCache()
	defer cache.Stop()

	for i := 0; i < ToolNameCacheCap+10; i++ {
		cache.Set("session", "model", fmt.Sprintf("tool_%d", i), fmt.Sprintf("tool.%d", i))
	}
	require.Equal(t, ToolNameCacheCap, cache.Len())

	// 最早插入的已被淘汰，最新的还在
	require.Empty(t, cache.Get("session", "model", "tool_0"))
	require.Equal(t, fmt.Sprintf("tool.%d", ToolNameCacheCap+9),
		cache.Get("session", "model", fmt.Sprintf("tool_%d", ToolNameCacheCap+9)))
}

func TestToolNameCache_ExpiryOnRead(t *testing.T) {
	cache := NewToolNameCache()
	defer cache.Stop()

	cache.Set("session", "model", "my_tool", "my.tool")

	key := toolNameKey("session", "model", "my_tool")
	cache.mu.Lock()
	entry := cache.entries[key]
	entry.insertedAt = time.Now().Add(-ToolNameCacheTTL - time.Minute)
	cache.entries[key] = entry
	cache.mu.Unlock()

	require.Empty(t, cache.Get("session", "model", "my_tool"))
}
