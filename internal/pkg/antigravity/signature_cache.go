package antigravity

import (
	"sync"
	"time"
)

const (
	// SignatureCacheTTL thoughtSignature 缓存有效期
	SignatureCacheTTL = 2 * time.Hour

	// MinSignatureLength 小于该长度的 signature 视为占位符，不缓存
	MinSignatureLength = 50

	signatureSweepInterval = 5 * time.Minute
)

// DummyThoughtSignature 用于跳过 Gemini 3 thought_signature 校验
// 参考: https://ai.google.dev/gemini-api/docs/thought-signatures
const DummyThoughtSignature = "skip_thought_signature_validator"

// SignatureCache 缓存 tool_use_id -> thoughtSignature
// Gemini thinking 模型要求工具调用携带 thoughtSignature，但 Claude 客户端
// 会丢弃非标准字段；出站时记录、入站时回填。
// 后台清扫在缓存清空后自停，下次写入时重启。
type SignatureCache struct {
	mu       sync.Mutex
	entries  map[string]signatureEntry
	ttl      time.Duration
	interval time.Duration
	sweeping bool
	stopCh   chan struct{}
}

type signatureEntry struct {
	signature  string
	insertedAt time.Time
}

// NewSignatureCache 创建 signature 缓存
func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		entries:  make(map[string]signatureEntry),
		ttl:      SignatureCacheTTL,
		interval: signatureSweepInterval,
	}
}

// Set 记录 signature；占位符（长度 < MinSignatureLength）忽略
func (c *SignatureCache) Set(toolUseID, signature string) {
	if toolUseID == "" || len(signature) < MinSignatureLength {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[toolUseID] = signatureEntry{signature: signature, insertedAt: time.Now()}
	c.startSweepLocked()
}

// Get 读取 signature，过期条目读取时清除
func (c *SignatureCache) Get(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[toolUseID]
	if !ok {
		return ""
	}
	if time.Since(entry.insertedAt) > c.ttl {
		delete(c.entries, toolUseID)
		return ""
	}
	return entry.signature
}

// Len 当前条目数
func (c *SignatureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop 停止后台清扫（进程退出时调用）
func (c *SignatureCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSweepLocked()
}

func (c *SignatureCache) startSweepLocked() {
	if c.sweeping {
		return
	}
	c.sweeping = true
	c.stopCh = make(chan struct{})
	go c.sweep(c.stopCh)
}

func (c *SignatureCache) stopSweepLocked() {
	if !c.sweeping {
		return
	}
	c.sweeping = false
	close(c.stopCh)
}

func (c *SignatureCache) sweep(stopCh chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for id, entry := range c.entries {
				if now.Sub(entry.insertedAt) > c.ttl {
					delete(c.entries, id)
				}
			}
			// map 清空后自停，避免空转 goroutine 挂住进程
			if len(c.entries) == 0 {
				c.stopSweepLocked()
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}
