package antigravity

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// ToolNameCacheTTL 工具名映射有效期
	ToolNameCacheTTL = 30 * time.Minute

	// ToolNameCacheCap 条目上限，超出按插入顺序淘汰
	ToolNameCacheCap = 512

	toolNameSweepInterval = 10 * time.Minute
)

// ToolNameCache 缓存 (sessionID, model, sanitized) -> 原始工具名
// 入站声明清洗时写入，出站 functionCall 还原时读取。
// 容量有上限（FIFO 淘汰），清扫 goroutine 在缓存清空后自停。
type ToolNameCache struct {
	mu       sync.Mutex
	entries  map[string]toolNameEntry
	order    []string // 插入顺序，FIFO 淘汰用
	ttl      time.Duration
	interval time.Duration
	sweeping bool
	stopCh   chan struct{}
}

type toolNameEntry struct {
	original   string
	insertedAt time.Time
}

// NewToolNameCache 创建工具名缓存
func NewToolNameCache() *ToolNameCache {
	return &ToolNameCache{
		entries:  make(map[string]toolNameEntry),
		ttl:      ToolNameCacheTTL,
		interval: toolNameSweepInterval,
	}
}

// toolNameKey 组合键做 xxhash 压缩，避免长 session/model/name 拼接占内存
func toolNameKey(sessionID, model, sanitized string) string {
	d := xxhash.New()
	_, _ = d.WriteString(sessionID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(model)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(sanitized)
	return strconv.FormatUint(d.Sum64(), 36)
}

// Set 写入映射
func (c *ToolNameCache) Set(sessionID, model, sanitized, original string) {
	if sanitized == "" || original == "" {
		return
	}

	key := toolNameKey(sessionID, model, sanitized)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = toolNameEntry{original: original, insertedAt: time.Now()}

	// 超出容量按插入顺序淘汰
	for len(c.entries) > ToolNameCacheCap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.startSweepLocked()
}

// Get 读取原始名；未命中或过期返回 ""
func (c *ToolNameCache) Get(sessionID, model, sanitized string) string {
	key := toolNameKey(sessionID, model, sanitized)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return ""
	}
	if time.Since(entry.insertedAt) > c.ttl {
		delete(c.entries, key)
		return ""
	}
	return entry.original
}

// Len 当前条目数
func (c *ToolNameCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop 停止后台清扫
func (c *ToolNameCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSweepLocked()
}

func (c *ToolNameCache) startSweepLocked() {
	if c.sweeping {
		return
	}
	c.sweeping = true
	c.stopCh = make(chan struct{})
	go c.sweep(c.stopCh)
}

func (c *ToolNameCache) stopSweepLocked() {
	if !c.sweeping {
		return
	}
	c.sweeping = false
	close(c.stopCh)
}

func (c *ToolNameCache) sweep(stopCh chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			kept := c.order[:0]
			for _, key := range c.order {
				entry, ok := c.entries[key]
				if !ok {
					continue
				}
				if now.Sub(entry.insertedAt) > c.ttl {
					delete(c.entries, key)
					continue
				}
				kept = append(kept, key)
			}
			c.order = kept
			if len(c.entries) == 0 {
				c.stopSweepLocked()
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}
