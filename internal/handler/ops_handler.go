package handler

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/service"
)

// OpsHandler 运维端点：健康检查、手动刷新、限流状态
type OpsHandler struct {
	pool      *service.AccountPool
	tokens    *service.TokenProvider
	startedAt time.Time
}

func NewOpsHandler(pool *service.AccountPool, tokens *service.TokenProvider) *OpsHandler {
	return &OpsHandler{pool: pool, tokens: tokens, startedAt: time.Now()}
}

// Health GET /health
func (h *OpsHandler) Health(c *gin.Context) {
	status := h.pool.Status()

	system := gin.H{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		system["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memory_percent"] = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
			system["process_rss_bytes"] = rss.RSS
		}
	}

	healthy := status.Available > 0 || status.Total == 0
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":         map[bool]string{true: "ok", false: "degraded"}[healthy],
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"accounts":       gin.H{"total": status.Total, "available": status.Available, "summary": status.Summary},
		"system":         system,
	})
}

// RefreshToken POST /refresh-token
// 对所有持 refresh_token 的账号强制刷新
func (h *OpsHandler) RefreshToken(c *gin.Context) {
	results := make([]gin.H, 0)
	for _, account := range h.pool.List() {
		if account.RefreshToken == "" {
			results = append(results, gin.H{"email": account.Email, "ok": false, "error": "no refresh token"})
			continue
		}
		_, err := h.tokens.Refresh(c.Request.Context(), account)
		entry := gin.H{"email": account.Email, "ok": err == nil}
		if err != nil {
			entry["error"] = err.Error()
		}
		results = append(results, entry)
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// AccountLimits GET /account-limits
func (h *OpsHandler) AccountLimits(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Status())
}
