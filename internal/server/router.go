// Package server wires the HTTP routes and middleware.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/config"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/handler"
)

// Handlers 路由需要的全部 handler
type Handlers struct {
	OpenAI *handler.OpenAIHandler
	Claude *handler.ClaudeHandler
	Gemini *handler.GeminiHandler
	Ops    *handler.OpsHandler
	Admin  *handler.AdminHandler
}

// NewRouter 组装 gin 路由
func NewRouter(cfg *config.Config, h Handlers) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(), CORS())

	// OpenAI 兼容面
	r.POST("/v1/chat/completions", h.OpenAI.ChatCompletions)
	r.GET("/v1/models", h.OpenAI.ListModels)

	// Anthropic 兼容面
	r.POST("/v1/messages", h.Claude.Messages)

	// Gemini v1beta 原生面
	r.GET("/v1beta/models", h.Gemini.ListModels)
	r.POST("/v1beta/models/*modelAction", h.Gemini.ModelAction)
	r.GET("/v1beta/models/*modelAction", h.Gemini.ModelAction)

	// 运维端点
	r.GET("/health", h.Ops.Health)
	r.POST("/refresh-token", h.Ops.RefreshToken)
	r.GET("/account-limits", h.Ops.AccountLimits)

	// 管理面：登录和 OAuth 回调不鉴权，其余走 JWT
	r.POST("/admin/login", h.Admin.Login)
	r.GET("/admin/oauth/callback", h.Admin.OAuthCallback)

	admin := r.Group("/admin", AdminAuth(cfg.JWT.Secret))
	{
		admin.GET("/accounts", h.Admin.ListAccounts)
		admin.POST("/accounts", h.Admin.AddAccount)
		admin.DELETE("/accounts/:email", h.Admin.DeleteAccount)
		admin.POST("/accounts/:email/revalidate", h.Admin.RevalidateAccount)
		admin.POST("/accounts/clear-limits", h.Admin.ClearRateLimits)
		admin.POST("/accounts/clear-token-caches", h.Admin.ClearTokenCaches)
		admin.GET("/accounts/export", h.Admin.ExportAccounts)
		admin.POST("/accounts/import", h.Admin.ImportAccounts)
		admin.GET("/oauth/url", h.Admin.BeginOAuth)
	}

	return r
}

// NewHTTPServer 带超时配置的 http.Server；流式响应不能设 WriteTimeout
func NewHTTPServer(cfg *config.Config, r *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
}
