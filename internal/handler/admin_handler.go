package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/config"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/service"
)

// AdminHandler 管理面：登录、账号 CRUD、导入导出、运维动作
type AdminHandler struct {
	cfg    *config.Config
	pool   *service.AccountPool
	tokens *service.TokenProvider
	oauth  *service.OAuthService
}

func NewAdminHandler(cfg *config.Config, pool *service.AccountPool, tokens *service.TokenProvider, oauth *service.OAuthService) *AdminHandler {
	return &AdminHandler{cfg: cfg, pool: pool, tokens: tokens, oauth: oauth}
}

// Login POST /admin/login
func (h *AdminHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if h.cfg.Admin.Password == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin password not configured"})
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.Admin.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.Admin.Password)) == 1
	if !userOK || !passOK {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	expiresAt := time.Now().Add(time.Duration(h.cfg.JWT.ExpireHours) * time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Username,
		"exp": expiresAt.Unix(),
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(h.cfg.JWT.Secret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "expires_at": expiresAt.Unix()})
}

// ListAccounts GET /admin/accounts
func (h *AdminHandler) ListAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Status())
}

// AddAccount POST /admin/accounts
// 手动添加：直接提交 refresh_token（可带 access_token）
func (h *AdminHandler) AddAccount(c *gin.Context) {
	var account service.Account
	if err := c.ShouldBindJSON(&account); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if account.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	if account.Source == "" {
		account.Source = service.AccountSourceManual
	}
	if err := h.pool.AddOrReplace(&account); err != nil {
		if errors.Is(err, service.ErrCapacityExceeded) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": account.Email})
}

// DeleteAccount DELETE /admin/accounts/:email
func (h *AdminHandler) DeleteAccount(c *gin.Context) {
	email := c.Param("email")
	if err := h.pool.Delete(email); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": email})
}

// RevalidateAccount POST /admin/accounts/:email/revalidate
func (h *AdminHandler) RevalidateAccount(c *gin.Context) {
	email := c.Param("email")
	if err := h.tokens.Revalidate(c.Request.Context(), email); err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": email, "revalidated": true})
}

// ClearRateLimits POST /admin/accounts/clear-limits
func (h *AdminHandler) ClearRateLimits(c *gin.Context) {
	cleared := h.pool.ResetAllRateLimits()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// ClearTokenCaches POST /admin/accounts/clear-token-caches
func (h *AdminHandler) ClearTokenCaches(c *gin.Context) {
	cleared := h.pool.ClearAllTokenCaches()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// ExportAccounts GET /admin/accounts/export
func (h *AdminHandler) ExportAccounts(c *gin.Context) {
	data, err := service.Export(h.pool.List())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="accounts.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

// ImportAccounts POST /admin/accounts/import?mode=merge|replace
func (h *AdminHandler) ImportAccounts(c *gin.Context) {
	mode := c.DefaultQuery("mode", "merge")
	if mode != "merge" && mode != "replace" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be merge or replace"})
		return
	}

	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	incoming, err := service.ParseImport(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if mode == "replace" {
		for _, existing := range h.pool.List() {
			_ = h.pool.Delete(existing.Email)
		}
	}

	imported := 0
	var failed []gin.H
	for _, account := range incoming {
		if account.Email == "" {
			continue
		}
		account.Source = service.AccountSourceImport
		if err := h.pool.AddOrReplace(account); err != nil {
			failed = append(failed, gin.H{"email": account.Email, "error": err.Error()})
			continue
		}
		imported++
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported, "failed": failed, "mode": mode})
}

// BeginOAuth GET /admin/oauth/url
func (h *AdminHandler) BeginOAuth(c *gin.Context) {
	redirectURI := c.Query("redirect_uri")
	if redirectURI == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		redirectURI = scheme + "://" + c.Request.Host + "/admin/oauth/callback"
	}
	authURL, state, err := h.oauth.BeginAuth(redirectURI)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": authURL, "state": state})
}

// OAuthCallback GET /admin/oauth/callback
func (h *AdminHandler) OAuthCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state and code are required"})
		return
	}
	account, err := h.oauth.CompleteAuth(c.Request.Context(), state, code)
	if err != nil {
		if errors.Is(err, service.ErrCapacityExceeded) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": account.Email, "project_id": account.ProjectID})
}
