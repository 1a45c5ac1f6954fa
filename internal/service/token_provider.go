package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
)

// tokenSafetyWindow 提前刷新窗口：过期前 60s 内视为已过期
const tokenSafetyWindow = 60 * time.Second

// ErrRefreshFailed 刷新端点返回 400/401，refresh_token 已不可用
type RefreshFailedError struct {
	Email      string
	StatusCode int
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed: email=%s status=%d", e.Email, e.StatusCode)
}

// tokenResponse Google OAuth token 端点响应
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// TokenProvider 提供有效 access_token。
// 同一账号的刷新经 singleflight 串行化，并发等待者共享同一次刷新结果。
type TokenProvider struct {
	pool       *AccountPool
	httpClient *http.Client
	timeout    time.Duration
	tokenURL   string
	group      singleflight.Group
}

// NewTokenProvider 创建 token provider；timeout 为单次刷新超时
func NewTokenProvider(pool *AccountPool, timeout time.Duration) *TokenProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenProvider{
		pool:       pool,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		tokenURL:   antigravity.TokenURL,
	}
}

// GetAccessToken 返回可用 token。
// 距离过期超过安全窗口直接用缓存；否则触发（或等待在途的）刷新。
func (p *TokenProvider) GetAccessToken(ctx context.Context, account *Account) (string, error) {
	if !account.TokenExpired(tokenSafetyWindow, time.Now()) {
		return account.AccessToken, nil
	}
	return p.Refresh(ctx, account)
}

// Refresh 强制刷新；同账号并发调用合并为一次 RPC
func (p *TokenProvider) Refresh(ctx context.Context, account *Account) (string, error) {
	token, err, _ := p.group.Do(account.Email, func() (interface{}, error) {
		// 进入临界区后重读池内状态：前一个等待者可能已刷新完成
		fresh, err := p.pool.Get(account.Email)
		if err != nil {
			return "", err
		}
		if !fresh.TokenExpired(tokenSafetyWindow, time.Now()) {
			return fresh.AccessToken, nil
		}
		return p.doRefresh(ctx, fresh)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (p *TokenProvider) doRefresh(ctx context.Context, account *Account) (string, error) {
	if account.RefreshToken == "" {
		p.pool.MarkInvalid(account.Email, "refresh failed: no refresh token")
		return "", &RefreshFailedError{Email: account.Email, StatusCode: 0}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("client_id", antigravity.ClientID)
	form.Set("client_secret", antigravity.ClientSecret)
	form.Set("refresh_token", account.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// 网络错误是瞬态的，不碰账号状态
		return "", fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		p.pool.MarkInvalid(account.Email, "refresh failed")
		logger.L().Warn("token_refresh_rejected",
			zap.String("email", account.Email),
			zap.Int("status", resp.StatusCode))
		return "", &RefreshFailedError{Email: account.Email, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh: unexpected status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("token refresh: parse response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token refresh: empty access_token")
	}

	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()
	p.pool.UpdateTokens(account.Email, tr.AccessToken, tr.RefreshToken, expiresAt)
	logger.L().Info("token_refreshed",
		zap.String("email", account.Email),
		zap.Int64("expires_in", tr.ExpiresIn))
	return tr.AccessToken, nil
}

// Revalidate 清除失效标记；OAuth 且有 refresh_token 的账号强制刷新验证
func (p *TokenProvider) Revalidate(ctx context.Context, email string) error {
	if err := p.pool.ClearInvalid(email); err != nil {
		return err
	}
	account, err := p.pool.Get(email)
	if err != nil {
		return err
	}
	if account.Source == AccountSourceOAuth && account.RefreshToken != "" {
		if _, err := p.Refresh(ctx, account); err != nil {
			return err
		}
	}
	return nil
}
