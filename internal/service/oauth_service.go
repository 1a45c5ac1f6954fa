package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
)

// oauthStateTTL 授权会话有效期
const oauthStateTTL = 10 * time.Minute

// oauthSession 一次进行中的授权（PKCE state -> verifier）
type oauthSession struct {
	verifier    string
	redirectURI string
	expiresAt   time.Time
}

// OAuthService 管理添加账号的 Google OAuth 授权码流程（PKCE）
type OAuthService struct {
	pool       *AccountPool
	projects   *ProjectResolver
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]oauthSession
}

func NewOAuthService(pool *AccountPool, projects *ProjectResolver) *OAuthService {
	return &OAuthService{
		pool:       pool,
		projects:   projects,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sessions:   make(map[string]oauthSession),
	}
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BeginAuth 生成授权 URL；state 对应的 verifier 暂存待回调
func (s *OAuthService) BeginAuth(redirectURI string) (authURL, state string, err error) {
	state, err = randomURLSafe(16)
	if err != nil {
		return "", "", err
	}
	verifier, err := randomURLSafe(32)
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	// 顺带清理过期会话
	now := time.Now()
	for k, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, k)
		}
	}
	s.sessions[state] = oauthSession{
		verifier:    verifier,
		redirectURI: redirectURI,
		expiresAt:   now.Add(oauthStateTTL),
	}
	s.mu.Unlock()

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	q := url.Values{}
	q.Set("client_id", antigravity.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", antigravity.Scopes)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	return antigravity.AuthorizeURL + "?" + q.Encode(), state, nil
}

// CompleteAuth 回调处理：换码、取邮箱、发现 project、入池
func (s *OAuthService) CompleteAuth(ctx context.Context, state, code string) (*Account, error) {
	s.mu.Lock()
	sess, ok := s.sessions[state]
	delete(s.sessions, state)
	s.mu.Unlock()
	if !ok || time.Now().After(sess.expiresAt) {
		return nil, fmt.Errorf("unknown or expired oauth state")
	}

	tokens, err := s.exchangeCode(ctx, code, sess.verifier, sess.redirectURI)
	if err != nil {
		return nil, err
	}

	email, err := s.fetchEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	account := &Account{
		Email:                email,
		AccessToken:          tokens.AccessToken,
		RefreshToken:         tokens.RefreshToken,
		AccessTokenExpiresAt: time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli(),
		Source:               AccountSourceOAuth,
		AddedAt:              time.Now().UnixMilli(),
	}

	// project 发现失败不阻塞添加，首个请求会再试
	if projectID, err := s.projects.GetProject(ctx, account, tokens.AccessToken); err == nil {
		account.ProjectID = projectID
	} else {
		logger.L().Warn("oauth_project_discovery_failed",
			zap.String("email", email), zap.Error(err))
	}

	if err := s.pool.AddOrReplace(account); err != nil {
		return nil, err
	}
	logger.L().Info("oauth_account_added", zap.String("email", email))
	return account.Clone(), nil
}

func (s *OAuthService) exchangeCode(ctx context.Context, code, verifier, redirectURI string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", antigravity.ClientID)
	form.Set("client_secret", antigravity.ClientSecret)
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, antigravity.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth code exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth code exchange: status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("oauth code exchange: parse response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("oauth code exchange: empty access_token")
	}
	return &tr, nil
}

func (s *OAuthService) fetchEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, antigravity.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch userinfo: status %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo missing email")
	}
	return strings.ToLower(info.Email), nil
}
