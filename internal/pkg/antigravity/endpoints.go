package antigravity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

const (
	// Google OAuth 端点
	AuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	TokenURL     = "https://oauth2.googleapis.com/token"
	UserInfoURL  = "https://www.googleapis.com/oauth2/v2/userinfo"

	// Antigravity OAuth 客户端凭证
	ClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	ClientSecret = "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"

	// OAuth scopes
	Scopes = "https://www.googleapis.com/auth/cloud-platform " +
		"https://www.googleapis.com/auth/userinfo.email " +
		"https://www.googleapis.com/auth/userinfo.profile"

	// URL 可用性 TTL（不可用 URL 的恢复时间）
	URLAvailabilityTTL = 5 * time.Minute

	// Antigravity API 端点
	antigravityDailyBaseURL = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	antigravityProdBaseURL  = "https://cloudcode-pa.googleapis.com"

	apiVersion = "v1internal"
)

// BaseURLs Antigravity API 端点（daily 优先，prod 备用）
var BaseURLs = []string{
	antigravityDailyBaseURL,
	antigravityProdBaseURL,
}

// UserAgent 与官方客户端一致的平台化 UA
var UserAgent = fmt.Sprintf("antigravity/1.11.5 %s/%s", runtime.GOOS, runtime.GOARCH)

const (
	apiClientHeader = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	clientMetadata  = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
)

// SetAPIHeaders 设置 Antigravity API 必需的请求头
func SetAPIHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Goog-Api-Client", apiClientHeader)
	req.Header.Set("Client-Metadata", clientMetadata)
}

// NewAPIRequestWithURL 构建 v1internal API 请求
// action 为 generateContent / streamGenerateContent / loadCodeAssist / onboardUser
func NewAPIRequestWithURL(ctx context.Context, baseURL, action, accessToken string, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/%s:%s", baseURL, apiVersion, action)
	if action == "streamGenerateContent" {
		url += "?alt=sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	SetAPIHeaders(req, accessToken)
	if action == "streamGenerateContent" {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// URLAvailability 管理端点可用性（带 TTL 自动恢复和动态优先级）
type URLAvailability struct {
	mu          sync.RWMutex
	unavailable map[string]time.Time // URL -> 恢复时间
	ttl         time.Duration
	lastSuccess string // 最近成功的 URL，优先使用
}

// DefaultURLAvailability 全局端点可用性管理器
var DefaultURLAvailability = NewURLAvailability(URLAvailabilityTTL)

func NewURLAvailability(ttl time.Duration) *URLAvailability {
	return &URLAvailability{
		unavailable: make(map[string]time.Time),
		ttl:         ttl,
	}
}

// MarkUnavailable 标记 URL 临时不可用
func (u *URLAvailability) MarkUnavailable(url string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unavailable[url] = time.Now().Add(u.ttl)
}

// MarkSuccess 标记 URL 请求成功，将其设为优先使用
func (u *URLAvailability) MarkSuccess(url string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastSuccess = url
	delete(u.unavailable, url)
}

// GetAvailableURLs 返回可用的 URL 列表，最近成功的优先，其余按默认顺序
func (u *URLAvailability) GetAvailableURLs() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	now := time.Now()
	result := make([]string, 0, len(BaseURLs))

	if u.lastSuccess != "" {
		for _, url := range BaseURLs {
			if url != u.lastSuccess {
				continue
			}
			expiry, exists := u.unavailable[url]
			if !exists || now.After(expiry) {
				result = append(result, url)
			}
		}
	}

	for _, url := range BaseURLs {
		if url == u.lastSuccess {
			continue
		}
		expiry, exists := u.unavailable[url]
		if !exists || now.After(expiry) {
			result = append(result, url)
		}
	}
	return result
}
