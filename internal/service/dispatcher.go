package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/config"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
)

// ErrorKind 上游失败分类
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNoAccounts
	KindUnauthorized
	KindRateLimited
	KindTransient
	KindClient
)

// DispatchError 分类后的调度错误，handler 据此决定对外状态码
type DispatchError struct {
	Kind       ErrorKind
	StatusCode int    // 上游状态码（有的话）
	Body       []byte // 上游错误体（截断后）
	Err        error

	retryAfterSec int64 // Retry-After 解析结果，秒
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("upstream error: kind=%d status=%d", e.Kind, e.StatusCode)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// HTTPStatus 对外返回的状态码
func (e *DispatchError) HTTPStatus() int {
	switch e.Kind {
	case KindNoAccounts:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusBadGateway
	case KindClient:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// DispatchResult 一次成功调度：200 响应已提交，Body 由调用方消费并关闭
type DispatchResult struct {
	Resp    *http.Response
	Account *Account
}

// Dispatcher 重试循环：选账号、取 token、补 project、调上游、分类失败。
// 流式请求在拿到 200 后即提交，不再中途换号重发。
type Dispatcher struct {
	pool     *AccountPool
	tokens   *TokenProvider
	projects *ProjectResolver
	cfg      *config.Config

	// 流式连接不能挂整体超时，单独一个无超时 client
	streamClient *http.Client
	unaryClient  *http.Client
}

func NewDispatcher(pool *AccountPool, tokens *TokenProvider, projects *ProjectResolver, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		pool:         pool,
		tokens:       tokens,
		projects:     projects,
		cfg:          cfg,
		streamClient: &http.Client{},
		unaryClient:  &http.Client{Timeout: cfg.RequestTimeout()},
	}
}

const maxErrorBodyBytes = 8 * 1024

// Dispatch 执行调度循环。action 为 generateContent 或 streamGenerateContent。
// 成功返回已提交的上游响应；失败返回 *DispatchError。
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, action string) (*DispatchResult, error) {
	streaming := action == "streamGenerateContent"
	maxRetries := d.cfg.Gateway.MaxRetries

	var lastErr *DispatchError
	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, &DispatchError{Kind: KindInternal, Err: ctx.Err()}
		default:
		}

		account, err := d.pool.SelectNext()
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, &DispatchError{Kind: KindNoAccounts, Err: err}
		}

		token, err := d.tokens.GetAccessToken(ctx, account)
		if err != nil {
			// 刷新 400/401 已在 provider 内标记失效，换下一个账号
			logger.L().Warn("dispatch_token_failed",
				zap.Int("attempt", attempt),
				zap.String("email", account.Email),
				zap.Error(err))
			lastErr = &DispatchError{Kind: KindUnauthorized, Err: err}
			continue
		}

		projectID, err := d.projects.GetProject(ctx, account, token)
		if err != nil {
			logger.L().Warn("dispatch_project_failed",
				zap.Int("attempt", attempt),
				zap.String("email", account.Email),
				zap.Error(err))
			lastErr = &DispatchError{Kind: KindTransient, Err: err}
			continue
		}

		body, err := substituteProject(payload, projectID)
		if err != nil {
			return nil, &DispatchError{Kind: KindInternal, Err: err}
		}

		resp, derr := d.callUpstream(ctx, token, action, body, streaming)
		if derr == nil {
			return &DispatchResult{Resp: resp, Account: account}, nil
		}

		lastErr = derr
		switch derr.Kind {
		case KindUnauthorized:
			d.pool.MarkInvalid(account.Email, "auth failed")
		case KindRateLimited:
			reset := time.Now().Add(derr.retryAfter(d.cfg.DefaultCooldown()))
			d.pool.MarkRateLimited(account.Email, &reset)
		case KindTransient:
			logger.L().Warn("dispatch_upstream_transient",
				zap.Int("attempt", attempt),
				zap.String("email", account.Email),
				zap.Int("status", derr.StatusCode),
				zap.Error(derr.Err))
		case KindClient:
			// 非重试类 4xx 直接透出
			return nil, derr
		default:
			return nil, derr
		}
	}
	if lastErr == nil {
		lastErr = &DispatchError{Kind: KindInternal, Err: errors.New("retries exhausted")}
	}
	return nil, lastErr
}

// retryAfter 分类时解析出的 Retry-After，没有则用默认冷却
func (e *DispatchError) retryAfter(fallback time.Duration) time.Duration {
	if e.retryAfterSec > 0 {
		return time.Duration(e.retryAfterSec) * time.Second
	}
	return fallback
}

// callUpstream 带端点降级的单次上游调用：
// 网络错误或 5xx 时标记端点不可用并尝试下一个 base URL
func (d *Dispatcher) callUpstream(ctx context.Context, token, action string, body []byte, streaming bool) (*http.Response, *DispatchError) {
	urls := antigravity.DefaultURLAvailability.GetAvailableURLs()
	if len(urls) == 0 {
		urls = antigravity.BaseURLs
	}

	client := d.unaryClient
	if streaming {
		client = d.streamClient
	}

	var lastErr *DispatchError
	for i, baseURL := range urls {
		req, err := antigravity.NewAPIRequestWithURL(ctx, baseURL, action, token, body)
		if err != nil {
			return nil, &DispatchError{Kind: KindInternal, Err: err}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &DispatchError{Kind: KindInternal, Err: ctx.Err()}
			}
			antigravity.DefaultURLAvailability.MarkUnavailable(baseURL)
			lastErr = &DispatchError{Kind: KindTransient, Err: err}
			if i < len(urls)-1 {
				logger.L().Warn("upstream_url_fallback",
					zap.String("from", baseURL),
					zap.Error(err))
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			antigravity.DefaultURLAvailability.MarkSuccess(baseURL)
			return resp, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		derr := classify(resp.StatusCode, resp.Header, errBody)
		if derr.Kind == KindTransient && i < len(urls)-1 {
			antigravity.DefaultURLAvailability.MarkUnavailable(baseURL)
			lastErr = derr
			continue
		}
		return nil, derr
	}
	return nil, lastErr
}

// classify 按状态码与响应体分类上游失败
func classify(statusCode int, headers http.Header, body []byte) *DispatchError {
	derr := &DispatchError{StatusCode: statusCode, Body: body}
	switch {
	case statusCode == http.StatusUnauthorized || bytes.Contains(body, []byte("UNAUTHENTICATED")):
		derr.Kind = KindUnauthorized
	case statusCode == http.StatusTooManyRequests || bytes.Contains(body, []byte("RESOURCE_EXHAUSTED")):
		derr.Kind = KindRateLimited
		derr.retryAfterSec = parseRetryAfter(headers.Get("Retry-After"))
	case statusCode >= 500:
		derr.Kind = KindTransient
	case statusCode >= 400:
		derr.Kind = KindClient
	default:
		derr.Kind = KindInternal
	}
	derr.Err = fmt.Errorf("upstream status %d", statusCode)
	return derr
}

// IdleTimeoutBody 给流式响应体加空闲读超时：每次 Read 重新计时，
// 超时后关闭底层 body 使在途 Read 以错误返回
type IdleTimeoutBody struct {
	body  io.ReadCloser
	timer *time.Timer
	idle  time.Duration
}

// NewIdleTimeoutBody 包装上游流式 body
func NewIdleTimeoutBody(body io.ReadCloser, idle time.Duration) *IdleTimeoutBody {
	b := &IdleTimeoutBody{body: body, idle: idle}
	b.timer = time.AfterFunc(idle, func() { body.Close() })
	return b
}

func (b *IdleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err == nil {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *IdleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.body.Close()
}

// parseRetryAfter 支持秒数或 HTTP 日期；解析失败返回 0
func parseRetryAfter(value string) int64 {
	if value == "" {
		return 0
	}
	if sec, err := strconv.ParseInt(value, 10, 64); err == nil && sec > 0 {
		return sec
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return int64(d / time.Second)
		}
	}
	return 0
}
