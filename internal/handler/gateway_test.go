//go:build unit

package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/config"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type gatewayEnv struct {
	router *gin.Engine
	pool   *service.AccountPool
}

// newGatewayEnv 起一个假上游并把网关路由接到它
func newGatewayEnv(t *testing.T, upstream http.Handler, accounts int) *gatewayEnv {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	oldURLs := antigravity.BaseURLs
	oldAvail := antigravity.DefaultURLAvailability
	antigravity.BaseURLs = []string{srv.URL}
	antigravity.DefaultURLAvailability = antigravity.NewURLAvailability(antigravity.URLAvailabilityTTL)
	t.Cleanup(func() {
		antigravity.BaseURLs = oldURLs
		antigravity.DefaultURLAvailability = oldAvail
	})

	pool, err := service.NewAccountPool(service.NewAccountStore(filepath.Join(t.TempDir(), "accounts.json")))
	require.NoError(t, err)
	for i := 0; i < accounts; i++ {
		require.NoError(t, pool.AddOrReplace(&service.Account{
			Email:                "acct" + string(rune('a'+i)) + "@x.com",
			AccessToken:          "tok",
			RefreshToken:         "ref",
			AccessTokenExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
			ProjectID:            "proj-test",
			Source:               service.AccountSourceManual,
		}))
	}

	cfg := &config.Config{
		Gateway: config.GatewayConfig{
			MaxRetries:               5,
			DefaultCooldownSeconds:   60,
			RequestTimeoutSeconds:    5,
			StreamIdleTimeoutSeconds: 60,
		},
	}
	dispatcher := service.NewDispatcher(pool,
		service.NewTokenProvider(pool, time.Second),
		service.NewProjectResolver(pool, ""),
		cfg)

	openai := NewOpenAIHandler(dispatcher, cfg)
	claude := NewClaudeHandler(dispatcher, cfg)
	gemini := NewGeminiHandler(dispatcher, cfg)

	router := gin.New()
	router.POST("/v1/chat/completions", openai.ChatCompletions)
	router.GET("/v1/models", openai.ListModels)
	router.POST("/v1/messages", claude.Messages)
	router.GET("/v1beta/models", gemini.ListModels)
	router.Any("/v1beta/models/*modelAction", gemini.ModelAction)

	return &gatewayEnv{router: router, pool: pool}
}

func (e *gatewayEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// thinkingUpstream 以 SSE 吐一个 thought part 和一个 text part
func thinkingUpstream(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:streamGenerateContent" {
			t.Errorf("unexpected upstream path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("missing alt=sse: %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected authorization: %s", r.Header.Get("Authorization"))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"ok ","thought":true}]}}]}}` + "\n\n"))
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2}}}` + "\n\n"))
	})
}

func TestChatCompletions_ThinkingNonStream(t *testing.T) {
	env := newGatewayEnv(t, thinkingUpstream(t), 1)

	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gemini-2.5-pro-thinking","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	choice := resp["choices"].([]any)[0].(map[string]any)
	message := choice["message"].(map[string]any)
	require.Equal(t, "hello", message["content"])
	require.Equal(t, "ok ", message["reasoning_content"])
	require.Equal(t, "stop", choice["finish_reason"])
}

func TestChatCompletions_Stream(t *testing.T) {
	env := newGatewayEnv(t, thinkingUpstream(t), 1)

	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gemini-2.5-pro-thinking","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := w.Body.String()
	require.Contains(t, events, `"reasoning_content":"ok "`)
	require.Contains(t, events, `"content":"hello"`)
	require.True(t, strings.HasSuffix(events, "data: [DONE]\n\n"))
}

func TestChatCompletions_NoAccounts(t *testing.T) {
	env := newGatewayEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}), 0)

	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "no accounts available", resp["error"].(map[string]any)["message"])
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	env := newGatewayEnv(t, http.NotFoundHandler(), 1)
	w := env.do(http.MethodPost, "/v1/chat/completions", `{"model":"gemini-2.5-pro"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessages_NonStream(t *testing.T) {
	env := newGatewayEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:generateContent" {
			t.Errorf("unexpected upstream path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hi there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":3}}}`))
	}), 1)

	w := env.do(http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "assistant", resp["role"])
	require.Equal(t, "claude-sonnet-4-5", resp["model"])
	block := resp["content"].([]any)[0].(map[string]any)
	require.Equal(t, "hi there", block["text"])
	usage := resp["usage"].(map[string]any)
	require.Equal(t, float64(2), usage["input_tokens"])
}

func TestMessages_StreamFraming(t *testing.T) {
	env := newGatewayEnv(t, thinkingUpstream(t), 1)

	w := env.do(http.MethodPost, "/v1/messages",
		`{"model":"gemini-2.5-pro-thinking","max_tokens":100,"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := w.Body.String()
	require.Contains(t, events, "event: message_start")
	require.Contains(t, events, "thinking_delta")
	require.Contains(t, events, "text_delta")
	require.Contains(t, events, "event: message_stop")
}

// abortingUpstream 发出一个事件后异常断开连接
func abortingUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"par"}]}}]}}` + "\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	})
}

func TestMessages_StreamAbortEmitsErrorFrame(t *testing.T) {
	env := newGatewayEnv(t, abortingUpstream(), 1)

	w := env.do(http.MethodPost, "/v1/messages",
		`{"model":"gemini-2.5-pro","max_tokens":100,"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := w.Body.String()
	// 首字节后中断：已发增量保留，收尾是 error 帧而非正常结束帧
	require.Contains(t, events, "text_delta")
	require.Contains(t, events, "event: error")
	require.Contains(t, events, `"type":"api_error"`)
	require.NotContains(t, events, "event: message_delta")
	require.NotContains(t, events, "event: message_stop")
}

func TestChatCompletions_StreamAbortEmitsErrorFrame(t *testing.T) {
	env := newGatewayEnv(t, abortingUpstream(), 1)

	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := w.Body.String()
	require.Contains(t, events, `"content":"par"`)
	require.Contains(t, events, `"type":"api_error"`)
	require.NotContains(t, events, "data: [DONE]")
}

func TestGeminiStream_AbortEmitsErrorFrame(t *testing.T) {
	env := newGatewayEnv(t, abortingUpstream(), 1)

	w := env.do(http.MethodPost, "/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse",
		`{"contents":[{"role":"user","parts":[{"text":"ping"}]}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := w.Body.String()
	require.Contains(t, events, `"text":"par"`)
	require.Contains(t, events, `"status":"INTERNAL"`)
}

func TestMessages_ClientDisconnectStopsUpstream(t *testing.T) {
	sent := make(chan struct{})
	stopped := make(chan struct{})
	env := newGatewayEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"par"}]}}]}}` + "\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(sent)
		// 客户端断开后上游读应在一个 chunk 内停下
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
			t.Error("upstream read not stopped after client disconnect")
		}
		close(stopped)
	}), 1)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"gemini-2.5-pro","max_tokens":100,"messages":[{"role":"user","content":"hi"}],"stream":true}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		env.router.ServeHTTP(w, req)
		close(done)
	}()

	<-sent
	cancel()
	<-stopped
	<-done

	// 客户端取消不惩罚账号
	acc, err := env.pool.Get("accta@x.com")
	require.NoError(t, err)
	require.False(t, acc.IsInvalid)
	require.False(t, acc.IsRateLimited)
}

func TestGeminiGenerate_Passthrough(t *testing.T) {
	var upstreamPayload []byte
	env := newGatewayEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPayload, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"pong"}]},"finishReason":"STOP"}]}}`))
	}), 1)

	w := env.do(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"ping"}]}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	// 响应已去掉 {response:...} 包装
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp, "candidates")
	require.NotContains(t, resp, "response")

	// 上游收到的是补好 project 的 v1internal 负载
	var payload map[string]any
	require.NoError(t, json.Unmarshal(upstreamPayload, &payload))
	require.Equal(t, "proj-test", payload["project"])
	require.Equal(t, "gemini-2.5-pro", payload["model"])
}

func TestGeminiGenerate_StreamSSE(t *testing.T) {
	env := newGatewayEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"pong"}]},"finishReason":"STOP"}]}}` + "\n\n"))
	}), 1)

	w := env.do(http.MethodPost, "/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse",
		`{"contents":[{"role":"user","parts":[{"text":"ping"}]}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := w.Body.String()
	require.True(t, strings.HasPrefix(events, "data: "))
	require.Contains(t, events, `"text":"pong"`)
	require.NotContains(t, events, `"response"`)
}

func TestGeminiModels(t *testing.T) {
	env := newGatewayEnv(t, http.NotFoundHandler(), 0)

	w := env.do(http.MethodGet, "/v1beta/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.NotEmpty(t, list["models"])

	w = env.do(http.MethodGet, "/v1beta/models/gemini-2.5-pro", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/v1beta/models/not-a-model", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenAIModels(t *testing.T) {
	env := newGatewayEnv(t, http.NotFoundHandler(), 0)
	w := env.do(http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, "list", list["object"])
	require.NotEmpty(t, list["data"])
}
