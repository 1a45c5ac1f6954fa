// Package handler exposes the gateway's HTTP surface: the three public
// API families, operational endpoints, and the admin API.
package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/service"
)

// setSSEHeaders 流式响应固定头
func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// errorFamily 决定错误体形状
type errorFamily int

const (
	familyOpenAI errorFamily = iota
	familyClaude
	familyGemini
)

// errorBody 按 API 家族构造错误响应体
func errorBody(family errorFamily, status int, message string) gin.H {
	switch family {
	case familyClaude:
		return gin.H{
			"type": "error",
			"error": gin.H{
				"type":    claudeErrorType(status),
				"message": message,
			},
		}
	case familyGemini:
		return gin.H{
			"error": gin.H{
				"code":    status,
				"message": message,
				"status":  geminiErrorStatus(status),
			},
		}
	default:
		return gin.H{
			"error": gin.H{
				"message": message,
				"type":    openaiErrorType(status),
				"code":    status,
			},
		}
	}
}

func claudeErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func openaiErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func geminiErrorStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// writeDispatchError 把调度错误翻译成对应家族的 HTTP 错误
func writeDispatchError(c *gin.Context, family errorFamily, err error) {
	if derr, ok := err.(*service.DispatchError); ok {
		status := derr.HTTPStatus()
		message := dispatchErrorMessage(derr)
		c.JSON(status, errorBody(family, status, message))
		return
	}
	c.JSON(http.StatusInternalServerError, errorBody(family, http.StatusInternalServerError, err.Error()))
}

func dispatchErrorMessage(derr *service.DispatchError) string {
	switch derr.Kind {
	case service.KindNoAccounts:
		return "no accounts available"
	case service.KindUnauthorized:
		return "all accounts failed authentication"
	case service.KindRateLimited:
		return "all accounts rate limited"
	case service.KindTransient:
		return "upstream unavailable"
	case service.KindClient:
		if len(derr.Body) > 0 {
			return string(derr.Body)
		}
		return derr.Error()
	default:
		return derr.Error()
	}
}

// pipeSSE 消费上游 SSE 并把转换结果推给客户端。
// 事件按上游顺序逐行转发；客户端断开时由请求 ctx 取消上游读。
// 上游读出错（首字节之后的失败）时 finish 收到该错误，
// 由调用方发出对应协议的终止错误帧后关流。
func pipeSSE(c *gin.Context, body io.Reader, maxLineSize int, process func(string) []byte, finish func(error) []byte) {
	flusher, _ := c.Writer.(http.Flusher)
	scanner := antigravity.NewSSEScanner(body, maxLineSize)
	for scanner.Scan() {
		out := process(scanner.Text())
		if len(out) == 0 {
			continue
		}
		if _, err := c.Writer.Write(out); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		logger.L().Warn("stream_read_aborted", zap.Error(scanErr))
	}
	if out := finish(scanErr); len(out) > 0 {
		_, _ = c.Writer.Write(out)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
