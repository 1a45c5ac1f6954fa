package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/config"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/logger"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/service"
)

// ClaudeHandler Anthropic Messages 兼容面
type ClaudeHandler struct {
	dispatcher *service.Dispatcher
	cfg        *config.Config
}

func NewClaudeHandler(dispatcher *service.Dispatcher, cfg *config.Config) *ClaudeHandler {
	return &ClaudeHandler{dispatcher: dispatcher, cfg: cfg}
}

// Messages POST /v1/messages
func (h *ClaudeHandler) Messages(c *gin.Context) {
	var req antigravity.ClaudeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(familyClaude, http.StatusBadRequest, "invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorBody(familyClaude, http.StatusBadRequest, "model and messages are required"))
		return
	}

	native, sessionID, err := antigravity.TransformClaudeToGemini(&req, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(familyClaude, http.StatusBadRequest, err.Error()))
		return
	}
	payload, err := json.Marshal(native)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(familyClaude, http.StatusInternalServerError, err.Error()))
		return
	}

	thinking := antigravity.IsThinkingModel(req.Model)
	action := "generateContent"
	if req.Stream || thinking {
		action = "streamGenerateContent"
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), payload, action)
	if err != nil {
		writeDispatchError(c, familyClaude, err)
		return
	}
	defer result.Resp.Body.Close()

	maxLine := h.cfg.Gateway.MaxLineSize
	switch {
	case req.Stream:
		setSSEHeaders(c)
		body := service.NewIdleTimeoutBody(result.Resp.Body, h.cfg.StreamIdleTimeout())
		defer body.Close()
		processor := antigravity.NewClaudeStreamProcessor(req.Model, sessionID)
		pipeSSE(c, body, maxLine, processor.ProcessLine, func(scanErr error) []byte {
			if scanErr != nil {
				return processor.ErrorFrame("upstream stream aborted: " + scanErr.Error())
			}
			out, _ := processor.Finish()
			return out
		})

	case thinking:
		aggregated, err := antigravity.AggregateSSEResponse(result.Resp.Body, maxLine)
		if err != nil {
			c.JSON(http.StatusBadGateway, errorBody(familyClaude, http.StatusBadGateway, err.Error()))
			return
		}
		h.writeUnary(c, aggregated, req.Model, sessionID)

	default:
		raw, err := io.ReadAll(result.Resp.Body)
		if err != nil {
			c.JSON(http.StatusBadGateway, errorBody(familyClaude, http.StatusBadGateway, err.Error()))
			return
		}
		h.writeUnary(c, antigravity.UnwrapV1InternalResponse(raw), req.Model, sessionID)
	}
}

func (h *ClaudeHandler) writeUnary(c *gin.Context, geminiBody []byte, model, sessionID string) {
	out, _, err := antigravity.TransformGeminiToClaude(geminiBody, model, sessionID)
	if err != nil {
		logger.L().Error("claude_response_transform_failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, errorBody(familyClaude, http.StatusBadGateway, "invalid upstream response"))
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}
