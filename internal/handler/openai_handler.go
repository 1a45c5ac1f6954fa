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

// OpenAIHandler OpenAI Chat Completions 兼容面
type OpenAIHandler struct {
	dispatcher *service.Dispatcher
	cfg        *config.Config
}

func NewOpenAIHandler(dispatcher *service.Dispatcher, cfg *config.Config) *OpenAIHandler {
	return &OpenAIHandler{dispatcher: dispatcher, cfg: cfg}
}

// ChatCompletions POST /v1/chat/completions
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var req antigravity.OpenAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(familyOpenAI, http.StatusBadRequest, "invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorBody(familyOpenAI, http.StatusBadRequest, "model and messages are required"))
		return
	}

	native, sessionID, err := antigravity.TransformOpenAIToGemini(&req, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(familyOpenAI, http.StatusBadRequest, err.Error()))
		return
	}
	payload, err := json.Marshal(native)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(familyOpenAI, http.StatusInternalServerError, err.Error()))
		return
	}

	// thinking 模型上游只出 SSE，非流式也走流式端点内部聚合
	thinking := antigravity.IsThinkingModel(req.Model)
	action := "generateContent"
	if req.Stream || thinking {
		action = "streamGenerateContent"
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), payload, action)
	if err != nil {
		writeDispatchError(c, familyOpenAI, err)
		return
	}
	defer result.Resp.Body.Close()

	maxLine := h.cfg.Gateway.MaxLineSize
	switch {
	case req.Stream:
		setSSEHeaders(c)
		body := service.NewIdleTimeoutBody(result.Resp.Body, h.cfg.StreamIdleTimeout())
		defer body.Close()
		processor := antigravity.NewOpenAIStreamProcessor(req.Model, sessionID)
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
			c.JSON(http.StatusBadGateway, errorBody(familyOpenAI, http.StatusBadGateway, err.Error()))
			return
		}
		h.writeUnary(c, aggregated, req.Model, sessionID)

	default:
		raw, err := io.ReadAll(result.Resp.Body)
		if err != nil {
			c.JSON(http.StatusBadGateway, errorBody(familyOpenAI, http.StatusBadGateway, err.Error()))
			return
		}
		h.writeUnary(c, antigravity.UnwrapV1InternalResponse(raw), req.Model, sessionID)
	}
}

func (h *OpenAIHandler) writeUnary(c *gin.Context, geminiBody []byte, model, sessionID string) {
	out, _, err := antigravity.TransformGeminiToOpenAI(geminiBody, model, sessionID)
	if err != nil {
		logger.L().Error("openai_response_transform_failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, errorBody(familyOpenAI, http.StatusBadGateway, "invalid upstream response"))
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

// ListModels GET /v1/models
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	models := make([]gin.H, 0, len(antigravity.SupportedModels))
	for _, m := range antigravity.SupportedModels {
		models = append(models, gin.H{
			"id":       m.ID,
			"object":   "model",
			"owned_by": "antigravity",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}
