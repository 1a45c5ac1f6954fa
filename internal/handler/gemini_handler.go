package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/SolarCrown57/antigravity-claude-proxy/internal/config"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/pkg/antigravity"
	"github.com/SolarCrown57/antigravity-claude-proxy/internal/service"
)

// GeminiHandler Gemini v1beta 原生兼容面
type GeminiHandler struct {
	dispatcher *service.Dispatcher
	cfg        *config.Config
}

func NewGeminiHandler(dispatcher *service.Dispatcher, cfg *config.Config) *GeminiHandler {
	return &GeminiHandler{dispatcher: dispatcher, cfg: cfg}
}

func googleError(c *gin.Context, status int, message string) {
	c.JSON(status, errorBody(familyGemini, status, message))
}

// parseModelAction 解析 {model}:{action} 路径段
func parseModelAction(rest string) (model, action string, ok bool) {
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "/"))
	if i := strings.Index(rest, ":"); i > 0 && i < len(rest)-1 {
		return rest[:i], rest[i+1:], true
	}
	return "", "", false
}

func geminiModelInfo(m antigravity.SupportedModel) gin.H {
	return gin.H{
		"name":                       "models/" + m.ID,
		"displayName":                m.DisplayName,
		"version":                    "001",
		"inputTokenLimit":            1048576,
		"outputTokenLimit":           65536,
		"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
	}
}

// ListModels GET /v1beta/models
func (h *GeminiHandler) ListModels(c *gin.Context) {
	models := make([]gin.H, 0, len(antigravity.SupportedModels))
	for _, m := range antigravity.SupportedModels {
		models = append(models, geminiModelInfo(m))
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// GetModel GET /v1beta/models/{model}
func (h *GeminiHandler) GetModel(c *gin.Context, modelName string) {
	if m, ok := antigravity.FindSupportedModel(modelName); ok {
		c.JSON(http.StatusOK, geminiModelInfo(m))
		return
	}
	googleError(c, http.StatusNotFound, "model not found: "+modelName)
}

// ModelAction 分发 /v1beta/models/* 下的 GET 与 :generateContent 族
func (h *GeminiHandler) ModelAction(c *gin.Context) {
	rest := c.Param("modelAction")

	if c.Request.Method == http.MethodGet {
		h.GetModel(c, strings.TrimPrefix(rest, "/"))
		return
	}

	model, action, ok := parseModelAction(rest)
	if !ok {
		googleError(c, http.StatusNotFound, "invalid model action path")
		return
	}

	switch action {
	case "generateContent":
		h.generate(c, model, false)
	case "streamGenerateContent":
		h.generate(c, model, true)
	default:
		googleError(c, http.StatusNotFound, "unsupported action: "+action)
	}
}

func (h *GeminiHandler) generate(c *gin.Context, model string, stream bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		googleError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 {
		googleError(c, http.StatusBadRequest, "request body is empty")
		return
	}

	payload, _, err := antigravity.TransformGeminiToNative(body, "", model)
	if err != nil {
		googleError(c, http.StatusBadRequest, err.Error())
		return
	}

	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	result, err := h.dispatcher.Dispatch(c.Request.Context(), payload, action)
	if err != nil {
		writeDispatchError(c, familyGemini, err)
		return
	}
	defer result.Resp.Body.Close()

	if !stream {
		raw, err := io.ReadAll(result.Resp.Body)
		if err != nil {
			googleError(c, http.StatusBadGateway, err.Error())
			return
		}
		c.Data(http.StatusOK, "application/json", antigravity.UnwrapV1InternalResponse(raw))
		return
	}

	// alt=sse 输出 SSE；否则输出换行分隔 JSON
	sse := c.Query("alt") == "sse"
	if sse {
		setSSEHeaders(c)
	} else {
		c.Header("Content-Type", "application/json")
	}

	upstream := service.NewIdleTimeoutBody(result.Resp.Body, h.cfg.StreamIdleTimeout())
	defer upstream.Close()

	pipeSSE(c, upstream, h.cfg.Gateway.MaxLineSize, func(line string) []byte {
		payload := antigravity.ParseSSELine(line)
		if payload == nil {
			return nil
		}
		inner := antigravity.UnwrapV1InternalResponse(payload)
		if sse {
			return []byte("data: " + string(inner) + "\n\n")
		}
		return append(inner, '\n')
	}, func(scanErr error) []byte {
		if scanErr == nil {
			return nil
		}
		frame, _ := json.Marshal(errorBody(familyGemini, http.StatusBadGateway,
			"upstream stream aborted: "+scanErr.Error()))
		if sse {
			return []byte("data: " + string(frame) + "\n\n")
		}
		return append(frame, '\n')
	})
}
