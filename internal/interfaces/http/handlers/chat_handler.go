// Package handlers holds the gin handlers for both dialect surfaces.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/application/proxy"
	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/upstream"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// RequestIDKey is the gin context key the request-ID middleware fills.
const RequestIDKey = "request_id"

// forwardable are the client headers passed through to the upstream.
// Authorization is handled separately.
var forwardable = []string{
	"OpenAI-Organization",
	"OpenAI-Project",
	"Accept-Language",
	"User-Agent",
}

// ChatHandler serves chat completions in both dialects through the shared
// pipeline.
type ChatHandler struct {
	pipeline *proxy.Pipeline
	backend  chat.Dialect
	logger   *zap.Logger
}

// NewChatHandler creates the chat handler.
func NewChatHandler(pipeline *proxy.Pipeline, backend chat.Dialect, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		pipeline: pipeline,
		backend:  backend,
		logger:   logger,
	}
}

// OpenAIChat handles POST /v1/chat/completions.
func (h *ChatHandler) OpenAIChat(c *gin.Context) {
	h.handle(c, chat.DialectOpenAI)
}

// OllamaChat handles POST /api/chat.
func (h *ChatHandler) OllamaChat(c *gin.Context) {
	h.handle(c, chat.DialectOllama)
}

func (h *ChatHandler) handle(c *gin.Context, clientDialect chat.Dialect) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, clientDialect, apperrors.NewInvalidRequestError("read request body: "+err.Error()))
		return
	}

	pr, err := h.pipeline.Prepare(body, clientDialect)
	if err != nil {
		h.logger.Warn("rejected chat request",
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.Error(err))
		writeError(c, clientDialect, err)
		return
	}

	log := h.logger.With(
		zap.String("request_id", c.GetString(RequestIDKey)),
		zap.String("dialect_in", string(clientDialect)),
		zap.String("dialect_out", string(h.backend)),
		zap.String("model", pr.Request.Model),
	)

	opts := upstream.RequestOptions{
		Authorization: c.GetHeader("Authorization"),
		Headers:       forwardHeaders(c.Request.Header),
	}

	if !pr.Streaming() {
		out, err := h.pipeline.Unary(c.Request.Context(), pr, opts)
		if err != nil {
			log.Warn("chat request failed", zap.Error(err))
			writeError(c, clientDialect, err)
			return
		}
		c.Data(http.StatusOK, "application/json", out)
		return
	}

	live, err := h.pipeline.OpenStream(c.Request.Context(), pr, opts)
	if err != nil {
		log.Warn("chat stream failed to open", zap.Error(err))
		writeError(c, clientDialect, err)
		return
	}
	defer live.Close()

	c.Header("Content-Type", live.ContentType())
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := live.Pump(c.Request.Context(), c.Writer); err != nil {
		if apperrors.IsStreamCancelled(err) {
			log.Debug("client disconnected mid-stream")
			return
		}
		log.Warn("chat stream ended with error", zap.Error(err))
		return
	}
	log.Debug("chat stream completed")
}

func forwardHeaders(in http.Header) http.Header {
	out := http.Header{}
	for _, key := range forwardable {
		if v := in.Get(key); v != "" {
			out.Set(key, v)
		}
	}
	return out
}
