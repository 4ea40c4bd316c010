package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/catalog"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect/ollama"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// CatalogHandler serves the model catalog in both dialects.
type CatalogHandler struct {
	catalog *catalog.Service
	logger  *zap.Logger
}

// NewCatalogHandler creates the catalog handler.
func NewCatalogHandler(svc *catalog.Service, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{
		catalog: svc,
		logger:  logger,
	}
}

// OpenAIModels handles GET /v1/models.
func (h *CatalogHandler) OpenAIModels(c *gin.Context) {
	models, err := h.catalog.Models(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		h.logger.Warn("model list failed", zap.Error(err))
		writeError(c, chat.DialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, catalog.RenderOpenAI(models))
}

// OpenAIModel handles GET /v1/models/:id.
func (h *CatalogHandler) OpenAIModel(c *gin.Context) {
	id := c.Param("id")
	model, err := h.catalog.Model(c.Request.Context(), c.GetHeader("Authorization"), id)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			h.logger.Warn("model lookup failed", zap.String("model", id), zap.Error(err))
		}
		writeError(c, chat.DialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, catalog.RenderOpenAIModel(model))
}

// OllamaTags handles GET /api/tags.
func (h *CatalogHandler) OllamaTags(c *gin.Context) {
	models, err := h.catalog.Models(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		h.logger.Warn("model list failed", zap.Error(err))
		writeError(c, chat.DialectOllama, err)
		return
	}
	c.JSON(http.StatusOK, catalog.RenderOllama(models))
}

// Show handles POST /api/show.
func (h *CatalogHandler) Show(c *gin.Context) {
	var req ollama.ShowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, chat.DialectOllama, apperrors.NewInvalidRequestError("invalid show request: "+err.Error()))
		return
	}
	name := req.ModelName()
	if name == "" {
		writeError(c, chat.DialectOllama, apperrors.NewInvalidRequestError("model name is required"))
		return
	}

	resp, err := h.catalog.Show(c.Request.Context(), c.GetHeader("Authorization"), name)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			h.logger.Warn("model show failed", zap.String("model", name), zap.Error(err))
		}
		writeError(c, chat.DialectOllama, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
