package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/upstream"
)

// HealthHandler serves liveness and build information.
type HealthHandler struct {
	client  *upstream.Client
	backend chat.Dialect
	version string
	started time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(client *upstream.Client, backend chat.Dialect, version string) *HealthHandler {
	return &HealthHandler{
		client:  client,
		backend: backend,
		version: version,
		started: time.Now(),
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"upstream": gin.H{
			"host":    upstreamHost(h.client.BaseURL()),
			"dialect": string(h.backend),
			"breaker": h.client.BreakerState().String(),
		},
	})
}

// upstreamHost reduces the configured URL to scheme and host, dropping any
// path, query, or credentials before it reaches a response body.
func upstreamHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
