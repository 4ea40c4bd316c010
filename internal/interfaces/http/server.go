// Package http exposes the proxy over HTTP: both chat dialects, the
// translated model catalog, health, and metrics.
package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/application/proxy"
	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/catalog"
	"github.com/toolbridge/toolbridge/internal/infrastructure/config"
	"github.com/toolbridge/toolbridge/internal/infrastructure/monitoring"
	"github.com/toolbridge/toolbridge/internal/infrastructure/upstream"
	"github.com/toolbridge/toolbridge/internal/interfaces/http/handlers"
	"github.com/toolbridge/toolbridge/pkg/safego"
)

// Server is the inbound HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the router and the listener. The write timeout comes in
// as configured; zero means none, which streaming responses rely on.
func NewServer(cfg config.ServerConfig, pipeline *proxy.Pipeline, catalogSvc *catalog.Service, upstreamClient *upstream.Client, backend chat.Dialect, version string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(accessLog(logger))

	chatHandler := handlers.NewChatHandler(pipeline, backend, logger)
	catalogHandler := handlers.NewCatalogHandler(catalogSvc, logger)
	healthHandler := handlers.NewHealthHandler(upstreamClient, backend, version)

	setupRoutes(router, chatHandler, catalogHandler, healthHandler)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", zap.String("address", s.server.Addr))

	safego.Go(s.logger, "http-server", func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})

	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, chatHandler *handlers.ChatHandler, catalogHandler *handlers.CatalogHandler, healthHandler *handlers.HealthHandler) {
	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// OpenAI-dialect surface
	oai := router.Group("/v1")
	{
		oai.POST("/chat/completions", chatHandler.OpenAIChat)
		oai.GET("/models", catalogHandler.OpenAIModels)
		oai.GET("/models/:id", catalogHandler.OpenAIModel)
	}

	// Ollama-dialect surface
	oll := router.Group("/api")
	{
		oll.POST("/chat", chatHandler.OllamaChat)
		oll.GET("/tags", catalogHandler.OllamaTags)
		oll.POST("/show", catalogHandler.Show)
	}
}

// requestID assigns every request an ID, honoring one the caller brought.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(handlers.RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// accessLog logs one line per request and feeds the request metrics.
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		d := dialectOfPath(path)

		monitoring.RequestsTotal.WithLabelValues(d, endpoint, strconv.Itoa(status)).Inc()
		monitoring.RequestDuration.WithLabelValues(d, endpoint).Observe(latency.Seconds())

		logger.Info("HTTP request",
			zap.String("request_id", c.GetString(handlers.RequestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// dialectOfPath labels metrics by the inbound surface.
func dialectOfPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/"):
		return string(chat.DialectOpenAI)
	case strings.HasPrefix(path, "/api/"):
		return string(chat.DialectOllama)
	default:
		return "none"
	}
}
