// Package application wires the process together: configuration in, a
// running HTTP surface out.
package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/application/proxy"
	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/catalog"
	"github.com/toolbridge/toolbridge/internal/infrastructure/config"
	_ "github.com/toolbridge/toolbridge/internal/infrastructure/dialect/ollama" // register ollama codec
	_ "github.com/toolbridge/toolbridge/internal/infrastructure/dialect/openai" // register openai codec
	"github.com/toolbridge/toolbridge/internal/infrastructure/upstream"
	httpserver "github.com/toolbridge/toolbridge/internal/interfaces/http"
)

// App is the dependency-injection container for the proxy process.
type App struct {
	config *config.Config
	logger *zap.Logger

	backend  chat.Dialect
	upstream *upstream.Client
	catalog  *catalog.Service
	pipeline *proxy.Pipeline

	httpServer *httpserver.Server
}

// NewApp builds every component from configuration. Construction fails
// fast: a bad dialect or unreadable manifest should stop the process
// before it listens.
func NewApp(cfg *config.Config, version string, logger *zap.Logger) (*App, error) {
	backend, ok := chat.ParseDialect(cfg.Upstream.Dialect)
	if !ok {
		return nil, fmt.Errorf("unknown upstream dialect %q", cfg.Upstream.Dialect)
	}

	manifest, err := config.LoadManifest(cfg.Models.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model manifest: %w", err)
	}
	if len(manifest.Models) > 0 {
		logger.Info("loaded model manifest",
			zap.String("path", cfg.Models.ManifestPath),
			zap.Int("entries", len(manifest.Models)),
		)
	}

	client := upstream.New(cfg.Upstream, logger)
	policy := proxy.NewPolicy(cfg.Tools, manifest)

	pipeline, err := proxy.NewPipeline(client, policy, backend, cfg.Detector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	catalogSvc := catalog.NewService(client, backend, cfg.Catalog, logger)

	app := &App{
		config:   cfg,
		logger:   logger,
		backend:  backend,
		upstream: client,
		catalog:  catalogSvc,
		pipeline: pipeline,
	}
	app.httpServer = httpserver.NewServer(cfg.Server, pipeline, catalogSvc, client, backend, version, logger)

	return app, nil
}

// Start brings up the HTTP listener.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("starting application",
		zap.String("listen", app.config.Server.Addr()),
		zap.String("upstream", app.config.Upstream.BaseURL),
		zap.String("upstream_dialect", string(app.backend)),
	)

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("application started")
	return nil
}

// Stop drains the HTTP listener until ctx expires.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("stopping application")

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("failed to stop HTTP server", zap.Error(err))
	}

	app.logger.Info("application stopped")
	return nil
}
