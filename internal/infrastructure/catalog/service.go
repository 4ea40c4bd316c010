// Package catalog serves the model catalog across dialects: the backend's
// list is fetched once per credential, cached with a TTL, and rendered in
// whichever dialect the client speaks.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/config"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect/ollama"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect/openai"
	"github.com/toolbridge/toolbridge/internal/infrastructure/monitoring"
	"github.com/toolbridge/toolbridge/internal/infrastructure/upstream"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// maxCatalogBody bounds a catalog response body read.
const maxCatalogBody = 4 << 20

// Service answers model-catalog queries against the configured backend.
type Service struct {
	client       *upstream.Client
	backend      chat.Dialect
	cache        *Cache
	fetchTimeout time.Duration
	logger       *zap.Logger
}

func NewService(client *upstream.Client, backend chat.Dialect, cfg config.CatalogConfig, log *zap.Logger) *Service {
	return &Service{
		client:       client,
		backend:      backend,
		cache:        NewCache(cfg.TTL),
		fetchTimeout: cfg.FetchTimeout,
		logger:       log,
	}
}

// Models returns the backend's model list, cached per client credential.
func (s *Service) Models(ctx context.Context, auth string) ([]chat.ModelInfo, error) {
	key := cacheKey(s.backend, auth)

	models, hit, err := s.cache.Resolve(key, func() ([]chat.ModelInfo, error) {
		// Detached from the caller: a coalesced fetch must not die with
		// whichever request happened to start it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fetchCtx, auth)
	})
	if err != nil {
		monitoring.CatalogLookupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if hit {
		monitoring.CatalogLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		monitoring.CatalogLookupsTotal.WithLabelValues("miss").Inc()
	}
	return models, nil
}

// Model returns one catalog entry by id.
func (s *Service) Model(ctx context.Context, auth, id string) (chat.ModelInfo, error) {
	models, err := s.Models(ctx, auth)
	if err != nil {
		return chat.ModelInfo{}, err
	}
	for _, m := range models {
		if m.ID == id {
			return m, nil
		}
	}
	return chat.ModelInfo{}, apperrors.NewNotFoundError(fmt.Sprintf("model %q not found", id))
}

// Show answers the Ollama show endpoint. Against an Ollama backend the call
// is proxied; against an OpenAI backend a minimal document is synthesized
// for models present in the catalog.
func (s *Service) Show(ctx context.Context, auth, model string) (*ollama.ShowResponse, error) {
	if model == "" {
		return nil, apperrors.NewInvalidRequestError("model name is required")
	}

	if s.backend == chat.DialectOllama {
		body, err := json.Marshal(ollama.ShowRequest{Model: model})
		if err != nil {
			return nil, apperrors.NewInternalErrorWithCause("failed to encode show request", err)
		}
		resp, err := s.client.Post(ctx, "/api/show", body, upstream.RequestOptions{Authorization: auth})
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBody))
		if err != nil {
			return nil, apperrors.NewUpstreamTransientError("failed to read show response", 0, err)
		}
		var show ollama.ShowResponse
		if err := json.Unmarshal(data, &show); err != nil {
			return nil, apperrors.NewConversionError("failed to decode show response", err)
		}
		return &show, nil
	}

	info, err := s.Model(ctx, auth, model)
	if err != nil {
		return nil, err
	}
	return &ollama.ShowResponse{
		Details: &ollama.ModelDetails{
			Family: info.OwnedBy,
		},
		Capabilities: []string{"completion", "tools"},
		ModelInfo: map[string]any{
			"general.basename": info.ID,
		},
	}, nil
}

func (s *Service) fetch(ctx context.Context, auth string) ([]chat.ModelInfo, error) {
	opts := upstream.RequestOptions{Authorization: auth}

	switch s.backend {
	case chat.DialectOpenAI:
		resp, err := s.client.Get(ctx, "/v1/models", opts)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var list openai.ModelList
		if err := decodeBody(resp.Body, &list); err != nil {
			return nil, err
		}
		models := make([]chat.ModelInfo, 0, len(list.Data))
		for _, m := range list.Data {
			models = append(models, chat.ModelInfo{
				ID:      m.ID,
				Created: m.Created,
				OwnedBy: m.OwnedBy,
			})
		}
		s.logger.Debug("fetched model catalog",
			zap.String("backend", string(s.backend)),
			zap.Int("models", len(models)),
		)
		return models, nil

	default:
		resp, err := s.client.Get(ctx, "/api/tags", opts)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var tags ollama.TagsResponse
		if err := decodeBody(resp.Body, &tags); err != nil {
			return nil, err
		}
		models := make([]chat.ModelInfo, 0, len(tags.Models))
		for _, m := range tags.Models {
			models = append(models, chat.ModelInfo{
				ID:         m.Name,
				Created:    parseModifiedAt(m.ModifiedAt),
				Size:       m.Size,
				Digest:     m.Digest,
				ModifiedAt: m.ModifiedAt,
			})
		}
		s.logger.Debug("fetched model catalog",
			zap.String("backend", string(s.backend)),
			zap.Int("models", len(models)),
		)
		return models, nil
	}
}

func decodeBody(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxCatalogBody))
	if err != nil {
		return apperrors.NewUpstreamTransientError("failed to read catalog response", 0, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewConversionError("failed to decode catalog response", err)
	}
	return nil
}

// RenderOpenAI renders the neutral catalog as an OpenAI model list.
func RenderOpenAI(models []chat.ModelInfo) openai.ModelList {
	out := openai.ModelList{
		Object: "list",
		Data:   make([]openai.Model, 0, len(models)),
	}
	for _, m := range models {
		out.Data = append(out.Data, RenderOpenAIModel(m))
	}
	return out
}

// RenderOpenAIModel renders one catalog entry as an OpenAI model object.
func RenderOpenAIModel(m chat.ModelInfo) openai.Model {
	owned := m.OwnedBy
	if owned == "" {
		owned = "library"
	}
	return openai.Model{
		ID:      m.ID,
		Object:  "model",
		Created: m.Created,
		OwnedBy: owned,
	}
}

// RenderOllama renders the neutral catalog as an Ollama tag list.
func RenderOllama(models []chat.ModelInfo) ollama.TagsResponse {
	out := ollama.TagsResponse{
		Models: make([]ollama.Tag, 0, len(models)),
	}
	for _, m := range models {
		modified := m.ModifiedAt
		if modified == "" && m.Created > 0 {
			modified = time.Unix(m.Created, 0).UTC().Format(time.RFC3339Nano)
		}
		out.Models = append(out.Models, ollama.Tag{
			Name:       m.ID,
			Model:      m.ID,
			ModifiedAt: modified,
			Size:       m.Size,
			Digest:     m.Digest,
		})
	}
	return out
}

func parseModifiedAt(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}
