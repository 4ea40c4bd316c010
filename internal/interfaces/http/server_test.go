package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/application/proxy"
	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/catalog"
	"github.com/toolbridge/toolbridge/internal/infrastructure/config"
	_ "github.com/toolbridge/toolbridge/internal/infrastructure/dialect/ollama"
	_ "github.com/toolbridge/toolbridge/internal/infrastructure/dialect/openai"
	"github.com/toolbridge/toolbridge/internal/infrastructure/upstream"
	"github.com/toolbridge/toolbridge/internal/interfaces/http/handlers"
)

// helper: a stub Ollama backend covering chat, tags and show
func newOllamaBackend(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastAuth atomic.Value
	lastAuth.Store("")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		lastAuth.Store(r.Header.Get("Authorization"))

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if stream, _ := req["stream"].(bool); stream {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}` + "\n"))
			w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}` + "\n"))
			w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":5}` + "\n"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Hello from upstream"},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":5}`))
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"llama3:latest","size":4661224676,"digest":"sha256:abc123","modified_at":"2024-05-01T10:00:00Z"}]}`))
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"details":{"family":"llama","parameter_size":"8B"},"capabilities":["completion","tools"]}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &lastAuth
}

// helper: the full router wired against the given backend URL
func newTestRouter(t *testing.T, backendURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	client := upstream.New(config.UpstreamConfig{
		BaseURL:        backendURL,
		APIKey:         "sk-config-key",
		UnaryTimeout:   5 * time.Second,
		ConnectTimeout: 5 * time.Second,
		Retry: config.RetryConfig{
			MaxRetries:  1,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
	}, logger)

	policy := proxy.NewPolicy(config.ToolsConfig{}, nil)
	pipeline, err := proxy.NewPipeline(client, policy, chat.DialectOllama, config.DetectorConfig{
		WindowSize:    64,
		MaxBufferSize: 64 << 10,
	}, logger)
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	catalogSvc := catalog.NewService(client, chat.DialectOllama, config.CatalogConfig{
		TTL:          time.Minute,
		FetchTimeout: 5 * time.Second,
	}, logger)

	router := gin.New()
	router.Use(requestID())
	router.Use(accessLog(logger))

	setupRoutes(router,
		handlers.NewChatHandler(pipeline, chat.DialectOllama, logger),
		handlers.NewCatalogHandler(catalogSvc, logger),
		handlers.NewHealthHandler(client, chat.DialectOllama, "test"),
	)
	return router
}

// helper: run one request through the router
func serve(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode response body %q: %v", w.Body.String(), err)
	}
	return m
}

// === Test: Unary chat across dialects ===

func TestRouter_OpenAIChatAgainstOllamaBackend(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama3","messages":[{"role":"user","content":"Hello"}],"stream":false}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["object"] != "chat.completion" {
		t.Errorf("expected object chat.completion, got %v", body["object"])
	}
	if !strings.Contains(w.Body.String(), "Hello from upstream") {
		t.Errorf("expected upstream content in response, got %s", w.Body.String())
	}
}

func TestRouter_OllamaChatPassthrough(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodPost, "/api/chat",
		`{"model":"llama3","messages":[{"role":"user","content":"Hello"}],"stream":false}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["done"] != true {
		t.Errorf("expected done true, got %v", body["done"])
	}
	if !strings.Contains(w.Body.String(), "Hello from upstream") {
		t.Errorf("expected upstream content in response, got %s", w.Body.String())
	}
}

// === Test: Streaming response over SSE ===

func TestRouter_StreamingSSE(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama3","messages":[{"role":"user","content":"Hello"}],"stream":true}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("expected SSE content type, got %q", ct)
	}
	out := w.Body.String()
	if !strings.Contains(out, "Hel") || !strings.Contains(out, "lo") {
		t.Errorf("expected streamed content deltas, got %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Errorf("expected finish frame, got %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("expected [DONE] terminator, got %q", out[max(0, len(out)-40):])
	}
}

// === Test: Error bodies match the client dialect ===

func TestRouter_OpenAIErrorShape(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodPost, "/v1/chat/completions", `{not json`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["object"] != "error" {
		t.Errorf("expected object error, got %v", body["object"])
	}
	if body["type"] != "invalid_request_error" {
		t.Errorf("expected type invalid_request_error, got %v", body["type"])
	}
	if _, ok := body["code"]; !ok {
		t.Error("expected code key in error body")
	}
	if body["code"] != nil {
		t.Errorf("expected null code, got %v", body["code"])
	}
}

func TestRouter_OllamaErrorShape(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodPost, "/api/chat", `{not json`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] == nil || body["error"] == "" {
		t.Errorf("expected error message, got %v", body["error"])
	}
	if body["done"] != true {
		t.Errorf("expected done true in error body, got %v", body["done"])
	}
}

func TestRouter_UpstreamFailureMapsToBadGateway(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer backend.Close()
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama3","messages":[{"role":"user","content":"Hello"}],"stream":false}`, nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["type"] != "upstream_error" {
		t.Errorf("expected type upstream_error, got %v", body["type"])
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 1 retry (2 calls), got %d calls", got)
	}
}

// === Test: Model catalog in both dialects ===

func TestRouter_OpenAIModels(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodGet, "/v1/models", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["object"] != "list" {
		t.Errorf("expected object list, got %v", body["object"])
	}
	if !strings.Contains(w.Body.String(), `"id":"llama3:latest"`) {
		t.Errorf("expected model id in list, got %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"owned_by":"library"`) {
		t.Errorf("expected default owner, got %s", w.Body.String())
	}
}

func TestRouter_OllamaTags(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodGet, "/api/tags", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"name":"llama3:latest"`) {
		t.Errorf("expected model name in tags, got %s", w.Body.String())
	}
}

func TestRouter_ModelNotFound(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodGet, "/v1/models/missing", "", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["type"] != "not_found_error" {
		t.Errorf("expected type not_found_error, got %v", body["type"])
	}
}

func TestRouter_ShowProxied(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodPost, "/api/show", `{"name":"llama3:latest"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"family":"llama"`) {
		t.Errorf("expected model details, got %s", w.Body.String())
	}
}

func TestRouter_ShowWithoutModelName(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodPost, "/api/show", `{}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["done"] != true {
		t.Errorf("expected ollama error shape, got %s", w.Body.String())
	}
}

// === Test: Health and plumbing ===

func TestRouter_Health(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("expected version test, got %v", body["version"])
	}
	up, ok := body["upstream"].(map[string]any)
	if !ok {
		t.Fatalf("expected upstream block, got %v", body["upstream"])
	}
	if up["breaker"] != "closed" {
		t.Errorf("expected breaker closed, got %v", up["breaker"])
	}
	if up["dialect"] != "ollama" {
		t.Errorf("expected upstream dialect ollama, got %v", up["dialect"])
	}
	host, _ := up["host"].(string)
	if !strings.HasPrefix(host, "http://127.0.0.1") {
		t.Errorf("expected upstream host echoed, got %q", host)
	}
}

func TestRouter_RequestIDHonored(t *testing.T) {
	backend, _ := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	w := serve(router, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "req-abc"})
	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("expected caller request id echoed, got %q", got)
	}

	w = serve(router, http.MethodGet, "/health", "", nil)
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Error("expected generated request id")
	}
}

func TestRouter_AuthorizationForwarded(t *testing.T) {
	backend, lastAuth := newOllamaBackend(t)
	router := newTestRouter(t, backend.URL)

	serve(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama3","messages":[{"role":"user","content":"Hello"}],"stream":false}`,
		map[string]string{"Authorization": "Bearer user-key"})
	if got := lastAuth.Load().(string); got != "Bearer user-key" {
		t.Errorf("expected client credential forwarded, got %q", got)
	}

	serve(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama3","messages":[{"role":"user","content":"Hello"}],"stream":false}`, nil)
	if got := lastAuth.Load().(string); got != "Bearer sk-config-key" {
		t.Errorf("expected configured key fallback, got %q", got)
	}
}
