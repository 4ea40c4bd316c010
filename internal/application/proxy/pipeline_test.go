package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/domain/prompt"
	"github.com/toolbridge/toolbridge/internal/infrastructure/config"
	"github.com/toolbridge/toolbridge/internal/infrastructure/upstream"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

func newTestPipeline(t *testing.T, baseURL string, backend chat.Dialect, tools config.ToolsConfig) *Pipeline {
	t.Helper()
	client := upstream.New(config.UpstreamConfig{
		BaseURL:        baseURL,
		Dialect:        string(backend),
		UnaryTimeout:   5 * time.Second,
		ConnectTimeout: time.Second,
		Retry: config.RetryConfig{
			MaxRetries:  1,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
	}, zap.NewNop())

	pl, err := NewPipeline(client, NewPolicy(tools, nil), backend, config.DetectorConfig{
		WindowSize:    64,
		MaxBufferSize: 64 * 1024,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return pl
}

const openaiToolBody = `{
	"model": "llama3",
	"messages": [{"role": "user", "content": "weather in tokyo?"}],
	"tools": [{"type": "function", "function": {"name": "search", "parameters": {"type": "object", "properties": {"q": {"type": "string"}}}}}]
}`

// === Test: OpenAI client, Ollama backend, unary round trip ===

func TestPipelineUnary_TranslatesDialects(t *testing.T) {
	var upstreamBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("expected /api/chat, got %s", r.URL.Path)
		}
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		upstreamBody.Store(buf.String())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llama3","created_at":"2024-01-15T10:00:00Z","message":{"role":"assistant","content":"Sunny, 22C"},"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":5}`))
	}))
	defer server.Close()

	pl := newTestPipeline(t, server.URL, chat.DialectOllama, config.ToolsConfig{})

	pr, err := pl.Prepare([]byte(openaiToolBody), chat.DialectOpenAI)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	out, err := pl.Unary(context.Background(), pr, upstream.RequestOptions{})
	if err != nil {
		t.Fatalf("unary: %v", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("bad client response: %v", err)
	}
	if resp["object"] != "chat.completion" {
		t.Fatalf("expected chat.completion, got %v", resp["object"])
	}
	msg := resp["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "Sunny, 22C" {
		t.Fatalf("expected translated content, got %v", msg["content"])
	}
	usage := resp["usage"].(map[string]any)
	if usage["total_tokens"] != float64(15) {
		t.Fatalf("expected 15 total tokens, got %v", usage["total_tokens"])
	}

	sent := upstreamBody.Load().(string)
	if !strings.Contains(sent, prompt.InstructionMarker) {
		t.Fatalf("expected injected instructions in upstream request")
	}
	if strings.Contains(sent, `"tools"`) {
		t.Fatalf("expected native tool fields stripped, got %s", sent)
	}
}

// === Test: unary envelope extraction becomes a native tool call ===

func TestPipelineUnary_ExtractsEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-up","object":"chat.completion","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"Okay. <toolbridge:calls><search><q>go</q></search></toolbridge:calls>"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	pl := newTestPipeline(t, server.URL, chat.DialectOpenAI, config.ToolsConfig{})

	pr, err := pl.Prepare([]byte(openaiToolBody), chat.DialectOpenAI)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	out, err := pl.Unary(context.Background(), pr, upstream.RequestOptions{})
	if err != nil {
		t.Fatalf("unary: %v", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("bad client response: %v", err)
	}
	choice := resp["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "tool_calls" {
		t.Fatalf("expected finish tool_calls, got %v", choice["finish_reason"])
	}
	msg := choice["message"].(map[string]any)
	if msg["content"] != "Okay. " {
		t.Fatalf("expected text before envelope kept, got %v", msg["content"])
	}
	calls := msg["tool_calls"].([]any)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "search" || fn["arguments"] != `{"q":"go"}` {
		t.Fatalf("unexpected extraction: %v", fn)
	}
}

// === Test: a native upstream tool call wins over envelope text ===

func TestPipelineUnary_NativeToolCallPreferred(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-up","object":"chat.completion","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"<toolbridge:calls><search><q>x</q></search></toolbridge:calls>","tool_calls":[{"id":"call_native","type":"function","function":{"name":"search","arguments":"{\"q\":\"native\"}"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer server.Close()

	pl := newTestPipeline(t, server.URL, chat.DialectOpenAI, config.ToolsConfig{PassTools: true})

	pr, err := pl.Prepare([]byte(openaiToolBody), chat.DialectOpenAI)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	out, err := pl.Unary(context.Background(), pr, upstream.RequestOptions{})
	if err != nil {
		t.Fatalf("unary: %v", err)
	}

	var resp map[string]any
	json.Unmarshal(out, &resp)
	msg := resp["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	calls := msg["tool_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("expected the native call only, got %d", len(calls))
	}
	if calls[0].(map[string]any)["id"] != "call_native" {
		t.Fatalf("expected native call kept, got %v", calls[0])
	}
}

// === Test: streaming end to end over HTTP ===

func TestPipelineStream_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Errorf("expected stream:true upstream, got %v", req["stream"])
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"model":"llama3","response":"I'll "}
{"model":"llama3","response":"<toolbridge:calls><calc><x>2</x><y>3</y></calc></toolbridge:calls>"}
{"model":"llama3","done":true,"done_reason":"stop","prompt_eval_count":8,"eval_count":12}
`))
	}))
	defer server.Close()

	pl := newTestPipeline(t, server.URL, chat.DialectOllama, config.ToolsConfig{})

	body := `{
		"model": "llama3",
		"stream": true,
		"messages": [{"role": "user", "content": "add 2 and 3"}],
		"tools": [{"type": "function", "function": {"name": "calc", "parameters": {"type": "object"}}}]
	}`
	pr, err := pl.Prepare([]byte(body), chat.DialectOpenAI)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !pr.Streaming() {
		t.Fatalf("expected a streaming request")
	}

	live, err := pl.OpenStream(context.Background(), pr, upstream.RequestOptions{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer live.Close()

	if live.ContentType() != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", live.ContentType())
	}

	var buf bytes.Buffer
	if err := live.Pump(context.Background(), &buf); err != nil {
		t.Fatalf("pump: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "toolbridge:calls") {
		t.Fatalf("envelope leaked: %s", out)
	}
	if !strings.Contains(out, `"name":"calc"`) {
		t.Fatalf("expected synthesized calc call, got %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"tool_calls"`) {
		t.Fatalf("expected tool_calls finish, got %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("expected [DONE] tail, got %q", out)
	}
}

// === Test: upstream failure before any byte reaches the client ===

func TestPipelineOpenStream_UpstreamFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"model not loaded"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	pl := newTestPipeline(t, server.URL, chat.DialectOllama, config.ToolsConfig{})

	pr, err := pl.Prepare([]byte(openaiToolBody), chat.DialectOpenAI)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	_, err = pl.OpenStream(context.Background(), pr, upstream.RequestOptions{})
	if !apperrors.IsUpstreamTransient(err) {
		t.Fatalf("expected transient upstream error, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected initial call plus one retry, got %d", got)
	}
}

// === Test: undecodable request is a client error ===

func TestPipelinePrepare_InvalidBody(t *testing.T) {
	pl := newTestPipeline(t, "http://127.0.0.1:0", chat.DialectOllama, config.ToolsConfig{})

	_, err := pl.Prepare([]byte(`{"model":""}`), chat.DialectOpenAI)
	if !apperrors.IsInvalidRequest(err) {
		t.Fatalf("expected invalid-request error, got %v", err)
	}
}
