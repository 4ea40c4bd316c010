package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/domain/toolcall"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect/ollama"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect/openai"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// === Helpers ===

// ssePayloads splits an SSE body into its data payloads.
func ssePayloads(t *testing.T, raw string) []string {
	t.Helper()
	var out []string
	for _, block := range strings.Split(raw, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("expected data frame, got %q", block)
		}
		out = append(out, strings.TrimPrefix(block, "data: "))
	}
	return out
}

// ndjsonLines splits an NDJSON body into decoded frames.
func ndjsonLines(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad ndjson line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func decodeJSON(t *testing.T, payload string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		t.Fatalf("bad frame %q: %v", payload, err)
	}
	return m
}

// deltaOf digs choices[0].delta out of a decoded OpenAI stream frame.
func deltaOf(t *testing.T, frame map[string]any) map[string]any {
	t.Helper()
	choices, ok := frame["choices"].([]any)
	if !ok || len(choices) == 0 {
		t.Fatalf("frame has no choices: %v", frame)
	}
	choice := choices[0].(map[string]any)
	delta, _ := choice["delta"].(map[string]any)
	return delta
}

func finishOf(frame map[string]any) string {
	choices, ok := frame["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	reason, _ := choices[0].(map[string]any)["finish_reason"].(string)
	return reason
}

// contentText concatenates delta content across all OpenAI frames.
func contentText(t *testing.T, payloads []string) string {
	t.Helper()
	var b strings.Builder
	for _, p := range payloads {
		if p == "[DONE]" {
			continue
		}
		frame := decodeJSON(t, p)
		if delta := deltaOf(t, frame); delta != nil {
			if s, ok := delta["content"].(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}

func runProcessor(t *testing.T, reader dialect.FrameReader, writer dialect.FrameWriter, det *toolcall.Detector, target chat.Dialect) error {
	t.Helper()
	proc := NewStreamProcessor(reader, writer, det, target, zap.NewNop())
	return proc.Run(context.Background())
}

// stubReader hands out fixed chunks, then a final error or EOF.
type stubReader struct {
	chunks []*chat.Chunk
	err    error
}

func (r *stubReader) Next() (*chat.Chunk, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		return nil, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

// === Test: OpenAI to OpenAI, envelope becomes a native tool call ===

func TestRun_OpenAIToOpenAIToolCall(t *testing.T) {
	upstream := `data: {"choices":[{"delta":{"content":"Okay, "}}]}

data: {"choices":[{"delta":{"content":"<toolbridge:calls>"}}]}

data: {"choices":[{"delta":{"content":"<search><q>tokyo</q></search>"}}]}

data: {"choices":[{"delta":{"content":"</toolbridge:calls>"}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`
	var buf bytes.Buffer
	reader := openai.NewSSEReader(strings.NewReader(upstream))
	writer := openai.NewSSEWriter(&buf, dialect.StreamMeta{Model: "gpt-4o", Created: 1700000000})
	det := toolcall.NewDetector(chat.NewToolSet("search"))

	if err := runProcessor(t, reader, writer, det, chat.DialectOpenAI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "toolbridge:calls") {
		t.Fatalf("envelope leaked to client: %s", out)
	}

	payloads := ssePayloads(t, out)
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Fatalf("expected [DONE] terminator, got %q", payloads[len(payloads)-1])
	}

	if got := contentText(t, payloads); got != "Okay, " {
		t.Fatalf("expected content %q, got %q", "Okay, ", got)
	}

	var sawCall, sawFinish bool
	for _, p := range payloads[:len(payloads)-1] {
		frame := decodeJSON(t, p)
		delta := deltaOf(t, frame)
		if calls, ok := delta["tool_calls"].([]any); ok {
			sawCall = true
			call := calls[0].(map[string]any)
			fn := call["function"].(map[string]any)
			if fn["name"] != "search" {
				t.Fatalf("expected tool search, got %v", fn["name"])
			}
			if fn["arguments"] != `{"q":"tokyo"}` {
				t.Fatalf("expected arguments %q, got %v", `{"q":"tokyo"}`, fn["arguments"])
			}
			if id, _ := call["id"].(string); !strings.HasPrefix(id, "call_") {
				t.Fatalf("expected generated call id, got %v", call["id"])
			}
		}
		if finishOf(frame) == "tool_calls" {
			sawFinish = true
		}
		if finishOf(frame) == "stop" {
			t.Fatalf("upstream stop finish leaked after synthesis")
		}
	}
	if !sawCall || !sawFinish {
		t.Fatalf("expected tool-call and finish frames, got call=%v finish=%v", sawCall, sawFinish)
	}
}

// === Test: Ollama to OpenAI, sentinel split across deltas ===

func TestRun_OllamaToOpenAISplitSentinel(t *testing.T) {
	upstream := `{"model":"llama3","response":"I'll "}
{"model":"llama3","response":"<toolbr"}
{"model":"llama3","response":"idge:calls><calc><x>2"}
{"model":"llama3","response":"</x><y>3</y></calc></toolbridge:calls>"}
{"model":"llama3","done":true,"done_reason":"stop"}
`
	var buf bytes.Buffer
	reader := ollama.NewNDJSONReader(strings.NewReader(upstream))
	writer := openai.NewSSEWriter(&buf, dialect.StreamMeta{Model: "llama3", Created: 1700000000})
	det := toolcall.NewDetector(chat.NewToolSet("calc"))

	if err := runProcessor(t, reader, writer, det, chat.DialectOpenAI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payloads := ssePayloads(t, buf.String())
	if got := contentText(t, payloads); got != "I'll " {
		t.Fatalf("expected content %q, got %q", "I'll ", got)
	}

	var args string
	var finish string
	for _, p := range payloads {
		if p == "[DONE]" {
			continue
		}
		frame := decodeJSON(t, p)
		if delta := deltaOf(t, frame); delta != nil {
			if calls, ok := delta["tool_calls"].([]any); ok {
				fn := calls[0].(map[string]any)["function"].(map[string]any)
				if fn["name"] != "calc" {
					t.Fatalf("expected tool calc, got %v", fn["name"])
				}
				args = fn["arguments"].(string)
			}
		}
		if f := finishOf(frame); f != "" {
			finish = f
		}
	}
	if args != `{"x":2,"y":3}` {
		t.Fatalf("expected arguments %q, got %q", `{"x":2,"y":3}`, args)
	}
	if finish != "tool_calls" {
		t.Fatalf("expected finish tool_calls, got %q", finish)
	}
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Fatalf("expected [DONE] terminator")
	}
}

// === Test: no sentinel, text passes through verbatim ===

func TestRun_PassThroughWithoutToolCall(t *testing.T) {
	upstream := `data: {"choices":[{"delta":{"content":"Hello, "}}]}

data: {"choices":[{"delta":{"content":"world"}}]}

data: {"choices":[{"delta":{"content":"!"}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`
	var buf bytes.Buffer
	reader := openai.NewSSEReader(strings.NewReader(upstream))
	writer := openai.NewSSEWriter(&buf, dialect.StreamMeta{Model: "gpt-4o"})
	det := toolcall.NewDetector(chat.NewToolSet("search"))

	if err := runProcessor(t, reader, writer, det, chat.DialectOpenAI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payloads := ssePayloads(t, buf.String())
	if got := contentText(t, payloads); got != "Hello, world!" {
		t.Fatalf("expected %q, got %q", "Hello, world!", got)
	}

	var finish string
	doneCount := 0
	for _, p := range payloads {
		if p == "[DONE]" {
			doneCount++
			continue
		}
		if f := finishOf(decodeJSON(t, p)); f != "" {
			finish = f
		}
	}
	if finish != "stop" {
		t.Fatalf("expected finish stop, got %q", finish)
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one [DONE], got %d", doneCount)
	}
}

// === Test: malformed envelope is released as plain text ===

func TestRun_MalformedEnvelopeFlushedAsText(t *testing.T) {
	raw := "<toolbridge:calls><search></broken></toolbridge:calls>"
	upstream := `data: {"choices":[{"delta":{"content":"` + raw + `"}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`
	var buf bytes.Buffer
	reader := openai.NewSSEReader(strings.NewReader(upstream))
	writer := openai.NewSSEWriter(&buf, dialect.StreamMeta{Model: "gpt-4o"})
	det := toolcall.NewDetector(chat.NewToolSet("search"))

	if err := runProcessor(t, reader, writer, det, chat.DialectOpenAI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payloads := ssePayloads(t, buf.String())
	if got := contentText(t, payloads); got != raw {
		t.Fatalf("expected envelope bytes back as text, got %q", got)
	}
	if strings.Contains(buf.String(), "tool_calls") {
		t.Fatalf("no tool call expected, got %s", buf.String())
	}
}

// === Test: Ollama client receives one complete tool-call frame ===

func TestRun_OpenAIToOllamaToolCall(t *testing.T) {
	upstream := `data: {"choices":[{"delta":{"content":"<toolbridge:calls><search><q>oslo</q></search></toolbridge:calls>"}}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`
	var buf bytes.Buffer
	reader := openai.NewSSEReader(strings.NewReader(upstream))
	writer := ollama.NewNDJSONWriter(&buf, dialect.StreamMeta{Model: "llama3"})
	det := toolcall.NewDetector(chat.NewToolSet("search"))

	if err := runProcessor(t, reader, writer, det, chat.DialectOllama); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := ndjsonLines(t, buf.String())
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %s", len(frames), buf.String())
	}

	msg := frames[0]["message"].(map[string]any)
	calls := msg["tool_calls"].([]any)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "search" {
		t.Fatalf("expected tool search, got %v", fn["name"])
	}
	argObj := fn["arguments"].(map[string]any)
	if argObj["q"] != "oslo" {
		t.Fatalf("expected q=oslo, got %v", argObj)
	}
	if frames[0]["done"] != false {
		t.Fatalf("tool-call frame must not be done")
	}

	if frames[1]["done"] != true {
		t.Fatalf("expected done terminator")
	}
	if frames[1]["done_reason"] != "stop" {
		t.Fatalf("expected done_reason stop, got %v", frames[1]["done_reason"])
	}
}

// === Test: native upstream fragments aggregate for Ollama clients ===

func TestRun_NativeFragmentsAggregateForOllama(t *testing.T) {
	upstream := `data: {"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"search","arguments":""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"oslo\"}"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: [DONE]

`
	var buf bytes.Buffer
	reader := openai.NewSSEReader(strings.NewReader(upstream))
	writer := ollama.NewNDJSONWriter(&buf, dialect.StreamMeta{Model: "llama3"})
	det := toolcall.NewDetector(chat.NewToolSet("search"))

	if err := runProcessor(t, reader, writer, det, chat.DialectOllama); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := ndjsonLines(t, buf.String())
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %s", len(frames), buf.String())
	}
	msg := frames[0]["message"].(map[string]any)
	calls := msg["tool_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("expected one aggregated call, got %d", len(calls))
	}
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "search" {
		t.Fatalf("expected tool search, got %v", fn["name"])
	}
	argObj := fn["arguments"].(map[string]any)
	if argObj["q"] != "oslo" {
		t.Fatalf("expected aggregated arguments, got %v", argObj)
	}
	if frames[1]["done"] != true || frames[1]["done_reason"] != "stop" {
		t.Fatalf("expected stop terminator, got %v", frames[1])
	}
}

// === Test: upstream error mid-stream becomes a terminal error frame ===

func TestRun_UpstreamErrorWritesErrorFrame(t *testing.T) {
	upstream := `data: {"choices":[{"delta":{"content":"partial"}}]}

data: {"error":{"message":"model crashed","code":500}}

`
	var buf bytes.Buffer
	reader := openai.NewSSEReader(strings.NewReader(upstream))
	writer := openai.NewSSEWriter(&buf, dialect.StreamMeta{Model: "gpt-4o"})
	det := toolcall.NewDetector(chat.NewToolSet("search"))

	err := runProcessor(t, reader, writer, det, chat.DialectOpenAI)
	if err == nil {
		t.Fatalf("expected an error from the upstream failure")
	}

	out := buf.String()
	if !strings.Contains(out, "model crashed") {
		t.Fatalf("expected error frame, got %s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Fatalf("expected terminator after error frame, got %s", out)
	}
	// Withheld text flushes before the error frame.
	payloads := ssePayloads(t, out)
	if got := contentText(t, payloads); got != "partial" {
		t.Fatalf("expected withheld text released, got %q", got)
	}
}

// === Test: cancelled client produces no further output ===

func TestRun_CancelledContextStaysSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := &stubReader{err: errors.New("read tcp: use of closed network connection")}
	var buf bytes.Buffer
	writer := openai.NewSSEWriter(&buf, dialect.StreamMeta{Model: "gpt-4o"})

	proc := NewStreamProcessor(reader, writer, nil, chat.DialectOpenAI, zap.NewNop())
	err := proc.Run(ctx)
	if !apperrors.IsStreamCancelled(err) {
		t.Fatalf("expected stream-cancelled, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no client output after cancel, got %s", buf.String())
	}
}

// === Test: upstream EOF without terminator still ends the client stream ===

func TestRun_EarlyCloseFlushesAndTerminates(t *testing.T) {
	reader := &stubReader{chunks: []*chat.Chunk{
		{Content: "Hi", HasContent: true},
	}}
	var buf bytes.Buffer
	writer := openai.NewSSEWriter(&buf, dialect.StreamMeta{Model: "gpt-4o"})
	det := toolcall.NewDetector(chat.NewToolSet("search"))

	if err := runProcessor(t, reader, writer, det, chat.DialectOpenAI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payloads := ssePayloads(t, buf.String())
	if got := contentText(t, payloads); got != "Hi" {
		t.Fatalf("expected withheld text flushed on close, got %q", got)
	}
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Fatalf("expected terminator on early close")
	}
}

// === Test: envelope closed only by the terminator frame ===

func TestRun_FinalizeExtractsAtTerminator(t *testing.T) {
	upstream := `{"model":"llama3","response":"<toolbridge:calls><ping></ping>"}
{"model":"llama3","response":"</toolbridge:calls>","done":true,"done_reason":"stop"}
`
	var buf bytes.Buffer
	reader := ollama.NewNDJSONReader(strings.NewReader(upstream))
	writer := ollama.NewNDJSONWriter(&buf, dialect.StreamMeta{Model: "llama3"})
	det := toolcall.NewDetector(chat.NewToolSet("ping"))

	if err := runProcessor(t, reader, writer, det, chat.DialectOllama); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := ndjsonLines(t, buf.String())
	msg := frames[0]["message"].(map[string]any)
	calls, ok := msg["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("expected one tool call, got %s", buf.String())
	}
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "ping" {
		t.Fatalf("expected tool ping, got %v", fn["name"])
	}
	if frames[len(frames)-1]["done"] != true {
		t.Fatalf("expected done terminator")
	}
}
