package openai

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Wire types for the OpenAI chat completions dialect. Compatible with
// OpenAI itself and the many OpenAI-flavoured servers (vLLM, DeepSeek,
// Ollama's /v1 shim, llama.cpp) this proxy fronts or impersonates.

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	N           *int      `json:"n,omitempty"`
	Seed        *int      `json:"seed,omitempty"`
	Stop        *StopList `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`

	// Accepted by several OpenAI-compatible servers even though upstream
	// OpenAI does not document them.
	TopK              *int     `json:"top_k,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`

	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	User             string             `json:"user,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	Tools      []Tool          `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`

	// Legacy function-calling fields. Read on input, normalized into
	// Tools/ToolChoice, never re-emitted.
	Functions    []ToolFunction  `json:"functions,omitempty"`
	FunctionCall json.RawMessage `json:"function_call,omitempty"`

	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
}

// MessageContent accepts either a bare string or an array of typed content
// parts and normalizes to a single string: text parts joined by newlines,
// non-text parts dropped.
type MessageContent string

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		*m = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MessageContent(s)
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	*m = MessageContent(strings.Join(texts, "\n"))
	return nil
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// StopList accepts a bare string or a list of strings. Single reports that
// the value arrived as a bare string so re-encoding keeps the shape.
type StopList struct {
	Values []string
	Single bool
}

func (s *StopList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		s.Values = nil
		s.Single = false
		return nil
	}

	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		s.Values = []string{one}
		s.Single = true
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	s.Values = many
	s.Single = false
	return nil
}

func (s StopList) MarshalJSON() ([]byte, error) {
	if s.Single && len(s.Values) == 1 {
		return json.Marshal(s.Values[0])
	}
	return json.Marshal(s.Values)
}

// IsEmpty lets omitempty-style callers skip an absent stop value.
func (s StopList) IsEmpty() bool {
	return len(s.Values) == 0
}

type ResponseFormat struct {
	Type string `json:"type"` // "text" or "json_object"
}

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"` // JSON string
}

type Response struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Streaming types ---

type StreamChunk struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"`
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Choices           []StreamChoice `json:"choices"`
	Usage             *Usage         `json:"usage,omitempty"`
	SystemFingerprint string         `json:"system_fingerprint,omitempty"`
}

type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta distinguishes an absent content key from an explicit empty
// string; the detector must only be fed deltas that were actually present.
type StreamDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// NullContent forces an explicit "content":null on encode. Streamed
	// tool-call deltas carry it, matching the OpenAI wire shape.
	NullContent bool `json:"-"`
}

func (d StreamDelta) MarshalJSON() ([]byte, error) {
	if !d.NullContent {
		type plain StreamDelta
		return json.Marshal(plain(d))
	}
	return json.Marshal(struct {
		Role      string     `json:"role,omitempty"`
		Content   *string    `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}{Role: d.Role, Content: nil, ToolCalls: d.ToolCalls})
}

// StreamError is the error frame emitted inside an SSE stream.
type StreamError struct {
	Error StreamErrorBody `json:"error"`
}

type StreamErrorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// --- Catalog types ---

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
