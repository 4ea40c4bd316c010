package ollama

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Wire types for the Ollama dialect (/api/chat and friends).

type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   *bool     `json:"stream,omitempty"` // Ollama defaults to true when absent
	Format   string    `json:"format,omitempty"` // "json"
	Options  *Options  `json:"options,omitempty"`
	Stop     []string  `json:"stop,omitempty"`
	Tools    []Tool    `json:"tools,omitempty"`

	KeepAlive json.RawMessage `json:"keep_alive,omitempty"`
	Template  string          `json:"template,omitempty"`
	Raw       *bool           `json:"raw,omitempty"`
}

// Options carries the sampling knobs Ollama nests under "options".
type Options struct {
	NumPredict    *int     `json:"num_predict,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	NumCtx        *int     `json:"num_ctx,omitempty"`
}

type Message struct {
	Role      string         `json:"role"`
	Content   MessageContent `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
}

// MessageContent accepts a bare string or an array of typed parts; parts
// collapse to newline-joined text with non-text parts dropped.
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

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
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

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall carries arguments as a JSON object, unlike the OpenAI dialect's
// string-of-JSON.
type ToolCall struct {
	Function ToolCallFunc `json:"function"`
}

type ToolCallFunc struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Response struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at,omitempty"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`

	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

// StreamFrame is one NDJSON line of a streaming response. Message carries
// the /api/chat shape; Response the /api/generate shape. Both appear in the
// wild, so readers accept either.
type StreamFrame struct {
	Model      string   `json:"model,omitempty"`
	CreatedAt  string   `json:"created_at,omitempty"`
	Message    *Message `json:"message,omitempty"`
	Response   *string  `json:"response,omitempty"`
	Done       bool     `json:"done"`
	DoneReason string   `json:"done_reason,omitempty"`

	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`

	Error string `json:"error,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// ErrorResponse is the unary error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Done  bool   `json:"done,omitempty"`
}

// --- Catalog types ---

type TagsResponse struct {
	Models []Tag `json:"models"`
}

type Tag struct {
	Name       string        `json:"name"`
	Model      string        `json:"model,omitempty"`
	ModifiedAt string        `json:"modified_at,omitempty"`
	Size       int64         `json:"size,omitempty"`
	Digest     string        `json:"digest,omitempty"`
	Details    *ModelDetails `json:"details,omitempty"`
}

type ModelDetails struct {
	Format            string `json:"format,omitempty"`
	Family            string `json:"family,omitempty"`
	ParameterSize     string `json:"parameter_size,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

// ShowRequest accepts both the current "model" key and the legacy "name".
type ShowRequest struct {
	Model string `json:"model,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ModelName returns whichever identifier the caller supplied.
func (r ShowRequest) ModelName() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

type ShowResponse struct {
	Modelfile    string         `json:"modelfile,omitempty"`
	Parameters   string         `json:"parameters,omitempty"`
	Template     string         `json:"template,omitempty"`
	Details      *ModelDetails  `json:"details,omitempty"`
	ModelInfo    map[string]any `json:"model_info,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}
