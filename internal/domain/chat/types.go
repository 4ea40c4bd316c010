package chat

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

// Dialect identifies a chat-completion wire protocol.
type Dialect string

const (
	DialectOpenAI Dialect = "openai"
	DialectOllama Dialect = "ollama"
)

// ParseDialect maps a config string to a Dialect.
func ParseDialect(s string) (Dialect, bool) {
	switch Dialect(s) {
	case DialectOpenAI:
		return DialectOpenAI, true
	case DialectOllama:
		return DialectOllama, true
	}
	return "", false
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a dialect-neutral chat message. Content is always a single
// string; multimodal part arrays are flattened at decode time.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a dialect-neutral native tool invocation. Arguments holds the
// JSON encoding of the argument object; during streaming passthrough it may
// hold a fragment of that encoding. Index is the streaming slot used by the
// OpenAI dialect to correlate fragments.
type ToolCall struct {
	ID        string
	Index     int
	Name      string
	Arguments string
}

// NewToolCallID mints a call identifier. The call_ prefix is the OpenAI
// convention; the Ollama dialect carries no IDs on the wire, so calls
// decoded from it get one here before any re-encoding.
func NewToolCallID() string {
	return "call_" + uuid.NewString()
}

// ArgumentsMap decodes Arguments into an object, repairing sloppy
// model-produced JSON when a strict parse fails. Empty arguments yield an
// empty map.
func (tc ToolCall) ArgumentsMap() (map[string]any, error) {
	if tc.Arguments == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(tc.Arguments)
		if repairErr != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(repaired), &args); err != nil {
			return nil, err
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// MarshalArguments encodes an argument object to the canonical string form
// carried in ToolCall.Arguments.
func MarshalArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Tool is a declared tool the model may invoke. Parameters is a JSON-Schema
// object; Name is the sole identifier the detector matches against.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ResponseFormat constrains the output encoding.
type ResponseFormat string

const (
	ResponseFormatDefault ResponseFormat = ""
	ResponseFormatText    ResponseFormat = "text"
	ResponseFormatJSON    ResponseFormat = "json"
)

// Request is the neutral intermediate representation of a chat-completion
// request. Optional sampling fields are pointers so absent and zero are
// distinguishable on re-encode.
type Request struct {
	Model             string
	Messages          []Message
	MaxTokens         *int
	Temperature       *float64
	TopP              *float64
	TopK              *int
	RepetitionPenalty *float64
	Seed              *int
	Stop              []string
	Tools             []Tool
	ToolChoice        json.RawMessage
	ResponseFormat    ResponseFormat
	Stream            bool
	N                 *int
	Ext               Extensions
}

// ToolNames returns the known-tool set for this request.
func (r *Request) ToolNames() ToolSet {
	if len(r.Tools) == 0 {
		return nil
	}
	set := make(ToolSet, len(r.Tools))
	for _, t := range r.Tools {
		if t.Name != "" {
			set[t.Name] = struct{}{}
		}
	}
	return set
}

// Extensions carries per-dialect fields outside the neutral mapping, one
// typed bag per dialect rather than a free-form map.
type Extensions struct {
	OpenAI *OpenAIExt
	Ollama *OllamaExt
}

// OpenAIExt holds OpenAI-only request fields preserved for round-tripping.
type OpenAIExt struct {
	PresencePenalty  *float64
	FrequencyPenalty *float64
	LogitBias        map[string]float64
	User             string
	// SingleStop records that stop arrived as a bare string so the
	// re-encoded request keeps the same shape.
	SingleStop bool
}

// OllamaExt holds Ollama-only request fields preserved for round-tripping.
type OllamaExt struct {
	KeepAlive json.RawMessage
	Raw       *bool
	Template  string
	NumCtx    *int
}

// Usage aggregates token accounting across dialects. The duration fields are
// nanoseconds and populated only by the Ollama dialect.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	TotalDuration      int64
	LoadDuration       int64
	PromptEvalDuration int64
	EvalDuration       int64
}

// Total returns the best available total token count.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// Response is the neutral form of a unary chat-completion response.
type Response struct {
	ID           string
	Model        string
	Created      int64
	Message      Message
	FinishReason string
	Usage        Usage
}

// Chunk is the neutral form of one streaming frame. Done marks the stream
// terminator (the OpenAI [DONE] line or an Ollama done=true frame).
type Chunk struct {
	ID           string
	Model        string
	Created      int64
	Role         string
	Content      string
	HasContent   bool
	ToolCalls    []ToolCall
	FinishReason string
	Done         bool
	DoneReason   string
	Usage        *Usage
}

// ModelInfo is the neutral catalog entry for one upstream model.
type ModelInfo struct {
	ID         string
	Created    int64
	OwnedBy    string
	Size       int64
	Digest     string
	ModifiedAt string
}
