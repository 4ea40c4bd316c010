// Package ollama implements the Ollama dialect: JSON request bodies on
// /api/chat with NDJSON streaming, plus the tags/show catalog shapes.
package ollama

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect"
)

func init() {
	dialect.Register(&Codec{})
}

// Codec translates between the Ollama wire format and the neutral form.
type Codec struct{}

func (c *Codec) Dialect() chat.Dialect { return chat.DialectOllama }

func (c *Codec) ChatPath() string { return "/api/chat" }

func (c *Codec) StreamContentType() string { return "application/x-ndjson" }

func (c *Codec) DecodeRequest(data []byte) (*chat.Request, error) {
	var wire Request
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode ollama request: %w", err)
	}
	if wire.Model == "" {
		return nil, fmt.Errorf("decode ollama request: missing model")
	}
	if len(wire.Messages) == 0 {
		return nil, fmt.Errorf("decode ollama request: empty messages")
	}

	req := &chat.Request{
		Model: wire.Model,
		// Ollama streams unless the client says otherwise.
		Stream: wire.Stream == nil || *wire.Stream,
	}

	req.Messages = make([]chat.Message, 0, len(wire.Messages))
	for _, m := range wire.Messages {
		req.Messages = append(req.Messages, decodeMessage(m))
	}

	if opts := wire.Options; opts != nil {
		req.MaxTokens = opts.NumPredict
		req.Temperature = opts.Temperature
		req.TopP = opts.TopP
		req.TopK = opts.TopK
		req.RepetitionPenalty = opts.RepeatPenalty
		req.Seed = opts.Seed
	}

	req.Stop = wire.Stop
	if len(req.Stop) == 0 && wire.Options != nil {
		req.Stop = wire.Options.Stop
	}

	if wire.Format == "json" {
		req.ResponseFormat = chat.ResponseFormatJSON
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, chat.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	ext := &chat.OllamaExt{
		KeepAlive: wire.KeepAlive,
		Raw:       wire.Raw,
		Template:  wire.Template,
	}
	if wire.Options != nil {
		ext.NumCtx = wire.Options.NumCtx
	}
	if len(ext.KeepAlive) > 0 || ext.Raw != nil || ext.Template != "" || ext.NumCtx != nil {
		req.Ext.Ollama = ext
	}

	return req, nil
}

func (c *Codec) EncodeRequest(req *chat.Request) ([]byte, error) {
	stream := req.Stream
	wire := Request{
		Model:  req.Model,
		Stream: &stream,
		Stop:   req.Stop,
	}

	wire.Messages = make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, encodeMessage(m))
	}

	opts := Options{
		NumPredict:    req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		RepeatPenalty: req.RepetitionPenalty,
		Seed:          req.Seed,
	}

	if req.ResponseFormat == chat.ResponseFormatJSON {
		wire.Format = "json"
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if ext := req.Ext.Ollama; ext != nil {
		wire.KeepAlive = ext.KeepAlive
		wire.Raw = ext.Raw
		wire.Template = ext.Template
		opts.NumCtx = ext.NumCtx
	}

	if !optionsEmpty(opts) {
		wire.Options = &opts
	}

	return json.Marshal(wire)
}

func optionsEmpty(o Options) bool {
	return o.NumPredict == nil && o.Temperature == nil && o.TopP == nil &&
		o.TopK == nil && o.RepeatPenalty == nil && o.Seed == nil &&
		len(o.Stop) == 0 && o.NumCtx == nil
}

func (c *Codec) DecodeResponse(data []byte) (*chat.Response, error) {
	var probe ErrorResponse
	if err := json.Unmarshal(data, &probe); err == nil && probe.Error != "" {
		return nil, fmt.Errorf("upstream error: %s", probe.Error)
	}

	var wire Response
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if wire.Model == "" && wire.Message.Content == "" && len(wire.Message.ToolCalls) == 0 {
		return nil, fmt.Errorf("decode ollama response: empty body")
	}

	resp := &chat.Response{
		Model:        wire.Model,
		Created:      parseCreatedAt(wire.CreatedAt),
		Message:      decodeMessage(wire.Message),
		FinishReason: finishReason(wire.DoneReason, len(wire.Message.ToolCalls) > 0),
		Usage: chat.Usage{
			PromptTokens:       wire.PromptEvalCount,
			CompletionTokens:   wire.EvalCount,
			TotalTokens:        wire.PromptEvalCount + wire.EvalCount,
			TotalDuration:      wire.TotalDuration,
			LoadDuration:       wire.LoadDuration,
			PromptEvalDuration: wire.PromptEvalDuration,
			EvalDuration:       wire.EvalDuration,
		},
	}
	return resp, nil
}

func (c *Codec) EncodeResponse(resp *chat.Response) ([]byte, error) {
	wire := Response{
		Model:              resp.Model,
		CreatedAt:          formatCreatedAt(resp.Created),
		Message:            encodeMessage(resp.Message),
		Done:               true,
		DoneReason:         doneReason(resp.FinishReason),
		TotalDuration:      resp.Usage.TotalDuration,
		LoadDuration:       resp.Usage.LoadDuration,
		PromptEvalCount:    resp.Usage.PromptTokens,
		PromptEvalDuration: resp.Usage.PromptEvalDuration,
		EvalCount:          resp.Usage.CompletionTokens,
		EvalDuration:       resp.Usage.EvalDuration,
	}
	if wire.Message.Role == "" {
		wire.Message.Role = chat.RoleAssistant
	}
	return json.Marshal(wire)
}

func (c *Codec) NewFrameReader(r io.Reader) dialect.FrameReader {
	return NewNDJSONReader(r)
}

func (c *Codec) NewFrameWriter(w io.Writer, meta dialect.StreamMeta) dialect.FrameWriter {
	return NewNDJSONWriter(w, meta)
}

func decodeMessage(m Message) chat.Message {
	msg := chat.Message{
		Role:    m.Role,
		Content: string(m.Content),
	}
	for i, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
			// The wire carries no IDs; OpenAI re-encodings need one.
			ID:        chat.NewToolCallID(),
			Index:     i,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}
	return msg
}

func encodeMessage(m chat.Message) Message {
	wire := Message{
		Role:    m.Role,
		Content: MessageContent(m.Content),
	}
	wire.ToolCalls = encodeToolCalls(m.ToolCalls)
	return wire
}

func encodeToolCalls(calls []chat.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, ToolCall{
			Function: ToolCallFunc{
				Name:      tc.Name,
				Arguments: encodeArguments(tc),
			},
		})
	}
	return out
}

// decodeArguments normalizes the wire argument payload to a JSON object
// string. Arguments usually arrive as an object, but some clients send the
// OpenAI string-of-JSON form.
func decodeArguments(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "{}"
		}
		return s
	}
	return string(raw)
}

func encodeArguments(tc chat.ToolCall) json.RawMessage {
	args, err := tc.ArgumentsMap()
	if err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// finishReason maps done_reason to the neutral finish reason. A response
// carrying tool calls is a tool-call finish regardless of what the backend
// labeled it.
func finishReason(doneReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	return doneReason
}

// doneReason maps the neutral finish reason back to the wire. Ollama labels
// tool-call turns as a plain stop.
func doneReason(finish string) string {
	switch finish {
	case "", "tool_calls":
		return "stop"
	default:
		return finish
	}
}

func parseCreatedAt(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func formatCreatedAt(created int64) string {
	t := time.Unix(created, 0)
	if created <= 0 {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
