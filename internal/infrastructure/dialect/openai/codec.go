package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect"
)

func init() {
	dialect.Register(&Codec{})
}

// Codec translates the OpenAI dialect to and from the neutral form.
type Codec struct{}

var _ dialect.Codec = (*Codec)(nil)

func (c *Codec) Dialect() chat.Dialect { return chat.DialectOpenAI }

func (c *Codec) ChatPath() string { return "/v1/chat/completions" }

func (c *Codec) StreamContentType() string { return "text/event-stream" }

// DecodeRequest parses an OpenAI chat-completion request. Legacy functions
// and function_call fields are folded into tools and tool_choice.
func (c *Codec) DecodeRequest(data []byte) (*chat.Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode openai request: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("decode openai request: model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("decode openai request: messages must not be empty")
	}

	out := &chat.Request{
		Model:             req.Model,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		TopK:              req.TopK,
		RepetitionPenalty: req.RepetitionPenalty,
		Seed:              req.Seed,
		ToolChoice:        req.ToolChoice,
		Stream:            req.Stream,
		N:                 req.N,
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, decodeMessage(msg))
	}

	if req.Stop != nil {
		out.Stop = req.Stop.Values
	}

	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case "json_object":
			out.ResponseFormat = chat.ResponseFormatJSON
		case "text":
			out.ResponseFormat = chat.ResponseFormatText
		}
	}

	for _, t := range req.Tools {
		if t.Function.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, chat.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(out.Tools) == 0 && len(req.Functions) > 0 {
		for _, fn := range req.Functions {
			if fn.Name == "" {
				continue
			}
			out.Tools = append(out.Tools, chat.Tool{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			})
		}
		if out.ToolChoice == nil {
			out.ToolChoice = req.FunctionCall
		}
	}

	ext := OpenAIExtFromRequest(&req)
	if ext != nil {
		out.Ext.OpenAI = ext
	}
	return out, nil
}

// OpenAIExtFromRequest captures OpenAI-only fields for round-tripping, nil
// when none are set.
func OpenAIExtFromRequest(req *Request) *chat.OpenAIExt {
	singleStop := req.Stop != nil && req.Stop.Single
	if req.PresencePenalty == nil && req.FrequencyPenalty == nil &&
		len(req.LogitBias) == 0 && req.User == "" && !singleStop {
		return nil
	}
	return &chat.OpenAIExt{
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		LogitBias:        req.LogitBias,
		User:             req.User,
		SingleStop:       singleStop,
	}
}

// EncodeRequest renders a neutral request in the OpenAI dialect.
func (c *Codec) EncodeRequest(req *chat.Request) ([]byte, error) {
	out := Request{
		Model:             req.Model,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		TopK:              req.TopK,
		RepetitionPenalty: req.RepetitionPenalty,
		Seed:              req.Seed,
		ToolChoice:        req.ToolChoice,
		Stream:            req.Stream,
		N:                 req.N,
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, encodeMessage(msg))
	}

	ext := req.Ext.OpenAI
	if len(req.Stop) > 0 {
		out.Stop = &StopList{
			Values: req.Stop,
			Single: ext != nil && ext.SingleStop && len(req.Stop) == 1,
		}
	}

	switch req.ResponseFormat {
	case chat.ResponseFormatJSON:
		out.ResponseFormat = &ResponseFormat{Type: "json_object"}
	case chat.ResponseFormatText:
		out.ResponseFormat = &ResponseFormat{Type: "text"}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  ensureSchema(t.Parameters),
			},
		})
	}

	if ext != nil {
		out.PresencePenalty = ext.PresencePenalty
		out.FrequencyPenalty = ext.FrequencyPenalty
		out.LogitBias = ext.LogitBias
		out.User = ext.User
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode openai request: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a unary OpenAI response.
func (c *Codec) DecodeResponse(data []byte) (*chat.Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("decode openai response: no choices")
	}

	choice := resp.Choices[0]
	out := &chat.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Created:      resp.Created,
		Message:      decodeMessage(choice.Message),
		FinishReason: choice.FinishReason,
	}
	if resp.Usage != nil {
		out.Usage = chat.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// EncodeResponse renders a neutral unary response in the OpenAI dialect.
func (c *Codec) EncodeResponse(resp *chat.Response) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = NewCompletionID()
	}
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}

	out := Response{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      encodeMessage(resp.Message),
			FinishReason: resp.FinishReason,
		}},
	}
	if total := resp.Usage.Total(); total > 0 {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      total,
		}
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode openai response: %w", err)
	}
	return data, nil
}

func (c *Codec) NewFrameReader(r io.Reader) dialect.FrameReader {
	return NewSSEReader(r)
}

func (c *Codec) NewFrameWriter(w io.Writer, meta dialect.StreamMeta) dialect.FrameWriter {
	return NewSSEWriter(w, meta)
}

func decodeMessage(msg Message) chat.Message {
	out := chat.Message{
		Role:       msg.Role,
		Content:    string(msg.Content),
		ToolCallID: msg.ToolCallID,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
			ID:        tc.ID,
			Index:     tc.Index,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func encodeMessage(msg chat.Message) Message {
	out := Message{
		Role:       msg.Role,
		Content:    MessageContent(msg.Content),
		ToolCallID: msg.ToolCallID,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Index: tc.Index,
			ID:    tc.ID,
			Type:  "function",
			Function: ToolCallFunc{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

// ensureSchema guarantees a tool parameter schema is a valid JSON-Schema
// object; models reject tools whose parameters lack a type.
func ensureSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	if _, ok := schema["type"]; ok {
		return schema
	}
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["type"] = "object"
	return out
}

// NewCompletionID mints a chat.completion identifier.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}
