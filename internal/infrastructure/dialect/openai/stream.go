package openai

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect"
)

// SSEReader deframes a text/event-stream body into neutral chunks.
type SSEReader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewSSEReader wraps a streaming response body. Lines may be up to 1MB.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEReader{scanner: scanner}
}

// Next returns the next neutral chunk. The [DONE] line surfaces as a chunk
// with Done=true; afterwards and at body EOF, Next returns io.EOF. Frames
// that fail to parse are skipped; an upstream error frame is returned as an
// error.
func (r *SSEReader) Next() (*chat.Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ": ") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			r.done = true
			return &chat.Chunk{Done: true}, nil
		}

		var probe struct {
			Error *StreamErrorBody `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &probe); err == nil && probe.Error != nil {
			r.done = true
			return nil, fmt.Errorf("upstream stream error: %s", probe.Error.Message)
		}

		var frame StreamChunk
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			// Unparseable frame: skip rather than kill the stream.
			continue
		}
		return decodeStreamChunk(&frame), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func decodeStreamChunk(frame *StreamChunk) *chat.Chunk {
	out := &chat.Chunk{
		ID:      frame.ID,
		Model:   frame.Model,
		Created: frame.Created,
	}
	if frame.Usage != nil {
		out.Usage = &chat.Usage{
			PromptTokens:     frame.Usage.PromptTokens,
			CompletionTokens: frame.Usage.CompletionTokens,
			TotalTokens:      frame.Usage.TotalTokens,
		}
	}
	if len(frame.Choices) == 0 {
		return out
	}

	choice := frame.Choices[0]
	out.Role = choice.Delta.Role
	if choice.Delta.Content != nil {
		out.HasContent = true
		out.Content = *choice.Delta.Content
	}
	for _, tc := range choice.Delta.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
			ID:        tc.ID,
			Index:     tc.Index,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if choice.FinishReason != nil {
		out.FinishReason = *choice.FinishReason
	}
	return out
}

// SSEWriter frames neutral chunks as server-sent events. All frames of one
// stream share a completion ID; the first content-bearing delta carries the
// assistant role, matching what OpenAI clients expect.
type SSEWriter struct {
	w       io.Writer
	id      string
	model   string
	created int64

	roleSent      bool
	finishWritten bool
	doneWritten   bool
}

// NewSSEWriter builds a writer for one stream.
func NewSSEWriter(w io.Writer, meta dialect.StreamMeta) *SSEWriter {
	created := meta.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	return &SSEWriter{
		w:       w,
		id:      NewCompletionID(),
		model:   meta.Model,
		created: created,
	}
}

// WriteChunk renders one neutral chunk. A Done chunk emits any pending
// finish frame and then the [DONE] terminator; everything after that is
// dropped.
func (w *SSEWriter) WriteChunk(chunk *chat.Chunk) error {
	if w.doneWritten {
		return nil
	}

	if chunk.Done {
		if chunk.FinishReason != "" && !w.finishWritten {
			if err := w.writeFinish(chunk.FinishReason, chunk.Usage); err != nil {
				return err
			}
		} else if chunk.Usage != nil {
			if err := w.writeUsage(chunk.Usage); err != nil {
				return err
			}
		}
		return w.writeDone()
	}

	frame := w.newFrame()
	choice := StreamChoice{Index: 0}
	hasDelta := false

	if len(chunk.ToolCalls) > 0 {
		choice.Delta.NullContent = true
		for _, tc := range chunk.ToolCalls {
			choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, ToolCall{
				Index: tc.Index,
				ID:    tc.ID,
				Type:  "function",
				Function: ToolCallFunc{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		hasDelta = true
	} else if chunk.HasContent {
		content := chunk.Content
		choice.Delta.Content = &content
		hasDelta = true
	}

	if hasDelta && !w.roleSent {
		choice.Delta.Role = chat.RoleAssistant
		w.roleSent = true
	}

	if chunk.FinishReason != "" {
		reason := chunk.FinishReason
		choice.FinishReason = &reason
		w.finishWritten = true
		hasDelta = true
	}

	if !hasDelta {
		if chunk.Usage != nil {
			return w.writeUsage(chunk.Usage)
		}
		return nil
	}

	if chunk.Model != "" {
		frame.Model = chunk.Model
	}
	frame.Choices = append(frame.Choices, choice)
	if chunk.Usage != nil {
		frame.Usage = encodeUsage(chunk.Usage)
	}
	return w.writeFrame(frame)
}

// WriteError emits the terminal error frame followed by [DONE].
func (w *SSEWriter) WriteError(message string, code int) error {
	if w.doneWritten {
		return nil
	}
	data, err := json.Marshal(StreamError{Error: StreamErrorBody{Message: message, Code: code}})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.writeDone()
}

func (w *SSEWriter) writeFinish(reason string, usage *chat.Usage) error {
	frame := w.newFrame()
	frame.Choices = []StreamChoice{{Index: 0, FinishReason: &reason}}
	if usage != nil {
		frame.Usage = encodeUsage(usage)
	}
	w.finishWritten = true
	return w.writeFrame(frame)
}

func (w *SSEWriter) writeUsage(usage *chat.Usage) error {
	frame := w.newFrame()
	frame.Choices = []StreamChoice{}
	frame.Usage = encodeUsage(usage)
	return w.writeFrame(frame)
}

func (w *SSEWriter) writeDone() error {
	if _, err := io.WriteString(w.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	w.doneWritten = true
	dialect.FlushIfPossible(w.w)
	return nil
}

func (w *SSEWriter) newFrame() *StreamChunk {
	return &StreamChunk{
		ID:      w.id,
		Object:  "chat.completion.chunk",
		Created: w.created,
		Model:   w.model,
	}
}

func (w *SSEWriter) writeFrame(frame *StreamChunk) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	dialect.FlushIfPossible(w.w)
	return nil
}

func encodeUsage(u *chat.Usage) *Usage {
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.Total(),
	}
}
