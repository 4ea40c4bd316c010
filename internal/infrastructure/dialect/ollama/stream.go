package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect"
)

// NDJSONReader consumes one JSON object per line. A done=true frame is the
// stream terminator; everything after it is ignored.
type NDJSONReader struct {
	scanner *bufio.Scanner
	done    bool
}

func NewNDJSONReader(r io.Reader) *NDJSONReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &NDJSONReader{scanner: sc}
}

func (r *NDJSONReader) Next() (*chat.Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame StreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			// Tolerate garbage lines the way clients of Ollama do.
			continue
		}
		if frame.Error != "" {
			r.done = true
			return nil, fmt.Errorf("upstream stream error: %s", frame.Error)
		}
		if frame.Done {
			r.done = true
		}
		return decodeFrame(&frame), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func decodeFrame(f *StreamFrame) *chat.Chunk {
	chunk := &chat.Chunk{
		Model:   f.Model,
		Created: parseCreatedAt(f.CreatedAt),
	}
	switch {
	case f.Message != nil:
		msg := decodeMessage(*f.Message)
		chunk.Role = msg.Role
		chunk.Content = msg.Content
		chunk.HasContent = true
		chunk.ToolCalls = msg.ToolCalls
	case f.Response != nil:
		chunk.Content = *f.Response
		chunk.HasContent = true
	}
	if f.Done {
		chunk.Done = true
		chunk.DoneReason = f.DoneReason
		chunk.FinishReason = finishReason(f.DoneReason, len(chunk.ToolCalls) > 0)
		if f.PromptEvalCount > 0 || f.EvalCount > 0 || f.TotalDuration > 0 {
			chunk.Usage = &chat.Usage{
				PromptTokens:       f.PromptEvalCount,
				CompletionTokens:   f.EvalCount,
				TotalTokens:        f.PromptEvalCount + f.EvalCount,
				TotalDuration:      f.TotalDuration,
				LoadDuration:       f.LoadDuration,
				PromptEvalDuration: f.PromptEvalDuration,
				EvalDuration:       f.EvalDuration,
			}
		}
	}
	return chunk
}

// NDJSONWriter renders neutral chunks as Ollama stream frames. Finish
// reasons and usage arriving before the terminator are held back and folded
// into the single done frame.
type NDJSONWriter struct {
	w       io.Writer
	model   string
	created int64

	pendingFinish string
	pendingUsage  *chat.Usage
	doneWritten   bool
}

func NewNDJSONWriter(w io.Writer, meta dialect.StreamMeta) *NDJSONWriter {
	return &NDJSONWriter{w: w, model: meta.Model, created: meta.Created}
}

func (w *NDJSONWriter) WriteChunk(chunk *chat.Chunk) error {
	if w.doneWritten {
		return nil
	}

	if chunk.Done {
		return w.writeDone(chunk)
	}

	if chunk.FinishReason != "" {
		w.pendingFinish = chunk.FinishReason
	}
	if chunk.Usage != nil {
		w.pendingUsage = chunk.Usage
	}

	if len(chunk.ToolCalls) > 0 {
		return w.writeToolCalls(chunk)
	}
	if chunk.HasContent && chunk.Content != "" {
		return w.writeContent(chunk.Content)
	}
	return nil
}

func (w *NDJSONWriter) writeContent(content string) error {
	return w.writeFrame(&StreamFrame{
		Model:     w.model,
		CreatedAt: formatCreatedAt(w.created),
		Message:   &Message{Role: chat.RoleAssistant, Content: MessageContent(content)},
	})
}

func (w *NDJSONWriter) writeToolCalls(chunk *chat.Chunk) error {
	empty := ""
	return w.writeFrame(&StreamFrame{
		Model:     w.model,
		CreatedAt: formatCreatedAt(w.created),
		Message: &Message{
			Role:      chat.RoleAssistant,
			Content:   MessageContent(chunk.Content),
			ToolCalls: encodeToolCalls(chunk.ToolCalls),
		},
		Response: &empty,
	})
}

func (w *NDJSONWriter) writeDone(chunk *chat.Chunk) error {
	reason := chunk.DoneReason
	if reason == "" {
		finish := chunk.FinishReason
		if finish == "" {
			finish = w.pendingFinish
		}
		reason = doneReason(finish)
	}

	usage := chunk.Usage
	if usage == nil {
		usage = w.pendingUsage
	}

	frame := &StreamFrame{
		Model:      w.model,
		CreatedAt:  formatCreatedAt(w.created),
		Message:    &Message{Role: chat.RoleAssistant, Content: ""},
		Done:       true,
		DoneReason: reason,
	}
	if usage != nil {
		frame.PromptEvalCount = usage.PromptTokens
		frame.EvalCount = usage.CompletionTokens
		frame.TotalDuration = usage.TotalDuration
		frame.LoadDuration = usage.LoadDuration
		frame.PromptEvalDuration = usage.PromptEvalDuration
		frame.EvalDuration = usage.EvalDuration
	}

	w.doneWritten = true
	return w.writeFrame(frame)
}

// WriteError emits a terminal error line. Ollama clients stop on done=true,
// so the error frame doubles as the terminator.
func (w *NDJSONWriter) WriteError(message string, code int) error {
	if w.doneWritten {
		return nil
	}
	w.doneWritten = true
	return w.writeFrame(&StreamFrame{
		Done:  true,
		Error: message,
		Code:  code,
	})
}

func (w *NDJSONWriter) writeFrame(frame *StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	dialect.FlushIfPossible(w.w)
	return nil
}
