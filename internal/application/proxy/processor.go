package proxy

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/domain/toolcall"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect"
	"github.com/toolbridge/toolbridge/internal/infrastructure/monitoring"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// StreamProcessor pipes one upstream stream to one client: deframe, feed
// text through the detector, reframe in the client dialect, synthesize a
// native tool-call frame when an envelope completes. A processor belongs to
// exactly one request and runs on the caller's goroutine.
type StreamProcessor struct {
	reader   dialect.FrameReader
	writer   dialect.FrameWriter
	detector *toolcall.Detector // nil when the request carries no tools
	target   chat.Dialect
	logger   *zap.Logger

	finalized   bool
	synthesized bool

	// Native tool-call fragments are aggregated per streaming slot for
	// targets whose framing wants complete calls.
	nativeCalls map[int]*chat.ToolCall
	nativeOrder []int
}

// NewStreamProcessor wires a processor for one stream. The detector may be
// nil, which turns the processor into a pure reframing pipe.
func NewStreamProcessor(r dialect.FrameReader, w dialect.FrameWriter, det *toolcall.Detector, target chat.Dialect, logger *zap.Logger) *StreamProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamProcessor{
		reader:   r,
		writer:   w,
		detector: det,
		target:   target,
		logger:   logger,
	}
}

// Run consumes the upstream until its terminator or EOF. Upstream errors
// mid-stream surface as a terminal error frame in the client dialect; a
// cancelled context produces no further client output at all.
func (p *StreamProcessor) Run(ctx context.Context) error {
	monitoring.ActiveStreams.Inc()
	defer monitoring.ActiveStreams.Dec()

	for {
		chunk, err := p.reader.Next()
		if err == io.EOF {
			// Upstream closed without a terminator; end the client
			// stream cleanly with whatever the detector still holds.
			return p.closeEarly()
		}
		if err != nil {
			if ctx.Err() != nil {
				return apperrors.NewStreamCancelledError(ctx.Err())
			}
			if ferr := p.finalizeDetector(); ferr != nil {
				return ferr
			}
			p.logger.Warn("upstream stream failed", zap.Error(err))
			if werr := p.writer.WriteError(err.Error(), http.StatusBadGateway); werr != nil {
				return werr
			}
			return err
		}

		if chunk.Done {
			return p.finish(chunk)
		}
		if err := p.process(chunk); err != nil {
			return err
		}
	}
}

// process routes one non-terminal chunk. A single frame may carry tool-call
// fragments, text, and a finish reason at once; they are handled in that
// order so released text always precedes the finish.
func (p *StreamProcessor) process(chunk *chat.Chunk) error {
	if len(chunk.ToolCalls) > 0 {
		if err := p.handleNative(chunk); err != nil {
			return err
		}
	}
	if chunk.HasContent && chunk.Content != "" {
		if err := p.handleText(chunk.Content); err != nil {
			return err
		}
	}
	if chunk.FinishReason != "" {
		return p.handleFinish(chunk)
	}
	if chunk.Usage != nil && !chunk.HasContent && len(chunk.ToolCalls) == 0 {
		return p.writer.WriteChunk(chunk)
	}
	return nil
}

// handleText feeds a delta to the detector and forwards whatever it
// releases. Without a detector the text passes straight through.
func (p *StreamProcessor) handleText(text string) error {
	if p.detector == nil {
		return p.writer.WriteChunk(&chat.Chunk{Content: text, HasContent: true})
	}
	return p.forward(p.detector.Feed(text))
}

// forward writes a detector result: released text first, then at most one
// synthesized call.
func (p *StreamProcessor) forward(res toolcall.Result) error {
	if res.Text != "" {
		if err := p.writer.WriteChunk(&chat.Chunk{Content: res.Text, HasContent: true}); err != nil {
			return err
		}
	}
	if res.Call != nil {
		return p.synthesize(res.Call)
	}
	return nil
}

// synthesize emits a native tool-call frame followed by a tool_calls finish.
// The writer for each dialect renders these as that dialect expects; the
// terminator still waits for the upstream's own.
func (p *StreamProcessor) synthesize(call *toolcall.ExtractedToolCall) error {
	tc := chat.ToolCall{
		ID:        chat.NewToolCallID(),
		Name:      call.Name,
		Arguments: chat.MarshalArguments(call.Arguments),
	}
	if err := p.writer.WriteChunk(&chat.Chunk{Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{tc}}); err != nil {
		return err
	}
	if err := p.writer.WriteChunk(&chat.Chunk{FinishReason: "tool_calls"}); err != nil {
		return err
	}
	p.synthesized = true
	monitoring.ToolCallsExtractedTotal.WithLabelValues("stream").Inc()
	p.logger.Debug("synthesized tool call from stream",
		zap.String("tool", call.Name),
		zap.String("call_id", tc.ID))
	return nil
}

// handleNative forwards tool-call frames the upstream produced itself.
// OpenAI clients stream fragments as they come; other targets get one
// complete frame, aggregated per slot and flushed at the finish.
func (p *StreamProcessor) handleNative(chunk *chat.Chunk) error {
	if p.target == chat.DialectOpenAI {
		return p.writer.WriteChunk(&chat.Chunk{Role: chunk.Role, ToolCalls: chunk.ToolCalls})
	}
	for _, tc := range chunk.ToolCalls {
		p.mergeNative(tc)
	}
	return nil
}

func (p *StreamProcessor) mergeNative(tc chat.ToolCall) {
	if p.nativeCalls == nil {
		p.nativeCalls = map[int]*chat.ToolCall{}
	}
	agg, ok := p.nativeCalls[tc.Index]
	if !ok {
		agg = &chat.ToolCall{Index: tc.Index}
		p.nativeCalls[tc.Index] = agg
		p.nativeOrder = append(p.nativeOrder, tc.Index)
	}
	if tc.ID != "" {
		agg.ID = tc.ID
	}
	if tc.Name != "" {
		agg.Name = tc.Name
	}
	agg.Arguments += tc.Arguments
}

func (p *StreamProcessor) flushNative() error {
	if len(p.nativeOrder) == 0 {
		return nil
	}
	calls := make([]chat.ToolCall, 0, len(p.nativeOrder))
	for _, idx := range p.nativeOrder {
		calls = append(calls, *p.nativeCalls[idx])
	}
	p.nativeCalls = nil
	p.nativeOrder = nil
	return p.writer.WriteChunk(&chat.Chunk{Role: chat.RoleAssistant, ToolCalls: calls})
}

// handleFinish runs when the upstream announces its finish reason before
// the terminator. The detector is finalized here so withheld text reaches
// the client ahead of the finish frame; after a synthesis the upstream's
// own finish is dropped, since tool_calls already went out.
func (p *StreamProcessor) handleFinish(chunk *chat.Chunk) error {
	if err := p.flushNative(); err != nil {
		return err
	}
	if err := p.finalizeDetector(); err != nil {
		return err
	}
	if p.synthesized {
		return nil
	}
	return p.writer.WriteChunk(&chat.Chunk{FinishReason: chunk.FinishReason, Usage: chunk.Usage})
}

// finish handles the upstream terminator. Trailing content on the frame
// still runs through the detector before the last-chance finalize.
func (p *StreamProcessor) finish(chunk *chat.Chunk) error {
	if chunk.HasContent && chunk.Content != "" {
		if err := p.handleText(chunk.Content); err != nil {
			return err
		}
	}
	if err := p.flushNative(); err != nil {
		return err
	}
	if err := p.finalizeDetector(); err != nil {
		return err
	}
	return p.writer.WriteChunk(&chat.Chunk{
		Done:         true,
		DoneReason:   chunk.DoneReason,
		FinishReason: chunk.FinishReason,
		Usage:        chunk.Usage,
	})
}

func (p *StreamProcessor) closeEarly() error {
	if err := p.flushNative(); err != nil {
		return err
	}
	if err := p.finalizeDetector(); err != nil {
		return err
	}
	return p.writer.WriteChunk(&chat.Chunk{Done: true})
}

// finalizeDetector releases everything the detector still withholds. Safe
// to call more than once; only the first call reaches the detector.
func (p *StreamProcessor) finalizeDetector() error {
	if p.detector == nil || p.finalized {
		return nil
	}
	p.finalized = true
	return p.forward(p.detector.Finalize())
}
