package proxy

import (
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/domain/toolcall"
	"github.com/toolbridge/toolbridge/internal/infrastructure/config"
	"github.com/toolbridge/toolbridge/internal/infrastructure/dialect"
	"github.com/toolbridge/toolbridge/internal/infrastructure/monitoring"
	"github.com/toolbridge/toolbridge/internal/infrastructure/upstream"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// Pipeline carries a chat request end to end: decode in the client dialect,
// apply the tool policy, encode for the backend dialect, call the upstream,
// and translate the answer back. One pipeline serves all requests; per-
// request state lives in PreparedRequest and LiveStream.
type Pipeline struct {
	client   *upstream.Client
	policy   *Policy
	backend  dialect.Codec
	detector config.DetectorConfig
	logger   *zap.Logger
}

// NewPipeline resolves the backend codec once at startup.
func NewPipeline(client *upstream.Client, policy *Policy, backend chat.Dialect, detectorCfg config.DetectorConfig, logger *zap.Logger) (*Pipeline, error) {
	codec, err := dialect.Get(backend)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		client:   client,
		policy:   policy,
		backend:  codec,
		detector: detectorCfg,
		logger:   logger,
	}, nil
}

// PreparedRequest is a decoded inbound request with its tool plan applied,
// ready to be sent upstream either way.
type PreparedRequest struct {
	Request *chat.Request
	Plan    Plan

	client dialect.Codec
}

// Streaming reports whether the client asked for a streamed response.
func (pr *PreparedRequest) Streaming() bool {
	return pr.Request.Stream
}

// Prepare decodes the body in the client's dialect and applies the tool
// policy. Decode failures are client errors.
func (p *Pipeline) Prepare(body []byte, clientDialect chat.Dialect) (*PreparedRequest, error) {
	codec, err := dialect.Get(clientDialect)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("client dialect not registered", err)
	}
	req, err := codec.DecodeRequest(body)
	if err != nil {
		return nil, apperrors.NewInvalidRequestError(err.Error())
	}
	plan := p.policy.Apply(req)
	return &PreparedRequest{Request: req, Plan: plan, client: codec}, nil
}

// Unary sends the request without streaming and returns the response body
// encoded in the client's dialect. When the known-tool set is non-empty the
// assistant text is scanned for an envelope; an extraction replaces the
// text with a native tool call.
func (p *Pipeline) Unary(ctx context.Context, pr *PreparedRequest, opts upstream.RequestOptions) ([]byte, error) {
	pr.Request.Stream = false
	payload, err := p.backend.EncodeRequest(pr.Request)
	if err != nil {
		return nil, apperrors.NewConversionError("encode upstream request", err)
	}

	opts.Stream = false
	resp, err := p.client.Post(ctx, p.backend.ChatPath(), payload, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewUpstreamTransientError("read upstream response", resp.StatusCode, err)
	}

	neutral, err := p.backend.DecodeResponse(body)
	if err != nil {
		return nil, apperrors.NewConversionError("decode upstream response", err)
	}

	p.extractFromResponse(neutral, pr.Plan)

	out, err := pr.client.EncodeResponse(neutral)
	if err != nil {
		return nil, apperrors.NewConversionError("encode client response", err)
	}
	return out, nil
}

// extractFromResponse runs envelope extraction over a unary assistant
// message. A native tool call from the upstream wins over anything found in
// the text; on extraction, text before the envelope survives as content and
// the finish reason becomes tool_calls.
func (p *Pipeline) extractFromResponse(resp *chat.Response, plan Plan) {
	if plan.Known.Empty() || len(resp.Message.ToolCalls) > 0 {
		return
	}
	content := resp.Message.Content
	if content == "" {
		return
	}
	call, ok := toolcall.Extract(content, plan.Known)
	if !ok {
		return
	}

	scrubbed := toolcall.ScrubReasoning(content)
	resp.Message.Content = textBeforeEnvelope(scrubbed)
	resp.Message.ToolCalls = []chat.ToolCall{{
		ID:        chat.NewToolCallID(),
		Name:      call.Name,
		Arguments: chat.MarshalArguments(call.Arguments),
	}}
	resp.FinishReason = "tool_calls"
	monitoring.ToolCallsExtractedTotal.WithLabelValues("unary").Inc()
	p.logger.Debug("synthesized tool call from response", zap.String("tool", call.Name))
}

// textBeforeEnvelope returns everything ahead of the earliest opening
// sentinel. Text after the call is consumed, matching stream behavior.
func textBeforeEnvelope(s string) string {
	cut := len(s)
	if i := strings.Index(s, toolcall.EnvelopeOpen); i >= 0 && i < cut {
		cut = i
	}
	if i := strings.Index(s, toolcall.LegacyEnvelopeOpen); i >= 0 && i < cut {
		cut = i
	}
	return s[:cut]
}

// LiveStream is an upstream streaming response whose headers have been
// accepted but whose body has not been pumped yet. The caller sets its own
// response headers from ContentType, then calls Pump exactly once.
type LiveStream struct {
	pr   *PreparedRequest
	body io.ReadCloser
	pl   *Pipeline
}

// OpenStream sends the request in streaming mode. Errors here arrive before
// anything was written to the client, so the caller can still answer with a
// plain error body.
func (p *Pipeline) OpenStream(ctx context.Context, pr *PreparedRequest, opts upstream.RequestOptions) (*LiveStream, error) {
	pr.Request.Stream = true
	payload, err := p.backend.EncodeRequest(pr.Request)
	if err != nil {
		return nil, apperrors.NewConversionError("encode upstream request", err)
	}

	opts.Stream = true
	resp, err := p.client.Post(ctx, p.backend.ChatPath(), payload, opts)
	if err != nil {
		return nil, err
	}
	return &LiveStream{pr: pr, body: resp.Body, pl: p}, nil
}

// ContentType is the streaming content type of the client's dialect.
func (s *LiveStream) ContentType() string {
	return s.pr.client.StreamContentType()
}

// Close releases the upstream body. Safe after Pump.
func (s *LiveStream) Close() error {
	return s.body.Close()
}

// Pump translates the upstream stream onto w until the upstream terminator,
// EOF, or cancellation. The returned error is for logging; by the time it
// is non-nil the client stream has already been terminated as well as the
// dialect allows.
func (s *LiveStream) Pump(ctx context.Context, w io.Writer) error {
	reader := s.pl.backend.NewFrameReader(s.body)
	writer := s.pr.client.NewFrameWriter(w, dialect.StreamMeta{
		Model:   s.pr.Request.Model,
		Created: time.Now().Unix(),
	})

	var det *toolcall.Detector
	if !s.pr.Plan.Known.Empty() {
		det = toolcall.NewDetector(s.pr.Plan.Known,
			toolcall.WithWindowSize(s.pl.detector.WindowSize),
			toolcall.WithMaxBufferSize(s.pl.detector.MaxBufferSize),
		)
	}

	proc := NewStreamProcessor(reader, writer, det, s.pr.client.Dialect(), s.pl.logger)
	return proc.Run(ctx)
}
