package toolcall

import (
	"strings"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
)

// Detector buffer defaults. The window must cover the longest opening
// sentinel so a sentinel split across delta boundaries is still seen whole.
const (
	DefaultWindowSize    = 64
	DefaultMaxBufferSize = 64 * 1024
)

type detectorState int

const (
	statePass detectorState = iota
	stateInside
	stateComplete
)

// Result is what one Feed or Finalize produced: text to forward to the
// client now, and at most one extracted call. When both are set the text
// precedes the call.
type Result struct {
	Text string
	Call *ExtractedToolCall
}

// Detector is the per-stream tool-call state machine. It consumes text
// deltas and decides what passes through, what is withheld, and when a
// complete envelope has been captured. A Detector belongs to exactly one
// stream and is not safe for concurrent use.
type Detector struct {
	known      chat.ToolSet
	windowSize int
	maxBuffer  int

	state   detectorState
	window  string // trailing bytes withheld while passing through
	buffer  string // envelope bytes withheld while inside
	closing string // closing sentinel matching the opening that was seen
	flushed int
}

// Option customizes a Detector.
type Option func(*Detector)

// WithWindowSize overrides the trailing-window size.
func WithWindowSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.windowSize = n
		}
	}
}

// WithMaxBufferSize overrides the envelope buffer cap.
func WithMaxBufferSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxBuffer = n
		}
	}
}

// NewDetector builds a detector for one stream with the request's known
// tool names.
func NewDetector(known chat.ToolSet, opts ...Option) *Detector {
	d := &Detector{
		known:      known,
		windowSize: DefaultWindowSize,
		maxBuffer:  DefaultMaxBufferSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed consumes one text delta and returns what may be forwarded. At most
// windowSize bytes of ordinary text are ever delayed; once an opening
// sentinel is seen everything up to the closing sentinel is withheld, capped
// at maxBuffer.
func (d *Detector) Feed(delta string) Result {
	var res Result
	switch d.state {
	case stateComplete:
		// A call has been emitted; later text is consumed silently.
		return Result{}
	case stateInside:
		d.buffer += delta
		res = d.scanInside()
	default:
		res = d.scanPass(d.window + delta)
	}
	d.flushed += len(res.Text)
	return res
}

// Finalize is called exactly once, on upstream EOF or terminator. While
// inside an envelope it attempts one last parse; otherwise it releases the
// withheld window. The stream must never end with bytes still held back.
func (d *Detector) Finalize() Result {
	switch d.state {
	case stateComplete:
		return Result{}
	case stateInside:
		buf := d.buffer
		if call, ok := Extract(buf, d.known); ok {
			d.state = stateComplete
			d.buffer = ""
			return Result{Call: call}
		}
		d.resetToPass()
		d.flushed += len(buf)
		return Result{Text: buf}
	default:
		w := d.window
		d.window = ""
		d.flushed += len(w)
		return Result{Text: w}
	}
}

// Completed reports whether a tool call has been extracted on this stream.
func (d *Detector) Completed() bool {
	return d.state == stateComplete
}

// FlushedBytes returns how many text bytes have been released to the client.
func (d *Detector) FlushedBytes() int {
	return d.flushed
}

// BufferedBytes returns how many bytes are currently withheld.
func (d *Detector) BufferedBytes() int {
	return len(d.window) + len(d.buffer)
}

func (d *Detector) scanPass(w string) Result {
	d.window = ""
	if k, closing := findOpening(w); k >= 0 {
		pre := w[:k]
		d.state = stateInside
		d.buffer = w[k:]
		d.closing = closing
		res := d.scanInside()
		res.Text = pre + res.Text
		return res
	}
	keep := len(w)
	if keep > d.windowSize {
		keep = d.windowSize
	}
	d.window = w[len(w)-keep:]
	return Result{Text: w[:len(w)-keep]}
}

func (d *Detector) scanInside() Result {
	idx := strings.Index(d.buffer, d.closing)
	if idx < 0 {
		if len(d.buffer) > d.maxBuffer {
			// A closing sentinel this far out is a runaway; stop
			// withholding and hand everything back as text.
			flush := d.buffer
			d.resetToPass()
			return Result{Text: flush}
		}
		return Result{}
	}

	end := idx + len(d.closing)
	envelope := d.buffer[:end]
	rest := d.buffer[end:]

	if call, ok := Extract(envelope, d.known); ok {
		d.state = stateComplete
		d.buffer = ""
		d.window = ""
		return Result{Call: call}
	}

	// Not a usable envelope: release it verbatim and resume scanning with
	// whatever followed the closing sentinel.
	d.resetToPass()
	if rest == "" {
		return Result{Text: envelope}
	}
	res := d.scanPass(rest)
	res.Text = envelope + res.Text
	return res
}

func (d *Detector) resetToPass() {
	d.state = statePass
	d.buffer = ""
	d.window = ""
	d.closing = ""
}

// findOpening locates the earliest opening sentinel of either form and
// reports the closing form that pairs with it.
func findOpening(s string) (int, string) {
	idx := strings.Index(s, EnvelopeOpen)
	closing := EnvelopeClose
	if j := strings.Index(s, LegacyEnvelopeOpen); j >= 0 && (idx < 0 || j < idx) {
		idx = j
		closing = LegacyEnvelopeClose
	}
	return idx, closing
}
