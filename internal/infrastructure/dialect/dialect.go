// Package dialect converts chat-completion traffic between wire dialects
// through the neutral representation in internal/domain/chat. Each dialect
// registers a Codec from its own sub-package's init; the registry is
// immutable once the process is up.
package dialect

import (
	"fmt"
	"io"
	"sync"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
)

// Codec converts one dialect's wire format to and from the neutral form.
// Implementations are stateless and safe for concurrent use; per-stream
// state lives in the FrameReader/FrameWriter they hand out.
type Codec interface {
	// Dialect identifies the wire protocol this codec speaks.
	Dialect() chat.Dialect

	// DecodeRequest parses a request body into the neutral form.
	DecodeRequest(data []byte) (*chat.Request, error)

	// EncodeRequest renders a neutral request as this dialect's body.
	EncodeRequest(req *chat.Request) ([]byte, error)

	// DecodeResponse parses a unary response body into the neutral form.
	DecodeResponse(data []byte) (*chat.Response, error)

	// EncodeResponse renders a neutral unary response.
	EncodeResponse(resp *chat.Response) ([]byte, error)

	// NewFrameReader deframes a streaming body into neutral chunks.
	NewFrameReader(r io.Reader) FrameReader

	// NewFrameWriter frames neutral chunks onto w in this dialect.
	NewFrameWriter(w io.Writer, meta StreamMeta) FrameWriter

	// ChatPath is the upstream chat-completion path for this dialect.
	ChatPath() string

	// StreamContentType is the Content-Type of a streaming response.
	StreamContentType() string
}

// FrameReader yields neutral chunks from a framed streaming body. Next
// returns io.EOF when the body is exhausted; the dialect terminator is
// surfaced first as a chunk with Done=true. A frame carrying an upstream
// error field is returned as a non-nil error.
type FrameReader interface {
	Next() (*chat.Chunk, error)
}

// FrameWriter renders neutral chunks in the target dialect's framing. A
// chunk with Done=true writes the dialect terminator. WriteError emits the
// dialect's terminal error frame and closes the stream. Writers flush after
// every frame when the underlying writer supports it.
type FrameWriter interface {
	WriteChunk(chunk *chat.Chunk) error
	WriteError(message string, code int) error
}

// StreamMeta seeds a FrameWriter with per-stream identity used when a chunk
// does not carry its own.
type StreamMeta struct {
	Model   string
	Created int64
}

var (
	regMu  sync.RWMutex
	codecs = map[chat.Dialect]Codec{}
)

// Register installs a codec for its dialect. Called from init in each
// dialect sub-package; later registrations for the same dialect replace
// earlier ones.
func Register(c Codec) {
	regMu.Lock()
	defer regMu.Unlock()
	codecs[c.Dialect()] = c
}

// Get returns the codec for a dialect.
func Get(d chat.Dialect) (Codec, error) {
	regMu.RLock()
	c, ok := codecs[d]
	regMu.RUnlock()
	if !ok {
		regMu.RLock()
		available := make([]chat.Dialect, 0, len(codecs))
		for k := range codecs {
			available = append(available, k)
		}
		regMu.RUnlock()
		return nil, fmt.Errorf("no codec registered for dialect %q (available: %v)", d, available)
	}
	return c, nil
}

// flusher is the optional interface writers use to push frames out as soon
// as they are written. http.ResponseWriter implements it.
type flusher interface {
	Flush()
}

// FlushIfPossible flushes w when it supports flushing. Shared by the
// dialect sub-packages.
func FlushIfPossible(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}
