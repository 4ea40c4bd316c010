package upstream

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/pkg/safego"
)

// watchBody wraps a streaming response body and force-closes it when no
// read makes progress within the configured window. Frame decoders block
// in Read with no deadline of their own; closing the body from the side
// is the only way to unblock them when the upstream stalls mid-stream.
type watchBody struct {
	io.ReadCloser

	timeout time.Duration
	last    atomic.Int64 // UnixNano of the most recent read
	stalled atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// watchStreamBody arms an idle watchdog on body. A timeout of zero or
// less disables the watchdog and returns body unchanged.
func watchStreamBody(body io.ReadCloser, timeout time.Duration, log *zap.Logger) io.ReadCloser {
	if timeout <= 0 {
		return body
	}
	w := &watchBody{
		ReadCloser: body,
		timeout:    timeout,
		done:       make(chan struct{}),
	}
	w.last.Store(time.Now().UnixNano())

	safego.Go(log, "upstream-idle-watch", func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-timer.C:
				idle := time.Since(time.Unix(0, w.last.Load()))
				if idle < timeout {
					// Reads happened since we armed; sleep out the rest
					// of the window.
					timer.Reset(timeout - idle)
					continue
				}
				log.Warn("Upstream stream stalled, force-closing body",
					zap.Duration("idle", idle),
					zap.Duration("timeout", timeout),
				)
				w.stalled.Store(true)
				w.ReadCloser.Close()
				return
			}
		}
	})
	return w
}

func (w *watchBody) Read(p []byte) (int, error) {
	n, err := w.ReadCloser.Read(p)
	w.last.Store(time.Now().UnixNano())
	if err != nil && err != io.EOF && w.stalled.Load() {
		err = fmt.Errorf("upstream stream stalled: no data for %s", w.timeout)
	}
	return n, err
}

func (w *watchBody) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.ReadCloser.Close()
}
