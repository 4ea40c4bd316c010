// Package upstream is the HTTP client for the backend chat API: connection
// pooling, retry with exponential backoff, and a circuit breaker in front
// of it all.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolbridge/toolbridge/internal/infrastructure/config"
	"github.com/toolbridge/toolbridge/internal/infrastructure/logger"
	"github.com/toolbridge/toolbridge/internal/infrastructure/monitoring"
	apperrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// maxErrorBody bounds how much of an upstream error body is read and kept.
const maxErrorBody = 2048

// RequestOptions carries per-call mode and headers.
type RequestOptions struct {
	// Stream selects the client without an overall timeout; cancellation
	// is then the context's job.
	Stream bool
	// Authorization is the inbound Authorization header, forwarded as-is.
	// Empty falls back to the configured API key.
	Authorization string
	// Headers are extra allowlisted headers to forward.
	Headers http.Header
}

// Client talks to the configured backend.
type Client struct {
	baseURL  string
	apiKey   string
	unary    *http.Client
	stream   *http.Client
	breaker  *Breaker
	retry    config.RetryConfig
	idleRead time.Duration
	logger   *zap.Logger
}

// New builds a client for the configured upstream.
//
// Transport-level timeouts cover connection setup and first-header wait;
// the streaming client deliberately has no total timeout so long
// generations are not killed mid-stream. The unary client caps the whole
// exchange.
func New(cfg config.UpstreamConfig, log *zap.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second, // model load + first token
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	var breaker *Breaker
	if cfg.Breaker.Enabled {
		breaker = NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		unary: &http.Client{
			Transport: transport,
			Timeout:   cfg.UnaryTimeout,
		},
		stream: &http.Client{
			Transport: transport,
			// No Timeout; context cancellation governs streams.
		},
		breaker:  breaker,
		retry:    cfg.Retry,
		idleRead: cfg.IdleReadTimeout,
		logger:   log,
	}
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// BaseURL exposes the configured upstream URL for health reporting.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Post sends a JSON body upstream, retrying transport errors and 5xx
// responses with exponential backoff. A 429 is retried only when it carries
// a parseable Retry-After. On success the caller owns the response body.
func (c *Client) Post(ctx context.Context, path string, body []byte, opts RequestOptions) (*http.Response, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if !c.breaker.Allow() {
			monitoring.UpstreamRequestsTotal.WithLabelValues("rejected").Inc()
			return nil, apperrors.NewUpstreamFatalError("upstream circuit open", http.StatusServiceUnavailable)
		}

		var wait time.Duration // 0 selects the default backoff

		resp, err := c.do(ctx, http.MethodPost, path, body, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperrors.NewStreamCancelledError(ctx.Err())
			}
			c.breaker.RecordFailure()
			monitoring.UpstreamRequestsTotal.WithLabelValues("transient").Inc()
			lastErr = apperrors.NewUpstreamTransientError("upstream request failed", 0, err)
		} else {
			switch {
			case resp.StatusCode < 400:
				c.breaker.RecordSuccess()
				monitoring.UpstreamRequestsTotal.WithLabelValues("success").Inc()
				if opts.Stream {
					resp.Body = watchStreamBody(resp.Body, c.idleRead, c.logger)
				}
				return resp, nil

			case resp.StatusCode >= 500:
				msg := drainErrorBody(resp)
				c.breaker.RecordFailure()
				monitoring.UpstreamRequestsTotal.WithLabelValues("transient").Inc()
				lastErr = apperrors.NewUpstreamTransientError(msg, resp.StatusCode, nil)

			case resp.StatusCode == http.StatusTooManyRequests:
				// Rate limiting is backpressure, not an outage: the
				// breaker stays out of it.
				retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After"))
				msg := drainErrorBody(resp)
				if !ok {
					monitoring.UpstreamRequestsTotal.WithLabelValues("fatal").Inc()
					return nil, apperrors.NewUpstreamFatalError(msg, resp.StatusCode)
				}
				monitoring.UpstreamRequestsTotal.WithLabelValues("transient").Inc()
				lastErr = apperrors.NewUpstreamTransientError(msg, resp.StatusCode, nil)
				wait = retryAfter

			default:
				msg := drainErrorBody(resp)
				monitoring.UpstreamRequestsTotal.WithLabelValues("fatal").Inc()
				return nil, apperrors.NewUpstreamFatalError(msg, resp.StatusCode)
			}
		}

		if attempt >= c.retry.MaxRetries {
			return nil, lastErr
		}

		if wait <= 0 {
			wait = c.retry.BaseBackoff << attempt
		}
		if wait <= 0 || wait > c.retry.MaxBackoff {
			wait = c.retry.MaxBackoff
		}

		monitoring.UpstreamRetriesTotal.Inc()
		c.logger.Warn("retrying upstream request",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.retry.MaxRetries),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, apperrors.NewStreamCancelledError(ctx.Err())
		}
	}
}

// Get fetches a backend resource once, with no retry or breaker involved;
// catalog lookups are cheap and cached by the caller.
func (c *Client) Get(ctx context.Context, path string, opts RequestOptions) (*http.Response, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, opts)
	if err != nil {
		return nil, apperrors.NewUpstreamTransientError("upstream request failed", 0, err)
	}
	if resp.StatusCode >= 400 {
		msg := drainErrorBody(resp)
		if resp.StatusCode >= 500 {
			return nil, apperrors.NewUpstreamTransientError(msg, resp.StatusCode, nil)
		}
		return nil, apperrors.NewUpstreamFatalError(msg, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, opts RequestOptions) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range opts.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if opts.Authorization != "" {
		req.Header.Set("Authorization", opts.Authorization)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	client := c.unary
	if opts.Stream {
		client = c.stream
	}
	return client.Do(req)
}

// drainErrorBody consumes and closes an error response, returning a bounded
// and redacted description safe to propagate to clients and logs.
func drainErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := logger.RedactBody(strings.TrimSpace(string(data)), maxErrorBody)
	if msg == "" {
		return fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", resp.StatusCode, msg)
}

// parseRetryAfter accepts both forms of the header: delay seconds and an
// HTTP date.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
