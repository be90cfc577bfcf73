package bridge

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		if c != nil {
			h.client = c
		}
	}
}

// WithRetry tunes the upstream retry budget. Transport failures are retried
// maxRetries times with exponential backoff starting at base and capped at
// cap before the bridge gives up.
func WithRetry(base, cap time.Duration, maxRetries int) Option {
	return func(h *Handler) {
		if base > 0 {
			h.backoffBase = base
		}
		if cap > 0 {
			h.backoffCap = cap
		}
		if maxRetries >= 0 {
			h.maxRetries = maxRetries
		}
	}
}
