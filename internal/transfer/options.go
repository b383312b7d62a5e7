package transfer

import (
	"log/slog"
	"time"

	"tftp/internal/buffer"
)

const (
	DefaultDatagramTimeout = 2 * time.Second
	DefaultStreamTimeout   = 30 * time.Second
	DefaultRetries         = 3
)

type Option func(*Engine)

// WithTimeout sets how long each wait for a response lasts.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRetries sets the retry budget: the session fails once this many
// consecutive waits have timed out.
func WithRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retries = n
		}
	}
}

// WithRequestAck controls whether a write request is acknowledged with
// ACK 0 before the first DATA block.
func WithRequestAck(v bool) Option {
	return func(e *Engine) { e.requestAck = v }
}

// dallyAuto makes New derive the dally period from timeout × retries.
const dallyAuto time.Duration = -1

// WithDally keeps a completed receiver listening for retransmissions of the
// final block for d, acknowledging them again. Zero disables it.
func WithDally(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.dally = d
		}
	}
}

// WithOverwrite lets Serve accept write requests for files that exist.
func WithOverwrite(v bool) Option {
	return func(e *Engine) { e.overwrite = v }
}

func WithFilesystem(fs buffer.Filesystem) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithMaxSize overrides the buffer cap. Used by tests.
func WithMaxSize(n int) Option {
	return func(e *Engine) { e.maxSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Stream applies the ordered-stream policy: no request ACK, the long stream
// deadline and no dally.
func Stream() Option {
	return func(e *Engine) {
		e.requestAck = false
		e.timeout = DefaultStreamTimeout
		e.dally = 0
	}
}

// Datagram applies the lossy-transport policy: request ACK, a short
// retransmission timeout and a dally of timeout × retries.
func Datagram() Option {
	return func(e *Engine) {
		e.requestAck = true
		e.timeout = DefaultDatagramTimeout
		e.dally = dallyAuto
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
