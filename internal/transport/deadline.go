package transport

import (
	"context"
	"time"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// applyReadContext maps ctx's deadline and cancellation onto the read
// deadline of c. Call stop then restore once the read is done.
func applyReadContext(ctx context.Context, c readDeadliner) (restore func(), stop func() bool) {
	restore = func() { _ = c.SetReadDeadline(time.Time{}) }
	if d, ok := ctx.Deadline(); ok {
		_ = c.SetReadDeadline(d)
	}
	stop = context.AfterFunc(ctx, func() { _ = c.SetReadDeadline(time.Now()) })
	return restore, stop
}

func applyWriteContext(ctx context.Context, c writeDeadliner) (restore func(), stop func() bool) {
	restore = func() { _ = c.SetWriteDeadline(time.Time{}) }
	if d, ok := ctx.Deadline(); ok {
		_ = c.SetWriteDeadline(d)
	}
	stop = context.AfterFunc(ctx, func() { _ = c.SetWriteDeadline(time.Now()) })
	return restore, stop
}

// withTimeout bounds ctx by timeout when it is positive.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
