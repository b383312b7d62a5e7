// Package server accepts transfer requests over stream, datagram and serial
// transports and runs one engine session per request.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"tftp/internal/journal"
	"tftp/internal/transfer"
	"tftp/internal/transport"
)

// Recorder receives every finished session. Recording failures are logged
// and never affect the transfer.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

type Option func(*options)

type options struct {
	log    *slog.Logger
	rec    Recorder
	engine []transfer.Option
	queue  int
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) { o.rec = r }
}

// WithEngineOptions are applied to every session engine after the
// transport's policy, so they can override timeout and retries.
func WithEngineOptions(opts ...transfer.Option) Option {
	return func(o *options) { o.engine = append(o.engine, opts...) }
}

// WithQueueSize sets how many packets a datagram session buffers before
// further ones are dropped.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queue = n }
}

func newOptions(opts []Option) options {
	o := options{
		log:   slog.New(slog.DiscardHandler),
		queue: 8,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) newEngine(t transfer.Transport, policy transfer.Option, log *slog.Logger) *transfer.Engine {
	eopts := make([]transfer.Option, 0, len(o.engine)+2)
	eopts = append(eopts, policy, transfer.WithLogger(log))
	eopts = append(eopts, o.engine...)
	return transfer.New(t, eopts...)
}

func (o *options) record(ctx context.Context, kind, peer string, sum transfer.Summary, err error) {
	if o.rec == nil || sum.Filename == "" {
		return
	}
	e := journal.Entry{
		Role:        sum.Role.String(),
		Filename:    sum.Filename,
		Peer:        peer,
		Transport:   kind,
		Bytes:       sum.Bytes,
		Blocks:      sum.Blocks,
		Retransmits: sum.Retransmits,
		Status:      journal.StatusCompleted,
		Started:     sum.Started,
		Finished:    sum.Started.Add(sum.Elapsed),
	}
	if err != nil {
		e.Status = journal.StatusFailed
		e.Error = err.Error()
	}
	// The session context may already be cancelled; the record should still land.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := o.rec.Record(rctx, e); rerr != nil {
		o.log.Warn("journal record failed", "peer", peer, "file", sum.Filename, "err", rerr)
	}
}

// serveLink runs sessions back to back over one stream until ctx ends or
// the link breaks. A non-persistent link also ends when no request arrives
// in time.
func (o *options) serveLink(ctx context.Context, st *transport.Stream, kind, peer string, persistent bool) error {
	log := o.log.With("transport", kind, "peer", peer)
	eng := o.newEngine(st, transfer.Stream(), log)

	for {
		sum, err := eng.Serve(ctx)
		o.record(ctx, kind, peer, sum, err)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case linkBroken(err):
			log.Debug("link closed", "err", err)
			return err
		case !persistent && errors.Is(err, transfer.ErrNoResponse):
			log.Debug("link idle", "err", err)
			return nil
		}
	}
}

// linkBroken reports whether err leaves no usable link for another session.
func linkBroken(err error) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, transport.ErrBrokenStream), errors.Is(err, transport.ErrFrame):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && !ne.Timeout()
}
