package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Conn is what Stream needs from a byte stream: a net.Conn, or a serial
// port wrapped to honour read deadlines.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type StreamOption func(*Stream)

func WithMaxFramePayloadBytes(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.maxFramePayload = n
		}
	}
}

// Stream carries packets over an ordered byte stream, one frame per packet.
//
// Stream is safe for one concurrent reader and one concurrent writer.
type Stream struct {
	nc Conn

	maxFramePayload int

	readMu  sync.Mutex
	writeMu sync.Mutex
}

func NewStream(nc Conn, opts ...StreamOption) *Stream {
	s := &Stream{
		nc:              nc,
		maxFramePayload: defaultMaxFramePayload,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialStream connects to a stream server.
func DialStream(ctx context.Context, addr string, opts ...StreamOption) (*Stream, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStream(nc, opts...), nil
}

func (s *Stream) Close() error { return s.nc.Close() }

// RemoteAddr names the peer when the underlying stream knows it.
func (s *Stream) RemoteAddr() string {
	if ra, ok := s.nc.(interface{ RemoteAddr() net.Addr }); ok && ra.RemoteAddr() != nil {
		return ra.RemoteAddr().String()
	}
	return ""
}

func (s *Stream) Send(ctx context.Context, packet []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	restore, stop := applyWriteContext(ctx, s.nc)
	defer func() {
		stop()
		restore()
	}()

	err := encodeFrameTo(s.nc, packet, s.maxFramePayload)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Receive reads the next packet. A timeout between frames is reported as
// os.ErrDeadlineExceeded and leaves the stream usable; a read cut short
// inside a frame closes the stream.
func (s *Stream) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	s.readMu.Lock()
	defer s.readMu.Unlock()

	restore, stop := applyReadContext(rctx, s.nc)
	defer func() {
		stop()
		restore()
	}()

	cr := &countingReader{r: s.nc}
	payload, err := decodeFrameFrom(cr, s.maxFramePayload)
	if err == nil {
		return payload, nil
	}

	// If the caller's context ended, prefer ctx.Err().
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, ErrFrame) {
		_ = s.nc.Close()
		return nil, err
	}
	if cr.n > 0 {
		_ = s.nc.Close()
		return nil, errors.Join(ErrBrokenStream, err)
	}
	if rctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, os.ErrDeadlineExceeded
	}
	return nil, err
}
