package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"tftp/internal/transport"
)

// StreamServer serves framed sessions over accepted stream connections, one
// goroutine per connection.
type StreamServer struct {
	ln   net.Listener
	opts options

	wg sync.WaitGroup
}

func NewStreamServer(ln net.Listener, opts ...Option) *StreamServer {
	return &StreamServer{ln: ln, opts: newOptions(opts)}
}

func (s *StreamServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx ends or the listener fails. It
// returns once every connection goroutine has finished.
func (s *StreamServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.opts.log.Info("stream server listening", "addr", s.ln.Addr().String())
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

func (s *StreamServer) handle(ctx context.Context, nc net.Conn) {
	st := transport.NewStream(nc)
	defer st.Close()

	// Unblock any in-flight read when the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	_ = s.opts.serveLink(ctx, st, "tcp", nc.RemoteAddr().String(), false)
}

// SerialServer runs sessions one after another over a single serial link.
type SerialServer struct {
	st   *transport.Stream
	name string
	opts options
}

func NewSerialServer(st *transport.Stream, portName string, opts ...Option) *SerialServer {
	return &SerialServer{st: st, name: portName, opts: newOptions(opts)}
}

// Serve returns nil when ctx ends, or the error that broke the link. A
// link that merely idles stays open for the next request.
func (s *SerialServer) Serve(ctx context.Context) error {
	s.opts.log.Info("serial server listening", "port", s.name)
	return s.opts.serveLink(ctx, s.st, "serial", s.name, true)
}
