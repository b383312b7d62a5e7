package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"tftp/internal/protocol"
	"tftp/internal/transfer"
	"tftp/internal/transport"
)

const maxDatagram = 2048

// DatagramServer shares one packet socket between sessions. Each remote
// endpoint gets its own session; packets are routed by source address.
type DatagramServer struct {
	pc   net.PacketConn
	opts options

	mu       sync.Mutex
	sessions map[string]*transport.Endpoint

	wg sync.WaitGroup
}

func NewDatagramServer(pc net.PacketConn, opts ...Option) *DatagramServer {
	return &DatagramServer{
		pc:       pc,
		opts:     newOptions(opts),
		sessions: make(map[string]*transport.Endpoint),
	}
}

func (s *DatagramServer) Addr() net.Addr { return s.pc.LocalAddr() }

// Active is the number of sessions in progress.
func (s *DatagramServer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Serve reads the socket until ctx ends or the socket fails, then waits for
// the running sessions to finish.
func (s *DatagramServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.pc.Close() })
	defer stop()
	defer s.wg.Wait()

	s.opts.log.Info("datagram server listening", "addr", s.pc.LocalAddr().String())
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			if active := s.Active(); active > 0 {
				s.opts.log.Info("datagram server stopping", "active_sessions", active)
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.dispatch(ctx, append([]byte(nil), buf[:n]...), addr)
	}
}

func (s *DatagramServer) dispatch(ctx context.Context, pkt []byte, addr net.Addr) {
	key := addr.String()
	if ep := s.lookup(key); ep != nil {
		ep.Deliver(pkt)
		return
	}

	op, err := protocol.DecodeOpcode(pkt)
	switch {
	case err != nil:
		s.reject(addr, protocol.ErrCodeIllegalOperation)
		return
	case op != protocol.OpRRQ && op != protocol.OpWRQ:
		// Late retransmissions from a finished session land here too.
		s.reject(addr, protocol.ErrCodeUnknownTID)
		return
	}

	ep, created := s.insertIfAbsent(key, transport.NewEndpoint(s.pc, addr, s.opts.queue))
	ep.Deliver(pkt)
	if !created {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.remove(key)
		s.session(ctx, ep)
	}()
}

func (s *DatagramServer) session(ctx context.Context, ep *transport.Endpoint) {
	peer := ep.Addr().String()
	log := s.opts.log.With("transport", "udp", "peer", peer)
	eng := s.opts.newEngine(ep, transfer.Datagram(), log)

	sum, err := eng.Serve(ctx)
	s.opts.record(ctx, "udp", peer, sum, err)
}

func (s *DatagramServer) reject(addr net.Addr, code protocol.ErrorCode) {
	s.opts.log.Debug("rejecting stray packet", "peer", addr.String(), "code", code)
	_, _ = s.pc.WriteTo(protocol.EncodeError(code, code.String()), addr)
}

func (s *DatagramServer) lookup(key string) *transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key]
}

// insertIfAbsent registers ep under key unless a session already owns it,
// in which case the existing endpoint is returned.
func (s *DatagramServer) insertIfAbsent(key string, ep *transport.Endpoint) (*transport.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[key]; ok {
		return cur, false
	}
	s.sessions[key] = ep
	return ep, true
}

func (s *DatagramServer) remove(key string) {
	s.mu.Lock()
	ep := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if ep != nil {
		ep.Close()
	}
}
