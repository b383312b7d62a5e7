package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// maxDatagram is larger than any well-formed packet so oversized ones reach
// the decoder intact and are rejected there.
const maxDatagram = 2048

// Datagram is a client transport over a connected UDP socket. Lost,
// duplicated and reordered packets pass through unchanged.
type Datagram struct {
	nc  net.Conn
	buf []byte

	readMu  sync.Mutex
	writeMu sync.Mutex
}

func NewDatagram(nc net.Conn) *Datagram {
	return &Datagram{nc: nc, buf: make([]byte, maxDatagram)}
}

func DialDatagram(ctx context.Context, addr string) (*Datagram, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return NewDatagram(nc), nil
}

func (d *Datagram) Close() error { return d.nc.Close() }

func (d *Datagram) RemoteAddr() string { return d.nc.RemoteAddr().String() }

func (d *Datagram) Send(ctx context.Context, packet []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	restore, stop := applyWriteContext(ctx, d.nc)
	defer func() {
		stop()
		restore()
	}()

	_, err := d.nc.Write(packet)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *Datagram) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	d.readMu.Lock()
	defer d.readMu.Unlock()

	restore, stop := applyReadContext(rctx, d.nc)
	defer func() {
		stop()
		restore()
	}()

	n, err := d.nc.Read(d.buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if rctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, os.ErrDeadlineExceeded
		}
		return nil, err
	}
	return append([]byte(nil), d.buf[:n]...), nil
}

// Endpoint is the server side of one remote UDP endpoint. The server's read
// loop feeds it with Deliver; replies go out through the shared socket.
type Endpoint struct {
	pc   net.PacketConn
	addr net.Addr
	in   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func NewEndpoint(pc net.PacketConn, addr net.Addr, queue int) *Endpoint {
	if queue <= 0 {
		queue = 8
	}
	return &Endpoint{
		pc:     pc,
		addr:   addr,
		in:     make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

func (e *Endpoint) Addr() net.Addr { return e.addr }

// Deliver queues an inbound packet. When the queue is full or the endpoint
// is closed the packet is dropped, as the network would.
func (e *Endpoint) Deliver(packet []byte) bool {
	select {
	case <-e.closed:
		return false
	default:
	}
	select {
	case e.in <- packet:
		return true
	default:
		return false
	}
}

func (e *Endpoint) Send(ctx context.Context, packet []byte) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	select {
	case <-e.closed:
		return net.ErrClosed
	default:
	}
	_, err := e.pc.WriteTo(packet, e.addr)
	return err
}

func (e *Endpoint) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-e.in:
		return p, nil
	case <-timer.C:
		return nil, os.ErrDeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, net.ErrClosed
	}
}

func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
}
