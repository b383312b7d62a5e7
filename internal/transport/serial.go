package transport

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
)

// serialPoll bounds each blocking read so deadlines are noticed.
const serialPoll = 100 * time.Millisecond

// serialPort is the subset of serial.Port the adapter uses.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// OpenSerial opens a serial line (8N1) and returns it as a Stream.
func OpenSerial(portName string, baud int, opts ...StreamOption) (*Stream, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return NewStream(newSerialConn(port), opts...), nil
}

// serialConn gives a serial port net.Conn style read deadlines. The port
// reports a read timeout as (0, nil); serialConn turns an expired deadline
// into os.ErrDeadlineExceeded.
type serialConn struct {
	port serialPort

	mu           sync.Mutex
	readDeadline time.Time
}

func newSerialConn(p serialPort) *serialConn {
	return &serialConn{port: p}
}

func (c *serialConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()

		wait := serialPoll
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			wait = min(wait, left)
		}
		if err := c.port.SetReadTimeout(wait); err != nil {
			return 0, err
		}
		n, err := c.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }

func (c *serialConn) Close() error { return c.port.Close() }

func (c *serialConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op: serial writes drain at line speed.
func (c *serialConn) SetWriteDeadline(time.Time) error { return nil }
