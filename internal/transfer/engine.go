// Package transfer runs lockstep file transfers: one DATA block in flight,
// each acknowledged before the next is sent.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"time"

	"tftp/internal/buffer"
	"tftp/internal/protocol"
)

// Transport carries whole packets between two peers.
//
// Receive returns an error matching os.ErrDeadlineExceeded when nothing
// arrives within timeout, and ctx.Err() when ctx ends first.
type Transport interface {
	Send(ctx context.Context, packet []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Summary describes a finished session.
type Summary struct {
	Role        Role
	Filename    string
	Bytes       int
	Blocks      int
	Retransmits int
	Started     time.Time
	Elapsed     time.Duration
}

// Engine owns one session at a time over a single Transport. A finished
// session (completed or failed) is reset so the Engine can run the next one.
// Engine is not safe for concurrent use.
type Engine struct {
	t   Transport
	fs  buffer.Filesystem
	buf *buffer.Buffer
	log *slog.Logger

	timeout    time.Duration
	retries    int
	requestAck bool
	dally      time.Duration
	overwrite  bool
	maxSize    int

	// Session state.
	role        Role
	file        string
	state       State
	block       uint16 // awaiting ACK for (send) or expecting (receive)
	tries       int
	last        []byte // last unacknowledged outbound packet
	bytes       int
	blocks      int
	retransmits int
	started     time.Time
	slog        *slog.Logger
}

func New(t Transport, opts ...Option) *Engine {
	e := &Engine{
		t:          t,
		fs:         buffer.Local,
		log:        discardLogger(),
		timeout:    DefaultDatagramTimeout,
		retries:    DefaultRetries,
		requestAck: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	var bopts []buffer.Option
	if e.maxSize > 0 {
		bopts = append(bopts, buffer.WithMaxSize(e.maxSize))
	}
	if e.dally < 0 {
		e.dally = e.timeout * time.Duration(e.retries)
	}
	e.buf = buffer.New(e.fs, bopts...)
	e.slog = e.log
	return e
}

// State is the current state, or the terminal state of the last session.
func (e *Engine) State() State { return e.state }

// Retries is the retry counter of the exchange in progress.
func (e *Engine) Retries() int { return e.tries }

// Put sends the local file to the peer under the name remote (write request).
// A local load failure is reported before any network I/O.
func (e *Engine) Put(ctx context.Context, local, remote string) (Summary, error) {
	e.begin(RoleSend, remote)
	defer e.reset()

	if err := e.buf.Load(local); err != nil {
		if errors.Is(err, buffer.ErrTooLarge) {
			err = errors.Join(ErrFileTooLarge, err)
		}
		return e.fail(err)
	}

	req, err := protocol.EncodeRequest(protocol.OpWRQ, remote)
	if err != nil {
		return e.fail(err)
	}
	if err := e.transmit(ctx, req); err != nil {
		return e.fail(err)
	}
	e.setState(StateRequestSent)
	e.slog.Debug("sent WRQ")

	if err := e.sendBlocks(ctx, e.requestAck); err != nil {
		return e.fail(err)
	}
	return e.complete()
}

// Get fetches remote from the peer (read request) and saves it to local.
func (e *Engine) Get(ctx context.Context, remote, local string) (Summary, error) {
	e.begin(RoleReceive, remote)
	defer e.reset()

	req, err := protocol.EncodeRequest(protocol.OpRRQ, remote)
	if err != nil {
		return e.fail(err)
	}
	if err := e.transmit(ctx, req); err != nil {
		return e.fail(err)
	}
	e.setState(StateRequestSent)
	e.slog.Debug("sent RRQ")

	if err := e.receiveBlocks(ctx, local); err != nil {
		return e.fail(err)
	}
	return e.complete()
}

// Serve waits for one request from the peer and runs the matching flow: a
// read request is answered with the file's blocks, a write request is
// accepted and saved. Names resolve through the configured Filesystem.
func (e *Engine) Serve(ctx context.Context) (Summary, error) {
	e.begin(RoleReceive, "")
	defer e.reset()

	p, err := e.awaitRequest(ctx)
	if err != nil {
		return e.fail(err)
	}
	switch p := p.(type) {
	case protocol.ReadRequest:
		return e.serveRead(ctx, p.Filename)
	case protocol.WriteRequest:
		return e.serveWrite(ctx, p.Filename)
	}
	return e.fail(fmt.Errorf("%w: %s before request", ErrUnexpectedPacket, p.Opcode()))
}

// awaitRequest waits timeout × retries for an RRQ or WRQ. Well-formed DATA,
// ACK and ERROR packets are leftovers of a previous session on the same link
// and are dropped without reply; they do not extend the wait.
func (e *Engine) awaitRequest(ctx context.Context) (protocol.Packet, error) {
	deadline := time.Now().Add(e.timeout * time.Duration(e.retries))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: no request", ErrNoResponse)
		}
		b, err := e.t.Receive(ctx, remaining)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, os.ErrDeadlineExceeded) {
				err = fmt.Errorf("%w: no request", ErrNoResponse)
			}
			return nil, err
		}
		p, err := protocol.Decode(b)
		if err != nil {
			e.sendError(ctx, protocol.ErrCodeIllegalOperation, "malformed request")
			return nil, err
		}
		switch p.(type) {
		case protocol.ReadRequest, protocol.WriteRequest:
			return p, nil
		}
		e.slog.Debug("dropped stray packet while idle", "opcode", p.Opcode())
	}
}

func (e *Engine) serveRead(ctx context.Context, name string) (Summary, error) {
	e.role, e.file = RoleSend, name
	e.slog = e.log.With("role", e.role, "file", name)
	e.slog.Info("received RRQ")

	if err := e.buf.Load(name); err != nil {
		code := errorCodeFor(err)
		e.sendError(ctx, code, code.String())
		return e.fail(err)
	}
	if err := e.sendBlocks(ctx, false); err != nil {
		return e.fail(err)
	}
	return e.complete()
}

func (e *Engine) serveWrite(ctx context.Context, name string) (Summary, error) {
	e.role, e.file = RoleReceive, name
	e.slog = e.log.With("role", e.role, "file", name)
	e.slog.Info("received WRQ")

	if !e.overwrite {
		if err := e.checkAbsent(name); err != nil {
			code := errorCodeFor(err)
			e.sendError(ctx, code, code.String())
			return e.fail(err)
		}
	}
	if e.requestAck {
		if err := e.transmit(ctx, protocol.EncodeAck(0)); err != nil {
			return e.fail(err)
		}
		e.slog.Debug("sent ACK", "block", 0)
	}
	if err := e.receiveBlocks(ctx, name); err != nil {
		return e.fail(err)
	}
	return e.complete()
}

// sendBlocks streams the loaded buffer, one block per ACK. With awaitAck0 the
// peer must first acknowledge the write request with ACK 0.
func (e *Engine) sendBlocks(ctx context.Context, awaitAck0 bool) error {
	if awaitAck0 {
		e.block = 0
		e.setState(StateAwaitingAck)
		if err := e.exchange(ctx, e.acceptAck); err != nil {
			return err
		}
	}

	next, stop := iter.Pull2(e.buf.Chunks(protocol.BlockSize))
	defer stop()

	total := buffer.ChunkCount(e.buf.Len(), protocol.BlockSize)
	for {
		block, payload, ok := next()
		if !ok {
			return nil
		}
		e.setState(StateTransferring)
		pkt, err := protocol.EncodeData(block, payload)
		if err != nil {
			return err
		}
		e.block = block
		if err := e.transmit(ctx, pkt); err != nil {
			return err
		}
		e.slog.Debug("sent DATA", "block", block, "size", len(payload), "of", total)

		e.setState(StateAwaitingAck)
		if err := e.exchange(ctx, e.acceptAck); err != nil {
			return err
		}
		e.blocks++
		e.bytes += len(payload)
	}
}

// receiveBlocks accumulates DATA blocks until a short one arrives, then saves
// the file under dest. The file is saved before the final ACK goes out so a
// save failure can still be reported to the peer.
func (e *Engine) receiveBlocks(ctx context.Context, dest string) error {
	e.buf.Reset()
	e.block = 1

	for {
		e.setState(StateAwaitingData)
		var final bool
		err := e.exchange(ctx, func(ctx context.Context, p protocol.Packet) (bool, error) {
			d, ok := p.(protocol.Data)
			if !ok {
				return e.unexpected(ctx, p)
			}
			if d.Block != e.block {
				e.slog.Debug("ignored DATA", "block", d.Block, "expected", e.block)
				return false, nil
			}
			e.setState(StateTransferring)
			e.slog.Debug("received DATA", "block", d.Block, "size", len(d.Payload))

			if err := e.buf.Append(d.Payload); err != nil {
				err = errors.Join(ErrFileTooLarge, err)
				e.sendError(ctx, protocol.ErrCodeDiskFull, "file exceeds maximum transfer size")
				return false, err
			}
			e.tries = 0
			e.blocks++
			e.bytes = e.buf.Len()
			final = d.Final()
			return true, nil
		})
		if err != nil {
			return err
		}

		if final {
			if err := e.buf.Save(dest); err != nil {
				e.sendError(ctx, errorCodeFor(err), "could not save file")
				return err
			}
			e.slog.Debug("saved file", "path", dest, "bytes", e.bytes)
		}

		if err := e.transmit(ctx, protocol.EncodeAck(e.block)); err != nil {
			return err
		}
		e.slog.Debug("sent ACK", "block", e.block)

		if final {
			e.dallyFinal(ctx)
			return nil
		}
		e.block++
	}
}

// exchange waits for a packet that accept takes, retransmitting the last
// outbound packet on each timeout until the retry budget is spent. Packets
// accept rejects do not extend the current wait.
func (e *Engine) exchange(ctx context.Context, accept func(context.Context, protocol.Packet) (bool, error)) error {
	deadline := time.Now().Add(e.timeout)
	for {
		var (
			b   []byte
			err error
		)
		if remaining := time.Until(deadline); remaining > 0 {
			b, err = e.t.Receive(ctx, remaining)
		} else {
			err = os.ErrDeadlineExceeded
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				return err
			}
			e.tries++
			if e.tries >= e.retries {
				return fmt.Errorf("%w after %d attempts", ErrNoResponse, e.tries)
			}
			if e.last != nil {
				if err := e.t.Send(ctx, e.last); err != nil {
					return err
				}
				e.retransmits++
			}
			e.slog.Debug("timeout, retransmitted", "retry", e.tries, "block", e.block)
			deadline = time.Now().Add(e.timeout)
			continue
		}

		p, err := protocol.Decode(b)
		if err != nil {
			e.sendError(ctx, protocol.ErrCodeIllegalOperation, "malformed packet")
			return err
		}
		if ep, ok := p.(protocol.ErrorPacket); ok {
			return &RemoteError{Code: ep.Code, Message: ep.Message}
		}

		done, err := accept(ctx, p)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (e *Engine) acceptAck(ctx context.Context, p protocol.Packet) (bool, error) {
	a, ok := p.(protocol.Ack)
	if !ok {
		return e.unexpected(ctx, p)
	}
	return e.onAck(a.Block), nil
}

// onAck accepts the ACK for the block in flight. A stale or duplicate ACK
// changes nothing, the retry counter included.
func (e *Engine) onAck(block uint16) bool {
	if block != e.block {
		e.slog.Debug("ignored ACK", "block", block, "expected", e.block)
		return false
	}
	e.tries = 0
	e.slog.Debug("received ACK", "block", block)
	return true
}

// unexpected ignores a repeated request and rejects everything else.
func (e *Engine) unexpected(ctx context.Context, p protocol.Packet) (bool, error) {
	switch p.(type) {
	case protocol.ReadRequest, protocol.WriteRequest:
		e.slog.Debug("ignored repeated request")
		return false, nil
	}
	e.sendError(ctx, protocol.ErrCodeIllegalOperation, "unexpected "+p.Opcode().String())
	return false, fmt.Errorf("%w: %s in state %s", ErrUnexpectedPacket, p.Opcode(), e.state)
}

// dallyFinal re-acknowledges retransmissions of the final block for the dally
// period. Errors only end the dally.
func (e *Engine) dallyFinal(ctx context.Context) {
	if e.dally <= 0 {
		return
	}
	deadline := time.Now().Add(e.dally)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		b, err := e.t.Receive(ctx, remaining)
		if err != nil {
			return
		}
		block, _, err := protocol.DecodeData(b, len(b))
		if err != nil || block != e.block {
			continue
		}
		if err := e.t.Send(ctx, e.last); err != nil {
			return
		}
		e.slog.Debug("re-sent final ACK", "block", block)
	}
}

type existenceChecker interface {
	Exists(name string) (bool, error)
}

func (e *Engine) checkAbsent(name string) error {
	ec, ok := e.fs.(existenceChecker)
	if !ok {
		return nil
	}
	exists, err := ec.Exists(name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrFileExists, name)
	}
	return nil
}

func (e *Engine) transmit(ctx context.Context, pkt []byte) error {
	e.last = pkt
	return e.t.Send(ctx, pkt)
}

// sendError is best effort; the session is ending anyway.
func (e *Engine) sendError(ctx context.Context, code protocol.ErrorCode, msg string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.t.Send(sctx, protocol.EncodeError(code, msg)); err != nil {
		e.slog.Debug("could not send ERROR", "code", code, "err", err)
	}
}

func (e *Engine) begin(role Role, file string) {
	e.role = role
	e.file = file
	e.state = StateIdle
	e.block = 0
	e.tries = 0
	e.last = nil
	e.bytes = 0
	e.blocks = 0
	e.retransmits = 0
	e.started = time.Now()
	e.slog = e.log.With("role", role, "file", file)
	e.buf.Reset()
}

// reset releases the session's buffer and counters. The terminal state stays
// readable through State.
func (e *Engine) reset() {
	e.buf.Reset()
	e.block = 0
	e.tries = 0
	e.last = nil
}

func (e *Engine) setState(s State) { e.state = s }

func (e *Engine) summary() Summary {
	return Summary{
		Role:        e.role,
		Filename:    e.file,
		Bytes:       e.bytes,
		Blocks:      e.blocks,
		Retransmits: e.retransmits,
		Started:     e.started,
		Elapsed:     time.Since(e.started),
	}
}

func (e *Engine) complete() (Summary, error) {
	e.setState(StateCompleted)
	s := e.summary()
	e.slog.Info("transfer completed", "bytes", s.Bytes, "blocks", s.Blocks, "retransmits", s.Retransmits, "elapsed", s.Elapsed)
	return s, nil
}

func (e *Engine) fail(err error) (Summary, error) {
	e.setState(StateFailed)
	s := e.summary()
	e.slog.Warn("transfer failed", "err", err, "bytes", s.Bytes, "blocks", s.Blocks)
	return s, err
}
