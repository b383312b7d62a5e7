package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"tftp/internal/buffer"
	"tftp/internal/journal"
	"tftp/internal/protocol"
	"tftp/internal/transfer"
	"tftp/internal/transport"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (r *memRecorder) Record(_ context.Context, e journal.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memRecorder) snapshot() []journal.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]journal.Entry(nil), r.entries...)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return b
}

type runningServer struct {
	cancel context.CancelFunc
	done   chan error
}

func (r runningServer) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func startDatagram(t *testing.T, root string, opts ...Option) (*DatagramServer, runningServer) {
	t.Helper()
	pc, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts = append([]Option{WithEngineOptions(
		transfer.WithFilesystem(buffer.Dir(root)),
		transfer.WithTimeout(200*time.Millisecond),
	)}, opts...)
	srv := NewDatagramServer(pc, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	return srv, runningServer{cancel: cancel, done: done}
}

func datagramClient(t *testing.T, addr net.Addr) (*transfer.Engine, func()) {
	t.Helper()
	d, err := transport.DialDatagram(context.Background(), addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	eng := transfer.New(d, transfer.Datagram(), transfer.WithTimeout(300*time.Millisecond))
	return eng, func() { _ = d.Close() }
}

func TestDatagramServerPutThenGet(t *testing.T) {
	root := t.TempDir()
	srv, run := startDatagram(t, root)
	defer run.stop(t)

	local := filepath.Join(t.TempDir(), "src.bin")
	want := pattern(3*protocol.BlockSize + 77)
	writeFile(t, local, want)

	put, closePut := datagramClient(t, srv.Addr())
	sum, err := put.Put(context.Background(), local, "up.bin")
	closePut()
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if sum.Bytes != len(want) || sum.Blocks != 4 {
		t.Fatalf("put summary: %+v", sum)
	}
	if got := readFile(t, filepath.Join(root, "up.bin")); !bytes.Equal(got, want) {
		t.Fatalf("server copy differs: %d bytes", len(got))
	}

	dest := filepath.Join(t.TempDir(), "down.bin")
	get, closeGet := datagramClient(t, srv.Addr())
	defer closeGet()
	if _, err := get.Get(context.Background(), "up.bin", dest); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := readFile(t, dest); !bytes.Equal(got, want) {
		t.Fatalf("downloaded copy differs: %d bytes", len(got))
	}
}

func TestDatagramServerConcurrentSessions(t *testing.T) {
	root := t.TempDir()
	for i, name := range []string{"a", "b", "c", "d"} {
		writeFile(t, filepath.Join(root, name), pattern(1000*(i+1)))
	}
	srv, run := startDatagram(t, root)
	defer run.stop(t)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := transport.DialDatagram(context.Background(), srv.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer d.Close()
			eng := transfer.New(d, transfer.Datagram(), transfer.WithTimeout(300*time.Millisecond))
			dest := filepath.Join(t.TempDir(), name)
			if _, err := eng.Get(context.Background(), name, dest); err != nil {
				errs <- err
				return
			}
			got, err := os.ReadFile(dest)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, pattern(1000*(i+1))) {
				errs <- errors.New(name + ": content mismatch")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("session: %v", err)
	}
}

func TestDatagramServerRejectsStrayPacket(t *testing.T) {
	srv, run := startDatagram(t, t.TempDir())
	defer run.stop(t)

	c, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Write(protocol.EncodeAck(7)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 600)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	code, _, err := protocol.DecodeError(buf[:n])
	if err != nil {
		t.Fatalf("DecodeError: %v", err)
	}
	if code != protocol.ErrCodeUnknownTID {
		t.Fatalf("code: got %v want %v", code, protocol.ErrCodeUnknownTID)
	}
	if srv.Active() != 0 {
		t.Fatalf("stray packet opened a session")
	}
}

func TestDatagramServerRecordsSessions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "have.txt"), []byte("hello"))
	rec := &memRecorder{}
	srv, run := startDatagram(t, root, WithRecorder(rec))

	get, closeGet := datagramClient(t, srv.Addr())
	if _, err := get.Get(context.Background(), "have.txt", filepath.Join(t.TempDir(), "x")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	closeGet()

	miss, closeMiss := datagramClient(t, srv.Addr())
	_, err := miss.Get(context.Background(), "missing.txt", filepath.Join(t.TempDir(), "y"))
	closeMiss()
	var remote *transfer.RemoteError
	if !errors.As(err, &remote) || remote.Code != protocol.ErrCodeFileNotFound {
		t.Fatalf("expected remote file-not-found, got %v", err)
	}

	run.stop(t)

	entries := rec.snapshot()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d want 2: %+v", len(entries), entries)
	}
	byFile := map[string]journal.Entry{}
	for _, e := range entries {
		byFile[e.Filename] = e
	}
	if e := byFile["have.txt"]; e.Status != journal.StatusCompleted || e.Bytes != 5 || e.Transport != "udp" {
		t.Fatalf("completed entry: %+v", e)
	}
	if e := byFile["missing.txt"]; e.Status != journal.StatusFailed || e.Error == "" {
		t.Fatalf("failed entry: %+v", e)
	}
}

func TestStreamServerSessionsShareConnection(t *testing.T) {
	root := t.TempDir()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewStreamServer(ln, WithEngineOptions(transfer.WithFilesystem(buffer.Dir(root))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	run := runningServer{cancel: cancel, done: done}
	defer run.stop(t)

	st, err := transport.DialStream(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer st.Close()
	eng := transfer.New(st, transfer.Stream(), transfer.WithTimeout(2*time.Second))

	local := filepath.Join(t.TempDir(), "exact.bin")
	want := pattern(2 * protocol.BlockSize)
	writeFile(t, local, want)

	sum, err := eng.Put(context.Background(), local, "exact.bin")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if sum.Blocks != 3 {
		t.Fatalf("blocks: got %d want 3", sum.Blocks)
	}

	dest := filepath.Join(t.TempDir(), "back.bin")
	if _, err := eng.Get(context.Background(), "exact.bin", dest); err != nil {
		t.Fatalf("Get on same connection: %v", err)
	}
	if got := readFile(t, dest); !bytes.Equal(got, want) {
		t.Fatalf("content mismatch")
	}
}

func TestStreamServerRefusedUploadLeavesLinkUsable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "taken"), []byte("old"))
	writeFile(t, filepath.Join(root, "other"), pattern(600))
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewStreamServer(ln, WithEngineOptions(transfer.WithFilesystem(buffer.Dir(root))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	run := runningServer{cancel: cancel, done: done}
	defer run.stop(t)

	st, err := transport.DialStream(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer st.Close()
	eng := transfer.New(st, transfer.Stream(), transfer.WithTimeout(2*time.Second))

	// DATA 1 follows the WRQ without waiting, so it is still in flight when
	// the server refuses.
	local := filepath.Join(t.TempDir(), "new")
	writeFile(t, local, []byte("new"))
	_, err = eng.Put(context.Background(), local, "taken")
	var remote *transfer.RemoteError
	if !errors.As(err, &remote) || remote.Code != protocol.ErrCodeFileExists {
		t.Fatalf("expected file-exists, got %v", err)
	}
	if got := readFile(t, filepath.Join(root, "taken")); string(got) != "old" {
		t.Fatalf("file was overwritten: %q", got)
	}

	dest := filepath.Join(t.TempDir(), "other")
	if _, err := eng.Get(context.Background(), "other", dest); err != nil {
		t.Fatalf("Get after refused Put: %v", err)
	}
	if got := readFile(t, dest); !bytes.Equal(got, pattern(600)) {
		t.Fatalf("content mismatch")
	}
}

// lossyDatagram drops the first inbound packet equal to drop.
type lossyDatagram struct {
	*transport.Datagram
	drop    []byte
	dropped bool
}

func (l *lossyDatagram) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, os.ErrDeadlineExceeded
		}
		p, err := l.Datagram.Receive(ctx, remaining)
		if err != nil || l.dropped || !bytes.Equal(p, l.drop) {
			return p, err
		}
		l.dropped = true
	}
}

func TestDatagramServerSurvivesLostFinalAck(t *testing.T) {
	root := t.TempDir()
	rec := &memRecorder{}
	srv, run := startDatagram(t, root, WithRecorder(rec))

	d, err := transport.DialDatagram(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer d.Close()
	link := &lossyDatagram{Datagram: d, drop: protocol.EncodeAck(1)}
	eng := transfer.New(link, transfer.Datagram(), transfer.WithTimeout(300*time.Millisecond))

	local := filepath.Join(t.TempDir(), "f")
	writeFile(t, local, []byte("hello"))
	sum, err := eng.Put(context.Background(), local, "f")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !link.dropped || sum.Retransmits != 1 {
		t.Fatalf("final ACK not lost as planned: dropped=%v summary=%+v", link.dropped, sum)
	}
	if got := readFile(t, filepath.Join(root, "f")); string(got) != "hello" {
		t.Fatalf("server copy: %q", got)
	}

	run.stop(t)
	entries := rec.snapshot()
	if len(entries) != 1 || entries[0].Status != journal.StatusCompleted {
		t.Fatalf("server side: %+v", entries)
	}
}

func TestSerialServerOverPipe(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "boot.img"), pattern(700))

	a, b := net.Pipe()
	defer b.Close()

	srv := NewSerialServer(transport.NewStream(a), "pipe",
		WithEngineOptions(transfer.WithFilesystem(buffer.Dir(root)), transfer.WithTimeout(100*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	// Let the server idle through a few request timeouts first.
	time.Sleep(400 * time.Millisecond)

	eng := transfer.New(transport.NewStream(b), transfer.Stream(), transfer.WithTimeout(2*time.Second))
	dest := filepath.Join(t.TempDir(), "boot.img")
	if _, err := eng.Get(context.Background(), "boot.img", dest); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := readFile(t, dest); !bytes.Equal(got, pattern(700)) {
		t.Fatalf("content mismatch")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serial server did not stop")
	}
}

func TestLinkBroken(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{net.ErrClosed, true},
		{transport.ErrBrokenStream, true},
		{os.ErrDeadlineExceeded, false},
		{transfer.ErrNoResponse, false},
		{&transfer.RemoteError{Code: protocol.ErrCodeFileNotFound}, false},
	}
	for _, tc := range cases {
		if got := linkBroken(tc.err); got != tc.want {
			t.Fatalf("linkBroken(%v): got %v want %v", tc.err, got, tc.want)
		}
	}
}
