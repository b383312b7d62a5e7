package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu    sync.Mutex
	paths []string
	seen  chan string
}

func newCollector() *collector {
	return &collector{seen: make(chan string, 16)}
}

func (c *collector) handle(_ context.Context, path string) error {
	c.mu.Lock()
	c.paths = append(c.paths, path)
	c.mu.Unlock()
	c.seen <- path
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

func startWatch(t *testing.T, dir string, h Handler, opts ...Option) func() {
	t.Helper()
	w, err := New(dir, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, h) }()
	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Run: %v", err)
		}
		_ = w.Close()
	}
}

func TestSettledFileHandledOnce(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	stop := startWatch(t, dir, c.handle, WithSettle(100*time.Millisecond))
	defer stop()

	path := filepath.Join(dir, "report.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for range 5 {
		if _, err := f.WriteString("row\n"); err != nil {
			t.Fatalf("Write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.Close()

	select {
	case got := <-c.seen:
		if got != path {
			t.Fatalf("path: got %q want %q", got, path)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("file was never handed over")
	}

	time.Sleep(300 * time.Millisecond)
	if n := c.count(); n != 1 {
		t.Fatalf("handled %d times, want 1", n)
	}
}

func TestHiddenFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	stop := startWatch(t, dir, c.handle, WithSettle(50*time.Millisecond))
	defer stop()

	if err := os.WriteFile(filepath.Join(dir, ".partial"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "done.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case got := <-c.seen:
		if filepath.Base(got) != "done.bin" {
			t.Fatalf("unexpected file %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("file was never handed over")
	}
	time.Sleep(200 * time.Millisecond)
	if n := c.count(); n != 1 {
		t.Fatalf("handled %d files, want 1", n)
	}
}

func TestExistingFilesQueued(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", ".hidden"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	c := newCollector()
	stop := startWatch(t, dir, c.handle, WithSettle(20*time.Millisecond), WithExisting(true))
	defer stop()

	var got []string
	for len(got) < 2 {
		select {
		case p := <-c.seen:
			got = append(got, filepath.Base(p))
		case <-time.After(3 * time.Second):
			t.Fatalf("existing files not handed over, got %v", got)
		}
	}
	if got[0] != "a.txt" || got[1] != "b.txt" {
		t.Fatalf("order: got %v", got)
	}
}

func TestSettled(t *testing.T) {
	now := time.Now()
	pending := map[string]time.Time{
		"old":   now.Add(-time.Second),
		"fresh": now.Add(-10 * time.Millisecond),
		"zero":  {},
	}
	got := settled(pending, now, 500*time.Millisecond)
	if len(got) != 2 || got[0] != "old" || got[1] != "zero" {
		t.Fatalf("settled: got %v", got)
	}
}
