// Package watch reports files in a directory once they stop changing.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultSettle = 500 * time.Millisecond

// Handler is called once per settled file, from the Run goroutine.
type Handler func(ctx context.Context, path string) error

type Option func(*Watcher)

// WithSettle sets how long a file must go without events before it is
// handed over.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// WithExisting also hands over the regular files already in the directory
// when Run starts.
func WithExisting(v bool) Option {
	return func(w *Watcher) { w.existing = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

type Watcher struct {
	dir      string
	settle   time.Duration
	existing bool
	log      *slog.Logger

	fw *fsnotify.Watcher
}

func New(dir string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		dir:    dir,
		settle: DefaultSettle,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w.fw = fw
	return w, nil
}

func (w *Watcher) Close() error { return w.fw.Close() }

// Run hands settled files to h until ctx ends. Handler errors are logged and
// do not stop the watch.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	pending := make(map[string]time.Time)
	if w.existing {
		for _, p := range w.scan() {
			pending[p] = time.Time{}
		}
	}

	tick := time.NewTicker(max(w.settle/4, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					delete(pending, ev.Name)
				}
				continue
			}
			if hidden(ev.Name) {
				continue
			}
			pending[ev.Name] = time.Now()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "dir", w.dir, "err", err)

		case now := <-tick.C:
			for _, p := range settled(pending, now, w.settle) {
				delete(pending, p)
				if !regular(p) {
					continue
				}
				w.log.Debug("file settled", "path", p)
				if err := h(ctx, p); err != nil {
					w.log.Warn("handler failed", "path", p, "err", err)
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

func (w *Watcher) scan() []string {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn("scan failed", "dir", w.dir, "err", err)
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || hidden(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(w.dir, e.Name()))
	}
	return out
}

// settled returns the pending paths quiet for at least d, oldest name first.
func settled(pending map[string]time.Time, now time.Time, d time.Duration) []string {
	var out []string
	for p, last := range pending {
		if now.Sub(last) >= d {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

func regular(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
