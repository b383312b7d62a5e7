// Command tftp fetches and stores files on a tftpd server, or uploads every
// file that lands in a watched directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tftp/internal/config"
	"tftp/internal/transfer"
	"tftp/internal/transport"
	"tftp/internal/watch"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tftp:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.LoadClient(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &client{cfg: cfg, log: log}
	switch cfg.Command {
	case "get":
		return c.do(ctx, func(e *transfer.Engine) (transfer.Summary, error) {
			return e.Get(ctx, cfg.Remote, cfg.Local)
		})
	case "put":
		return c.do(ctx, func(e *transfer.Engine) (transfer.Summary, error) {
			return e.Put(ctx, cfg.Local, cfg.Remote)
		})
	case "watch":
		return c.watch(ctx)
	}
	return fmt.Errorf("unknown command %q", cfg.Command)
}

type client struct {
	cfg config.Client
	log *slog.Logger
}

type link interface {
	transfer.Transport
	io.Closer
}

func (c *client) dial(ctx context.Context) (link, error) {
	switch c.cfg.Transport {
	case config.TransportUDP:
		return transport.DialDatagram(ctx, c.cfg.Server)
	case config.TransportTCP:
		return transport.DialStream(ctx, c.cfg.Server)
	case config.TransportSerial:
		return transport.OpenSerial(c.cfg.SerialPort, c.cfg.Baud)
	}
	return nil, fmt.Errorf("unknown transport %q", c.cfg.Transport)
}

// do runs one session over a fresh link and reports it on stdout.
func (c *client) do(ctx context.Context, fn func(*transfer.Engine) (transfer.Summary, error)) error {
	l, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	opts := []transfer.Option{c.cfg.Policy(), transfer.WithLogger(c.log)}
	opts = append(opts, c.cfg.Overrides()...)

	sum, err := fn(transfer.New(l, opts...))
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: %d bytes in %d blocks, %d retransmits, %s\n",
		sum.Role, sum.Filename, sum.Bytes, sum.Blocks, sum.Retransmits, sum.Elapsed.Round(time.Millisecond))
	return nil
}

func (c *client) watch(ctx context.Context) error {
	w, err := watch.New(c.cfg.WatchDir,
		watch.WithSettle(c.cfg.Settle),
		watch.WithExisting(true),
		watch.WithLogger(c.log),
	)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Fprintf(os.Stderr, "watching %s\n", c.cfg.WatchDir)
	return w.Run(ctx, func(ctx context.Context, path string) error {
		return c.do(ctx, func(e *transfer.Engine) (transfer.Summary, error) {
			return e.Put(ctx, path, filepath.Base(path))
		})
	})
}
