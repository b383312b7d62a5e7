// Command tftpd serves a directory to tftp clients over udp, tcp or a
// serial line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"tftp/internal/buffer"
	"tftp/internal/config"
	"tftp/internal/journal"
	"tftp/internal/server"
	"tftp/internal/transfer"
	"tftp/internal/transport"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tftpd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.LoadServer(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineOpts := []transfer.Option{
		transfer.WithFilesystem(buffer.Dir(cfg.Root)),
		transfer.WithOverwrite(cfg.Overwrite),
	}
	engineOpts = append(engineOpts, cfg.Overrides()...)
	opts := []server.Option{
		server.WithLogger(log),
		server.WithEngineOptions(engineOpts...),
	}

	if cfg.JournalDSN != "" {
		store, err := journal.Open(ctx, cfg.JournalDSN)
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.History > 0 {
			return printHistory(ctx, os.Stdout, store, cfg.History)
		}
		opts = append(opts, server.WithRecorder(store))
		log.Info("journal enabled")
	}

	log.Info("serving", "root", cfg.Root, "transport", cfg.Transport, "overwrite", cfg.Overwrite)

	switch cfg.Transport {
	case config.TransportUDP:
		pc, err := net.ListenPacket("udp", cfg.Listen)
		if err != nil {
			return err
		}
		return server.NewDatagramServer(pc, opts...).Serve(ctx)

	case config.TransportTCP:
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return err
		}
		return server.NewStreamServer(ln, opts...).Serve(ctx)

	case config.TransportSerial:
		st, err := transport.OpenSerial(cfg.SerialPort, cfg.Baud)
		if err != nil {
			return err
		}
		defer st.Close()
		return server.NewSerialServer(st, cfg.SerialPort, opts...).Serve(ctx)
	}
	return fmt.Errorf("unknown transport %q", cfg.Transport)
}

func printHistory(ctx context.Context, w io.Writer, store *journal.Store, n int) error {
	entries, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tTRANSPORT\tPEER\tROLE\tFILE\tBYTES\tSTATUS\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Finished.Local().Format(time.DateTime), e.Transport, e.Peer, e.Role, e.Filename, e.Bytes, e.Status, e.Error)
	}
	return tw.Flush()
}
