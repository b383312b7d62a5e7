// Package config turns command-line flags and TFTP_* environment variables
// into server and client settings. A flag given on the command line wins
// over the environment, which wins over the built-in default.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tftp/internal/transfer"
)

const (
	TransportUDP    = "udp"
	TransportTCP    = "tcp"
	TransportSerial = "serial"

	DefaultListen = ":6969"
	DefaultBaud   = 115200
)

const (
	envRoot       = "TFTP_ROOT"
	envListen     = "TFTP_LISTEN"
	envServer     = "TFTP_SERVER"
	envTransport  = "TFTP_TRANSPORT"
	envSerialPort = "TFTP_SERIAL_PORT"
	envBaud       = "TFTP_BAUD"
	envTimeout    = "TFTP_TIMEOUT"
	envRetries    = "TFTP_RETRIES"
	envDally      = "TFTP_DALLY"
	envOverwrite  = "TFTP_OVERWRITE"
	envJournalDSN = "TFTP_JOURNAL_DSN"
)

var (
	ErrInvalid = errors.New("invalid configuration")
	ErrUsage   = errors.New("usage")
)

// Link is what both ends need to reach each other.
type Link struct {
	Transport  string
	SerialPort string
	Baud       int

	// Timeout and Retries of zero keep the transport's defaults.
	Timeout time.Duration
	Retries int
	Dally   time.Duration

	Verbose bool
}

type Server struct {
	Link

	Listen     string
	Root       string
	Overwrite  bool
	JournalDSN string

	// History > 0 prints that many journal entries and exits.
	History int
}

type Client struct {
	Link

	// Server is the address to dial for udp and tcp.
	Server string

	// Command is "get", "put" or "watch".
	Command string
	Remote  string
	Local   string

	WatchDir string
	Settle   time.Duration
}

// envSource collects environment parse errors so they are reported together.
type envSource struct {
	errs []error
}

func (e *envSource) getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (e *envSource) getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
		return def
	}
	return n
}

func (e *envSource) getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
		return def
	}
	return d
}

func (e *envSource) getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
		return def
	}
	return b
}

func (e *envSource) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(e.errs...))
}

func bindLink(fs *flag.FlagSet, env *envSource, l *Link, defTransport string) {
	fs.StringVar(&l.Transport, "transport", env.getString(envTransport, defTransport), "udp, tcp or serial")
	fs.StringVar(&l.SerialPort, "serial", env.getString(envSerialPort, ""), "serial device for -transport serial")
	fs.IntVar(&l.Baud, "baud", env.getInt(envBaud, DefaultBaud), "serial line speed")
	fs.DurationVar(&l.Timeout, "timeout", env.getDuration(envTimeout, 0), "wait per response (0 = transport default)")
	fs.IntVar(&l.Retries, "retries", env.getInt(envRetries, 0), "timeouts tolerated per exchange (0 = default)")
	fs.DurationVar(&l.Dally, "dally", env.getDuration(envDally, 0), "re-acknowledge a repeated final block for this long")
	fs.BoolVar(&l.Verbose, "v", false, "debug logging")
}

func (l Link) validate() error {
	var errs []error
	switch l.Transport {
	case TransportUDP, TransportTCP:
	case TransportSerial:
		if l.SerialPort == "" {
			errs = append(errs, errors.New("-serial is required with -transport serial"))
		}
		if l.Baud <= 0 {
			errs = append(errs, fmt.Errorf("baud must be positive, got %d", l.Baud))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", l.Transport))
	}
	if l.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", l.Timeout))
	}
	if l.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", l.Retries))
	}
	if l.Dally < 0 {
		errs = append(errs, fmt.Errorf("dally must not be negative, got %s", l.Dally))
	}
	return errors.Join(errs...)
}

// Policy is the engine policy matching the transport.
func (l Link) Policy() transfer.Option {
	if l.Transport == TransportUDP {
		return transfer.Datagram()
	}
	return transfer.Stream()
}

// Overrides are the engine settings given explicitly; apply them after
// Policy.
func (l Link) Overrides() []transfer.Option {
	var opts []transfer.Option
	if l.Timeout > 0 {
		opts = append(opts, transfer.WithTimeout(l.Timeout))
	}
	if l.Retries > 0 {
		opts = append(opts, transfer.WithRetries(l.Retries))
	}
	if l.Dally > 0 {
		opts = append(opts, transfer.WithDally(l.Dally))
	}
	return opts
}

// LoadServer parses tftpd's flags. Usage and parse errors go to out.
func LoadServer(args []string, out io.Writer) (Server, error) {
	var (
		cfg Server
		env envSource
	)
	fs := flag.NewFlagSet("tftpd", flag.ContinueOnError)
	fs.SetOutput(out)
	bindLink(fs, &env, &cfg.Link, TransportUDP)
	fs.StringVar(&cfg.Listen, "listen", env.getString(envListen, DefaultListen), "address to listen on for udp and tcp")
	fs.StringVar(&cfg.Root, "root", env.getString(envRoot, "."), "directory served to clients")
	fs.BoolVar(&cfg.Overwrite, "overwrite", env.getBool(envOverwrite, false), "accept write requests for existing files")
	fs.StringVar(&cfg.JournalDSN, "journal", env.getString(envJournalDSN, ""), "PostgreSQL DSN for the transfer journal (empty disables it)")
	fs.IntVar(&cfg.History, "history", 0, "print the last N journal entries and exit")

	if err := env.err(); err != nil {
		return Server{}, err
	}
	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}
	if fs.NArg() > 0 {
		return Server{}, fmt.Errorf("%w: unexpected arguments %q", ErrUsage, fs.Args())
	}

	var errs []error
	if err := cfg.Link.validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Root == "" {
		errs = append(errs, errors.New("root must not be empty"))
	} else if fi, err := os.Stat(cfg.Root); err != nil || !fi.IsDir() {
		errs = append(errs, fmt.Errorf("root %q is not a directory", cfg.Root))
	}
	if cfg.Transport != TransportSerial && cfg.Listen == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if cfg.History < 0 {
		errs = append(errs, fmt.Errorf("history must not be negative, got %d", cfg.History))
	} else if cfg.History > 0 && cfg.JournalDSN == "" {
		errs = append(errs, errors.New("-history needs -journal"))
	}
	if len(errs) > 0 {
		return Server{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return cfg, nil
}

// LoadClient parses tftp's flags and command:
//
//	tftp [flags] get REMOTE [LOCAL]
//	tftp [flags] put LOCAL [REMOTE]
//	tftp [flags] -watch DIR
func LoadClient(args []string, out io.Writer) (Client, error) {
	var (
		cfg Client
		env envSource
	)
	fs := flag.NewFlagSet("tftp", flag.ContinueOnError)
	fs.SetOutput(out)
	bindLink(fs, &env, &cfg.Link, TransportUDP)
	fs.StringVar(&cfg.Server, "server", env.getString(envServer, "127.0.0.1"+DefaultListen), "server address for udp and tcp")
	fs.StringVar(&cfg.WatchDir, "watch", "", "upload every file that settles in this directory")
	fs.DurationVar(&cfg.Settle, "settle", 500*time.Millisecond, "quiet period before a watched file is uploaded")

	if err := env.err(); err != nil {
		return Client{}, err
	}
	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}

	if err := cfg.parseCommand(fs.Args()); err != nil {
		return Client{}, err
	}

	var errs []error
	if err := cfg.Link.validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Transport != TransportSerial && cfg.Server == "" {
		errs = append(errs, errors.New("server address must not be empty"))
	}
	if cfg.Settle <= 0 {
		errs = append(errs, fmt.Errorf("settle must be positive, got %s", cfg.Settle))
	}
	if len(errs) > 0 {
		return Client{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Client) parseCommand(args []string) error {
	if c.WatchDir != "" {
		if len(args) > 0 {
			return fmt.Errorf("%w: -watch takes no command", ErrUsage)
		}
		c.Command = "watch"
		return nil
	}
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("%w: want get REMOTE [LOCAL] or put LOCAL [REMOTE]", ErrUsage)
	}

	c.Command = args[0]
	switch c.Command {
	case "get":
		c.Remote, c.Local = args[1], baseName(args[1])
		if len(args) == 3 {
			c.Local = args[2]
		}
	case "put":
		c.Local, c.Remote = args[1], baseName(args[1])
		if len(args) == 3 {
			c.Remote = args[2]
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, c.Command)
	}
	return nil
}

// baseName is the default name on the other side: the last path element.
func baseName(p string) string {
	return filepath.Base(filepath.Clean(p))
}
