// Package main provides the entry point for the chat relay server.
//
// The server accepts participants over TCP and UDP, and optionally over
// WebSocket, and relays every chat line to all other participants until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/server"
)

// Exit codes for the server process.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()
	os.Exit(run(context.Background(), os.Args, os.Stderr))
}

// run executes the CLI and maps the outcome to an exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	code := exitOK
	app := &cli.App{
		Name:      "chatrelay-server",
		Usage:     "multi-participant chat relay over TCP and UDP",
		Version:   Version,
		Flags:     serverFlags(),
		Writer:    stderr,
		ErrWriter: stderr,
		Action: func(c *cli.Context) error {
			var err error
			code, err = serve(c, stderr)
			return err
		},
	}

	if err := app.RunContext(ctx, args); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		if code == exitOK {
			// urfave/cli rejected the arguments before serve ran.
			code = exitConfig
		}
	}
	return code
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "host",
			Usage:    "address to bind the TCP and UDP transports to",
			EnvVars:  []string{server.EnvPrefix + "HOST"},
			Required: true,
		},
		&cli.IntFlag{
			Name:     "port",
			Aliases:  []string{"p"},
			Usage:    "port shared by the TCP and UDP transports",
			EnvVars:  []string{server.EnvPrefix + "PORT"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a YAML configuration file",
			EnvVars: []string{server.EnvPrefix + "CONFIG"},
		},
		&cli.StringFlag{
			Name:  "http-addr",
			Usage: "address for /healthz, /participants, /metrics and /ws (empty disables)",
		},
		&cli.BoolFlag{
			Name:  "disable-tcp",
			Usage: "do not start the TCP transport",
		},
		&cli.BoolFlag{
			Name:  "disable-udp",
			Usage: "do not start the UDP transport",
		},
		&cli.DurationFlag{
			Name:  "udp-idle-timeout",
			Usage: "remove UDP participants silent for this long (0 keeps them)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "text or json",
		},
	}
}

// loadConfig layers the config file and environment under the CLI flags.
func loadConfig(c *cli.Context) (server.Config, error) {
	cfg, err := server.LoadConfig(c.String("config"))
	if err != nil {
		return server.Config{}, err
	}

	cfg.Host = c.String("host")
	cfg.Port = c.Int("port")
	if c.IsSet("http-addr") {
		cfg.HTTP.Addr = c.String("http-addr")
	}
	if c.Bool("disable-tcp") {
		cfg.TCP.Enabled = false
	}
	if c.Bool("disable-udp") {
		cfg.UDP.Enabled = false
	}
	if c.IsSet("udp-idle-timeout") {
		cfg.UDP.IdleTimeout = c.Duration("udp-idle-timeout")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

func serve(c *cli.Context, stderr io.Writer) (int, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.New(cfg, log, reg)
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return exitRuntime, fmt.Errorf("startup failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Chat relay started, press Ctrl+C to stop",
		"tcp", srv.TCPAddr(), "udp", srv.UDPAddr(), "http", srv.HTTPAddr(), "version", Version)

	if err := srv.Serve(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return exitRuntime, fmt.Errorf("shutdown did not complete in %s: %w", cfg.ShutdownTimeout, err)
		}
		return exitRuntime, err
	}
	log.Info("Chat relay stopped")
	return exitOK, nil
}
