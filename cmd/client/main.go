// Package main provides the interactive chat participant.
//
// The client joins a relay under a display name, prints every message it
// receives and sends each line typed on stdin. Typing "exit" or closing
// stdin leaves the chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/Tyrowin/chatrelay/internal/client"
	"github.com/Tyrowin/chatrelay/internal/logging"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()
	os.Exit(run(context.Background(), os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// run executes the CLI and maps the outcome to an exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	code := exitOK
	app := &cli.App{
		Name:      "chatrelay-client",
		Usage:     "join a chat relay and talk to the other participants",
		Version:   Version,
		Flags:     clientFlags(),
		Writer:    stdout,
		ErrWriter: stderr,
		Action: func(c *cli.Context) error {
			var err error
			code, err = chat(c, stdin, stdout, stderr)
			return err
		},
	}

	if err := app.RunContext(ctx, args); err != nil {
		_, _ = fmt.Fprintf(stderr, "Client error: %v\n", err)
		if code == exitOK {
			code = exitConfig
		}
	}
	return code
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Usage:   "relay host",
			EnvVars: []string{"CHAT_SERVER_HOST"},
			Value:   "127.0.0.1",
		},
		&cli.IntFlag{
			Name:     "port",
			Aliases:  []string{"p"},
			Usage:    "relay port",
			EnvVars:  []string{"CHAT_SERVER_PORT"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "display name",
			EnvVars:  []string{"CHAT_NAME"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "transport",
			Aliases: []string{"t"},
			Usage:   "tcp or udp",
			EnvVars: []string{"CHAT_TRANSPORT"},
			Value:   client.TransportTCP,
		},
		&cli.DurationFlag{
			Name:  "handshake-timeout",
			Usage: "how long to wait for the join reply",
			Value: client.DefaultConfig().HandshakeTimeout,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "debug, info, warn or error",
			EnvVars: []string{"CHAT_LOG_LEVEL"},
			Value:   "warn",
		},
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "print notices without colors",
		},
	}
}

func chat(c *cli.Context, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	name := strings.TrimSpace(c.String("name"))
	if name == "" {
		return exitConfig, errors.New("config error: name must not be blank")
	}
	port := c.Int("port")
	if port <= 0 || port > 65535 {
		return exitConfig, fmt.Errorf("config error: invalid port %d", port)
	}
	kind := strings.ToLower(c.String("transport"))
	if kind != client.TransportTCP && kind != client.TransportUDP {
		return exitConfig, fmt.Errorf("config error: %w: %q", client.ErrUnknownTransport, kind)
	}

	log, err := logging.New(c.String("log-level"), logging.FormatText, stderr)
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(c.String("host"), strconv.Itoa(port))
	tr, err := client.Dial(ctx, kind, addr)
	if err != nil {
		return exitRuntime, err
	}

	participant := client.New(tr, client.Config{
		Name:             name,
		HandshakeTimeout: c.Duration("handshake-timeout"),
		Color:            !c.Bool("no-color") && color.SupportColor(),
	}, stdout, log)

	if err := participant.Connect(); err != nil {
		return exitRuntime, err
	}
	if err := participant.Run(ctx, stdin); err != nil {
		return exitRuntime, err
	}
	return exitOK, nil
}
