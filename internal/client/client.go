// Package client implements the interactive chat participant: it joins the
// relay over TCP or UDP, prints every inbound message and forwards lines
// typed by the user until either side ends the session.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gookit/color"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

var (
	// ErrRejected is returned by Connect when the server refuses the join.
	ErrRejected = errors.New("join rejected")
	// ErrNoResponse is returned by Connect when no reply arrives in time.
	ErrNoResponse = errors.New("no response from server")
	// ErrNotConnected is returned when sending before a successful join.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownTransport is returned by Dial for an unsupported transport.
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrConnectionLost is returned by Run when the connection failed.
	ErrConnectionLost = errors.New("connection lost")
)

// State is the client's position in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes a Client.
type Config struct {
	Name             string
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	// Color enables colored notices on the console.
	Color bool
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 2 * time.Second,
		PollInterval:     500 * time.Millisecond,
	}
}

// Client is one chat participant. Create it with New, call Connect once and
// then Run.
type Client struct {
	cfg       Config
	transport Transport
	log       *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	errMu   sync.Mutex
	lostErr error
}

// New creates a client speaking over t and printing to out.
func New(t Transport, cfg Config, out io.Writer, log *slog.Logger) *Client {
	defaults := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		transport: t,
		log:       log,
		out:       out,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Done is closed once the client starts closing.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connect sends the display name and waits for the server's reply. Any
// outcome other than a welcome closes the client; there is no retry.
func (c *Client) Connect() error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect in state %s", c.State())
	}

	reply, err := c.transport.Handshake(c.cfg.Name, time.Now().Add(c.cfg.HandshakeTimeout))
	if err != nil {
		c.close()
		if isTimeout(err) {
			c.notice(color.FgRed, "No response from server.")
			return ErrNoResponse
		}
		c.notice(color.FgRed, "Connection error: %v", err)
		return fmt.Errorf("handshake: %w", err)
	}

	if reply != chat.WelcomeReply {
		c.notice(color.FgRed, "%s", reply)
		c.close()
		return fmt.Errorf("%w: %s", ErrRejected, reply)
	}

	c.notice(color.FgGreen, "%s", reply)
	c.setState(StateConnected)
	c.log.Debug("Joined relay", "name", c.cfg.Name)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receiveLoop()
	}()
	return nil
}

// receiveLoop prints inbound messages until the client closes, the server
// announces shutdown or the connection fails.
func (c *Client) receiveLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		msg, err := c.transport.Receive(time.Now().Add(c.cfg.PollInterval))
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				c.notice(color.FgYellow, "Server closed the connection")
			} else {
				c.notice(color.FgRed, "Connection lost.")
				c.setLost(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			}
			c.close()
			return
		}

		if msg == chat.ShutdownSentinel {
			c.notice(color.FgYellow, "Server is shutting down.")
			c.close()
			return
		}
		c.print(msg)
	}
}

// Run forwards lines from in until the user types exit, in reaches EOF, ctx
// is cancelled or the receive side ends the session. Blank lines are not
// sent. Run must follow a successful Connect.
func (c *Client) Run(ctx context.Context, in io.Reader) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-c.done:
				return
			}
		}
	}()

	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return c.Leave()
		case <-c.done:
			return c.lost()
		case line, ok := <-lines:
			if !ok {
				return c.Leave()
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == chat.ExitCommand {
				return c.Leave()
			}
			if err := c.Send(text); err != nil {
				c.notice(color.FgRed, "Send error: %v", err)
				c.close()
				return fmt.Errorf("%w: %w", ErrConnectionLost, err)
			}
		}
	}
}

// Send forwards one chat line.
func (c *Client) Send(text string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.transport.Send(text)
}

// Leave sends the leave command when still connected and closes the client.
func (c *Client) Leave() error {
	if c.State() == StateConnected {
		if err := c.transport.Send(chat.ExitCommand); err != nil {
			c.log.Debug("Error sending leave", "error", err)
		}
	}
	c.close()
	return nil
}

// Close closes the client without sending the leave command.
func (c *Client) Close() error {
	c.close()
	c.wg.Wait()
	return nil
}

// close moves to Closing, stops both loops and closes the transport exactly
// once, whichever path gets here first.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		if err := c.transport.Close(); err != nil && !chat.IsExpectedCloseError(err) {
			c.log.Warn("Error closing transport", "error", err)
		}
		c.setState(StateClosed)
	})
}

func (c *Client) setLost(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.lostErr == nil {
		c.lostErr = err
	}
}

func (c *Client) lost() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lostErr
}

func (c *Client) print(msg string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintln(c.out, msg)
}

func (c *Client) notice(fg color.Color, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.cfg.Color {
		msg = fg.Sprint(msg)
	}
	c.print(msg)
}
