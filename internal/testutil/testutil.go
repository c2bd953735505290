// Package testutil provides shared fakes and helpers for the relay tests:
// an in-memory peer that records deliveries, loopback TCP/UDP line clients,
// and a discarding logger.
package testutil

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// ErrInjected is returned by a RecordingPeer configured to fail.
var ErrInjected = errors.New("injected send failure")

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RecordingPeer is an in-memory chat peer that records every payload.
type RecordingPeer struct {
	mu       sync.Mutex
	messages []string
	closes   int
	failSend bool
	onSend   func(payload string)
}

// NewRecordingPeer creates a peer that accepts every message.
func NewRecordingPeer() *RecordingPeer {
	return &RecordingPeer{}
}

// NewFailingPeer creates a peer whose Send always fails.
func NewFailingPeer() *RecordingPeer {
	return &RecordingPeer{failSend: true}
}

// OnSend installs a hook invoked, outside the peer lock, for every accepted
// payload.
func (p *RecordingPeer) OnSend(fn func(payload string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSend = fn
}

// Send records payload.
func (p *RecordingPeer) Send(payload string) error {
	p.mu.Lock()
	if p.failSend {
		p.mu.Unlock()
		return ErrInjected
	}
	p.messages = append(p.messages, payload)
	hook := p.onSend
	p.mu.Unlock()

	if hook != nil {
		hook(payload)
	}
	return nil
}

// Close counts calls.
func (p *RecordingPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// Messages returns a copy of the recorded payloads.
func (p *RecordingPeer) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

// Closes returns how many times Close was called.
func (p *RecordingPeer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Count returns how many recorded payloads equal want.
func (p *RecordingPeer) Count(want string) int {
	n := 0
	for _, m := range p.Messages() {
		if m == want {
			n++
		}
	}
	return n
}

// LineConn is a newline-delimited TCP test client.
type LineConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// DialLine connects to addr over TCP.
func DialLine(t *testing.T, addr string) *LineConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &LineConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// JoinLine dials addr, sends name and returns the handshake reply.
func JoinLine(t *testing.T, addr, name string) (*LineConn, string) {
	t.Helper()
	c := DialLine(t, addr)
	c.Send(name)
	return c, c.Read(2 * time.Second)
}

// Send writes one line.
func (c *LineConn) Send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("Failed to send %q: %v", line, err)
	}
}

// Read returns the next line, failing the test after timeout.
func (c *LineConn) Read(timeout time.Duration) string {
	c.t.Helper()
	line, err := c.TryRead(timeout)
	if err != nil {
		c.t.Fatalf("Failed to read line: %v", err)
	}
	return line
}

// TryRead returns the next line or the read error.
func (c *LineConn) TryRead(timeout time.Duration) (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadUntil reads lines until one equals want and returns the lines seen
// before it.
func (c *LineConn) ReadUntil(want string, timeout time.Duration) []string {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("Timed out waiting for %q; saw %q", want, seen)
		}
		line, err := c.TryRead(remaining)
		if err != nil {
			c.t.Fatalf("Failed waiting for %q (saw %q): %v", want, seen, err)
		}
		if line == want {
			return seen
		}
		seen = append(seen, line)
	}
}

// ExpectSilence fails the test if a line arrives within d.
func (c *LineConn) ExpectSilence(d time.Duration) {
	c.t.Helper()
	line, err := c.TryRead(d)
	if err == nil {
		c.t.Fatalf("Expected no message, got %q", line)
	}
}

// Close closes the connection.
func (c *LineConn) Close() error {
	return c.conn.Close()
}

// DatagramConn is a UDP test client bound to an ephemeral port.
type DatagramConn struct {
	t    *testing.T
	conn *net.UDPConn
}

// DialDatagram connects a UDP socket to addr.
func DialDatagram(t *testing.T, addr string) *DatagramConn {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("Failed to resolve %s: %v", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &DatagramConn{t: t, conn: conn}
}

// LocalAddr returns the client's endpoint as the server sees it.
func (c *DatagramConn) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

// Send writes one datagram.
func (c *DatagramConn) Send(payload string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(payload)); err != nil {
		c.t.Fatalf("Failed to send %q: %v", payload, err)
	}
}

// Read returns the next datagram, failing the test after timeout.
func (c *DatagramConn) Read(timeout time.Duration) string {
	c.t.Helper()
	msg, err := c.TryRead(timeout)
	if err != nil {
		c.t.Fatalf("Failed to read datagram: %v", err)
	}
	return msg
}

// TryRead returns the next datagram or the read error.
func (c *DatagramConn) TryRead(timeout time.Duration) (string, error) {
	buf := make([]byte, 2048)
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.conn.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// ReadUntil reads datagrams until one equals want and returns those seen
// before it.
func (c *DatagramConn) ReadUntil(want string, timeout time.Duration) []string {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("Timed out waiting for %q; saw %q", want, seen)
		}
		msg, err := c.TryRead(remaining)
		if err != nil {
			c.t.Fatalf("Failed waiting for %q (saw %q): %v", want, seen, err)
		}
		if msg == want {
			return seen
		}
		seen = append(seen, msg)
	}
}

// ExpectSilence fails the test if a datagram arrives within d.
func (c *DatagramConn) ExpectSilence(d time.Duration) {
	c.t.Helper()
	msg, err := c.TryRead(d)
	if err == nil {
		c.t.Fatalf("Expected no datagram, got %q", msg)
	}
}
