package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Transport names accepted by Dial.
const (
	TransportTCP = "tcp"
	TransportUDP = "udp"
)

// maxDatagram bounds a single inbound datagram.
const maxDatagram = 2048

// Transport carries the participant protocol over one network. Receive
// returns a timeout error when nothing arrives before deadline; callers
// treat that as an empty poll.
type Transport interface {
	Handshake(name string, deadline time.Time) (string, error)
	Send(text string) error
	Receive(deadline time.Time) (string, error)
	Close() error
}

// Dial connects a transport of the given kind to addr.
func Dial(ctx context.Context, kind, addr string) (Transport, error) {
	switch strings.ToLower(kind) {
	case TransportTCP:
		return DialTCP(ctx, addr)
	case TransportUDP:
		return DialUDP(ctx, addr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, kind)
	}
}

// TCPTransport speaks newline-delimited lines over a stream connection.
type TCPTransport struct {
	conn    net.Conn
	reader  *bufio.Reader
	partial strings.Builder

	writeMu sync.Mutex
}

// DialTCP connects to addr over TCP.
func DialTCP(ctx context.Context, addr string) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	return &TCPTransport{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Handshake sends the display name and returns the server's reply.
func (t *TCPTransport) Handshake(name string, deadline time.Time) (string, error) {
	if err := t.Send(name); err != nil {
		return "", err
	}
	return t.Receive(deadline)
}

// Send writes text as one line.
func (t *TCPTransport) Send(text string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write([]byte(text + "\n"))
	return err
}

// Receive returns the next complete line. Bytes of a line cut short by the
// deadline are kept for the next call.
func (t *TCPTransport) Receive(deadline time.Time) (string, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	chunk, err := t.reader.ReadString('\n')
	t.partial.WriteString(chunk)
	if err != nil {
		return "", err
	}
	line := t.partial.String()
	t.partial.Reset()
	return strings.TrimRight(line, "\r\n"), nil
}

// Close closes the connection.
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

// UDPTransport sends one datagram per message in the form "<name>: <text>".
type UDPTransport struct {
	conn *net.UDPConn
	buf  []byte

	mu   sync.Mutex
	name string
}

// DialUDP binds an ephemeral local port connected to addr.
func DialUDP(ctx context.Context, addr string) (*UDPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", addr, err)
	}
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("dial udp %s: unexpected connection type %T", addr, conn)
	}
	return &UDPTransport{conn: udp, buf: make([]byte, maxDatagram)}, nil
}

// Handshake sends "<name>: join" and waits for a single reply datagram.
func (t *UDPTransport) Handshake(name string, deadline time.Time) (string, error) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()

	if err := t.Send(chat.JoinCommand); err != nil {
		return "", err
	}
	return t.Receive(deadline)
}

// Send writes text prefixed by the participant name.
func (t *UDPTransport) Send(text string) error {
	t.mu.Lock()
	name := t.name
	t.mu.Unlock()
	if name == "" {
		return ErrNotConnected
	}
	_, err := t.conn.Write([]byte(name + ": " + text))
	return err
}

// Receive returns the next datagram. A refused port surfaces as an error.
func (t *UDPTransport) Receive(deadline time.Time) (string, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	n, err := t.conn.Read(t.buf)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(t.buf[:n])), nil
}

// Close releases the local socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
