// Package server defines shared transport names, sentinel errors and
// utility helpers that are reused across the TCP, UDP and WebSocket paths.
package server

import (
	"errors"
	"net"
	"strings"
	"unicode/utf8"
)

// Transport names used as registry and metric labels.
const (
	TransportTCP       = "tcp"
	TransportUDP       = "udp"
	TransportWebSocket = "ws"
)

var (
	// ErrNotListening is returned by Serve when Listen has not succeeded.
	ErrNotListening = errors.New("server is not listening")
	// ErrLineTooLong is returned when a session sends a line longer than
	// the configured maximum message size.
	ErrLineTooLong = errors.New("line exceeds maximum message size")
)

// isTimeout reports whether err is a deadline expiry, the normal outcome of
// a bounded poll.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// decodeText validates a raw payload as UTF-8 and trims surrounding
// whitespace.
func decodeText(raw []byte) (string, bool) {
	if !utf8.Valid(raw) {
		return "", false
	}
	return strings.TrimSpace(string(raw)), true
}

// splitDatagram splits a connectionless payload of the form "<name>: <text>"
// at the first colon. Payloads without a colon carry text only.
func splitDatagram(payload string) (name, text string) {
	before, after, found := strings.Cut(payload, ":")
	if !found {
		return "", strings.TrimSpace(payload)
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}
