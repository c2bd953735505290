package chat

import (
	"errors"
	"io"
	"net"
	"strings"
)

var (
	// ErrNameTaken is returned when a display name is already held by an
	// active participant.
	ErrNameTaken = errors.New("name already taken")
	// ErrAlreadyJoined is returned when the identity is already registered.
	ErrAlreadyJoined = errors.New("participant already joined")
	// ErrInvalidName is returned for an empty display name.
	ErrInvalidName = errors.New("invalid display name")
	// ErrClosed is returned once the registry has been closed by shutdown.
	ErrClosed = errors.New("registry closed")

	// ErrPeerClosed is returned by a Peer that can no longer deliver.
	ErrPeerClosed = errors.New("peer closed")
	// ErrSendBufferFull is returned when a peer's outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// IsExpectedCloseError reports whether err is the normal result of a peer or
// the server closing a connection.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, ErrPeerClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
