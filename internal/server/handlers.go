// Package server exposes HTTP handlers, including WebSocket sessions, health
// checks, and the participant directory.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// wsPingInterval keeps idle WebSocket sessions alive; pongWait must exceed it.
const (
	wsPingInterval = 54 * time.Second
	wsPongWait     = 60 * time.Second
)

// wsConn adapts a WebSocket connection to the session's line transport: one
// text frame per line.
type wsConn struct {
	conn *websocket.Conn
	addr string
}

func (c *wsConn) WriteLine(line string, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) Ping(deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}

// WebSocketHandler upgrades the request and runs a connection-oriented
// session over it. The first text frame carries the display name; the
// handshake and steady state match the TCP transport.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(int64(s.cfg.MaxMessageSize))

	ctx := s.workerContext()
	name, err := s.readWebSocketIdentity(conn)
	if err != nil {
		s.log.Debug("WebSocket handshake aborted", "addr", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}

	sess := s.newSession(uuid.NewString(), TransportWebSocket, &wsConn{conn: conn, addr: r.RemoteAddr})
	sess.pingInterval = wsPingInterval
	if !s.admit(sess, name) {
		return
	}
	s.webSocketReadLoop(ctx, sess, conn)
}

func (s *Server) readWebSocketIdentity(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return "", err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	name, ok := decodeText(raw)
	if !ok || name == "" {
		return "", chat.ErrInvalidName
	}
	return name, nil
}

// webSocketReadLoop is the session worker for WebSocket participants. A
// gorilla connection cannot be read again after a deadline expires, so
// instead of polling the loop is unblocked by expiring the read deadline when
// ctx is cancelled. The write pump still owns closing the connection.
func (s *Server) webSocketReadLoop(ctx context.Context, sess *session, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.UnderlyingConn().SetReadDeadline(time.Now())
	})
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := chat.ReasonDisconnect
			if errors.Is(err, websocket.ErrReadLimit) {
				reason = chat.ReasonProtocol
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				chat.IsExpectedCloseError(err) {
				sess.log.Debug("Participant disconnected", "error", err)
			} else {
				sess.log.Info("WebSocket read error, closing session", "error", err)
			}
			s.hub.Depart(sess.id, reason)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if !sess.handleLine(raw) {
			return
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chat relay is running")
}

type participantView struct {
	Name      string    `json:"name"`
	Transport string    `json:"transport"`
	JoinedAt  time.Time `json:"joined_at"`
}

type directoryView struct {
	Count        int               `json:"count"`
	Participants []participantView `json:"participants"`
}

// ParticipantsHandler reports the active participants in admission order.
func (s *Server) ParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := s.hub.Registry().Snapshot()
	view := directoryView{
		Count: len(entries),
		Participants: lo.Map(entries, func(e chat.Entry, _ int) participantView {
			return participantView{Name: e.Name, Transport: e.Transport, JoinedAt: e.JoinedAt}
		}),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.log.Warn("Error writing participants response", "error", err)
	}
}
