// Package server manages connection-oriented sessions, handling the read
// loop, the write pump, rate limiting, and lifecycle control for each
// participant.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/metric"
)

// lineTransport is the wire side of a connection-oriented session. Only the
// session's write pump calls WriteLine and Ping once the session is live.
type lineTransport interface {
	WriteLine(line string, deadline time.Time) error
	Ping(deadline time.Time) error
	Close() error
	RemoteAddr() string
}

// session is one connection-oriented participant. It implements chat.Peer:
// broadcasts enqueue into send and a single write pump serializes every
// write to the transport.
type session struct {
	id           string
	transport    string
	conn         lineTransport
	hub          *chat.Hub
	log          *slog.Logger
	metrics      *metric.Collector
	limiter      *rate.Limiter
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	send   chan string
	closed bool
}

func (s *Server) newSession(id, transport string, conn lineTransport) *session {
	return &session{
		id:           id,
		transport:    transport,
		conn:         conn,
		hub:          s.hub,
		log:          s.log.With("session", id, "transport", transport, "addr", conn.RemoteAddr()),
		metrics:      s.metrics,
		limiter:      newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		writeTimeout: s.cfg.WriteTimeout,
		send:         make(chan string, s.cfg.SendBuffer),
	}
}

// Send queues payload for the write pump without blocking.
func (s *session) Send(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return chat.ErrPeerClosed
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return chat.ErrSendBufferFull
	}
}

// Close stops accepting messages. The write pump drains what is queued and
// then closes the connection.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.send)
	return nil
}

// reply writes a handshake response directly, before the write pump runs.
func (s *session) reply(line string) error {
	return s.conn.WriteLine(line, time.Now().Add(s.writeTimeout))
}

func (s *session) startPump(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
}

func (s *session) writePump() {
	var tick <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer s.closeConnection()

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteLine(payload, time.Now().Add(s.writeTimeout)); err != nil {
				s.logWriteError(err)
				s.hub.Depart(s.id, chat.ReasonDisconnect)
				return
			}
		case <-tick:
			if err := s.conn.Ping(time.Now().Add(s.writeTimeout)); err != nil {
				s.logWriteError(err)
				s.hub.Depart(s.id, chat.ReasonDisconnect)
				return
			}
		}
	}
}

func (s *session) logWriteError(err error) {
	if chat.IsExpectedCloseError(err) {
		s.log.Debug("Connection closed while writing", "error", err)
		return
	}
	s.log.Warn("Error writing to participant", "error", err)
}

// closeConnection safely closes the transport with proper error handling.
func (s *session) closeConnection() {
	if err := s.conn.Close(); err != nil && !chat.IsExpectedCloseError(err) {
		s.log.Warn("Error closing connection", "error", err)
	}
}

// handleLine dispatches one inbound payload and reports whether the read
// loop should continue.
func (s *session) handleLine(raw []byte) bool {
	text, ok := decodeText(raw)
	switch {
	case !ok || text == "":
		s.log.Info("Protocol violation, closing session", "valid_utf8", ok)
		s.hub.Depart(s.id, chat.ReasonProtocol)
		return false
	case text == chat.ExitCommand:
		s.hub.Depart(s.id, chat.ReasonLeave)
		return false
	}

	if !s.limiter.Allow() {
		s.metrics.RateLimited()
		s.log.Warn("Rate limit exceeded; discarding message", "burst", s.limiter.Burst())
		return true
	}

	return s.hub.Relay(s.id, text)
}

// readLoop is the session worker for stream transports. Every wait is
// bounded by poll so cancellation of ctx is observed within one interval.
// On cancellation it returns without departing: the shutdown drain has
// already removed the session.
func (s *session) readLoop(ctx context.Context, lr *lineReader, poll time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}

		line, err := lr.readLine(time.Now().Add(poll))
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			reason := chat.ReasonDisconnect
			if errors.Is(err, ErrLineTooLong) {
				reason = chat.ReasonProtocol
			}
			if chat.IsExpectedCloseError(err) {
				s.log.Debug("Participant disconnected", "error", err)
			} else {
				s.log.Info("Read error, closing session", "error", err)
			}
			s.hub.Depart(s.id, reason)
			return
		}

		if !s.handleLine(line) {
			return
		}
	}
}
