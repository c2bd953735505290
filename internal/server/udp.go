package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// udpPeer delivers to one connectionless participant. Each Send is a single
// datagram, which the socket writes atomically.
type udpPeer struct {
	conn    *net.UDPConn
	addr    *net.UDPAddr
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func (p *udpPeer) Send(payload string) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return chat.ErrPeerClosed
	}
	_, err := p.conn.WriteToUDP([]byte(payload), p.addr)
	return err
}

// Close forgets the endpoint. The shared socket stays open.
func (p *udpPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// udpLoop reads datagrams until ctx is cancelled, polling with a bounded
// read deadline. The buffer holds one byte more than the limit so an
// oversized datagram is detected instead of being truncated.
func (s *Server) udpLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, s.cfg.MaxMessageSize+1)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			s.log.Error("Error setting datagram read deadline", "error", err)
			return
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("Datagram read failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		if n > s.cfg.MaxMessageSize {
			s.rejectOversized(addr)
			continue
		}
		s.handleDatagram(conn, addr, buf[:n])
	}
}

// handleDatagram applies one connectionless protocol message from addr.
func (s *Server) handleDatagram(conn *net.UDPConn, addr *net.UDPAddr, raw []byte) {
	id := addr.String()
	entry, known := s.hub.Registry().Get(id)
	if known {
		s.hub.Registry().Touch(id, time.Now())
	}

	payload, ok := decodeText(raw)
	if !ok {
		if known {
			s.log.Info("Protocol violation, removing endpoint", "addr", id)
			s.hub.Depart(id, chat.ReasonProtocol)
		}
		return
	}

	name, text := splitDatagram(payload)
	switch text {
	case chat.JoinCommand:
		if name == "" {
			name = id
		}
		s.joinUDP(conn, addr, name)
		return
	case chat.ExitCommand:
		if known {
			s.hub.Depart(id, chat.ReasonLeave)
		}
		return
	}

	if !known {
		s.log.Debug("Ignoring datagram from unknown endpoint", "addr", id)
		return
	}
	if text == "" {
		s.log.Info("Protocol violation, removing endpoint", "addr", id)
		s.hub.Depart(id, chat.ReasonProtocol)
		return
	}

	if peer, ok := entry.Peer.(*udpPeer); ok && !peer.limiter.Allow() {
		s.metrics.RateLimited()
		s.log.Warn("Rate limit exceeded; discarding message", "addr", id)
		return
	}
	s.hub.Relay(id, text)
}

// rejectOversized removes a registered endpoint that sent a datagram over the
// size limit. Unknown endpoints are ignored.
func (s *Server) rejectOversized(addr *net.UDPAddr) {
	id := addr.String()
	if _, known := s.hub.Registry().Get(id); !known {
		s.log.Debug("Ignoring oversized datagram from unknown endpoint", "addr", id)
		return
	}
	s.log.Info("Protocol violation, removing endpoint", "addr", id, "error", ErrLineTooLong)
	s.hub.Depart(id, chat.ReasonProtocol)
}

func (s *Server) joinUDP(conn *net.UDPConn, addr *net.UDPAddr, name string) {
	id := addr.String()
	peer := &udpPeer{
		conn:    conn,
		addr:    addr,
		limiter: newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
	}

	err := s.hub.Admit(id, name, TransportUDP, peer)
	if err == nil {
		if werr := peer.Send(chat.WelcomeReply); werr != nil {
			s.log.Warn("Error writing welcome", "addr", id, "error", werr)
			s.hub.Depart(id, chat.ReasonDisconnect)
			return
		}
		s.hub.Announce(id)
		return
	}

	reply, ok := rejectionReply(err)
	if errors.Is(err, chat.ErrAlreadyJoined) {
		// A retransmitted join under the same name is acknowledged again.
		if current, found := s.hub.Registry().Lookup(id); found && current == name {
			reply = chat.WelcomeReply
		}
	}
	if !ok {
		return
	}
	if _, werr := conn.WriteToUDP([]byte(reply), addr); werr != nil {
		s.log.Debug("Error writing join reply", "addr", id, "error", werr)
	}
}

// reapIdle removes connectionless participants that have been silent for
// longer than the configured idle timeout.
func (s *Server) reapIdle(ctx context.Context) {
	timeout := s.cfg.UDP.IdleTimeout
	interval := timeout / 2
	if interval < s.cfg.PollInterval {
		interval = s.cfg.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, e := range s.hub.Registry().IdleSince(TransportUDP, now.Add(-timeout)) {
				s.log.Info("Reaping idle endpoint", "addr", e.ID, "name", e.Name, "last_seen", e.LastSeen)
				s.hub.Depart(e.ID, chat.ReasonIdle)
			}
		}
	}
}
