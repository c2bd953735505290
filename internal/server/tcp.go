package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// acceptLoop admits TCP connections until ctx is cancelled. The listener
// deadline bounds every wait by the poll interval.
func (s *Server) acceptLoop(ctx context.Context, ln *net.TCPListener) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := ln.SetDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			s.log.Error("Error setting accept deadline", "error", err)
			return
		}

		conn, err := ln.AcceptTCP()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("Accept failed", "error", err)
			continue
		}

		s.log.Debug("Connection accepted", "addr", conn.RemoteAddr().String())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveTCP(ctx, conn)
		}()
	}
}

// serveTCP performs the join handshake and then runs the session worker.
func (s *Server) serveTCP(ctx context.Context, conn *net.TCPConn) {
	addr := conn.RemoteAddr().String()
	lr := newLineReader(conn, s.cfg.MaxMessageSize)

	raw, err := lr.readIdentity(ctx, s.cfg.PollInterval, time.Now().Add(s.cfg.HandshakeTimeout))
	if err != nil {
		s.log.Debug("Handshake aborted", "addr", addr, "error", err)
		_ = conn.Close()
		return
	}
	name, ok := decodeText(raw)
	if !ok || name == "" {
		s.log.Info("Rejected malformed identity", "addr", addr)
		_ = conn.Close()
		return
	}

	sess := s.newSession(uuid.NewString(), TransportTCP, &tcpConn{conn: conn})
	if !s.admit(sess, name) {
		return
	}
	sess.readLoop(ctx, lr, s.cfg.PollInterval)
}

// admit registers sess under name, acknowledges the client, starts the write
// pump and announces the join. It reports whether the session is live; a
// rejected session has been answered and closed.
func (s *Server) admit(sess *session, name string) bool {
	if err := s.hub.Admit(sess.id, name, sess.transport, sess); err != nil {
		if reply, ok := rejectionReply(err); ok {
			if werr := sess.reply(reply); werr != nil {
				sess.log.Debug("Error writing rejection", "error", werr)
			}
		}
		sess.closeConnection()
		return false
	}

	welcomeErr := sess.reply(chat.WelcomeReply)
	sess.startPump(&s.wg)
	if welcomeErr != nil {
		sess.logWriteError(welcomeErr)
		s.hub.Depart(sess.id, chat.ReasonDisconnect)
		return false
	}

	s.hub.Announce(sess.id)
	return true
}

// rejectionReply maps a registration error to the reply sent before the
// connection is closed.
func rejectionReply(err error) (string, bool) {
	switch {
	case errors.Is(err, chat.ErrNameTaken):
		return chat.NameTakenReply, true
	case errors.Is(err, chat.ErrClosed):
		return chat.ShutdownSentinel, true
	case errors.Is(err, chat.ErrAlreadyJoined):
		return chat.AlreadyJoinedReply, true
	default:
		return "", false
	}
}
