// Package server runs the relay's transports around a shared chat.Hub and
// coordinates their orderly shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/metric"
)

// Server owns the listening sockets, the shared hub and every worker
// goroutine. Its zero value is not usable; create it with New.
type Server struct {
	cfg      Config
	hub      *chat.Hub
	log      *slog.Logger
	metrics  *metric.Collector
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	tcp    *net.TCPListener
	udp    *net.UDPConn
	httpLn net.Listener
	http   *http.Server

	// ctx is the stop flag observed by the acceptor, the datagram loop and
	// every session worker. It is cancelled only after the hub is drained.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// New validates cfg and creates a Server. reg receives the relay metrics and
// backs /metrics; a nil reg uses a private registry.
func New(cfg Config, log *slog.Logger, reg *prometheus.Registry) (*Server, error) {
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	metrics := metric.New(reg)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		hub:      chat.NewHub(log, metrics),
		log:      log,
		metrics:  metrics,
		gatherer: reg,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	origins := newOriginPolicy(cfg.HTTP.AllowedOrigins, log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      origins.checkOrigin,
	}
	return s, nil
}

// Hub returns the shared hub.
func (s *Server) Hub() *chat.Hub {
	return s.hub
}

// Participants returns the number of registered participants.
func (s *Server) Participants() int {
	return s.hub.Registry().Len()
}

func (s *Server) workerContext() context.Context {
	return s.ctx
}

// Listen binds every enabled transport. A bind failure closes whatever was
// already bound and is returned as a fatal startup error.
func (s *Server) Listen() error {
	if s.cfg.TCP.Enabled {
		addr, err := net.ResolveTCPAddr("tcp", s.cfg.Addr())
		if err != nil {
			return fmt.Errorf("resolve tcp address %s: %w", s.cfg.Addr(), err)
		}
		ln, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", s.cfg.Addr(), err)
		}
		s.tcp = ln
	}

	if s.cfg.UDP.Enabled {
		addr, err := net.ResolveUDPAddr("udp", s.udpAddr())
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("resolve udp address %s: %w", s.udpAddr(), err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen udp %s: %w", s.udpAddr(), err)
		}
		s.udp = conn
	}

	if s.cfg.HTTP.Addr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen http %s: %w", s.cfg.HTTP.Addr, err)
		}
		s.httpLn = ln
		s.http = CreateServer(s.cfg.HTTP.Addr, s.SetupRoutes())
	}
	return nil
}

// udpAddr shares the TCP port when it was chosen by the kernel, so both
// transports answer on the same port number.
func (s *Server) udpAddr() string {
	if s.cfg.Port == 0 && s.tcp != nil {
		host, _, _ := net.SplitHostPort(s.cfg.Addr())
		return net.JoinHostPort(host, fmt.Sprint(s.tcp.Addr().(*net.TCPAddr).Port))
	}
	return s.cfg.Addr()
}

// TCPAddr returns the bound TCP address, or "" when TCP is disabled.
func (s *Server) TCPAddr() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.Addr().String()
}

// UDPAddr returns the bound UDP address, or "" when UDP is disabled.
func (s *Server) UDPAddr() string {
	if s.udp == nil {
		return ""
	}
	return s.udp.LocalAddr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Serve runs every bound transport until ctx is cancelled or Shutdown is
// called, then performs the shutdown drain and returns its result.
func (s *Server) Serve(ctx context.Context) error {
	if s.tcp == nil && s.udp == nil && s.httpLn == nil {
		return ErrNotListening
	}

	if s.tcp != nil {
		s.goWorker(func() { s.acceptLoop(s.ctx, s.tcp) })
		s.log.Info("TCP relay listening", "addr", s.TCPAddr())
	}
	if s.udp != nil {
		s.goWorker(func() { s.udpLoop(s.ctx, s.udp) })
		if s.cfg.UDP.IdleTimeout > 0 {
			s.goWorker(func() { s.reapIdle(s.ctx) })
		}
		s.log.Info("UDP relay listening", "addr", s.UDPAddr(), "idle_timeout", s.cfg.UDP.IdleTimeout)
	}
	if s.http != nil {
		go func() {
			if err := s.http.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("HTTP server failed", "error", err)
			}
		}()
		s.log.Info("HTTP monitor listening", "addr", s.HTTPAddr())
	}

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case <-s.done:
		return s.shutdownErr
	}
}

// Run binds and serves; see Listen and Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) goWorker(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Shutdown performs the orderly drain once: every participant receives the
// shutdown sentinel and is removed, then the stop flag is raised so the
// acceptor and all workers exit within one poll interval. It waits for the
// workers up to the configured shutdown timeout. Later calls return the
// first result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		defer close(s.done)
		s.log.Info("Initiating relay shutdown...")

		drained := s.hub.Shutdown()
		s.cancel()
		s.closeListeners()

		if s.http != nil {
			if err := ShutdownServer(s.http, s.cfg.ShutdownTimeout); err != nil {
				s.log.Warn("HTTP server shutdown error", "error", err)
			}
			_ = s.httpLn.Close()
		}

		finished := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			s.log.Info("Relay shutdown completed successfully", "drained", drained)
		case <-time.After(s.cfg.ShutdownTimeout):
			s.log.Warn("Relay shutdown timeout reached, some workers may still be running")
			s.shutdownErr = context.DeadlineExceeded
		}
	})
	return s.shutdownErr
}

func (s *Server) closeListeners() {
	if s.tcp != nil {
		if err := s.tcp.Close(); err != nil && !chat.IsExpectedCloseError(err) {
			s.log.Warn("Error closing TCP listener", "error", err)
		}
	}
	if s.udp != nil {
		if err := s.udp.Close(); err != nil && !chat.IsExpectedCloseError(err) {
			s.log.Warn("Error closing UDP socket", "error", err)
		}
	}
}
