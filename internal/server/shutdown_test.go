package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/testutil"
)

// expectClosedAfterSentinel reads until the shutdown sentinel and then until
// the server closes the connection.
func expectClosedAfterSentinel(t *testing.T, c *testutil.LineConn) {
	t.Helper()
	c.ReadUntil(chat.ShutdownSentinel, testTimeout)
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if _, err := c.TryRead(time.Until(deadline)); err != nil {
			return
		}
	}
	t.Fatal("connection was not closed after shutdown")
}

// TestShutdown_NotifiesEveryParticipant verifies that every participant
// receives the sentinel, every connection is closed and the registry is
// empty afterwards.
func TestShutdown_NotifiesEveryParticipant(t *testing.T) {
	srv := startTestServer(t, nil)

	alice, bob := joinPair(t, srv)
	carol := joinDatagram(t, srv, "carol")
	waitParticipants(t, srv, 3)

	start := time.Now()
	require.NoError(t, srv.Shutdown())
	require.Less(t, time.Since(start), time.Second)

	expectClosedAfterSentinel(t, alice)
	expectClosedAfterSentinel(t, bob)
	carol.ReadUntil(chat.ShutdownSentinel, testTimeout)
	require.Zero(t, srv.Participants())
}

// TestShutdown_RejectsNewConnections verifies that the acceptor is stopped.
func TestShutdown_RejectsNewConnections(t *testing.T) {
	srv := startTestServer(t, nil)
	addr := srv.TCPAddr()

	require.NoError(t, srv.Shutdown())

	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected dial to fail after shutdown")
	}
}

// TestShutdown_Idempotent verifies that concurrent and repeated calls all
// return the first result.
func TestShutdown_Idempotent(t *testing.T) {
	srv := startTestServer(t, nil)
	_, _ = joinPair(t, srv)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = srv.Shutdown()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, srv.Shutdown())
}

// TestShutdown_WithoutParticipants verifies that an idle relay stops within
// a few poll intervals.
func TestShutdown_WithoutParticipants(t *testing.T) {
	srv := startTestServer(t, nil)

	start := time.Now()
	require.NoError(t, srv.Shutdown())
	require.Less(t, time.Since(start), 10*testPoll)
}

// TestServe_ContextCancellation verifies that cancelling the Serve context
// performs the same drain as Shutdown.
func TestServe_ContextCancellation(t *testing.T) {
	srv, err := New(testConfig(), testutil.DiscardLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx)
	}()

	alice, reply := testutil.JoinLine(t, srv.TCPAddr(), "alice")
	require.Equal(t, chat.WelcomeReply, reply)

	cancel()

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	expectClosedAfterSentinel(t, alice)
	require.Zero(t, srv.Participants())
}

// TestServe_NotListening verifies that Serve refuses to run before Listen.
func TestServe_NotListening(t *testing.T) {
	srv, err := New(testConfig(), testutil.DiscardLogger(), nil)
	require.NoError(t, err)
	require.ErrorIs(t, srv.Serve(context.Background()), ErrNotListening)
}

// TestListen_PortInUse verifies that a bind failure is reported as a startup
// error.
func TestListen_PortInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = taken.Close() })

	cfg := testConfig()
	cfg.Port = taken.Addr().(*net.TCPAddr).Port
	srv, err := New(cfg, testutil.DiscardLogger(), nil)
	require.NoError(t, err)
	require.Error(t, srv.Listen())
}

// TestListen_SharedPort verifies that both socket transports answer on the
// same port when the kernel picks it.
func TestListen_SharedPort(t *testing.T) {
	srv := startTestServer(t, nil)

	_, tcpPort, err := net.SplitHostPort(srv.TCPAddr())
	require.NoError(t, err)
	_, udpPort, err := net.SplitHostPort(srv.UDPAddr())
	require.NoError(t, err)
	require.Equal(t, tcpPort, udpPort)
}
