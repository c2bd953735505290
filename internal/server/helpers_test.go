package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/testutil"
)

const (
	testTimeout  = 2 * time.Second
	testPoll     = 50 * time.Millisecond
	testHTTPAddr = "127.0.0.1:0"
)

// testConfig returns a loopback configuration with fast polling.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PollInterval = testPoll
	cfg.HandshakeTimeout = time.Second
	cfg.ShutdownTimeout = 3 * time.Second
	return cfg
}

// startTestServer binds and serves a relay, shutting it down when the test
// ends.
func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg, testutil.DiscardLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(context.Background())
	}()

	t.Cleanup(func() {
		_ = srv.Shutdown()
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after shutdown")
		}
	})
	return srv
}

// waitParticipants waits until the server reports n participants.
func waitParticipants(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.Participants() == n
	}, testTimeout, 10*time.Millisecond, "expected %d participants", n)
}
