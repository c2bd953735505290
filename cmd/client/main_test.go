package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/testutil"
)

func TestRun_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing name", args: []string{"--port", "9000"}},
		{name: "missing port", args: []string{"--name", "alice"}},
		{name: "blank name", args: []string{"--port", "9000", "--name", "   "}},
		{name: "bad port", args: []string{"--port", "70000", "--name", "alice"}},
		{name: "bad transport", args: []string{"--port", "9000", "--name", "alice", "--transport", "sctp"}},
		{name: "bad log level", args: []string{"--port", "9000", "--name", "alice", "--log-level", "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), append([]string{"chatrelay-client"}, tt.args...),
				strings.NewReader(""), &stdout, &stderr)
			require.Equal(t, exitConfig, code, stderr.String())
		})
	}
}

func startRelay(t *testing.T) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PollInterval = 50 * time.Millisecond

	srv, err := server.New(cfg, testutil.DiscardLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv
}

func relayPort(t *testing.T, srv *server.Server) string {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.TCPAddr())
	require.NoError(t, err)
	return port
}

func TestRun_SendsInputAndLeaves(t *testing.T) {
	for _, transport := range []string{"tcp", "udp"} {
		t.Run(transport, func(t *testing.T) {
			srv := startRelay(t)
			bob, reply := testutil.JoinLine(t, srv.TCPAddr(), "bob")
			require.Equal(t, "Welcome", reply)

			args := []string{
				"chatrelay-client", "--host", "127.0.0.1", "--port", relayPort(t, srv),
				"--name", "alice", "--transport", transport, "--no-color",
			}
			code := run(context.Background(), args, strings.NewReader("hello\nexit\n"), io.Discard, io.Discard)
			require.Equal(t, exitOK, code)

			require.Equal(t, "User alice joined", bob.Read(2*time.Second))
			require.Equal(t, "alice: hello", bob.Read(2*time.Second))
			require.Equal(t, "User alice left", bob.Read(2*time.Second))
		})
	}
}

func TestRun_NameTaken(t *testing.T) {
	srv := startRelay(t)
	_, _ = testutil.JoinLine(t, srv.TCPAddr(), "alice")

	var stdout bytes.Buffer
	args := []string{"chatrelay-client", "--port", relayPort(t, srv), "--name", "alice", "--no-color"}
	code := run(context.Background(), args, strings.NewReader(""), &stdout, io.Discard)

	require.Equal(t, exitRuntime, code)
	require.Contains(t, stdout.String(), "Name already taken")
}

func TestRun_ServerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	args := []string{"chatrelay-client", "--port", port, "--name", "alice"}
	code := run(context.Background(), args, strings.NewReader(""), io.Discard, io.Discard)
	require.Equal(t, exitRuntime, code)
}
