package client_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/client"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/testutil"
)

const waitFor = 2 * time.Second

// syncBuffer is a console the receive goroutine and the test can share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) waitFor(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(b.String(), want)
	}, waitFor, 10*time.Millisecond, "console never showed %q; got %q", want, b.String())
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

func connectClient(t *testing.T, kind, addr, name string) (*client.Client, *syncBuffer) {
	t.Helper()
	tr, err := client.Dial(context.Background(), kind, addr)
	require.NoError(t, err)

	out := &syncBuffer{}
	c := client.New(tr, client.Config{
		Name:         name,
		PollInterval: 50 * time.Millisecond,
	}, out, testutil.DiscardLogger())
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect())
	require.Equal(t, client.StateConnected, c.State())
	return c, out
}

// blockingInput returns a reader that never yields a line until the test
// ends.
func blockingInput(t *testing.T) io.Reader {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	return r
}

func runAsync(c *client.Client, in io.Reader) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.Run(context.Background(), in)
	}()
	return result
}

func awaitRun(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestState_String(t *testing.T) {
	tests := map[client.State]string{
		client.StateDisconnected: "disconnected",
		client.StateConnecting:   "connecting",
		client.StateConnected:    "connected",
		client.StateClosing:      "closing",
		client.StateClosed:       "closed",
		client.State(42):         "state(42)",
	}
	for state, want := range tests {
		require.Equal(t, want, state.String())
	}
}

func TestDial_UnknownTransport(t *testing.T) {
	_, err := client.Dial(context.Background(), "sctp", "127.0.0.1:1")
	require.ErrorIs(t, err, client.ErrUnknownTransport)
}

func TestClient_TCPConversation(t *testing.T) {
	srv := startRelay(t)

	// Given alice on the client and bob on a raw connection
	alice, console := connectClient(t, client.TransportTCP, srv.TCPAddr(), "alice")
	console.waitFor(t, chat.WelcomeReply)
	bob, reply := testutil.JoinLine(t, srv.TCPAddr(), "bob")
	require.Equal(t, chat.WelcomeReply, reply)

	// When both speak
	input, typed := io.Pipe()
	result := runAsync(alice, input)
	_, err := io.WriteString(typed, "hello bob\n\n   \n")
	require.NoError(t, err)
	require.Equal(t, "alice: hello bob", bob.Read(waitFor))
	bob.Send("hi alice")

	// Then alice prints what bob said, and input EOF counts as leaving
	console.waitFor(t, "User bob joined")
	console.waitFor(t, "bob: hi alice")
	require.NoError(t, typed.Close())
	require.Equal(t, "User alice left", bob.Read(waitFor))
	require.NoError(t, awaitRun(t, result))
	require.Equal(t, client.StateClosed, alice.State())
}

func TestClient_ExitCommand(t *testing.T) {
	srv := startRelay(t)
	alice, _ := connectClient(t, client.TransportTCP, srv.TCPAddr(), "alice")
	bob, _ := testutil.JoinLine(t, srv.TCPAddr(), "bob")

	result := runAsync(alice, strings.NewReader("exit\nnever sent\n"))

	require.Equal(t, "User alice left", bob.Read(waitFor))
	require.NoError(t, awaitRun(t, result))
	bob.ExpectSilence(200 * time.Millisecond)
	require.Eventually(t, func() bool { return srv.Participants() == 1 }, waitFor, 10*time.Millisecond)
}

func TestClient_ContextCancelLeaves(t *testing.T) {
	srv := startRelay(t)
	alice, _ := connectClient(t, client.TransportTCP, srv.TCPAddr(), "alice")
	bob, _ := testutil.JoinLine(t, srv.TCPAddr(), "bob")

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- alice.Run(ctx, blockingInput(t)) }()

	cancel()
	require.NoError(t, awaitRun(t, result))
	require.Equal(t, "User alice left", bob.Read(waitFor))
}

func TestClient_NameTaken(t *testing.T) {
	srv := startRelay(t)
	_, _ = testutil.JoinLine(t, srv.TCPAddr(), "alice")

	tr, err := client.DialTCP(context.Background(), srv.TCPAddr())
	require.NoError(t, err)
	out := &syncBuffer{}
	c := client.New(tr, client.Config{Name: "alice"}, out, testutil.DiscardLogger())

	err = c.Connect()
	require.ErrorIs(t, err, client.ErrRejected)
	require.Equal(t, client.StateClosed, c.State())
	require.Contains(t, out.String(), chat.NameTakenReply)
	require.ErrorIs(t, c.Run(context.Background(), strings.NewReader("hi\n")), client.ErrNotConnected)
}

func TestClient_ServerShutdown(t *testing.T) {
	srv := startRelay(t)
	alice, console := connectClient(t, client.TransportTCP, srv.TCPAddr(), "alice")
	result := runAsync(alice, blockingInput(t))

	require.NoError(t, srv.Shutdown())

	console.waitFor(t, "Server is shutting down.")
	require.NoError(t, awaitRun(t, result))
	require.Equal(t, client.StateClosed, alice.State())
}

func TestClient_UDPConversation(t *testing.T) {
	srv := startRelay(t)

	bob, reply := testutil.JoinLine(t, srv.TCPAddr(), "bob")
	require.Equal(t, chat.WelcomeReply, reply)
	alice, console := connectClient(t, client.TransportUDP, srv.UDPAddr(), "alice")
	require.Equal(t, "User alice joined", bob.Read(waitFor))

	require.NoError(t, alice.Send("over datagrams"))
	require.Equal(t, "alice: over datagrams", bob.Read(waitFor))

	bob.Send("got it")
	console.waitFor(t, "bob: got it")

	require.NoError(t, alice.Leave())
	require.Equal(t, "User alice left", bob.Read(waitFor))
}

func TestClient_UDPNoResponse(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = silent.Close() })

	tr, err := client.DialUDP(context.Background(), silent.LocalAddr().String())
	require.NoError(t, err)
	out := &syncBuffer{}
	c := client.New(tr, client.Config{Name: "alice", HandshakeTimeout: 200 * time.Millisecond}, out, testutil.DiscardLogger())

	require.ErrorIs(t, c.Connect(), client.ErrNoResponse)
	require.Equal(t, client.StateClosed, c.State())
	require.Contains(t, out.String(), "No response from server.")
}

// fakeTransport scripts the server side for state machine tests.
type fakeTransport struct {
	mu      sync.Mutex
	reply   string
	sendErr error
	sent    []string
	inbound chan string
	closes  int
}

func newFakeTransport(reply string) *fakeTransport {
	return &fakeTransport{reply: reply, inbound: make(chan string, 8)}
}

func (f *fakeTransport) Handshake(name string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, name)
	return f.reply, nil
}

func (f *fakeTransport) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Receive(deadline time.Time) (string, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-time.After(time.Until(deadline)):
		return "", timeoutError{}
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClient_CloseIsIdempotent(t *testing.T) {
	tr := newFakeTransport(chat.WelcomeReply)
	c := client.New(tr, client.Config{Name: "alice", PollInterval: 10 * time.Millisecond}, io.Discard, testutil.DiscardLogger())
	require.NoError(t, c.Connect())

	tr.inbound <- chat.ShutdownSentinel
	require.Eventually(t, func() bool { return c.State() == client.StateClosed }, waitFor, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Leave())
	require.Equal(t, 1, tr.Closes())
	require.Equal(t, []string{"alice"}, tr.Sent(), "no leave after the server ended the session")
}

func TestClient_SendFailureEndsSession(t *testing.T) {
	tr := newFakeTransport(chat.WelcomeReply)
	tr.sendErr = errors.New("broken")
	c := client.New(tr, client.Config{Name: "alice", PollInterval: 10 * time.Millisecond}, io.Discard, testutil.DiscardLogger())
	require.NoError(t, c.Connect())

	err := c.Run(context.Background(), strings.NewReader("hello\n"))
	require.ErrorIs(t, err, client.ErrConnectionLost)
	require.Equal(t, client.StateClosed, c.State())
	require.Equal(t, 1, tr.Closes())
}

func TestClient_ConnectTwice(t *testing.T) {
	tr := newFakeTransport(chat.WelcomeReply)
	c := client.New(tr, client.Config{Name: "alice"}, io.Discard, testutil.DiscardLogger())
	require.NoError(t, c.Connect())
	require.Error(t, c.Connect())
	require.NoError(t, c.Close())
}
