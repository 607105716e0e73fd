package server

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// mockConn records everything written to it
type mockConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	remote net.Addr
}

func newMockConn(ip string) *mockConn {
	return &mockConn{remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}}
}

func (c *mockConn) Read(b []byte) (int, error) { return 0, io.EOF }

func (c *mockConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.buf.Write(b)
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9900} }
func (c *mockConn) RemoteAddr() net.Addr               { return c.remote }
func (c *mockConn) SetDeadline(t time.Time) error      { return nil }
func (c *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// Envelopes decodes every frame written so far
func (c *mockConn) Envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.mu.Unlock()

	r := bytes.NewReader(data)
	var envs []*protocol.Envelope
	for r.Len() > 0 {
		env, err := protocol.ReadEnvelope(r)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

// Texts returns the text of every chat envelope written so far
func (c *mockConn) Texts(t *testing.T) []string {
	t.Helper()
	var texts []string
	for _, env := range c.Envelopes(t) {
		if env.Header == protocol.HeaderRegular {
			texts = append(texts, env.Text())
		}
	}
	return texts
}

// Reset forgets everything written so far
func (c *mockConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
}

// testConfig returns a valid config listening on a random loopback port
func testConfig(t *testing.T) ServerConfig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.DownloadDir = t.TempDir()
	cfg.ChunkDelay = 0
	return cfg
}

// newTestServer builds a server whose event handling is driven directly by
// the test, without listeners or a running loop
func newTestServer(t *testing.T, mutate ...func(*ServerConfig)) *Server {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv
}

// testClient is a user connected to a test server over a mockConn
type testClient struct {
	*mockConn
	sc *SafeConn
}

// dial opens an unregistered connection on the test server
func dial(srv *Server, ip string) *testClient {
	conn := newMockConn(ip)
	sc := NewSafeConn(ConnID(srv.nextConnID.Add(1)), TransportTCP, conn)
	return &testClient{mockConn: conn, sc: sc}
}

// send feeds one envelope from the client through the event loop handler
func (c *testClient) send(srv *Server, env *protocol.Envelope) {
	srv.handleEvent(event{kind: eventEnvelope, conn: c.sc, env: env})
}

// say sends chat text
func (c *testClient) say(srv *Server, text string) {
	c.send(srv, protocol.TextEnvelope(text))
}

// hangUp reports the connection as closed by the peer
func (c *testClient) hangUp(srv *Server) {
	srv.handleEvent(event{kind: eventClosed, conn: c.sc})
}

// user returns the registered user for the client
func (c *testClient) user(t *testing.T, srv *Server) *User {
	t.Helper()
	user, ok := srv.registry.ByConn(c.sc.ID())
	require.True(t, ok, "client is not registered")
	return user
}

// join connects and registers a client under nickname
func join(t *testing.T, srv *Server, nickname string) *testClient {
	t.Helper()
	c := dial(srv, "10.0.0.1")
	c.send(srv, protocol.NicknameEnvelope(nickname))
	c.user(t, srv)
	return c
}
