package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const wireTimeout = 5 * time.Second

// wireClient talks to a running server over a real transport. A reader
// goroutine decodes incoming envelopes into envs until the stream ends.
type wireClient struct {
	t      *testing.T
	send   func(*protocol.Envelope) error
	closer io.Closer
	envs   chan *protocol.Envelope
}

func newWireClient(t *testing.T, read func() (*protocol.Envelope, error), send func(*protocol.Envelope) error, closer io.Closer) *wireClient {
	c := &wireClient{
		t:      t,
		send:   send,
		closer: closer,
		envs:   make(chan *protocol.Envelope, 1024),
	}
	go func() {
		defer close(c.envs)
		for {
			env, err := read()
			if err != nil {
				return
			}
			c.envs <- env
		}
	}()
	t.Cleanup(func() { closer.Close() })
	return c
}

// dialTCP connects to the server's TCP listener
func dialTCP(t *testing.T, srv *Server) *wireClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), wireTimeout)
	require.NoError(t, err)
	return newWireClient(t,
		func() (*protocol.Envelope, error) { return protocol.ReadEnvelope(conn) },
		func(env *protocol.Envelope) error { return protocol.WriteEnvelope(conn, env) },
		conn,
	)
}

// dialWebSocket connects through the WebSocket handler, one frame per
// binary message
func dialWebSocket(t *testing.T, url string) *wireClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return newWireClient(t,
		func() (*protocol.Envelope, error) {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			payload, err := protocol.DecodeMessage(data)
			if err != nil {
				return nil, err
			}
			return protocol.DecodeEnvelope(payload)
		},
		func(env *protocol.Envelope) error {
			payload, err := env.Encode()
			if err != nil {
				return err
			}
			data, err := protocol.EncodeMessage(payload)
			if err != nil {
				return err
			}
			return ws.WriteMessage(websocket.BinaryMessage, data)
		},
		ws,
	)
}

// dialSSH opens a session channel and speaks the framed protocol over it
func dialSSH(t *testing.T, addr string) *wireClient {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "relay",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         wireTimeout,
	})
	require.NoError(t, err)

	channel, reqs, err := client.OpenChannel("session", nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)

	return newWireClient(t,
		func() (*protocol.Envelope, error) { return protocol.ReadEnvelope(channel) },
		func(env *protocol.Envelope) error { return protocol.WriteEnvelope(channel, env) },
		client,
	)
}

func (c *wireClient) write(env *protocol.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.send(env))
}

func (c *wireClient) say(text string) {
	c.t.Helper()
	c.write(protocol.TextEnvelope(text))
}

// next returns the next envelope from the server
func (c *wireClient) next() *protocol.Envelope {
	c.t.Helper()
	select {
	case env, ok := <-c.envs:
		if !ok {
			c.t.Fatal("connection closed")
		}
		return env
	case <-time.After(wireTimeout):
		c.t.Fatal("timed out waiting for an envelope")
	}
	return nil
}

// nextText returns the text of the next chat envelope, skipping others
func (c *wireClient) nextText() string {
	c.t.Helper()
	for {
		env := c.next()
		if env.Header == protocol.HeaderRegular {
			return env.Text()
		}
	}
}

// expect reads chat texts until want arrives
func (c *wireClient) expect(want string) {
	c.t.Helper()
	for {
		if c.nextText() == want {
			return
		}
	}
}

// expectClosed drains the connection until the server closes it and
// returns everything received on the way
func (c *wireClient) expectClosed() []*protocol.Envelope {
	c.t.Helper()
	var envs []*protocol.Envelope
	deadline := time.After(wireTimeout)
	for {
		select {
		case env, ok := <-c.envs:
			if !ok {
				return envs
			}
			envs = append(envs, env)
		case <-deadline:
			c.t.Fatal("server did not close the connection")
			return envs
		}
	}
}

// startServer runs a server on a random loopback port until the test ends
func startServer(t *testing.T, mutate ...func(*ServerConfig)) *Server {
	t.Helper()
	srv := newTestServer(t, mutate...)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// joinTCP connects over TCP and registers nickname, waiting for its own
// connect announcement
func joinTCP(t *testing.T, srv *Server, nickname string, display string) *wireClient {
	t.Helper()
	c := dialTCP(t, srv)
	c.write(protocol.NicknameEnvelope(nickname))
	c.expect(display + " connected")
	return c
}

func TestIntegrationMutedUser(t *testing.T) {
	srv := startServer(t)
	alice := joinTCP(t, srv, "alice", "@alice")
	bob := joinTCP(t, srv, "bob", "bob")
	alice.expect("bob connected")

	alice.say("?mute bob")
	alice.expect("@alice: ?mute bob")
	bob.expect("@alice: ?mute bob")
	assert.Equal(t, msgMuted, bob.nextText())

	bob.say("hi")
	assert.Equal(t, msgMutedReminder, bob.nextText())

	// alice's next chat line is her own probe, so bob's "hi" never reached her
	alice.say("probe")
	assert.Equal(t, "@alice: probe", alice.nextText())
	assert.Equal(t, "@alice: probe", bob.nextText())
}

func TestIntegrationKick(t *testing.T) {
	srv := startServer(t)
	alice := joinTCP(t, srv, "alice", "@alice")
	bob := joinTCP(t, srv, "bob", "bob")
	carol := joinTCP(t, srv, "carol", "carol")
	alice.expect("carol connected")
	bob.expect("carol connected")

	alice.say("?kick bob")

	carol.expect("@alice: ?kick bob")
	assert.Equal(t, "User bob was kicked from the server.", carol.nextText())
	alice.expect("User bob was kicked from the server.")

	envs := bob.expectClosed()
	require.GreaterOrEqual(t, len(envs), 3)
	last := envs[len(envs)-1]
	assert.Equal(t, protocol.HeaderEndConnection, last.Header)
	assert.Equal(t, msgKickedWhisper, envs[len(envs)-2].Text())

	// bob is gone and his nickname is free again
	dave := dialTCP(t, srv)
	dave.write(protocol.NicknameEnvelope("bob"))
	dave.expect("bob connected")
}

func TestIntegrationUpload(t *testing.T) {
	srv := startServer(t)
	alice := joinTCP(t, srv, "alice", "@alice")
	bob := joinTCP(t, srv, "bob", "bob")
	alice.expect("bob connected")

	alice.say("?send_file notes.txt")
	for {
		env := alice.next()
		if env.Type() == protocol.HeaderRequestFile {
			resource, _ := env.Resource()
			assert.Equal(t, "notes.txt", resource)
			break
		}
	}

	alice.write(protocol.NewEnvelope(protocol.BuildHeader(protocol.HeaderFileStart, "notes.txt"), nil))
	for _, chunk := range []string{"AAA", "BBB", "CCC"} {
		alice.write(protocol.NewEnvelope(protocol.BuildHeader(protocol.HeaderFileChunk, "notes.txt"), []byte(chunk)))
	}
	alice.write(protocol.NewEnvelope(protocol.BuildHeader(protocol.HeaderFileEnd, "notes.txt"), nil))

	bob.expect("notes.txt has finished uploading!")

	data, err := os.ReadFile(filepath.Join(srv.config.DownloadDir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(data))

	// bob is streamed the stored file
	var received []byte
	start := bob.next()
	require.Equal(t, "file_start:notes.txt", start.Header)
	for {
		env := bob.next()
		if env.Type() == protocol.HeaderFileEnd {
			break
		}
		require.Equal(t, "file_chunk:notes.txt", env.Header)
		received = append(received, env.Data...)
	}
	assert.Equal(t, "AAABBBCCC", string(received))
}

func TestIntegrationDuplicateNickname(t *testing.T) {
	srv := startServer(t)
	alice := joinTCP(t, srv, "alice", "@alice")

	imposter := dialTCP(t, srv)
	imposter.write(protocol.NicknameEnvelope("alice"))
	envs := imposter.expectClosed()
	require.Len(t, envs, 1)
	assert.Equal(t, "Nickname: alice is taken.", envs[0].Text())

	// The original alice is untouched
	alice.say("still here")
	assert.Equal(t, "@alice: still here", alice.nextText())
}

func TestIntegrationConnectionLimitQueues(t *testing.T) {
	srv := startServer(t, func(c *ServerConfig) { c.MaxConnections = 1 })
	alice := joinTCP(t, srv, "alice", "@alice")

	// bob's connection waits in the backlog until alice leaves
	bob := dialTCP(t, srv)
	bob.write(protocol.NicknameEnvelope("bob"))

	select {
	case env := <-bob.envs:
		t.Fatalf("queued connection was served early: %q", env.Header)
	case <-time.After(200 * time.Millisecond):
	}

	alice.write(protocol.NewEnvelope(protocol.HeaderEndConnection, nil))
	alice.expectClosed()

	bob.expect("bob connected")
}

func TestIntegrationWebSocket(t *testing.T) {
	srv := startServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	alice := joinTCP(t, srv, "alice", "@alice")

	bob := dialWebSocket(t, url)
	bob.write(protocol.NicknameEnvelope("bob"))
	bob.expect("bob connected")
	alice.expect("bob connected")

	bob.say("hello from the browser")
	alice.expect("bob: hello from the browser")
	bob.expect("bob: hello from the browser")
}

func TestIntegrationWebSocketFull(t *testing.T) {
	srv := startServer(t, func(c *ServerConfig) { c.MaxConnections = 1 })
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)

	joinTCP(t, srv, "alice", "@alice")

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIntegrationSSH(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "ssh_host_key")
	srv := startServer(t, func(c *ServerConfig) { c.SSHHostKeyPath = keyPath })

	hostKey, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	sshConfig := &ssh.ServerConfig{NoClientAuth: true}
	sshConfig.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.sshListener = listener
	srv.wg.Add(1)
	go srv.acceptSSHLoop(listener, sshConfig)

	alice := joinTCP(t, srv, "alice", "@alice")

	carol := dialSSH(t, listener.Addr().String())
	carol.write(protocol.NicknameEnvelope("carol"))
	carol.expect("carol connected")
	alice.expect("carol connected")

	alice.say("?whisper carol over ssh")
	carol.expect("@alice whispered: over ssh")
}

func TestIntegrationStopNotifiesUsers(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Start())

	alice := joinTCP(t, srv, "alice", "@alice")
	require.NoError(t, srv.Stop())

	var texts []string
	for _, env := range alice.expectClosed() {
		texts = append(texts, env.Text())
	}
	assert.Contains(t, texts, msgServerShutdown)
	assert.ErrorIs(t, srv.Stop(), ErrServerClosed)
}

func TestHealthHandler(t *testing.T) {
	srv := startServer(t)
	joinTCP(t, srv, "alice", "@alice")

	ts := httptest.NewServer(srv.metricsMux())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status         string   `json:"status"`
		ActiveUsers    int      `json:"active_users"`
		Admins         []string `json:"admins"`
		MaxConnections int      `json:"max_connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.ActiveUsers)
	assert.Equal(t, []string{"alice"}, health.Admins)
	assert.Equal(t, 5, health.MaxConnections)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relaychat_active_users")
}
