package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/google/uuid"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var ErrServerClosed = errors.New("server closed")

// validNickname is the nickname syntax command targets can name
var validNickname = regexp.MustCompile(`^\w+$`)

// eventQueueSize bounds how far readers can run ahead of the event loop
const eventQueueSize = 256

// Transport names reported in logs and metrics
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
	TransportSSH       = "ssh"
)

// Server is the chat server. All user, role and upload state is owned by a
// single event loop goroutine; connection readers and file senders only talk
// to it through the events channel.
type Server struct {
	config ServerConfig

	listener      net.Listener
	sshListener   net.Listener
	wsServer      *http.Server
	metricsServer *http.Server
	bindIP        net.IP

	registry  *Registry
	commands  *CommandEngine
	router    *protocol.Router[*messageContext]
	transfers *TransferManager
	store     UploadStore
	metrics   *Metrics

	events chan event
	slots  chan struct{} // one token per open connection

	// conns tracks every open connection, registered or not, so Stop can
	// close connections the event loop has not seen yet.
	connsMu    sync.Mutex
	conns      map[ConnID]*SafeConn
	stopping   bool
	nextConnID atomic.Uint64

	running   atomic.Bool
	shutdown  chan struct{}
	loopDone  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// messageContext is what protocol handlers receive for one envelope
type messageContext struct {
	server *Server
	user   *User
	env    *protocol.Envelope
}

type eventKind uint8

const (
	eventEnvelope eventKind = iota
	eventMalformed
	eventClosed
)

// event is one readiness notification from a connection reader
type event struct {
	kind eventKind
	conn *SafeConn
	env  *protocol.Envelope
	err  error
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.LogDir != "" {
		if err := initLoggers(config.LogDir); err != nil {
			return nil, fmt.Errorf("failed to initialize loggers: %w", err)
		}
	}

	metrics := NewMetrics()

	registry := NewRegistry()
	registry.SetMetrics(metrics)

	store := NewDirStore(config.DownloadDir)
	transfers := NewTransferManager(store)
	transfers.SetMetrics(metrics)

	commands := NewCommandEngine(config.CommandPrefix)
	RegisterDefaultCommands(commands)

	router := protocol.NewRouter[*messageContext]()
	registerProtocolHandlers(router)

	return &Server{
		config:    config,
		registry:  registry,
		commands:  commands,
		router:    router,
		transfers: transfers,
		store:     store,
		metrics:   metrics,
		events:    make(chan event, eventQueueSize),
		slots:     make(chan struct{}, config.MaxConnections),
		conns:     make(map[ConnID]*SafeConn),
		shutdown:  make(chan struct{}),
		loopDone:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// initLoggers sets up error and debug loggers writing into dir
func initLoggers(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker for distinguishing between runs
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log is discarded until EnableDebugLogging
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log goes to stdout and a fresh server.log
	serverLogFile, err := os.OpenFile(filepath.Join(dir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log in the log
// directory, or to stderr when no log directory is configured
func (s *Server) EnableDebugLogging() {
	if s.config.LogDir == "" {
		debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
		debugLog.Println("Debug logging enabled")
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(s.config.LogDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start starts the listeners and the event loop
func (s *Server) Start() error {
	// Use ListenConfig to enable SO_REUSEADDR
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", s.config.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.TCPAddr, err)
	}

	s.listener = listener
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.bindIP = tcpAddr.IP
	}
	logListenBacklog(listener.Addr().String())

	// Start listen overflow monitor (Linux only)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startWebSocketServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.running.Store(true)
	go s.run()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	stopped := false
	s.stopOnce.Do(func() {
		stopped = true
		log.Println("Graceful shutdown initiated...")

		close(s.shutdown)
		s.closeListeners()

		// The loop owns user state until it has exited
		if s.running.Load() {
			<-s.loopDone
		}

		log.Printf("Notifying %d connected users of shutdown...", s.registry.Count())
		for _, user := range s.registry.Users() {
			s.directMessage(user, msgServerShutdown)
			s.disconnect(user)
		}

		s.connsMu.Lock()
		s.stopping = true
		for _, conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()

		log.Println("Waiting for background goroutines to finish...")
		s.wg.Wait()
		log.Println("Graceful shutdown complete")
	})

	if !stopped {
		return ErrServerClosed
	}
	return nil
}

// closeListeners stops every listener from accepting new connections
func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}
}

// acquireSlot blocks until a connection slot is free or the server stops
func (s *Server) acquireSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	case <-s.shutdown:
		return false
	}
}

// tryAcquireSlot takes a connection slot only if one is free right now
func (s *Server) tryAcquireSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	<-s.slots
}

// acceptLoop accepts TCP connections. A slot is taken before Accept, so
// connections beyond the limit wait in the kernel backlog.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		if !s.acquireSlot() {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.releaseSlot()
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn, TransportTCP)
		}()
	}
}

// serve runs the reader for one connection that already holds a slot. It
// returns once the connection is closed, releasing the slot.
func (s *Server) serve(conn net.Conn, transport string) {
	defer s.releaseSlot()

	sc := NewSafeConn(ConnID(s.nextConnID.Add(1)), transport, conn)
	if !s.track(sc) {
		sc.Close()
		return
	}
	defer s.untrack(sc)
	defer sc.Close()

	s.metrics.RecordConnectionAccepted(transport)
	log.Printf("New %s connection from %s (conn %d)", transport, conn.RemoteAddr(), sc.ID())

	s.readLoop(sc)
}

// track records an open connection. It fails once Stop has begun.
func (s *Server) track(sc *SafeConn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[sc.ID()] = sc
	return true
}

func (s *Server) untrack(sc *SafeConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, sc.ID())
}

// readLoop turns one connection's frames into events, in arrival order
func (s *Server) readLoop(sc *SafeConn) {
	for {
		env, err := sc.ReadEnvelope()
		switch {
		case err == nil:
			if !s.post(event{kind: eventEnvelope, conn: sc, env: env}) {
				return
			}
		case errors.Is(err, protocol.ErrMalformedEnvelope):
			if !s.post(event{kind: eventMalformed, conn: sc, err: err}) {
				return
			}
		default:
			// End of stream, or a length field that can no longer be trusted
			if err != io.EOF {
				debugLog.Printf("Conn %d read error: %v", sc.ID(), err)
			}
			s.post(event{kind: eventClosed, conn: sc})
			return
		}
	}
}

// post hands an event to the loop. It reports false once the server stops.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.shutdown:
		return false
	}
}

// run is the event loop. It is the only goroutine that touches the
// registry, user flags or upload sessions while the server is running.
func (s *Server) run() {
	defer close(s.loopDone)

	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) handleEvent(ev event) {
	user, registered := s.registry.ByConn(ev.conn.ID())

	switch ev.kind {
	case eventClosed:
		if !registered {
			debugLog.Printf("Conn %d closed before registering", ev.conn.ID())
			return
		}
		log.Printf("User %s disconnected (conn %d)", user.Nickname, ev.conn.ID())
		s.disconnect(user)
		s.broadcast(fmt.Sprintf(msgDisconnected, user.DisplayName))

	case eventMalformed:
		s.metrics.RecordProtocolError("malformed")
		errorLog.Printf("Conn %d: dropped envelope: %v", ev.conn.ID(), ev.err)

	case eventEnvelope:
		// Frames still queued from a connection the loop already closed
		if ev.conn.Closed() {
			return
		}
		if !registered {
			s.handshake(ev.conn, ev.env)
			return
		}
		s.handleMessage(user, ev.env)
	}
}

// handshake registers the connection under the nickname it claims. Only
// word characters are accepted, so every nickname can be a command target
// and none can pose as the admin marker.
func (s *Server) handshake(conn *SafeConn, env *protocol.Envelope) {
	nickname := strings.TrimSpace(env.Text())
	if env.Header != protocol.HeaderNickname || !validNickname.MatchString(nickname) {
		s.refuse(conn, "invalid_nickname", msgInvalidNickname)
		return
	}

	user := NewUser(nickname, conn)
	first, err := s.registry.Add(user)
	if errors.Is(err, ErrNicknameTaken) {
		s.refuse(conn, "nickname_taken", fmt.Sprintf(msgNicknameTaken, nickname))
		return
	}
	if err != nil {
		s.refuse(conn, "error", msgInvalidNickname)
		return
	}

	log.Printf("User %s registered from %s (conn %d)", nickname, user.Address, conn.ID())

	if first || (s.config.PromoteLocal && s.isLocalAddress(user.Address)) {
		user.SetAdmin(true)
		s.directMessage(user, msgPromoted)
	}

	s.broadcast(fmt.Sprintf(msgConnected, user.DisplayName))
}

// refuse rejects a handshake and closes the connection without registering it
func (s *Server) refuse(conn *SafeConn, reason, text string) {
	s.metrics.RecordHandshakeRejected(reason)
	debugLog.Printf("Conn %d: handshake refused (%s)", conn.ID(), reason)
	if err := conn.WriteEnvelope(protocol.TextEnvelope(text)); err != nil {
		debugLog.Printf("Conn %d: failed to send refusal: %v", conn.ID(), err)
	}
	conn.Close()
}

// isLocalAddress reports whether ip is the address the server is bound to.
// A wildcard bind counts loopback clients as local.
func (s *Server) isLocalAddress(ip string) bool {
	remote := net.ParseIP(ip)
	if remote == nil || s.bindIP == nil {
		return false
	}
	if s.bindIP.IsUnspecified() {
		return remote.IsLoopback()
	}
	return remote.Equal(s.bindIP)
}

// handleMessage routes one envelope from a registered user. Muted users get
// a reminder and nothing else happens.
func (s *Server) handleMessage(user *User, env *protocol.Envelope) {
	s.metrics.RecordFrameReceived(env.Type())

	if user.IsMuted() {
		s.directMessage(user, msgMutedReminder)
		return
	}

	if env.Header == protocol.HeaderRegular {
		s.handleRegular(user, env.Text())
		return
	}

	ctx := &messageContext{server: s, user: user, env: env}
	if err := s.router.Dispatch(env.Header, ctx); err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownHeader):
			s.metrics.RecordProtocolError("unknown_header")
		case errors.Is(err, protocol.ErrMissingResource):
			s.metrics.RecordProtocolError("missing_resource")
		default:
			s.metrics.RecordProtocolError("handler")
		}
		errorLog.Printf("User %s: %s: %v", user.Nickname, env.Header, err)
	}
}

// handleRegular broadcasts chat text, then runs it as a command if it is one
func (s *Server) handleRegular(user *User, text string) {
	s.broadcast(fmt.Sprintf(msgChat, user.DisplayName, text))
	s.commands.Execute(s, user, text)
}

// broadcast sends text to every registered user. A failed delivery never
// stops delivery to the others.
func (s *Server) broadcast(text string) {
	s.broadcastEnvelope(protocol.TextEnvelope(text))
}

func (s *Server) broadcastEnvelope(env *protocol.Envelope) {
	// Encode once for all recipients
	payload, err := env.Encode()
	if err != nil {
		errorLog.Printf("Failed to encode broadcast: %v", err)
		return
	}
	data, err := protocol.EncodeMessage(payload)
	if err != nil {
		errorLog.Printf("Failed to frame broadcast: %v", err)
		return
	}

	delivered, failed := 0, 0
	for _, user := range s.registry.Users() {
		if err := user.Conn.WriteBytes(data); err != nil {
			debugLog.Printf("Broadcast to %s failed: %v", user.Nickname, err)
			failed++
			continue
		}
		delivered++
	}
	s.metrics.RecordBroadcast(delivered, failed)
}

// directMessage sends text to one user
func (s *Server) directMessage(user *User, text string) {
	s.sendEnvelope(user, protocol.TextEnvelope(text))
}

// sendEnvelope sends one envelope to one user, logging failures
func (s *Server) sendEnvelope(user *User, env *protocol.Envelope) {
	if err := user.Conn.WriteEnvelope(env); err != nil {
		debugLog.Printf("Send %s to %s failed: %v", env.Header, user.Nickname, err)
	}
}

// disconnect deregisters a user: it sends end_con, closes the connection,
// removes the user from both registry maps and discards any open upload.
// Callers decide what to broadcast. It reports whether the user was
// still registered.
func (s *Server) disconnect(user *User) bool {
	if !s.registry.Remove(user) {
		return false
	}

	s.sendEnvelope(user, protocol.NewEnvelope(protocol.HeaderEndConnection, nil))
	user.Conn.Close()
	s.transfers.Abort(user.Nickname)
	user.SetUploading(false)
	s.metrics.RecordDisconnect()
	return true
}

// spawnFileSender streams a stored upload to every registered user except
// the uploader. Each recipient gets its own worker holding only that
// recipient's connection and its own handle on the file, opened here on the
// loop before any later upload can replace it.
func (s *Server) spawnFileSender(uploader *User, name string) {
	for _, user := range s.registry.Users() {
		if user == uploader {
			continue
		}

		src, err := s.store.Open(name)
		if err != nil {
			s.metrics.RecordOutboundTransfer("failed")
			errorLog.Printf("Cannot send %s to %s: %v", name, user.Nickname, err)
			continue
		}

		sender := &fileSender{
			id:        uuid.New(),
			conn:      user.Conn,
			src:       src,
			name:      name,
			chunkSize: s.config.ChunkSize,
			delay:     s.config.ChunkDelay,
		}
		recipient := user.Nickname

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sender.run(); err != nil {
				s.metrics.RecordOutboundTransfer("failed")
				debugLog.Printf("Transfer %s of %s to %s stopped: %v", sender.id, name, recipient, err)
				return
			}
			s.metrics.RecordOutboundTransfer("completed")
			debugLog.Printf("Transfer %s of %s to %s complete", sender.id, name, recipient)
		}()
	}
}
