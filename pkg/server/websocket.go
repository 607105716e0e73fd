package server

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/gorilla/websocket"
)

// WebSocketConn carries the framed byte stream over binary WebSocket
// messages. A message may hold any slice of the stream; reads reassemble it.
type WebSocketConn struct {
	ws      *websocket.Conn
	readMu  sync.Mutex
	pending bytes.Buffer // bytes of the current message not yet read
	writeMu sync.Mutex
	closed  atomic.Bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Chat clients are not browsers bound to an origin
		return true
	},
}

// startWebSocketServer serves /ws on the configured port
func (s *Server) startWebSocketServer() error {
	if s.config.WebSocketPort <= 0 {
		log.Printf("WebSocket server disabled (websocket_port=%d)", s.config.WebSocketPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.WebSocketPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.wsServer = &http.Server{Handler: mux}
	log.Printf("WebSocket server listening on %s (/ws)", addr)

	go func() {
		if err := s.wsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("WebSocket server error: %v", err)
		}
	}()

	return nil
}

// HandleWebSocket upgrades an HTTP connection and serves it like a TCP one.
// With every connection slot taken the request is refused, since a
// WebSocket peer cannot be left waiting in a backlog.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.tryAcquireSlot() {
		s.metrics.RecordHandshakeRejected("server_full")
		http.Error(w, "Server is full", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseSlot()
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(int64(protocol.LengthWidth + protocol.MaxFrameSize))

	s.serve(NewWebSocketConn(ws), TransportWebSocket)
}

// NewWebSocketConn wraps an upgraded connection
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.pending.Len() == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, fmt.Errorf("unexpected websocket message type %d", messageType)
		}
		c.pending.Write(data)
	}
	return c.pending.Read(b)
}

// Write sends b as one binary message. SafeConn writes whole frames, so
// every message a client receives holds exactly one frame.
func (c *WebSocketConn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *WebSocketConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close()
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
