package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// ConnID identifies a connection for the lifetime of the server process
type ConnID uint64

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol frames.
//
// The event loop and outbound file transfer workers may write to the same
// connection at the same time. Without synchronization their frame bytes
// interleave on the wire.
type SafeConn struct {
	id        ConnID
	transport string
	conn      net.Conn
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(id ConnID, transport string, conn net.Conn) *SafeConn {
	return &SafeConn{
		id:        id,
		transport: transport,
		conn:      conn,
	}
}

// ID returns the connection handle
func (sc *SafeConn) ID() ConnID {
	return sc.id
}

// Transport returns "tcp", "websocket" or "ssh"
func (sc *SafeConn) Transport() string {
	return sc.transport
}

// WriteEnvelope encodes and sends one framed envelope.
func (sc *SafeConn) WriteEnvelope(env *protocol.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(payload)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes writes raw bytes to the connection with synchronization.
// Used for pre-encoded frames in broadcast operations.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write(data)
	return err
}

// ReadEnvelope reads one framed envelope from the connection.
// Reads don't need write synchronization; only the connection's reader
// goroutine calls this.
func (sc *SafeConn) ReadEnvelope() (*protocol.Envelope, error) {
	return protocol.ReadEnvelope(sc.conn)
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// Closed reports whether Close has been called
func (sc *SafeConn) Closed() bool {
	return sc.closed.Load()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
