package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/groupchat/internal/identity"
	"github.com/whisper/groupchat/internal/metrics"
)

// OutboxSize is how many broadcast frames may wait for a slow client before
// further frames are dropped.
const OutboxSize = 64

// ErrSlowConsumer is returned by Queue when the outbox is full.
var ErrSlowConsumer = errors.New("ws: outbox full")

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // session ID (UUID)
	SenderID   string    // resolved identity, opaque to the server
	SenderName string
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor, -1 off Linux
	CreatedAt  time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex  // serializes writes to this connection
	outbox       chan []byte // broadcast frames drained by writeLoop
	closed       chan struct{}
	closeOnce    sync.Once
	lastSeen     atomic.Int64 // unix nanos of the last frame read from the client
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, who identity.Identity, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		SenderID:     who.ID,
		SenderName:   who.Name,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		outbox:       make(chan []byte, OutboxSize),
		closed:       make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	go c.writeLoop()
	return c
}

// Touch records client activity for the heartbeat.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the client last sent a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		// Clear the deadline so it doesn't affect later writes (e.g., heartbeat pings).
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Queue hands a broadcast frame to the connection's writer and never
// blocks. Frames queued on one connection are written in order.
func (c *Connection) Queue(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// writeLoop drains the outbox until the connection is closed. A client
// that stops reading stalls only its own loop.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.outbox:
			if err := c.WriteMessage(data); err != nil {
				metrics.BroadcastFailures.WithLabelValues("messages").Inc()
			}
		}
	}
}

// Close stops the writer and closes the underlying network connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// session ID with O(1) lookups by net.Conn, plus an index of every connection
// a sender currently holds.
type ConnectionManager struct {
	mu       sync.RWMutex
	byID     map[string]*Connection            // session_id -> Connection
	byConn   map[net.Conn]*Connection          // net.Conn -> Connection
	bySender map[string]map[string]*Connection // sender_id -> session_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:     make(map[string]*Connection),
		byConn:   make(map[net.Conn]*Connection),
		bySender: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in every lookup map.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	sessions, ok := cm.bySender[conn.SenderID]
	if !ok {
		sessions = make(map[string]*Connection)
		cm.bySender[conn.SenderID] = sessions
	}
	sessions[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from every lookup map. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if sessions := cm.bySender[conn.SenderID]; sessions != nil {
			delete(sessions, id)
			if len(sessions) == 0 {
				delete(cm.bySender, conn.SenderID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// GetByConn returns the connection registered for c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// BySender returns a snapshot of the connections held by senderID.
func (cm *ConnectionManager) BySender(senderID string) []*Connection {
	cm.mu.RLock()
	sessions := cm.bySender[senderID]
	conns := make([]*Connection, 0, len(sessions))
	for _, conn := range sessions {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
