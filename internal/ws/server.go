// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, fanning out chat
// frames, and dispatching incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/identity"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/ratelimit"
)

// MaxFrameBytes caps a single client data frame. Larger frames close the
// connection.
const MaxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with a Poller
// for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading. The HTTP listener belongs to
// the caller, which mounts HandleUpgrade on its router.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	hub          *Hub
	resolver     identity.Resolver
	limiter      ratelimit.Checker
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after session_created is sent
	onDisconnect func(conn *Connection)              // called when a connection is removed
	log          zerolog.Logger
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server. limiter may be nil to accept every upgrade.
func NewServer(config ServerConfig, resolver identity.Resolver, limiter ratelimit.Checker, log zerolog.Logger) *Server {
	log = log.With().Str("component", "ws").Logger()
	conns := NewConnectionManager()
	return &Server{
		config:     config,
		conns:      conns,
		hub:        NewHub(conns, log),
		resolver:   resolver,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		log:        log,
		done:       make(chan struct{}),
	}
}

// SetOnMessage registers the callback invoked from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnConnect registers a callback invoked once a new connection has been
// registered and told its session ID.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the poller and starts the event loop and the
// heartbeat monitor in the background. It does not block.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return err
	}

	s.startedAt = time.Now()

	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("ws: server started")
	return nil
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. Identity is resolved before the upgrade so
// unidentified clients get a plain 401.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	who, err := s.resolver.Resolve(r)
	if err != nil {
		http.Error(w, "unidentified sender", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		ip := clientIP(r)
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			s.log.Warn().Str("ip", ip).Msg("ws: connect rate limited")
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), who, conn, s.config.WriteTimeout)
	log := s.log.With().Str("session", c.ID).Str("sender_id", c.SenderID).Logger()

	// Register the connection in the manager and the poller.
	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Error().Err(err).Msg("ws: poller add failed")
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID:  c.ID,
		SenderID:   c.SenderID,
		SenderName: c.SenderName,
	})
	if err != nil {
		log.Error().Err(err).Msg("ws: failed to build session_created")
	} else if err := c.WriteMessage(sessionMsg); err != nil {
		log.Warn().Err(err).Msg("ws: failed to send session_created")
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Info().Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("ws: new connection")
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Error().Err(err).Msg("ws: poller wait error")
				continue
			}
		}

		for _, conn := range conns {
			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// the poller and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.poller.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered polling.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.poller.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch).
		// Don't kill the connection, the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.Touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		_ = netConn.SetReadDeadline(time.Time{})
		return
	}

	if header.Length > MaxFrameBytes {
		s.log.Warn().Str("session", c.ID).Int64("length", header.Length).Msg("ws: frame too large")
		s.RemoveConnection(c)
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	// Clear read deadline after a complete frame.
	_ = netConn.SetReadDeadline(time.Time{})

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both the poller and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Info().Str("session", c.ID).Int("total", s.conns.Count()).Msg("ws: connection closed")
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or the health endpoint).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Hub returns the local broadcaster over this server's connections.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Uptime reports how long the server has been started.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown signals the event loop to exit, closes all active connections,
// and cleans up the poller. The caller shuts its HTTP listener down
// first so no upgrade races the teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("ws: shutting down server...")
		close(s.done)

		for _, c := range s.conns.All() {
			if ctx.Err() != nil {
				break
			}
			s.RemoveConnection(c)
		}

		if s.poller != nil {
			_ = s.poller.Close()
		}
		s.log.Info().Msg("ws: server stopped, all connections closed")
	})
	return ctx.Err()
}

// clientIP returns the remote host of r without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
