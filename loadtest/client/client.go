// Package client provides a WebSocket load test client for the group chat
// server. It connects with gobwas/ws (the same library the server uses),
// records the session_created handshake, and tracks per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/groupchat/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated participant.
type Client struct {
	conn   net.Conn
	reader io.Reader

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	senderID  string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)

	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials rawURL as the given sender. The identity travels in the
// user_id and user_name query parameters. Handlers must be registered with
// On before Start is called.
func New(ctx context.Context, rawURL, userID, userName string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("user_name", userName)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		reader:   conn,
		handlers: make(map[string]func(json.RawMessage)),
		session:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	// The server writes session_created right after the upgrade, so those
	// bytes may already sit in the handshake buffer.
	if br != nil {
		c.reader = io.MultiReader(br, conn)
	}
	c.metrics.ConnectLatency = time.Since(start)
	return c, nil
}

// On registers a handler for a server message type. Handlers run on the read
// goroutine and must not block. A second registration replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Start begins reading frames in the background.
func (c *Client) Start() {
	go c.readLoop()
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendText submits text to the group channel.
func (c *Client) SendText(text string) error {
	return c.Send(protocol.ChatMsg{Type: protocol.TypeMessage, Text: text})
}

// WaitForSession blocks until session_created arrived or ctx is done.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("client: connection closed before session was created")
	case <-c.session:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is closed or the read loop failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionID returns the server-assigned session ID, empty before the
// handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SenderID returns the sender ID the server resolved for this connection.
func (c *Client) SenderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderID
}

// GetMetrics returns a copy of the client's counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// lockedWriter serializes control frame replies written by the reader with
// frames written by Send.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

func (c *Client) readLoop() {
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == protocol.TypeSessionCreated && c.sessionID == "" {
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.sessionID = msg.SessionID
				c.senderID = msg.SenderID
				close(c.session)
			}
		}
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
