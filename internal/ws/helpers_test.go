package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/groupchat/internal/identity"
)

// pipeClient is the client end of an in-memory connection.
type pipeClient struct {
	conn   net.Conn
	frames chan map[string]interface{}
}

// newPipeConn returns a server-side Connection and a client that decodes
// every text frame the server writes.
func newPipeConn(t *testing.T, sessionID, senderID string) (*Connection, *pipeClient) {
	t.Helper()
	server, client := net.Pipe()
	c := newConnection(sessionID, identity.Identity{ID: senderID, Name: senderID}, server, time.Second)
	t.Cleanup(func() {
		c.Close()
		client.Close()
	})

	pc := &pipeClient{conn: client, frames: make(chan map[string]interface{}, 16)}
	go func() {
		defer close(pc.frames)
		for {
			data, op, err := wsutil.ReadServerData(client)
			if err != nil {
				return
			}
			if op != ws.OpText {
				continue
			}
			var frame map[string]interface{}
			if err := json.Unmarshal(data, &frame); err != nil {
				return
			}
			pc.frames <- frame
		}
	}()
	return c, pc
}

// next waits for the next frame.
func (pc *pipeClient) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case frame, ok := <-pc.frames:
		require.True(t, ok, "connection closed before a frame arrived")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// none asserts that no frame arrives within a short window.
func (pc *pipeClient) none(t *testing.T) {
	t.Helper()
	select {
	case frame, ok := <-pc.frames:
		if ok {
			t.Fatalf("unexpected frame: %v", frame)
		}
	case <-time.After(100 * time.Millisecond):
	}
}
