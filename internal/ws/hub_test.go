package ws

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/identity"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/protocol"
)

func TestConnectionManager_Indexes(t *testing.T) {
	cm := NewConnectionManager()
	a1, _ := newPipeConn(t, "s-1", "ana")
	a2, _ := newPipeConn(t, "s-2", "ana")
	b1, _ := newPipeConn(t, "s-3", "bruno")

	cm.Add(a1)
	cm.Add(a2)
	cm.Add(b1)

	assert.Equal(t, 3, cm.Count())
	assert.Len(t, cm.BySender("ana"), 2)
	assert.Len(t, cm.BySender("bruno"), 1)
	assert.Empty(t, cm.BySender("nobody"))
	assert.Same(t, a2, cm.GetByConn(a2.Conn))
	assert.Same(t, b1, cm.GetByConn(b1.Conn))

	require.True(t, cm.Remove("s-1"))
	require.False(t, cm.Remove("s-1"), "second remove must be a no-op")
	assert.Len(t, cm.BySender("ana"), 1)
	assert.Nil(t, cm.GetByConn(a1.Conn))

	require.True(t, cm.Remove("s-2"))
	assert.Empty(t, cm.BySender("ana"))
	assert.Equal(t, 1, cm.Count())
}

func TestHub_PublishReachesEveryConnection(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub(cm, zerolog.Nop())

	c1, p1 := newPipeConn(t, "s-1", "ana")
	c2, p2 := newPipeConn(t, "s-2", "bruno")
	cm.Add(c1)
	cm.Add(c2)

	msg := chat.Message{ID: "m-1", SenderName: "ana", SenderID: "ana", Text: "oi", CreatedAt: 10}
	require.NoError(t, hub.Publish(context.Background(), msg))

	for _, pc := range []*pipeClient{p1, p2} {
		frame := pc.next(t)
		assert.Equal(t, protocol.TypeMessage, frame["type"])
		assert.Equal(t, "m-1", frame["id"])
		assert.Equal(t, "oi", frame["text"])
	}
}

func TestHub_PublishIgnoresBrokenConnection(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub(cm, zerolog.Nop())

	broken, _ := newPipeConn(t, "s-1", "ana")
	ok, p := newPipeConn(t, "s-2", "bruno")
	broken.Conn.Close()
	cm.Add(broken)
	cm.Add(ok)

	require.NoError(t, hub.Publish(context.Background(), chat.Message{ID: "m-1", Text: "oi"}))
	assert.Equal(t, "m-1", p.next(t)["id"])
}

// stalledConn returns a connection whose client never reads, so every write
// blocks until the write timeout.
func stalledConn(t *testing.T, sessionID, senderID string, writeTimeout time.Duration) *Connection {
	t.Helper()
	server, client := net.Pipe()
	c := newConnection(sessionID, identity.Identity{ID: senderID, Name: senderID}, server, writeTimeout)
	t.Cleanup(func() {
		c.Close()
		client.Close()
	})
	return c
}

func TestHub_StalledClientDoesNotDelayOthers(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub(cm, zerolog.Nop())

	cm.Add(stalledConn(t, "s-1", "ana", 10*time.Second))
	ok, p := newPipeConn(t, "s-2", "bruno")
	cm.Add(ok)

	start := time.Now()
	for i := 1; i <= 3; i++ {
		require.NoError(t, hub.Publish(context.Background(), chat.Message{ID: fmt.Sprintf("m-%d", i), Text: "oi"}))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "publish must not wait on the stalled client")

	// Frames on a healthy connection keep their publish order.
	for i := 1; i <= 3; i++ {
		assert.Equal(t, fmt.Sprintf("m-%d", i), p.next(t)["id"])
	}
}

func TestHub_FullOutboxDropsFrames(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub(cm, zerolog.Nop())
	cm.Add(stalledConn(t, "s-1", "ana", 10*time.Second))

	before := testutil.ToFloat64(metrics.BroadcastFailures.WithLabelValues("messages"))
	for i := 0; i < OutboxSize+5; i++ {
		require.NoError(t, hub.Publish(context.Background(), chat.Message{ID: fmt.Sprintf("m-%d", i), Text: "oi"}))
	}
	// One frame is held by the blocked writer, OutboxSize wait behind it.
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.BroadcastFailures.WithLabelValues("messages"))-before, float64(4))
}

func TestConnection_QueueAfterClose(t *testing.T) {
	c, _ := newPipeConn(t, "s-1", "ana")
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Queue([]byte("x")), net.ErrClosed)
}

func TestHub_NotifyOnlyTheSender(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub(cm, zerolog.Nop())

	a1, pa1 := newPipeConn(t, "s-1", "ana")
	a2, pa2 := newPipeConn(t, "s-2", "ana")
	b, pb := newPipeConn(t, "s-3", "bruno")
	cm.Add(a1)
	cm.Add(a2)
	cm.Add(b)

	notice := chat.SystemNotice(`threat detected: "morre"`, 42)
	require.NoError(t, hub.Notify(context.Background(), "ana", notice))

	for _, pc := range []*pipeClient{pa1, pa2} {
		frame := pc.next(t)
		assert.Equal(t, protocol.TypeError, frame["type"])
		assert.Equal(t, protocol.CodeRejected, frame["code"])
		assert.Equal(t, chat.SystemSenderID, frame["sender_id"])
		assert.Equal(t, notice.Text, frame["text"])
	}
	pb.none(t)
}

func TestHub_NotifyDeliveryFailedCode(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub(cm, zerolog.Nop())
	c, p := newPipeConn(t, "s-1", "ana")
	cm.Add(c)

	require.NoError(t, hub.Notify(context.Background(), "ana", chat.SystemNotice(chat.DeliveryFailedReason, 1)))
	assert.Equal(t, protocol.CodeDeliveryFailed, p.next(t)["code"])
}

func TestHub_NotifyWithoutRecipient(t *testing.T) {
	hub := NewHub(NewConnectionManager(), zerolog.Nop())
	err := hub.Notify(context.Background(), "ghost", chat.SystemNotice("x", 1))
	require.ErrorIs(t, err, chat.ErrNoRecipient)
}

func TestHub_NotifyAllWritesFailed(t *testing.T) {
	cm := NewConnectionManager()
	hub := NewHub(cm, zerolog.Nop())
	c, _ := newPipeConn(t, "s-1", "ana")
	c.Conn.Close()
	cm.Add(c)

	err := hub.Notify(context.Background(), "ana", chat.SystemNotice("x", 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, chat.ErrNoRecipient)
}
