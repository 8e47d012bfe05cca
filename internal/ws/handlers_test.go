package ws

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/groupchat/internal/ban"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/moderation"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/ratelimit"
	"github.com/whisper/groupchat/internal/store"
)

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return f.allow, nil
}

// fakeBans bans on the third strike for ten minutes.
type fakeBans struct {
	strikes   map[string]int
	statusErr error
}

func (f *fakeBans) Status(_ context.Context, id string) (ban.Status, error) {
	if f.statusErr != nil {
		return ban.Status{}, f.statusErr
	}
	if f.strikes[id] >= 3 {
		return ban.Status{Banned: true, Remaining: 600, Reason: ban.ReasonRepeatedViolations}, nil
	}
	return ban.Status{}, nil
}

func (f *fakeBans) Strike(_ context.Context, id string) (bool, time.Duration, error) {
	f.strikes[id]++
	if f.strikes[id] >= 3 {
		return true, 10 * time.Minute, nil
	}
	return false, 0, nil
}

type chatFixture struct {
	conns   *ConnectionManager
	store   *store.Memory
	history *chat.History
	handler *ChatHandler
}

func newChatFixture(t *testing.T, limiter ratelimit.Checker) *chatFixture {
	t.Helper()
	conns := NewConnectionManager()
	mem := store.NewMemory()
	hub := NewHub(conns, zerolog.Nop())
	pipeline := chat.NewPipeline(moderation.MustNew(moderation.DefaultRules()), mem, hub, zerolog.Nop(),
		chat.WithClock(func() time.Time { return time.UnixMilli(1_000) }))
	history := chat.NewHistory(mem, time.Hour, 50)
	return &chatFixture{
		conns:   conns,
		store:   mem,
		history: history,
		handler: NewChatHandler(pipeline, history, limiter, zerolog.Nop()),
	}
}

func TestChatHandler_DeliveredReachesEveryone(t *testing.T) {
	f := newChatFixture(t, nil)
	ana, pa := newPipeConn(t, "s-1", "ana")
	bruno, pb := newPipeConn(t, "s-2", "bruno")
	f.conns.Add(ana)
	f.conns.Add(bruno)

	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "Bom dia!"})

	for _, pc := range []*pipeClient{pa, pb} {
		frame := pc.next(t)
		assert.Equal(t, protocol.TypeMessage, frame["type"])
		assert.Equal(t, "Bom dia!", frame["text"])
		assert.Equal(t, "ana", frame["sender_id"])
		assert.EqualValues(t, 1_000, frame["created_at"])
		assert.NotEmpty(t, frame["id"])
	}

	stored, err := f.store.ListOrdered(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestChatHandler_RejectedOnlyNotifiesSender(t *testing.T) {
	f := newChatFixture(t, nil)
	ana, pa := newPipeConn(t, "s-1", "ana")
	bruno, pb := newPipeConn(t, "s-2", "bruno")
	f.conns.Add(ana)
	f.conns.Add(bruno)

	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "vou te matar"})

	frame := pa.next(t)
	assert.Equal(t, protocol.TypeError, frame["type"])
	assert.Equal(t, protocol.CodeRejected, frame["code"])
	assert.Equal(t, chat.SystemSenderName, frame["sender_name"])
	pb.none(t)

	stored, err := f.store.ListOrdered(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestChatHandler_EmptyTextAnsweredDirectly(t *testing.T) {
	f := newChatFixture(t, nil)
	ana, pa := newPipeConn(t, "s-1", "ana")
	f.conns.Add(ana)

	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "   "})

	frame := pa.next(t)
	assert.Equal(t, protocol.TypeError, frame["type"])
	assert.Equal(t, protocol.CodeInvalidMessage, frame["code"])
	assert.Equal(t, chat.EmptyTextReason, frame["text"])
}

func TestChatHandler_OversizedTextIsInvalid(t *testing.T) {
	f := newChatFixture(t, nil)
	bans := &fakeBans{strikes: map[string]int{}}
	f.handler.SetBans(bans)
	ana, pa := newPipeConn(t, "s-1", "ana")
	f.conns.Add(ana)

	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: strings.Repeat("bom dia ", 300)})

	frame := pa.next(t)
	assert.Equal(t, protocol.TypeError, frame["type"])
	assert.Equal(t, protocol.CodeInvalidMessage, frame["code"])
	assert.Equal(t, "message exceeds 2000 character limit", frame["text"])
	assert.Zero(t, bans.strikes["ana"], "size violations are not strikes")
}

func TestChatHandler_RateLimited(t *testing.T) {
	f := newChatFixture(t, fakeLimiter{allow: false})
	ana, pa := newPipeConn(t, "s-1", "ana")
	f.conns.Add(ana)

	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "oi"})

	frame := pa.next(t)
	assert.Equal(t, protocol.TypeRateLimited, frame["type"])
	assert.EqualValues(t, 10, frame["retry_after"])

	stored, err := f.store.ListOrdered(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestChatHandler_GreetAndInvalidate(t *testing.T) {
	f := newChatFixture(t, fakeLimiter{allow: true})
	ana, pa := newPipeConn(t, "s-1", "ana")
	f.conns.Add(ana)

	f.handler.Greet(ana)
	frame := pa.next(t)
	assert.Equal(t, protocol.TypeHistory, frame["type"])
	assert.Empty(t, frame["messages"])

	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "primeira"})
	pa.next(t) // the broadcast itself

	// The cached empty history was invalidated by the delivery.
	late, pl := newPipeConn(t, "s-2", "bruno")
	f.conns.Add(late)
	f.handler.Greet(late)
	frame = pl.next(t)
	require.Equal(t, protocol.TypeHistory, frame["type"])
	msgs, ok := frame["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "primeira", msgs[0].(map[string]interface{})["text"])
}

func TestChatHandler_FarewellCountsClosedSession(t *testing.T) {
	f := newChatFixture(t, nil)
	ana, _ := newPipeConn(t, "s-1", "ana")

	before := testutil.ToFloat64(metrics.SessionsClosed)
	f.handler.Farewell(ana)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SessionsClosed))
}

func TestChatHandler_StrikesLeadToBan(t *testing.T) {
	f := newChatFixture(t, nil)
	bans := &fakeBans{strikes: map[string]int{}}
	f.handler.SetBans(bans)
	ana, pa := newPipeConn(t, "s-1", "ana")
	f.conns.Add(ana)

	for i := 0; i < 2; i++ {
		f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "vou te matar"})
		assert.Equal(t, protocol.CodeRejected, pa.next(t)["code"])
	}
	pa.none(t)

	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "vou te matar"})
	assert.Equal(t, protocol.CodeRejected, pa.next(t)["code"])
	frame := pa.next(t)
	assert.Equal(t, protocol.TypeBanned, frame["type"])
	assert.EqualValues(t, 600, frame["retry_after"])

	// Even clean text is refused while banned.
	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "desculpa"})
	frame = pa.next(t)
	assert.Equal(t, protocol.TypeBanned, frame["type"])
	assert.Equal(t, ban.ReasonRepeatedViolations, frame["reason"])

	stored, err := f.store.ListOrdered(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestChatHandler_BanLookupFailsOpen(t *testing.T) {
	f := newChatFixture(t, nil)
	f.handler.SetBans(&fakeBans{strikes: map[string]int{}, statusErr: errors.New("redis down")})
	ana, pa := newPipeConn(t, "s-1", "ana")
	f.conns.Add(ana)

	f.handler.HandleMessage(ana, protocol.ChatMsg{Type: protocol.TypeMessage, Text: "oi"})

	frame := pa.next(t)
	assert.Equal(t, protocol.TypeMessage, frame["type"])
	assert.Equal(t, "oi", frame["text"])
}
