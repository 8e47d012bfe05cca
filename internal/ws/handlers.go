package ws

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/ban"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/internal/ratelimit"
)

// Submitter runs a candidate through the moderation pipeline.
// *chat.Pipeline satisfies it.
type Submitter interface {
	Submit(ctx context.Context, c chat.Candidate) chat.Outcome
}

// ChatHandler turns WebSocket traffic into pipeline submissions and greets
// new connections with recent history.
type ChatHandler struct {
	pipeline Submitter
	history  *chat.History
	limiter  ratelimit.Checker
	bans     ban.Enforcer
	timeout  time.Duration
	log      zerolog.Logger
}

// NewChatHandler wires the handler. history and limiter may be nil.
func NewChatHandler(pipeline Submitter, history *chat.History, limiter ratelimit.Checker, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		pipeline: pipeline,
		history:  history,
		limiter:  limiter,
		timeout:  5 * time.Second,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

// SetBans enables strike tracking. Banned senders are refused before the
// pipeline runs.
func (h *ChatHandler) SetBans(bans ban.Enforcer) {
	h.bans = bans
}

// Register installs the chat message handler on d.
func (h *ChatHandler) Register(d *MessageDispatcher) {
	d.Register(protocol.TypeMessage, h.HandleMessage)
}

// Greet sends the recent history frame to a freshly connected client.
func (h *ChatHandler) Greet(conn *Connection) {
	if h.history == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	recent, err := h.history.Recent(ctx)
	if err != nil {
		h.log.Warn().Err(err).Str("session", conn.ID).Msg("ws: history unavailable")
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeHistory, protocol.HistoryMsg{Messages: recent})
	if err != nil {
		h.log.Error().Err(err).Msg("ws: failed to build history")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		h.log.Warn().Err(err).Str("session", conn.ID).Msg("ws: failed to send history")
	}
}

// Farewell runs after the server drops a connection.
func (h *ChatHandler) Farewell(conn *Connection) {
	metrics.SessionsClosed.Inc()
	h.log.Debug().
		Str("session", conn.ID).
		Str("sender_id", conn.SenderID).
		Dur("lifetime", time.Since(conn.CreatedAt)).
		Msg("ws: session ended")
}

// HandleMessage submits a chat frame on behalf of the connection's sender.
// Moderation and store rejections reach the sender through the broadcaster's
// private channel; only validation rejections are answered here.
func (h *ChatHandler) HandleMessage(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if h.bans != nil {
		st, err := h.bans.Status(ctx, conn.SenderID)
		if err != nil {
			h.log.Warn().Err(err).Str("sender_id", conn.SenderID).Msg("ws: ban lookup failed")
		} else if st.Banned {
			h.sendBanned(conn, st.Remaining, st.Reason)
			return
		}
	}

	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(ctx, conn.SenderID, ratelimit.RuleMessage); !allowed {
			h.sendRateLimited(ctx, conn)
			return
		}
	}

	outcome := h.pipeline.Submit(ctx, chat.Candidate{
		SenderName: conn.SenderName,
		SenderID:   conn.SenderID,
		Text:       m.Text,
	})

	switch {
	case outcome.Delivered():
		if h.history != nil {
			h.history.Invalidate()
		}
	case errors.Is(outcome.Err, chat.ErrEmptyInput), errors.Is(outcome.Err, chat.ErrInvalidInput):
		sendNotice(conn, protocol.CodeInvalidMessage, chat.SystemNotice(outcome.Reason, time.Now().UnixMilli()), h.log)
	case errors.Is(outcome.Err, chat.ErrModerationRejected) && h.bans != nil:
		banned, d, err := h.bans.Strike(ctx, conn.SenderID)
		if err != nil {
			h.log.Warn().Err(err).Str("sender_id", conn.SenderID).Msg("ws: failed to record strike")
			return
		}
		if banned {
			h.log.Info().Str("sender_id", conn.SenderID).Dur("duration", d).Msg("ws: sender banned")
			h.sendBanned(conn, int(d.Seconds()), ban.ReasonRepeatedViolations)
		}
	}
}

func (h *ChatHandler) sendBanned(conn *Connection, retryAfter int, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeBanned, protocol.BannedMsg{
		RetryAfter: retryAfter,
		Reason:     reason,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws: failed to build banned")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		h.log.Warn().Err(err).Str("session", conn.ID).Msg("ws: failed to send banned")
	}
}

func (h *ChatHandler) sendRateLimited(ctx context.Context, conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: ratelimit.RetryAfterSeconds(ctx, h.limiter, conn.SenderID, ratelimit.RuleMessage),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws: failed to build rate_limited")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		h.log.Warn().Err(err).Str("session", conn.ID).Msg("ws: failed to send rate_limited")
	}
}
