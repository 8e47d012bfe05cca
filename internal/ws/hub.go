package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/protocol"
)

// Hub fans chat frames out to the connections of one node. It implements
// chat.Broadcaster for single-node deployments and is the local sink of the
// NATS relay otherwise.
type Hub struct {
	conns *ConnectionManager
	log   zerolog.Logger
}

var _ chat.Broadcaster = (*Hub)(nil)

// NewHub returns a Hub over conns.
func NewHub(conns *ConnectionManager, log zerolog.Logger) *Hub {
	return &Hub{conns: conns, log: log.With().Str("component", "hub").Logger()}
}

// Publish queues msg on every connection registered right now and returns
// without waiting for the writes. A connection whose outbox is full misses
// the frame; the heartbeat evicts clients that stopped reading.
func (h *Hub) Publish(_ context.Context, msg chat.Message) error {
	data, err := protocol.MessageFrame(msg)
	if err != nil {
		return fmt.Errorf("hub: publish: %w", err)
	}

	for _, c := range h.conns.All() {
		if err := c.Queue(data); err != nil {
			metrics.BroadcastFailures.WithLabelValues("messages").Inc()
			h.log.Debug().Err(err).Str("session", c.ID).Str("message_id", msg.ID).Msg("hub: publish dropped")
		}
	}
	return nil
}

// Notify writes notice to every connection held by senderID. It returns
// chat.ErrNoRecipient when the sender has none, and an error when no
// connection accepted the frame.
func (h *Hub) Notify(_ context.Context, senderID string, notice chat.Message) error {
	conns := h.conns.BySender(senderID)
	if len(conns) == 0 {
		return fmt.Errorf("hub: notify %s: %w", senderID, chat.ErrNoRecipient)
	}

	data, err := protocol.NoticeFrame(noticeCode(notice), notice)
	if err != nil {
		return fmt.Errorf("hub: notify: %w", err)
	}

	var errs []error
	for _, c := range conns {
		if err := c.WriteMessage(data); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", c.ID, err))
		}
	}
	if len(errs) == len(conns) {
		return fmt.Errorf("hub: notify %s: %w", senderID, errors.Join(errs...))
	}
	return nil
}

// noticeCode classifies a pipeline notice for the error frame.
func noticeCode(notice chat.Message) string {
	if notice.Text == chat.DeliveryFailedReason {
		return protocol.CodeDeliveryFailed
	}
	return protocol.CodeRejected
}
