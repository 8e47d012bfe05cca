package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/chat"
)

// Publisher is the outbound half of NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the inbound half of NATSClient.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// errorsSubject returns the private subject of senderID. Sender IDs are
// opaque and may contain subject separators or wildcards, so the token is
// base64url encoded.
func errorsSubject(senderID string) string {
	return SubjectErrors + "." + base64.RawURLEncoding.EncodeToString([]byte(senderID))
}

func senderFromSubject(subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, SubjectErrors+".")
	if !ok {
		return "", fmt.Errorf("messaging: unexpected subject %q", subject)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("messaging: decode sender from %q: %w", subject, err)
	}
	return string(raw), nil
}

// Broadcaster publishes chat traffic on NATS so every node's Relay can hand
// it to local connections. Core NATS is at-most-once: a node that is not
// subscribed at publish time never sees the message.
type Broadcaster struct {
	pub Publisher
}

var _ chat.Broadcaster = (*Broadcaster)(nil)

// NewBroadcaster returns a Broadcaster over pub.
func NewBroadcaster(pub Publisher) *Broadcaster {
	return &Broadcaster{pub: pub}
}

// Publish sends msg on SubjectMessages.
func (b *Broadcaster) Publish(_ context.Context, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: publish: %w", err)
	}
	if err := b.pub.Publish(SubjectMessages, data); err != nil {
		return fmt.Errorf("messaging: publish: %w", err)
	}
	return nil
}

// Notify sends notice on the sender's private subject. Whether any node
// holds a connection for senderID is unknown here, so an offline sender is
// not reported.
func (b *Broadcaster) Notify(_ context.Context, senderID string, notice chat.Message) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("messaging: notify: %w", err)
	}
	if err := b.pub.Publish(errorsSubject(senderID), data); err != nil {
		return fmt.Errorf("messaging: notify: %w", err)
	}
	return nil
}

// Relay subscribes a node to the shared chat subjects and forwards what it
// receives to a local broadcaster, normally the node's ws.Hub.
type Relay struct {
	sub  Subscriber
	sink chat.Broadcaster
	log  zerolog.Logger
}

// NewRelay returns a Relay forwarding into sink.
func NewRelay(sub Subscriber, sink chat.Broadcaster, log zerolog.Logger) *Relay {
	return &Relay{sub: sub, sink: sink, log: log.With().Str("component", "relay").Logger()}
}

// Start subscribes to the public subject and to every private subject.
func (r *Relay) Start() error {
	if err := r.sub.Subscribe(SubjectMessages, r.handleMessage); err != nil {
		return fmt.Errorf("messaging: relay: %w", err)
	}
	if err := r.sub.Subscribe(SubjectErrors+".*", r.handleNotice); err != nil {
		return fmt.Errorf("messaging: relay: %w", err)
	}
	return nil
}

func (r *Relay) handleMessage(m *nats.Msg) {
	var msg chat.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		r.log.Warn().Err(err).Msg("dropping undecodable message")
		return
	}
	if err := r.sink.Publish(context.Background(), msg); err != nil {
		r.log.Warn().Err(err).Str("message_id", msg.ID).Msg("local publish failed")
	}
}

func (r *Relay) handleNotice(m *nats.Msg) {
	senderID, err := senderFromSubject(m.Subject)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping notice")
		return
	}

	var notice chat.Message
	if err := json.Unmarshal(m.Data, &notice); err != nil {
		r.log.Warn().Err(err).Msg("dropping undecodable notice")
		return
	}

	// Every node receives every notice; only the one holding the sender's
	// connection delivers it.
	if err := r.sink.Notify(context.Background(), senderID, notice); err != nil {
		r.log.Debug().Err(err).Str("sender_id", senderID).Msg("notice not delivered on this node")
	}
}
