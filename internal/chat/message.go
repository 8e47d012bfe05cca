// Package chat implements the moderation-gated message pipeline for the
// shared group channel: validate, classify, persist, then fan out.
package chat

import (
	"context"
	"errors"

	"github.com/whisper/groupchat/internal/moderation"
)

// System identity used for notices authored by the service itself.
const (
	SystemSenderName = "System"
	SystemSenderID   = "system"
)

// Message is one chat utterance. ID is empty until the store assigns it.
// CreatedAt is Unix milliseconds set by the pipeline, never by a client.
type Message struct {
	ID         string `json:"id,omitempty"`
	SenderName string `json:"sender_name"`
	SenderID   string `json:"sender_id"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"created_at"`
}

// Candidate is an inbound submission. Sender fields come from the identity
// resolver and are carried through unchanged.
type Candidate struct {
	SenderName string
	SenderID   string
	Text       string
}

// SystemNotice builds the private notice sent to a sender whose message was
// rejected or could not be delivered.
func SystemNotice(reason string, at int64) Message {
	return Message{
		SenderName: SystemSenderName,
		SenderID:   SystemSenderID,
		Text:       reason,
		CreatedAt:  at,
	}
}

var (
	ErrEmptyInput         = errors.New("chat: empty input")
	ErrInvalidInput       = errors.New("chat: invalid input")
	ErrModerationRejected = errors.New("chat: moderation rejected")
	ErrStoreUnavailable   = errors.New("chat: store unavailable")
	// ErrNoRecipient is returned by Notify when the target has no live
	// connection. The notice is dropped.
	ErrNoRecipient = errors.New("chat: no live recipient")
)

// Store persists accepted messages. Implementations must be safe for
// concurrent use and wrap I/O failures with ErrStoreUnavailable.
type Store interface {
	// Append stores msg and returns its new identifier. msg.ID is ignored.
	Append(ctx context.Context, msg Message) (string, error)
	// ListOrdered returns every stored message by ascending CreatedAt, ties
	// in insertion order.
	ListOrdered(ctx context.Context) ([]Message, error)
	// DeleteOlderThan removes messages with CreatedAt < cutoff one by one.
	// It keeps going past per-item failures and returns the number actually
	// deleted together with the joined failures.
	DeleteOlderThan(ctx context.Context, cutoff int64) (int, error)
}

// Broadcaster fans messages out to connected participants.
type Broadcaster interface {
	// Publish delivers msg on the shared "messages" channel to everyone
	// currently subscribed. There is no replay for later subscribers.
	Publish(ctx context.Context, msg Message) error
	// Notify delivers notice on the private "errors" channel of senderID only.
	Notify(ctx context.Context, senderID string, notice Message) error
}

// Classifier screens text. moderation.Engine satisfies it.
type Classifier interface {
	Classify(text string) moderation.Verdict
}
