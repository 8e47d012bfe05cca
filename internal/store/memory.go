// Package store provides the message store drivers behind chat.Store:
// in-memory, PostgreSQL, Redis and Badger.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/whisper/groupchat/internal/chat"
)

// unavailable wraps a driver error so callers can match chat.ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %w", op, chat.ErrStoreUnavailable, err)
}

type memoryEntry struct {
	seq uint64
	msg chat.Message
}

// Memory is a mutex-guarded in-process store. Messages do not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	seq     uint64
	entries []memoryEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, msg chat.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	msg.ID = uuid.NewString()
	m.entries = append(m.entries, memoryEntry{seq: m.seq, msg: msg})
	return msg.ID, nil
}

func (m *Memory) ListOrdered(_ context.Context) ([]chat.Message, error) {
	m.mu.RLock()
	sorted := slices.Clone(m.entries)
	m.mu.RUnlock()

	slices.SortFunc(sorted, func(a, b memoryEntry) int {
		return cmp.Or(cmp.Compare(a.msg.CreatedAt, b.msg.CreatedAt), cmp.Compare(a.seq, b.seq))
	})

	out := make([]chat.Message, len(sorted))
	for i, e := range sorted {
		out[i] = e.msg
	}
	return out, nil
}

func (m *Memory) DeleteOlderThan(_ context.Context, cutoff int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.entries)
	m.entries = slices.DeleteFunc(m.entries, func(e memoryEntry) bool {
		return e.msg.CreatedAt < cutoff
	})
	return before - len(m.entries), nil
}

// Close is a no-op so Memory fits the same shutdown path as other drivers.
func (m *Memory) Close() error {
	return nil
}
