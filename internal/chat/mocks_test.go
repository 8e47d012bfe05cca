package chat

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Append(ctx context.Context, msg Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *mockStore) ListOrdered(ctx context.Context) ([]Message, error) {
	args := m.Called(ctx)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func (m *mockStore) DeleteOlderThan(ctx context.Context, cutoff int64) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) Publish(ctx context.Context, msg Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockBroadcaster) Notify(ctx context.Context, senderID string, notice Message) error {
	return m.Called(ctx, senderID, notice).Error(0)
}

// recordingBroadcaster counts deliveries without expectations.
type recordingBroadcaster struct {
	mu        sync.Mutex
	published []Message
	notified  map[string][]Message
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{notified: make(map[string][]Message)}
}

func (r *recordingBroadcaster) Publish(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, msg)
	return nil
}

func (r *recordingBroadcaster) Notify(_ context.Context, senderID string, notice Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified[senderID] = append(r.notified[senderID], notice)
	return nil
}

func (r *recordingBroadcaster) counts() (published, notified int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notified {
		notified += len(n)
	}
	return len(r.published), notified
}
