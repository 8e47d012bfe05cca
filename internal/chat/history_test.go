package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func messages(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{ID: fmt.Sprintf("m%d", i+1), Text: fmt.Sprintf("msg-%d", i+1), CreatedAt: int64(i + 1)}
	}
	return out
}

func TestHistory_LimitKeepsNewest(t *testing.T) {
	store := new(mockStore)
	store.On("ListOrdered", mock.Anything).Return(messages(7), nil)

	h := NewHistory(store, 0, 5)
	got, err := h.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 5)

	// Should contain messages 3 through 7 in order.
	for i, msg := range got {
		require.Equal(t, fmt.Sprintf("msg-%d", i+3), msg.Text)
	}
}

func TestHistory_CachesWithinTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := new(mockStore)
	store.On("ListOrdered", mock.Anything).Return(messages(2), nil).Once()
	store.On("ListOrdered", mock.Anything).Return(messages(3), nil).Once()

	h := NewHistory(store, 5*time.Second, 10, WithHistoryClock(clock.Now))

	got, err := h.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	clock.Advance(4 * time.Second)
	got, err = h.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2, "served from cache")

	clock.Advance(time.Second)
	got, err = h.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3, "expired entry refreshed")

	store.AssertNumberOfCalls(t, "ListOrdered", 2)
}

func TestHistory_Invalidate(t *testing.T) {
	store := new(mockStore)
	store.On("ListOrdered", mock.Anything).Return(messages(1), nil).Once()
	store.On("ListOrdered", mock.Anything).Return(messages(2), nil).Once()

	h := NewHistory(store, time.Hour, 10)
	_, err := h.Recent(context.Background())
	require.NoError(t, err)

	h.Invalidate()
	got, err := h.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestHistory_ReturnsCopy(t *testing.T) {
	store := new(mockStore)
	store.On("ListOrdered", mock.Anything).Return(messages(2), nil).Once()

	h := NewHistory(store, time.Hour, 10)
	got, err := h.Recent(context.Background())
	require.NoError(t, err)
	got[0].Text = "mutated"

	again, err := h.Recent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "msg-1", again[0].Text)
}

func TestHistory_StoreErrorNotCached(t *testing.T) {
	store := new(mockStore)
	store.On("ListOrdered", mock.Anything).Return(nil, ErrStoreUnavailable).Once()
	store.On("ListOrdered", mock.Anything).Return(messages(1), nil).Once()

	h := NewHistory(store, time.Hour, 10)
	_, err := h.Recent(context.Background())
	require.True(t, errors.Is(err, ErrStoreUnavailable))

	got, err := h.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestHistory_AllIgnoresLimit(t *testing.T) {
	store := new(mockStore)
	store.On("ListOrdered", mock.Anything).Return(messages(250), nil).Once()

	h := NewHistory(store, time.Hour, 200)

	recent, err := h.Recent(context.Background())
	require.NoError(t, err)
	require.Len(t, recent, 200)
	require.Equal(t, "msg-51", recent[0].Text)

	all, err := h.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 250)
	require.Equal(t, "msg-1", all[0].Text)
	require.Equal(t, "msg-250", all[249].Text)

	// Both reads share one cached load.
	store.AssertNumberOfCalls(t, "ListOrdered", 1)
}
