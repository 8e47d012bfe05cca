package chat

import (
	"context"
	"slices"
	"sync"
	"time"
)

// History is a read-through accessor for stored messages with a bounded
// time-to-live cache in front of Store.ListOrdered. The cache holds the full
// ordered list; Recent trims it to the configured limit and All does not.
type History struct {
	store Store
	ttl   time.Duration
	limit int
	now   func() time.Time

	mu       sync.Mutex
	cached   []Message
	loadedAt time.Time
	valid    bool
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithHistoryClock replaces the clock used for cache expiry.
func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(h *History) {
		h.now = now
	}
}

// NewHistory returns a History whose Recent serves at most limit messages.
// A limit of zero means no cap. A ttl of zero disables caching so every call
// reads the store.
func NewHistory(store Store, ttl time.Duration, limit int, opts ...HistoryOption) *History {
	h := &History{
		store: store,
		ttl:   ttl,
		limit: limit,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Recent returns the newest messages up to the limit, oldest first. The
// returned slice is a copy and may be modified by the caller.
func (h *History) Recent(ctx context.Context) ([]Message, error) {
	all, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	if h.limit > 0 && len(all) > h.limit {
		all = all[len(all)-h.limit:]
	}
	return slices.Clone(all), nil
}

// All returns every stored message, oldest first.
func (h *History) All(ctx context.Context) ([]Message, error) {
	all, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(all), nil
}

// load returns the cached list, refreshing it from the store when stale.
// Callers must not modify the result.
func (h *History) load(ctx context.Context) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.valid && h.ttl > 0 && h.now().Sub(h.loadedAt) < h.ttl {
		return h.cached, nil
	}

	all, err := h.store.ListOrdered(ctx)
	if err != nil {
		return nil, err
	}

	h.cached = all
	h.loadedAt = h.now()
	h.valid = true
	return all, nil
}

// Invalidate drops the cached copy so the next read goes to the store.
func (h *History) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cached = nil
	h.valid = false
}
