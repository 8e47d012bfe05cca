// Package retention purges stored messages older than a fixed age on a
// recurring schedule, independently of the message pipeline.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/metrics"
)

// Policy is fixed for the lifetime of a Sweeper.
type Policy struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// DefaultPolicy keeps messages for a day and sweeps hourly.
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:        24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

func (p Policy) validate() error {
	if p.MaxAge <= 0 {
		return errors.New("retention: max age must be positive")
	}
	if p.SweepInterval <= 0 {
		return errors.New("retention: sweep interval must be positive")
	}
	return nil
}

// Sweeper deletes expired messages from a chat.Store.
type Sweeper struct {
	store  chat.Store
	policy Policy
	log    zerolog.Logger
	now    func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock replaces the wall clock used to compute the cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper returns a Sweeper for store. The policy must have positive
// durations.
func NewSweeper(store chat.Store, policy Policy, log zerolog.Logger, opts ...Option) (*Sweeper, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	s := &Sweeper{
		store:  store,
		policy: policy,
		log:    log.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps every SweepInterval until ctx is done. A failed sweep is logged
// and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.SweepInterval)
	defer ticker.Stop()

	s.log.Info().
		Dur("max_age", s.policy.MaxAge).
		Dur("interval", s.policy.SweepInterval).
		Msg("retention sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retention sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce computes cutoff = now - MaxAge once and deletes everything
// created before it. Messages appended while the sweep runs may or may not
// be included. The count is what was actually removed; err joins any
// per-message failures.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := s.now().Add(-s.policy.MaxAge).UnixMilli()

	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)

	metrics.RetentionSweepDuration.Observe(time.Since(start).Seconds())
	if deleted > 0 {
		metrics.RetentionDeleted.Add(float64(deleted))
	}

	if err != nil {
		metrics.RetentionErrors.Inc()
		for _, e := range unwrapJoined(err) {
			s.log.Warn().Err(e).Int64("cutoff", cutoff).Msg("sweep: candidate not deleted")
		}
		err = fmt.Errorf("retention: sweep: %w", err)
	}

	if deleted > 0 || err != nil {
		s.log.Info().Int("deleted", deleted).Int64("cutoff", cutoff).Msg("sweep finished")
	} else {
		s.log.Debug().Int64("cutoff", cutoff).Msg("sweep finished, nothing expired")
	}
	return deleted, err
}

func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
