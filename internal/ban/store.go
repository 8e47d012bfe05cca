// Package ban temporarily bans senders who keep posting content the
// moderation rules reject. State lives in Redis as plain keys with TTLs:
//
//	Key:   ban:<sender_id>       Value: <reason>   TTL: ban duration
//	Key:   strikes:<sender_id>   Value: <count>    TTL: StrikesTTL
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:"
	StrikesPrefix = "strikes:"

	// Escalating ban durations, by offense past the threshold.
	Ban15Min  = 15 * time.Minute
	Ban1Hour  = 1 * time.Hour
	Ban24Hour = 24 * time.Hour

	// StrikesTTL is how long the strike counter lives. The window starts at
	// the first strike and does not slide.
	StrikesTTL = 24 * time.Hour

	// DefaultThreshold is the number of strikes within StrikesTTL that
	// triggers a ban.
	DefaultThreshold = 3

	// ReasonRepeatedViolations is stored with automatic bans and shown to
	// the banned sender.
	ReasonRepeatedViolations = "You are temporarily banned for repeated moderation violations."
)

// Status describes a sender's current ban.
type Status struct {
	Banned    bool
	Remaining int // seconds
	Reason    string
}

// Enforcer is what the transports need: a ban lookup before submitting and a
// strike after every moderation rejection.
type Enforcer interface {
	Status(ctx context.Context, senderID string) (Status, error)
	Strike(ctx context.Context, senderID string) (bool, time.Duration, error)
}

// Store manages ban records in Redis.
type Store struct {
	client    *redis.Client
	threshold int
}

// NewStore creates a ban store. threshold <= 0 selects DefaultThreshold.
func NewStore(client *redis.Client, threshold int) *Store {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Store{client: client, threshold: threshold}
}

// Status reports whether senderID is banned and for how many more seconds.
// Redis errors are returned so callers can fail open.
func (s *Store) Status(ctx context.Context, senderID string) (Status, error) {
	key := BanPrefix + senderID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: status: %w", err)
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists; report it with unknown remaining time.
		return Status{Banned: true, Reason: reason}, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return Status{Banned: true, Remaining: remaining, Reason: reason}, nil
}

// Ban bans senderID for duration.
func (s *Store) Ban(ctx context.Context, senderID string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+senderID, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Lift removes a ban and the strike counter immediately.
func (s *Store) Lift(ctx context.Context, senderID string) error {
	if err := s.client.Del(ctx, BanPrefix+senderID, StrikesPrefix+senderID).Err(); err != nil {
		return fmt.Errorf("ban: lift: %w", err)
	}
	return nil
}

// Strikes returns the current strike count, 0 when none are recorded.
func (s *Store) Strikes(ctx context.Context, senderID string) (int, error) {
	val, err := s.client.Get(ctx, StrikesPrefix+senderID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: strikes: %w", err)
	}
	return val, nil
}

// Strike records one moderation rejection for senderID. Once the count
// reaches the threshold every further strike re-bans with an escalating
// duration:
//
//	threshold      -> 15 minutes
//	threshold + 1  -> 1 hour
//	beyond         -> 24 hours
//
// It reports whether a ban was applied and for how long.
func (s *Store) Strike(ctx context.Context, senderID string) (bool, time.Duration, error) {
	key := StrikesPrefix + senderID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ban: strike incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("ban: strike expire: %w", err)
		}
	}

	if int(count) < s.threshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count) - s.threshold + 1)
	if err := s.Ban(ctx, senderID, duration, ReasonRepeatedViolations); err != nil {
		return false, 0, err
	}
	return true, duration, nil
}

func escalationDuration(offense int) time.Duration {
	switch {
	case offense <= 1:
		return Ban15Min
	case offense == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}
