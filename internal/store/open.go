package store

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/config"
)

// Driver is a chat.Store that owns a connection or file handle.
type Driver interface {
	chat.Store
	io.Closer
}

// Open builds the store selected by cfg.StoreDriver. Any error here is fatal
// for the caller; nothing is retried.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (Driver, error) {
	log = log.With().Str("component", "store").Str("driver", cfg.StoreDriver).Logger()

	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Info().Msg("using in-memory store")
		return NewMemory(), nil

	case config.DriverPostgres:
		s, err := OpenPostgres(ctx, cfg.PostgresDSN, cfg.StoreCollection, log)
		if err != nil {
			return nil, err
		}
		log.Info().Str("collection", cfg.StoreCollection).Msg("connected to postgres")
		return s, nil

	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("store: ping redis: %w", err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Str("collection", cfg.StoreCollection).Msg("connected to redis")
		return NewRedis(rdb, cfg.StoreCollection), nil

	case config.DriverBadger:
		s, err := OpenBadger(cfg.BadgerPath, cfg.StoreCollection)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.BadgerPath).Msg("opened badger store")
		return s, nil

	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.StoreDriver)
	}
}
