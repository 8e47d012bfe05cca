// Package config loads groupchat settings from the environment. An optional
// .env file in the working directory is read first so local runs do not need
// exported variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverBadger   = "badger"
)

// Broadcast modes.
const (
	BroadcastLocal = "local"
	BroadcastNATS  = "nats"
)

var collectionPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Config is the process-wide configuration, fixed at start.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	ServerName     string        `envconfig:"SERVER_NAME"`

	StoreDriver     string `envconfig:"STORE_DRIVER" default:"memory"`
	StoreCollection string `envconfig:"STORE_COLLECTION" default:"chat_messages"`
	PostgresDSN     string `envconfig:"POSTGRES_DSN"`
	RedisAddr       string `envconfig:"REDIS_ADDR"`
	BadgerPath      string `envconfig:"BADGER_PATH" default:"./data/badger"`

	BroadcastMode string `envconfig:"BROADCAST_MODE" default:"local"`
	NATSURL       string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	ModerationRulesFile string `envconfig:"MODERATION_RULES_FILE"`

	RetentionEnabled       bool          `envconfig:"RETENTION_ENABLED" default:"true"`
	RetentionMaxAge        time.Duration `envconfig:"RETENTION_MAX_AGE" default:"24h"`
	RetentionSweepInterval time.Duration `envconfig:"RETENTION_SWEEP_INTERVAL" default:"1h"`

	HistoryTTL   time.Duration `envconfig:"HISTORY_TTL" default:"5s"`
	HistoryLimit int           `envconfig:"HISTORY_LIMIT" default:"200"`

	RateLimitEnabled bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`

	BanEnabled         bool `envconfig:"BAN_ENABLED" default:"true"`
	BanStrikeThreshold int  `envconfig:"BAN_STRIKE_THRESHOLD" default:"3"`
}

// Load reads .env (if present) and the environment into a validated Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: process env: %w", err)
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "chat-1"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver-specific requirements and value ranges.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case DriverBadger:
		if c.BadgerPath == "" {
			errs = append(errs, errors.New("BADGER_PATH is required for the badger store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if !collectionPattern.MatchString(c.StoreCollection) {
		errs = append(errs, fmt.Errorf("STORE_COLLECTION %q must be a lower-case identifier", c.StoreCollection))
	}

	switch c.BroadcastMode {
	case BroadcastLocal, BroadcastNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown BROADCAST_MODE %q", c.BroadcastMode))
	}

	if c.RetentionMaxAge <= 0 {
		errs = append(errs, errors.New("RETENTION_MAX_AGE must be positive"))
	}
	if c.RetentionSweepInterval <= 0 {
		errs = append(errs, errors.New("RETENTION_SWEEP_INTERVAL must be positive"))
	}
	if c.HistoryTTL < 0 {
		errs = append(errs, errors.New("HISTORY_TTL must not be negative"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	if c.BanEnabled && c.BanStrikeThreshold <= 0 {
		errs = append(errs, errors.New("BAN_STRIKE_THRESHOLD must be positive"))
	}
	if c.WorkerPoolSize <= 0 || c.MaxConnections <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE and MAX_CONNECTIONS must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
