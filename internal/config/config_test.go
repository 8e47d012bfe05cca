package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env file
	t.Setenv("SERVER_NAME", "node-a")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, DriverMemory, cfg.StoreDriver)
	require.Equal(t, "chat_messages", cfg.StoreCollection)
	require.Equal(t, BroadcastLocal, cfg.BroadcastMode)
	require.Equal(t, 24*time.Hour, cfg.RetentionMaxAge)
	require.Equal(t, time.Hour, cfg.RetentionSweepInterval)
	require.True(t, cfg.RetentionEnabled)
	require.True(t, cfg.BanEnabled)
	require.Equal(t, 3, cfg.BanStrikeThreshold)
	require.Equal(t, "node-a", cfg.ServerName)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("RETENTION_MAX_AGE", "30m")
	t.Setenv("BROADCAST_MODE", "nats")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DriverRedis, cfg.StoreDriver)
	require.Equal(t, 30*time.Minute, cfg.RetentionMaxAge)
	require.Equal(t, BroadcastNATS, cfg.BroadcastMode)
}

func TestValidate(t *testing.T) {
	valid := Config{
		StoreDriver:            DriverMemory,
		StoreCollection:        "chat_messages",
		BroadcastMode:          BroadcastLocal,
		RetentionMaxAge:        time.Hour,
		RetentionSweepInterval: time.Minute,
		HistoryLimit:           10,
		WorkerPoolSize:         1,
		MaxConnections:         1,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"postgres without dsn", func(c *Config) { c.StoreDriver = DriverPostgres }},
		{"redis without addr", func(c *Config) { c.StoreDriver = DriverRedis }},
		{"unknown driver", func(c *Config) { c.StoreDriver = "firestore" }},
		{"bad collection", func(c *Config) { c.StoreCollection = "chat-messages; drop" }},
		{"unknown broadcast", func(c *Config) { c.BroadcastMode = "kafka" }},
		{"zero max age", func(c *Config) { c.RetentionMaxAge = 0 }},
		{"zero interval", func(c *Config) { c.RetentionSweepInterval = 0 }},
		{"zero history limit", func(c *Config) { c.HistoryLimit = 0 }},
		{"bans without threshold", func(c *Config) { c.BanEnabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}
