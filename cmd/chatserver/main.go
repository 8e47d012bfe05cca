package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/groupchat/internal/ban"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/config"
	"github.com/whisper/groupchat/internal/httpapi"
	"github.com/whisper/groupchat/internal/identity"
	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/messaging"
	"github.com/whisper/groupchat/internal/moderation"
	"github.com/whisper/groupchat/internal/ratelimit"
	"github.com/whisper/groupchat/internal/retention"
	"github.com/whisper/groupchat/internal/store"
	"github.com/whisper/groupchat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	messages, err := store.Open(bootCtx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message store")
	}
	defer messages.Close()

	// --- Moderation ---
	engine, err := moderation.LoadEngine(cfg.ModerationRulesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load moderation rules")
	}

	// --- Rate limiting and bans (Redis) ---
	var (
		limiter ratelimit.Checker
		bans    ban.Enforcer
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if cfg.RateLimitEnabled {
			limiter = ratelimit.NewLimiter(rdb, log)
		}
		if cfg.BanEnabled {
			bans = ban.NewStore(rdb, cfg.BanStrikeThreshold)
		}
	} else if cfg.RateLimitEnabled || cfg.BanEnabled {
		log.Warn().Msg("REDIS_ADDR not set, rate limiting and bans disabled")
	}

	// --- WebSocket server ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	server := ws.NewServer(serverConfig, identity.HeaderResolver{}, limiter, log)

	// --- Broadcaster: local hub, or NATS with a relay into the hub ---
	var broadcaster chat.Broadcaster = server.Hub()
	if cfg.BroadcastMode == config.BroadcastNATS {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "groupchat-" + cfg.ServerName

		natsClient, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer natsClient.Close()

		if err := messaging.NewRelay(natsClient, server.Hub(), log).Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start NATS relay")
		}
		broadcaster = messaging.NewBroadcaster(natsClient)
	}

	// --- Pipeline and transports ---
	pipeline := chat.NewPipeline(engine, messages, broadcaster, log)
	history := chat.NewHistory(messages, cfg.HistoryTTL, cfg.HistoryLimit)

	chatHandler := ws.NewChatHandler(pipeline, history, limiter, log)
	messageHandler := httpapi.NewMessageHandler(pipeline, history, identity.HeaderResolver{}, limiter, validator.New(), log)
	if bans != nil {
		chatHandler.SetBans(bans)
		messageHandler.SetBans(bans)
	}
	dispatcher := ws.NewMessageDispatcher(log)
	chatHandler.Register(dispatcher)
	server.SetOnMessage(dispatcher.Dispatch)
	server.SetOnConnect(chatHandler.Greet)
	server.SetOnDisconnect(chatHandler.Farewell)

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start websocket server")
	}

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Messages: messageHandler,
		Upgrade:  server.HandleUpgrade,
		Status: func() httpapi.Status {
			return httpapi.Status{Connections: server.Connections().Count(), Uptime: server.Uptime()}
		},
		RequestTimeout: 30 * time.Second,
		Log:            log,
	})
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	// --- Retention ---
	if cfg.RetentionEnabled {
		sweeper, err := retention.NewSweeper(messages, retention.Policy{
			MaxAge:        cfg.RetentionMaxAge,
			SweepInterval: cfg.RetentionSweepInterval,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid retention policy")
		}
		go sweeper.Run(ctx)
	}

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("server_name", cfg.ServerName).
		Str("store", cfg.StoreDriver).
		Str("broadcast", cfg.BroadcastMode).
		Bool("retention", cfg.RetentionEnabled).
		Bool("rate_limit", limiter != nil).
		Bool("bans", bans != nil).
		Msg("group chat server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received signal, initiating graceful shutdown...")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("websocket shutdown error")
	}
	log.Info().Msg("group chat server stopped")
}
