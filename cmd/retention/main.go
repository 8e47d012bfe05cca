package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/groupchat/internal/config"
	"github.com/whisper/groupchat/internal/logging"
	"github.com/whisper/groupchat/internal/metrics"
	"github.com/whisper/groupchat/internal/retention"
	"github.com/whisper/groupchat/internal/store"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	metricsAddr := flag.String("metrics-addr", ":9091", "address for /metrics, empty to disable")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel).With().Str("service", "retention").Logger()

	log.Info().Msg("starting retention sweeper...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	messages, err := store.Open(bootCtx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message store")
	}
	defer messages.Close()

	sweeper, err := retention.NewSweeper(messages, retention.Policy{
		MaxAge:        cfg.RetentionMaxAge,
		SweepInterval: cfg.RetentionSweepInterval,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid retention policy")
	}

	if *once {
		n, err := sweeper.SweepOnce(ctx)
		if err != nil {
			log.Error().Err(err).Int("deleted", n).Msg("sweep finished with errors")
			return
		}
		log.Info().Int("deleted", n).Msg("sweep finished")
		return
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
		defer srv.Close()
	}

	log.Info().
		Str("store", cfg.StoreDriver).
		Dur("max_age", cfg.RetentionMaxAge).
		Dur("interval", cfg.RetentionSweepInterval).
		Msg("retention sweeper running")

	sweeper.Run(ctx)
	log.Info().Msg("retention sweeper stopped")
}
