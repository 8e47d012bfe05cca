package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/metrics"
)

// Status is what /health reports.
type Status struct {
	Connections int
	Uptime      time.Duration
}

// RouterConfig collects what NewRouter mounts. Upgrade and Status may be nil
// on nodes without a WebSocket server.
type RouterConfig struct {
	Messages       *MessageHandler
	Upgrade        http.HandlerFunc
	Status         func() Status
	RequestTimeout time.Duration
	Log            zerolog.Logger
}

// NewRouter builds the HTTP surface of a chat node.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler(cfg.Status))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if cfg.Upgrade != nil {
		r.Get("/ws", cfg.Upgrade)
	}

	r.Route("/chat", func(cr chi.Router) {
		if cfg.RequestTimeout > 0 {
			cr.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		}
		cr.Use(requestLogger(cfg.Log))
		cfg.Messages.RegisterRoutes(cr)
	})

	return r
}

func healthHandler(status func() Status) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var s Status
		if status != nil {
			s = status()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(struct {
			Status      string `json:"status"`
			Connections int    `json:"connections"`
			Uptime      string `json:"uptime"`
		}{
			Status:      "ok",
			Connections: s.Connections,
			Uptime:      s.Uptime.Round(time.Second).String(),
		})
	}
}

// requestLogger logs one line per request at debug level.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	log = log.With().Str("component", "httpapi").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
