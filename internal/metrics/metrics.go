// Package metrics provides Prometheus instrumentation for the group chat
// service. It exposes a gauge for live connections, counters for pipeline
// outcomes and retention sweeps, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values for MessagesTotal.
const (
	OutcomeDelivered          = "delivered"
	OutcomeRejectedEmpty      = "rejected_empty"
	OutcomeRejectedInvalid    = "rejected_invalid"
	OutcomeRejectedModeration = "rejected_moderation"
	OutcomeRejectedStore      = "rejected_store"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts pipeline submissions by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_messages_total",
		Help: "Total number of submitted messages by outcome",
	}, []string{"outcome"})

	// ModerationRejections counts moderation rejections by rule family.
	ModerationRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_moderation_rejections_total",
		Help: "Total number of messages rejected by moderation",
	}, []string{"rule"}) // rule = "term", "phrase", "pattern"

	// SessionsClosed counts WebSocket sessions that ended, by any cause.
	SessionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_sessions_closed_total",
		Help: "Total number of closed WebSocket sessions",
	})

	// PipelineLatency records submit latency in seconds.
	PipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupchat_pipeline_latency_seconds",
		Help:    "Message pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BroadcastFailures counts failed publish/notify deliveries by channel.
	BroadcastFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "groupchat_broadcast_failures_total",
		Help: "Total number of failed broadcast deliveries",
	}, []string{"channel"}) // channel = "messages", "errors"

	// RetentionDeleted counts messages removed by the retention sweeper.
	RetentionDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_retention_deleted_total",
		Help: "Total number of messages deleted by retention sweeps",
	})

	// RetentionErrors counts sweeps that reported at least one failure.
	RetentionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupchat_retention_errors_total",
		Help: "Total number of retention sweeps with store errors",
	})

	// RetentionSweepDuration records how long one sweep takes.
	RetentionSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupchat_retention_sweep_seconds",
		Help:    "Retention sweep duration in seconds",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsClosed,
		MessagesTotal,
		ModerationRejections,
		PipelineLatency,
		BroadcastFailures,
		RetentionDeleted,
		RetentionErrors,
		RetentionSweepDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
