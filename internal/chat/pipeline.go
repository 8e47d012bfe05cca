package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/whisper/groupchat/internal/metrics"
)

const tracerName = "github.com/whisper/groupchat/internal/chat"

// Pipeline runs one submission through validate, classify, persist and fan
// out. It holds no per-submission state and is safe for concurrent use as
// long as its collaborators are.
type Pipeline struct {
	engine      Classifier
	store       Store
	broadcaster Broadcaster
	log         zerolog.Logger
	now         func() time.Time
	tracer      trace.Tracer
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock replaces the wall clock used to stamp CreatedAt.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline wires a Pipeline to its collaborators.
func NewPipeline(engine Classifier, store Store, broadcaster Broadcaster, log zerolog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		engine:      engine,
		store:       store,
		broadcaster: broadcaster,
		log:         log.With().Str("component", "pipeline").Logger(),
		now:         time.Now,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit processes one candidate. A rejected candidate is never stored and
// never published; a moderation or store rejection is reported to the
// sender through Notify. Once Append succeeds the message is durable and is
// published even if the caller has gone away.
func (p *Pipeline) Submit(ctx context.Context, c Candidate) Outcome {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "chat.pipeline.submit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("chat.sender_id", c.SenderID)),
	)
	defer span.End()

	out := p.submit(ctx, c)

	metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("chat.outcome", out.Status.String()))
	if !out.Delivered() {
		span.SetStatus(codes.Error, out.Reason)
	}
	return out
}

func (p *Pipeline) submit(ctx context.Context, c Candidate) Outcome {
	log := p.log.With().Str("sender_id", c.SenderID).Logger()

	if err := ValidateText(c.Text); err != nil {
		label := metrics.OutcomeRejectedInvalid
		if errors.Is(err, ErrEmptyInput) {
			label = metrics.OutcomeRejectedEmpty
		}
		metrics.MessagesTotal.WithLabelValues(label).Inc()
		log.Debug().Err(err).Msg("submission failed validation")
		return rejected(err, validationReason(err))
	}

	verdict := p.engine.Classify(c.Text)
	if !verdict.Approved {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejectedModeration).Inc()
		metrics.ModerationRejections.WithLabelValues(string(verdict.Rule)).Inc()
		log.Info().Str("rule", string(verdict.Rule)).Str("term", verdict.Term).Msg("message rejected by moderation")

		p.notify(ctx, log, c.SenderID, verdict.Reason)
		return rejected(fmt.Errorf("%w: %s", ErrModerationRejected, verdict.Reason), verdict.Reason)
	}

	msg := Message{
		SenderName: c.SenderName,
		SenderID:   c.SenderID,
		Text:       c.Text,
		CreatedAt:  p.now().UnixMilli(),
	}

	id, err := p.store.Append(ctx, msg)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejectedStore).Inc()
		log.Warn().Err(err).Msg("append failed, message discarded")

		p.notify(ctx, log, c.SenderID, DeliveryFailedReason)
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return rejected(err, DeliveryFailedReason)
	}
	msg.ID = id

	// Durable from here on. A publish failure cannot be undone or retried.
	if err := p.broadcaster.Publish(context.WithoutCancel(ctx), msg); err != nil {
		metrics.BroadcastFailures.WithLabelValues("messages").Inc()
		log.Error().Err(err).Str("message_id", id).Msg("publish failed after persist")
	}

	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
	log.Debug().Str("message_id", id).Msg("message delivered")
	return delivered(msg)
}

// notify sends a private system notice. Failures, including an offline
// sender, are dropped.
func (p *Pipeline) notify(ctx context.Context, log zerolog.Logger, senderID, reason string) {
	notice := SystemNotice(reason, p.now().UnixMilli())
	if err := p.broadcaster.Notify(ctx, senderID, notice); err != nil {
		if !errors.Is(err, ErrNoRecipient) {
			metrics.BroadcastFailures.WithLabelValues("errors").Inc()
		}
		log.Debug().Err(err).Msg("notice dropped")
	}
}
