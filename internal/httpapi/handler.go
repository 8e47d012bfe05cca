// Package httpapi is the REST transport: it submits chat messages through
// the pipeline, serves recent history, and exposes health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/ban"
	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/identity"
	"github.com/whisper/groupchat/internal/ratelimit"
)

// SendMessageRequest is the body of POST /chat/messages. Sender identity
// comes from the resolver, never from the body.
type SendMessageRequest struct {
	Text *string `json:"text" validate:"required"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Submitter runs a candidate through the moderation pipeline.
type Submitter interface {
	Submit(ctx context.Context, c chat.Candidate) chat.Outcome
}

// HistoryReader serves the stored messages. *chat.History satisfies it.
type HistoryReader interface {
	All(ctx context.Context) ([]chat.Message, error)
	Invalidate()
}

// MessageHandler serves the chat message routes.
type MessageHandler struct {
	pipeline Submitter
	history  HistoryReader
	resolver identity.Resolver
	limiter  ratelimit.Checker
	bans     ban.Enforcer
	validate *validator.Validate
	log      zerolog.Logger
}

// NewMessageHandler builds the handler. limiter may be nil.
func NewMessageHandler(pipeline Submitter, history HistoryReader, resolver identity.Resolver,
	limiter ratelimit.Checker, validate *validator.Validate, log zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		pipeline: pipeline,
		history:  history,
		resolver: resolver,
		limiter:  limiter,
		validate: validate,
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

// SetBans enables strike tracking for REST submissions.
func (h *MessageHandler) SetBans(bans ban.Enforcer) {
	h.bans = bans
}

// RegisterRoutes registers message routes with the given router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSendMessage)
	r.Get("/messages", h.handleListMessages)
}

func (h *MessageHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.With().Str("request_id", chimiddleware.GetReqID(ctx)).Logger()

	who, err := h.resolver.Resolve(r)
	if err != nil {
		h.jsonError(w, log, "sender could not be identified", http.StatusUnauthorized)
		return
	}
	log = log.With().Str("sender_id", who.ID).Logger()

	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*chat.MaxMessageBytes)).Decode(&req); err != nil {
		log.Debug().Err(err).Msg("failed to decode send message request")
		h.jsonError(w, log, "invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.jsonError(w, log, "text is required", http.StatusBadRequest)
		return
	}

	if h.bans != nil {
		st, err := h.bans.Status(ctx, who.ID)
		if err != nil {
			log.Warn().Err(err).Msg("ban lookup failed")
		} else if st.Banned {
			w.Header().Set("Retry-After", strconv.Itoa(st.Remaining))
			h.jsonError(w, log, st.Reason, http.StatusForbidden)
			return
		}
	}

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, who.ID, ratelimit.RuleMessage); !ok {
			retry := ratelimit.RetryAfterSeconds(ctx, h.limiter, who.ID, ratelimit.RuleMessage)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			h.jsonError(w, log, "rate limited", http.StatusTooManyRequests)
			return
		}
		if n, ok := ratelimit.RemainingRequests(ctx, h.limiter, who.ID, ratelimit.RuleMessage); ok {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(ratelimit.RuleMessage.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(n))
		}
	}

	outcome := h.pipeline.Submit(ctx, chat.Candidate{
		SenderName: who.Name,
		SenderID:   who.ID,
		Text:       *req.Text,
	})

	switch {
	case outcome.Delivered():
		h.history.Invalidate()
		h.writeJSON(w, log, http.StatusCreated, outcome.Message)
	case errors.Is(outcome.Err, chat.ErrStoreUnavailable):
		h.jsonError(w, log, outcome.Reason, http.StatusServiceUnavailable)
	default:
		if errors.Is(outcome.Err, chat.ErrModerationRejected) {
			h.strike(ctx, log, who.ID)
		}
		h.jsonError(w, log, outcome.Reason, http.StatusUnprocessableEntity)
	}
}

func (h *MessageHandler) strike(ctx context.Context, log zerolog.Logger, senderID string) {
	if h.bans == nil {
		return
	}
	banned, d, err := h.bans.Strike(ctx, senderID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to record strike")
		return
	}
	if banned {
		log.Info().Dur("duration", d).Msg("sender banned")
	}
}

func (h *MessageHandler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	log := h.log.With().Str("request_id", chimiddleware.GetReqID(r.Context())).Logger()

	msgs, err := h.history.All(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list messages")
		h.jsonError(w, log, "messages are temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	h.writeJSON(w, log, http.StatusOK, msgs)
}

func (h *MessageHandler) jsonError(w http.ResponseWriter, log zerolog.Logger, message string, status int) {
	h.writeJSON(w, log, status, ErrorResponse{Error: message})
}

func (h *MessageHandler) writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
