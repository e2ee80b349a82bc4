package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hawkins-trichology/concierge/internal/api"
	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/identity"
	"github.com/hawkins-trichology/concierge/internal/metrics"
	"github.com/hawkins-trichology/concierge/internal/ratelimit"
	"github.com/hawkins-trichology/concierge/internal/store"
	"github.com/hawkins-trichology/concierge/internal/stream"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepaliveInterval  = 10 * time.Second
	defaultListLimit          = 10
	maxListLimit              = 50

	msgRateLimited        = "rate limit exceeded"
	msgLimiterUnavailable = "rate limiter unavailable"
	msgTurnSuperseded     = "superseded by a newer message"
)

// Conversation log channels and event types.
const (
	channelHTTP           = "chat_http"
	channelWebSocket      = "chat_ws"
	eventUserMessage      = "chat_user_message"
	eventAssistantMessage = "chat_assistant_message"
)

// HandlerConfig tunes the transports.
type HandlerConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	// OriginPatterns lists extra hosts allowed to open the WebSocket.
	OriginPatterns []string
}

// ConversationReader reads conversations for the public listing endpoints.
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, filter domain.ConversationFilter) ([]domain.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Handler serves the chat HTTP and WebSocket endpoints.
type Handler struct {
	relay         *Relay
	turns         *TurnRegistry
	conversations ConversationReader
	limiter       ratelimit.Limiter
	log           ConversationLogger
	cfg           HandlerConfig
	logger        *slog.Logger
}

// NewHandler creates a Handler. convLog may be nil.
func NewHandler(relay *Relay, conversations ConversationReader, limiter ratelimit.Limiter, convLog ConversationLogger, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	return &Handler{
		relay:         relay,
		turns:         NewTurnRegistry(logger),
		conversations: conversations,
		limiter:       limiter,
		log:           convLog,
		cfg:           cfg,
		logger:        logger,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/send", h.HandleSend)
		r.Get("/conversations", h.HandleListConversations)
		r.Get("/conversations/{id}", h.HandleGetConversation)
	})
	r.Get("/ws/chat", h.HandleWebSocket)
}

// Close cancels running turns and flushes the conversation log.
func (h *Handler) Close() {
	h.turns.CancelAll()
	if err := h.log.Close(); err != nil {
		h.logger.Warn("failed to close conversation logger", "error", err)
	}
}

// HandleSend streams one chat turn as server-sent events.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	visitorID := visitorKey(r)
	if !h.allow(r.Context(), w, visitorID) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	if h.cfg.RetryDelay > 0 {
		if err := enc.Retry(h.cfg.RetryDelay.Milliseconds()); err != nil {
			h.logger.Warn("failed to write SSE retry", "error", err)
			return
		}
	}
	stop := h.keepalive(enc)
	defer stop()

	ctx, end := h.turns.Begin(r.Context(), visitorID, req.SessionID)
	defer end(nil)
	h.streamTurn(ctx, req, turnMeta{
		visitorID: visitorID,
		channel:   channelHTTP,
		requestID: chiMiddleware.GetReqID(r.Context()),
	}, enc.Encode)
}

// keepalive writes SSE comments until the returned stop function is called.
func (h *Handler) keepalive(enc *stream.Encoder) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(h.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := enc.Comment("keepalive"); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

type turnMeta struct {
	visitorID string
	channel   string
	requestID string
}

// streamTurn runs a relay turn, hands each event to send and records the
// exchange in the conversation log. A send error abandons the turn. A turn
// superseded by a newer send still ends with one terminal error event.
func (h *Handler) streamTurn(ctx context.Context, req SendRequest, meta turnMeta, send func(stream.Event) error) {
	h.logger.Info("chat send",
		"visitor_id", meta.visitorID,
		"session_id", req.SessionID,
		"conversation_id", req.ConversationID,
		"channel", meta.channel,
		"message_length", len(req.Message),
	)
	h.log.Log(ConversationLogEvent{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		VisitorID:      meta.visitorID,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		Channel:        meta.channel,
		Direction:      "outbound",
		EventType:      eventUserMessage,
		ContentRaw:     req.Message,
		Meta:           map[string]any{"request_id": meta.requestID},
	})

	var (
		reply          strings.Builder
		chunks         int
		functions      []string
		conversationID = req.ConversationID
		terminal       bool
		sendFailed     bool
		streamErr      string
	)
	for ev := range h.relay.Turn(ctx, req) {
		if ev.ConversationID != "" {
			conversationID = ev.ConversationID
		}
		switch {
		case ev.Type == stream.EventContent:
			chunks++
			reply.WriteString(ev.Content)
		case ev.Type == stream.EventFunctionCall:
			functions = append(functions, ev.Function)
			reply.WriteString(ev.Message)
		case ev.IsActionError():
			functions = append(functions, ev.Function+":failed")
		case ev.Type == stream.EventError:
			streamErr = ev.Error
		}
		if err := send(ev); err != nil {
			h.logger.Info("chat client went away", "conversation_id", conversationID, "error", err)
			streamErr = err.Error()
			sendFailed = true
			break
		}
		if ev.IsTerminal() {
			terminal = true
		}
	}
	if !terminal && !sendFailed && errors.Is(context.Cause(ctx), ErrTurnSuperseded) {
		streamErr = msgTurnSuperseded
		if err := send(stream.Error(conversationID, msgTurnSuperseded)); err != nil {
			h.logger.Info("chat client went away", "conversation_id", conversationID, "error", err)
		}
	}

	h.log.Log(ConversationLogEvent{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		VisitorID:      meta.visitorID,
		SessionID:      req.SessionID,
		ConversationID: conversationID,
		Channel:        meta.channel,
		Direction:      "inbound",
		EventType:      eventAssistantMessage,
		ContentRaw:     reply.String(),
		Meta: map[string]any{
			"stream_chunks": chunks,
			"partial":       !terminal || streamErr != "",
			"stream_error":  streamErr,
			"functions":     functions,
			"request_id":    meta.requestID,
		},
	})
}

// checkLimit applies the per-visitor rate limit and returns the rejection message.
func (h *Handler) checkLimit(ctx context.Context, visitorID string) (bool, string) {
	if h.limiter == nil {
		return true, ""
	}
	ok, err := h.limiter.Allow(ctx, visitorID)
	if err != nil {
		h.logger.Error("rate limiter unavailable", "visitor_id", visitorID, "error", err)
		return false, msgLimiterUnavailable
	}
	if !ok {
		metrics.RateLimited.Inc()
		h.logger.Info("chat send rate limited", "visitor_id", visitorID)
		return false, msgRateLimited
	}
	return true, ""
}

// allow applies the rate limit to an HTTP request and writes the rejection.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, visitorID string) bool {
	ok, msg := h.checkLimit(ctx, visitorID)
	switch {
	case ok:
		return true
	case msg == msgRateLimited:
		api.Error(w, http.StatusTooManyRequests, msg)
	default:
		api.Error(w, http.StatusServiceUnavailable, msg)
	}
	return false
}

// HandleListConversations lists conversations for a session or contact.
func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ConversationFilter{
		SessionID: strings.TrimSpace(q.Get("sessionId")),
		ContactID: strings.TrimSpace(q.Get("contactId")),
		Limit:     defaultListLimit,
	}
	if filter.SessionID == "" && filter.ContactID == "" {
		filter.SessionID = identity.SessionIDFromContext(r.Context())
	}
	if filter.SessionID == "" && filter.ContactID == "" {
		api.JSON(w, http.StatusBadRequest, map[string]string{
			"error": "sessionId or contactId is required",
			"field": "sessionId",
		})
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.JSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer", "field": "limit"})
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	convs, err := h.conversations.ListConversations(r.Context(), filter)
	if err != nil {
		h.logger.Error("list conversations", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}
	if convs == nil {
		convs = []domain.ConversationSummary{}
	}
	api.JSON(w, http.StatusOK, convs)
}

type conversationResponse struct {
	*domain.Conversation
	Messages []domain.TranscriptEntry `json:"messages"`
}

// HandleGetConversation returns the client-visible transcript of a conversation.
func (h *Handler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := h.conversations.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		api.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("get conversation", "conversation_id", id, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to fetch conversation")
		return
	}
	msgs, err := h.conversations.ListMessages(r.Context(), id, 0)
	if err != nil {
		h.logger.Error("list messages", "conversation_id", id, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to fetch conversation")
		return
	}
	api.JSON(w, http.StatusOK, conversationResponse{
		Conversation: conv,
		Messages:     domain.Transcript(msgs),
	})
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		api.JSON(w, http.StatusBadRequest, verr)
		return
	}
	api.Error(w, http.StatusBadRequest, err.Error())
}

// visitorKey is the rate limit and log key for a request.
func visitorKey(r *http.Request) string {
	if id := identity.VisitorIDFromContext(r.Context()); id != "" {
		return id
	}
	return "ip:" + identity.IPFromRequest(r)
}
