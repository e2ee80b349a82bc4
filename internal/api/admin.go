package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hawkins-trichology/concierge/internal/actions"
	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/middleware"
	"github.com/hawkins-trichology/concierge/internal/store"
)

const maxAdminBodySize = 1 << 20

// AdminStore is the persistence read by the back office.
type AdminStore interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	ListActionInvocations(ctx context.Context, conversationID string) ([]domain.ActionInvocation, error)
	GetContactByEmail(ctx context.Context, email string) (*domain.Contact, error)
}

// ActionRunner executes an action outside a chat turn.
type ActionRunner interface {
	Execute(ctx context.Context, conversationID string, kind domain.ActionKind, payload json.RawMessage) (*actions.Outcome, error)
}

// AdminHandler serves the back-office API.
type AdminHandler struct {
	repo    AdminStore
	actions ActionRunner
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(repo AdminStore, runner ActionRunner, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{repo: repo, actions: runner, logger: logger}
}

// RegisterRoutes registers the admin routes behind auth.
func (h *AdminHandler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth)
		r.Get("/conversations/{id}", h.GetConversation)
		r.Post("/actions", h.ExecuteAction)
		r.Get("/contacts", h.GetContact)
	})
}

type adminConversation struct {
	*domain.Conversation
	Messages []domain.Message          `json:"messages"`
	Actions  []domain.ActionInvocation `json:"actions"`
}

// GetConversation returns the full history, system messages included, and
// the action audit trail of a conversation.
func (h *AdminHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := h.repo.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("admin get conversation", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to fetch conversation")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), id, 0)
	if err != nil {
		h.logger.Error("admin list messages", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to fetch conversation")
		return
	}
	invocations, err := h.repo.ListActionInvocations(r.Context(), id)
	if err != nil {
		h.logger.Error("admin list actions", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to fetch conversation")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	if invocations == nil {
		invocations = []domain.ActionInvocation{}
	}
	JSON(w, http.StatusOK, adminConversation{Conversation: conv, Messages: msgs, Actions: invocations})
}

type executeActionRequest struct {
	ConversationID string          `json:"conversationId"`
	ActionType     string          `json:"actionType"`
	Payload        json.RawMessage `json:"payload"`
}

type executeActionResponse struct {
	Success      bool            `json:"success"`
	InvocationID string          `json:"invocationId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Message      string          `json:"message,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ExecuteAction runs one action against a conversation.
func (h *AdminHandler) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	var req executeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" {
		Error(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	kind, err := actions.ParseActionType(req.ActionType)
	if err != nil {
		Error(w, http.StatusBadRequest, "unknown action type: "+req.ActionType)
		return
	}
	if _, err := h.repo.GetConversation(r.Context(), req.ConversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("admin action conversation lookup", "conversation_id", req.ConversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to execute action")
		return
	}

	outcome, err := h.actions.Execute(r.Context(), req.ConversationID, kind, req.Payload)
	resp := executeActionResponse{Success: err == nil}
	if outcome != nil {
		if outcome.Invocation != nil {
			resp.InvocationID = outcome.Invocation.ID
		}
		resp.Result = outcome.Result
		resp.Message = outcome.Ack
	}
	switch {
	case err == nil:
		h.logger.Info("admin action executed",
			"admin", middleware.AdminFromContext(r.Context()),
			"conversation_id", req.ConversationID,
			"action", kind,
		)
		JSON(w, http.StatusOK, resp)
	case errors.Is(err, actions.ErrInvalidArguments):
		resp.Error = err.Error()
		JSON(w, http.StatusBadRequest, resp)
	default:
		h.logger.Error("admin action failed", "conversation_id", req.ConversationID, "action", kind, "error", err)
		resp.Error = err.Error()
		JSON(w, http.StatusInternalServerError, resp)
	}
}

// GetContact looks up a contact by email.
func (h *AdminHandler) GetContact(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		Error(w, http.StatusBadRequest, "email is required")
		return
	}
	contact, err := h.repo.GetContactByEmail(r.Context(), email)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "contact not found")
		return
	}
	if err != nil {
		h.logger.Error("admin get contact", "error", err)
		Error(w, http.StatusInternalServerError, "failed to fetch contact")
		return
	}
	JSON(w, http.StatusOK, contact)
}
