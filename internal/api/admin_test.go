package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hawkins-trichology/concierge/internal/actions"
	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/middleware"
	"github.com/hawkins-trichology/concierge/internal/store"
)

const testSecret = "admin-test-secret"

type adminFixture struct {
	repo   *store.SQLiteStore
	router chi.Router
	token  string
	conv   *domain.Conversation
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "admin.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	conv := &domain.Conversation{SessionID: "sess-admin"}
	if err := repo.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	for _, m := range []*domain.Message{
		{ConversationID: conv.ID, Role: domain.RoleSystem, Content: "internal note"},
		{ConversationID: conv.ID, Role: domain.RoleUser, Content: "Hello"},
	} {
		if err := repo.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := actions.NewExecutor(repo, nil, "Lorraine", logger)
	r := chi.NewRouter()
	NewAdminHandler(repo, exec, logger).RegisterRoutes(r, middleware.AdminAuth(testSecret))

	token, err := middleware.IssueAdminToken(testSecret, "reception", time.Hour)
	if err != nil {
		t.Fatalf("IssueAdminToken failed: %v", err)
	}
	return &adminFixture{repo: repo, router: r, token: token, conv: conv}
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/admin/conversations/"+f.conv.ID, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
}

func TestAdminExecuteActionAndAuditTrail(t *testing.T) {
	f := newAdminFixture(t)

	body := `{"conversationId":"` + f.conv.ID + `","actionType":"CREATE_CONTACT",` +
		`"payload":{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com"}}`
	w := f.do(t, http.MethodPost, "/api/admin/actions", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp executeActionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success || resp.InvocationID == "" {
		t.Fatalf("Unexpected response: %+v", resp)
	}

	w = f.do(t, http.MethodGet, "/api/admin/conversations/"+f.conv.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var conv struct {
		ID       string                    `json:"id"`
		Messages []domain.Message          `json:"messages"`
		Actions  []domain.ActionInvocation `json:"actions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&conv); err != nil {
		t.Fatalf("Failed to decode conversation: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Role != domain.RoleSystem {
		t.Errorf("Expected full history including system message, got %+v", conv.Messages)
	}
	if len(conv.Actions) != 1 || conv.Actions[0].Status != domain.ActionCompleted {
		t.Errorf("Expected one completed invocation, got %+v", conv.Actions)
	}

	w = f.do(t, http.MethodGet, "/api/admin/contacts?email=ADA@example.com", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected contact lookup to succeed, got %d", w.Code)
	}
}

func TestAdminExecuteActionErrors(t *testing.T) {
	f := newAdminFixture(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"missing conversation", `{"actionType":"FETCH_COURSES"}`, http.StatusBadRequest},
		{"unknown action", `{"conversationId":"` + f.conv.ID + `","actionType":"DELETE_EVERYTHING"}`, http.StatusBadRequest},
		{"unknown conversation", `{"conversationId":"nope","actionType":"FETCH_COURSES"}`, http.StatusNotFound},
		{"invalid payload", `{"conversationId":"` + f.conv.ID + `","actionType":"CREATE_BOOKING","payload":{"name":"X"}}`, http.StatusBadRequest},
		{"read-only action", `{"conversationId":"` + f.conv.ID + `","actionType":"FETCH_COURSES","payload":{"category":"video"}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, http.MethodPost, "/api/admin/actions", tt.body); w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAdminNotFound(t *testing.T) {
	f := newAdminFixture(t)

	if w := f.do(t, http.MethodGet, "/api/admin/conversations/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for conversation, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/admin/contacts?email=ghost@example.com", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for contact, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/admin/contacts", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without email, got %d", w.Code)
	}
}
