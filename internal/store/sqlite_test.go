package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hawkins-trichology/concierge/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRepository(t *testing.T) {
	t.Parallel()
	runRepositoryContract(t, func(t *testing.T) Repository { return newTestSQLite(t) })
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("CONCIERGE_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("CONCIERGE_TEST_POSTGRES_URL not set")
	}
	runRepositoryContract(t, func(t *testing.T) Repository {
		s, err := NewPostgres(context.Background(), dsn)
		if err != nil {
			t.Fatalf("NewPostgres() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), "mysql", "", ""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

// runRepositoryContract exercises behavior every Repository implementation must share.
// Each subtest creates its own records so a shared Postgres database stays usable.
func runRepositoryContract(t *testing.T, open func(t *testing.T) Repository) {
	ctx := context.Background()
	repo := open(t)
	run := uuid.NewString()[:8]

	t.Run("conversation not found", func(t *testing.T) {
		if _, err := repo.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetConversation() error = %v, want ErrNotFound", err)
		}
		err := repo.AppendMessage(ctx, &domain.Message{ConversationID: "missing", Role: domain.RoleUser, Content: "hi"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("AppendMessage() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("messages keep insertion order", func(t *testing.T) {
		conv := &domain.Conversation{SessionID: "sess-order-" + run}
		if err := repo.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}
		if conv.Title != domain.DefaultTitle || conv.Status != domain.ConversationActive {
			t.Fatalf("unexpected defaults: %+v", conv)
		}

		contents := []string{"one", "two", "three", "four"}
		for i, c := range contents {
			role := domain.RoleUser
			if i%2 == 1 {
				role = domain.RoleAssistant
			}
			if err := repo.AppendMessage(ctx, &domain.Message{ConversationID: conv.ID, Role: role, Content: c}); err != nil {
				t.Fatalf("AppendMessage(%q) error = %v", c, err)
			}
		}

		all, err := repo.ListMessages(ctx, conv.ID, 0)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(all) != len(contents) {
			t.Fatalf("got %d messages, want %d", len(all), len(contents))
		}
		for i, m := range all {
			if m.Content != contents[i] {
				t.Errorf("message %d = %q, want %q", i, m.Content, contents[i])
			}
		}

		recent, err := repo.ListMessages(ctx, conv.ID, 2)
		if err != nil {
			t.Fatalf("ListMessages(limit) error = %v", err)
		}
		if len(recent) != 2 || recent[0].Content != "three" || recent[1].Content != "four" {
			t.Fatalf("recent = %+v, want [three four]", recent)
		}

		n, err := repo.CountMessages(ctx, conv.ID)
		if err != nil || n != 4 {
			t.Fatalf("CountMessages() = %d, %v", n, err)
		}
	})

	t.Run("session resumes latest open conversation", func(t *testing.T) {
		older := &domain.Conversation{SessionID: "sess-resume-" + run}
		newer := &domain.Conversation{SessionID: "sess-resume-" + run}
		for _, c := range []*domain.Conversation{older, newer} {
			if err := repo.CreateConversation(ctx, c); err != nil {
				t.Fatalf("CreateConversation() error = %v", err)
			}
		}
		if err := repo.AppendMessage(ctx, &domain.Message{ConversationID: older.ID, Role: domain.RoleUser, Content: "bump", CreatedAt: time.Now().Add(time.Second)}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}

		got, err := repo.FindOpenConversationBySession(ctx, "sess-resume-"+run)
		if err != nil {
			t.Fatalf("FindOpenConversationBySession() error = %v", err)
		}
		if got.ID != older.ID {
			t.Errorf("resumed %s, want most recently updated %s", got.ID, older.ID)
		}

		if _, err := repo.FindOpenConversationBySession(ctx, "sess-none-"+run); !errors.Is(err, ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("listing summarizes visible messages", func(t *testing.T) {
		conv := &domain.Conversation{SessionID: "sess-list-" + run}
		if err := repo.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}
		for _, m := range []domain.Message{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "hi there"},
			{Role: domain.RoleSystem, Content: "internal note"},
		} {
			m.ConversationID = conv.ID
			if err := repo.AppendMessage(ctx, &m); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
		}

		summaries, err := repo.ListConversations(ctx, domain.ConversationFilter{SessionID: "sess-list-" + run})
		if err != nil {
			t.Fatalf("ListConversations() error = %v", err)
		}
		if len(summaries) != 1 {
			t.Fatalf("got %d summaries, want 1", len(summaries))
		}
		s := summaries[0]
		if s.MessageCount != 3 {
			t.Errorf("MessageCount = %d, want 3", s.MessageCount)
		}
		if s.LastMessage == nil || s.LastMessage.Content != "hi there" {
			t.Errorf("LastMessage = %+v, want assistant reply", s.LastMessage)
		}

		if err := repo.SetConversationTitle(ctx, conv.ID, "Hair loss question"); err != nil {
			t.Fatalf("SetConversationTitle() error = %v", err)
		}
		got, err := repo.GetConversation(ctx, conv.ID)
		if err != nil || got.Title != "Hair loss question" {
			t.Fatalf("GetConversation() = %+v, %v", got, err)
		}
		if err := repo.SetConversationTitle(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetConversationTitle(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("archive inactive conversations", func(t *testing.T) {
		conv := &domain.Conversation{SessionID: "sess-archive-" + run}
		if err := repo.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation() error = %v", err)
		}
		n, err := repo.ArchiveInactiveConversations(ctx, time.Now().Add(time.Hour))
		if err != nil || n < 1 {
			t.Fatalf("ArchiveInactiveConversations() = %d, %v", n, err)
		}
		if _, err := repo.FindOpenConversationBySession(ctx, conv.SessionID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("archived conversation still resumable: %v", err)
		}
		got, err := repo.GetConversation(ctx, conv.ID)
		if err != nil || got.Status != domain.ConversationArchived {
			t.Fatalf("GetConversation() = %+v, %v", got, err)
		}
	})

	t.Run("action invocation lifecycle", func(t *testing.T) {
		inv := &domain.ActionInvocation{
			ConversationID: "conv-actions-" + run,
			Kind:           domain.ActionCreateBooking,
			Function:       "book_consultation",
			Input:          json.RawMessage(`{"name":"Ann"}`),
		}
		if err := repo.CreateActionInvocation(ctx, inv); err != nil {
			t.Fatalf("CreateActionInvocation() error = %v", err)
		}
		if inv.Status != domain.ActionPending {
			t.Fatalf("Status = %s, want pending", inv.Status)
		}

		inv.Status = domain.ActionPending
		if err := repo.FinishActionInvocation(ctx, inv); err == nil {
			t.Fatal("expected error finishing with non-terminal status")
		}

		inv.Status = domain.ActionCompleted
		inv.Result = json.RawMessage(`{"bookingId":"b1"}`)
		inv.ResourceType = "booking"
		inv.ResourceID = "b1"
		if err := repo.FinishActionInvocation(ctx, inv); err != nil {
			t.Fatalf("FinishActionInvocation() error = %v", err)
		}

		got, err := repo.GetActionInvocation(ctx, inv.ID)
		if err != nil {
			t.Fatalf("GetActionInvocation() error = %v", err)
		}
		if got.Status != domain.ActionCompleted || got.CompletedAt == nil || got.ResourceID != "b1" {
			t.Fatalf("unexpected invocation: %+v", got)
		}

		list, err := repo.ListActionInvocations(ctx, "conv-actions-"+run)
		if err != nil || len(list) != 1 {
			t.Fatalf("ListActionInvocations() = %d, %v", len(list), err)
		}
	})

	t.Run("contact upsert is idempotent by email", func(t *testing.T) {
		first := &domain.Contact{FirstName: "Ann", LastName: "Lee", Email: " Ann@Example.com ", Phone: "0123"}
		if err := repo.UpsertContact(ctx, first); err != nil {
			t.Fatalf("UpsertContact() error = %v", err)
		}
		second := &domain.Contact{FirstName: "Annie", LastName: "Lee", Email: "ann@example.com"}
		if err := repo.UpsertContact(ctx, second); err != nil {
			t.Fatalf("UpsertContact() error = %v", err)
		}
		if first.ID != second.ID {
			t.Fatalf("upsert created a second contact: %s != %s", first.ID, second.ID)
		}
		if second.Phone != "0123" {
			t.Errorf("Phone = %q, want previous value kept", second.Phone)
		}

		got, err := repo.GetContactByEmail(ctx, "ANN@example.com")
		if err != nil {
			t.Fatalf("GetContactByEmail() error = %v", err)
		}
		if got.FirstName != "Annie" {
			t.Errorf("FirstName = %q, want Annie", got.FirstName)
		}
	})

	t.Run("tasks", func(t *testing.T) {
		task := &domain.FollowUpTask{ContactID: "c1", Title: "Call back", Priority: "HIGH"}
		if err := repo.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		if err := repo.UpdateTaskStatus(ctx, task.ID, domain.TaskNotified); err != nil {
			t.Fatalf("UpdateTaskStatus() error = %v", err)
		}
		got, err := repo.GetTask(ctx, task.ID)
		if err != nil || got.Status != domain.TaskNotified {
			t.Fatalf("GetTask() = %+v, %v", got, err)
		}
	})

	t.Run("catalog replace and filter", func(t *testing.T) {
		items := []domain.CatalogItem{
			{ID: "v1", Title: "Scalp Basics", Category: "video", Published: true},
			{ID: "i1", Title: "Two-Day Intensive", Category: "intensive", Published: true, UpcomingSessions: 2},
			{ID: "v2", Title: "Draft", Category: "video", Published: false},
		}
		if err := repo.ReplaceCatalog(ctx, items); err != nil {
			t.Fatalf("ReplaceCatalog() error = %v", err)
		}

		all, err := repo.ListPublishedCatalog(ctx, "all", 10)
		if err != nil {
			t.Fatalf("ListPublishedCatalog() error = %v", err)
		}
		if len(all) != 2 || all[0].ID != "v1" || all[1].ID != "i1" {
			t.Fatalf("all = %+v", all)
		}

		videos, err := repo.ListPublishedCatalog(ctx, "video", 10)
		if err != nil || len(videos) != 1 {
			t.Fatalf("videos = %+v, %v", videos, err)
		}

		if err := repo.ReplaceCatalog(ctx, items[:1]); err != nil {
			t.Fatalf("ReplaceCatalog() error = %v", err)
		}
		all, _ = repo.ListPublishedCatalog(ctx, "", 0)
		if len(all) != 1 {
			t.Fatalf("after replace got %d items, want 1", len(all))
		}
	})
}
