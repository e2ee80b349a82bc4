package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/store"
)

// WorkerStore is the persistence used by job handlers.
type WorkerStore interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	SetConversationTitle(ctx context.Context, id, title string) error
	GetTask(ctx context.Context, id string) (*domain.FollowUpTask, error)
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error
}

// Notifier delivers follow-up tasks to staff.
type Notifier interface {
	NotifyTask(ctx context.Context, task *domain.FollowUpTask) error
}

// Workers holds the job handlers.
type Workers struct {
	store    WorkerStore
	notifier Notifier
	logger   *slog.Logger
}

// NewWorkers creates job handlers. A nil notifier logs tasks instead.
func NewWorkers(s WorkerStore, notifier Notifier, logger *slog.Logger) *Workers {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Workers{store: s, notifier: notifier, logger: logger}
}

// Mux returns a Mux with every handler registered.
func (w *Workers) Mux() *Mux {
	m := NewMux()
	m.RegisterFunc(KindConversationTitle, w.ConversationTitle)
	m.RegisterFunc(KindStaffNotify, w.StaffNotify)
	return m
}

// ConversationTitle sets the title of the referenced conversation from its
// first assistant reply. Conversations that already have a title are left alone.
func (w *Workers) ConversationTitle(ctx context.Context, job Job) error {
	conv, err := w.store.GetConversation(ctx, job.Ref)
	if errors.Is(err, store.ErrNotFound) {
		return Permanent(fmt.Errorf("conversation %s: %w", job.Ref, err))
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.Title != domain.DefaultTitle {
		return nil
	}

	msgs, err := w.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant {
			continue
		}
		title := domain.TitleFromReply(m.Content)
		if err := w.store.SetConversationTitle(ctx, conv.ID, title); err != nil {
			return fmt.Errorf("set title: %w", err)
		}
		w.logger.Info("conversation titled", "conversation_id", conv.ID, "title", title)
		return nil
	}
	return Permanent(fmt.Errorf("conversation %s has no assistant reply", conv.ID))
}

// StaffNotify delivers a pending follow-up task and marks it notified.
func (w *Workers) StaffNotify(ctx context.Context, job Job) error {
	task, err := w.store.GetTask(ctx, job.Ref)
	if errors.Is(err, store.ErrNotFound) {
		return Permanent(fmt.Errorf("task %s: %w", job.Ref, err))
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status != domain.TaskPending {
		return nil
	}

	if err := w.notifier.NotifyTask(ctx, task); err != nil {
		return fmt.Errorf("notify staff: %w", err)
	}
	if err := w.store.UpdateTaskStatus(ctx, task.ID, domain.TaskNotified); err != nil {
		return fmt.Errorf("mark task notified: %w", err)
	}
	return nil
}

// LogNotifier writes follow-up tasks to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifyTask implements Notifier.
func (n LogNotifier) NotifyTask(_ context.Context, task *domain.FollowUpTask) error {
	n.Logger.Info("staff follow-up required",
		"task_id", task.ID,
		"contact_id", task.ContactID,
		"priority", task.Priority,
		"title", task.Title,
	)
	return nil
}

// WebhookNotifier posts follow-up tasks as JSON to a staff webhook.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier returns a notifier with a bounded client timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// NotifyTask implements Notifier.
func (n *WebhookNotifier) NotifyTask(ctx context.Context, task *domain.FollowUpTask) error {
	body, err := json.Marshal(map[string]any{
		"event": "task.created",
		"task":  task,
	})
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Permanent(fmt.Errorf("webhook rejected task: %d", resp.StatusCode))
	}
	return nil
}
