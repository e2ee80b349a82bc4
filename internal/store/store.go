// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hawkins-trichology/concierge/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ConversationStore persists conversations and their append-only message logs.
type ConversationStore interface {
	// CreateConversation inserts a new active conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation by ID. Returns ErrNotFound if absent.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// FindOpenConversationBySession returns the most recently updated active
	// conversation for a session key. Returns ErrNotFound if none exists.
	FindOpenConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error)

	// ListConversations returns conversations most recently updated first.
	ListConversations(ctx context.Context, filter domain.ConversationFilter) ([]domain.ConversationSummary, error)

	// SetConversationTitle updates the title of a conversation.
	SetConversationTitle(ctx context.Context, id, title string) error

	// SetConversationContact links a conversation to a CRM contact.
	SetConversationContact(ctx context.Context, id, contactID string) error

	// AppendMessage inserts a message and bumps the conversation's updated_at.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns up to limit most recent messages in chronological order.
	// A limit <= 0 returns the full history.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// CountMessages returns the number of messages in a conversation.
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// ArchiveInactiveConversations marks active conversations not updated
	// since before as archived and returns how many changed.
	ArchiveInactiveConversations(ctx context.Context, before time.Time) (int64, error)
}

// ActionLog persists the audit trail of assistant actions.
type ActionLog interface {
	// CreateActionInvocation records a pending invocation.
	CreateActionInvocation(ctx context.Context, inv *domain.ActionInvocation) error

	// FinishActionInvocation moves an invocation to a terminal status.
	FinishActionInvocation(ctx context.Context, inv *domain.ActionInvocation) error

	// GetActionInvocation retrieves an invocation by ID.
	GetActionInvocation(ctx context.Context, id string) (*domain.ActionInvocation, error)

	// ListActionInvocations returns invocations for a conversation, newest first.
	ListActionInvocations(ctx context.Context, conversationID string) ([]domain.ActionInvocation, error)
}

// CRM persists contacts and the records created on their behalf.
type CRM interface {
	// UpsertContact inserts or updates a contact keyed by normalized email.
	// The stored contact, including its ID, is written back into c.
	UpsertContact(ctx context.Context, c *domain.Contact) error

	// GetContactByEmail looks up a contact by email. Returns ErrNotFound if absent.
	GetContactByEmail(ctx context.Context, email string) (*domain.Contact, error)

	// CreateActivity appends a timeline entry to a contact.
	CreateActivity(ctx context.Context, a *domain.Activity) error

	// CreateEnquiry records a course enquiry.
	CreateEnquiry(ctx context.Context, e *domain.Enquiry) error

	// CreateBooking records a consultation booking request.
	CreateBooking(ctx context.Context, b *domain.Booking) error

	// CreateTask queues a follow-up task for staff.
	CreateTask(ctx context.Context, t *domain.FollowUpTask) error

	// GetTask retrieves a follow-up task by ID.
	GetTask(ctx context.Context, id string) (*domain.FollowUpTask, error)

	// UpdateTaskStatus changes the status of a follow-up task.
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error
}

// Catalog persists the published offerings.
type Catalog interface {
	// ReplaceCatalog atomically replaces all catalog items.
	ReplaceCatalog(ctx context.Context, items []domain.CatalogItem) error

	// ListPublishedCatalog returns published items, optionally filtered by category.
	// An empty category or "all" returns every category.
	ListPublishedCatalog(ctx context.Context, category string, limit int) ([]domain.CatalogItem, error)
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	ConversationStore
	ActionLog
	CRM
	Catalog

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Open returns the repository selected by driver.
func Open(ctx context.Context, driver, dbPath, databaseURL string) (Repository, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dbPath)
	case "postgres":
		return NewPostgres(ctx, databaseURL)
	default:
		return nil, errors.New("store: unsupported driver " + driver)
	}
}
