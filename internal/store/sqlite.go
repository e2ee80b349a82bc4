package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetryAttempts = 3
	writeRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		contact_id TEXT,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_contact ON conversations(contact_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS action_invocations (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		function_name TEXT,
		input_json TEXT NOT NULL,
		status TEXT NOT NULL,
		result_json TEXT,
		error TEXT,
		resource_type TEXT,
		resource_id TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_actions_conversation ON action_invocations(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		phone TEXT,
		source TEXT,
		lifecycle_stage TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL,
		type TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT,
		activity_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS enquiries (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL,
		conversation_id TEXT,
		course_name TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL,
		conversation_id TEXT,
		concern TEXT NOT NULL,
		preferred_time TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL,
		booking_id TEXT,
		title TEXT NOT NULL,
		description TEXT,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_items (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT,
		level TEXT,
		duration TEXT,
		price_amount TEXT,
		currency TEXT,
		location TEXT,
		upcoming_sessions INTEGER NOT NULL DEFAULT 0,
		published INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, session_id, contact_id, title, status, metadata_json, created_at, updated_at`

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var sessionID, contactID, metadataJSON sql.NullString
	var status string
	var createdAt, updatedAt int64

	if err := row.Scan(&conv.ID, &sessionID, &contactID, &conv.Title, &status, &metadataJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	conv.SessionID = sessionID.String
	conv.ContactID = contactID.String
	conv.Status = domain.ConversationStatus(status)
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decode conversation metadata: %w", err)
		}
	}
	return &conv, nil
}

// CreateConversation inserts a new active conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	now := time.Now()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Title == "" {
		conv.Title = domain.DefaultTitle
	}
	if conv.Status == "" {
		conv.Status = domain.ConversationActive
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now

	metadata, err := encodeJSON(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encode conversation metadata: %w", err)
	}

	query := `
		INSERT INTO conversations (id, session_id, contact_id, title, status, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		conv.ID, nullString(conv.SessionID), nullString(conv.ContactID),
		conv.Title, string(conv.Status), metadata,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// FindOpenConversationBySession returns the latest active conversation for a session key.
func (s *SQLiteStore) FindOpenConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE session_id = ? AND status = ?
		ORDER BY updated_at DESC, rowid DESC
		LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, sessionID, string(domain.ConversationActive))
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter domain.ConversationFilter) ([]domain.ConversationSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	var where []string
	var args []any
	if filter.SessionID != "" {
		where = append(where, "c.session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.ContactID != "" {
		where = append(where, "c.contact_id = ?")
		args = append(args, filter.ContactID)
	}

	query := `SELECT c.id, c.session_id, c.contact_id, c.title, c.status, c.metadata_json, c.created_at, c.updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.updated_at DESC, c.rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var summaries []domain.ConversationSummary
	for rows.Next() {
		var count int
		conv, err := scanConversation(scannerFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &count)...)
		}))
		if err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		summaries = append(summaries, domain.ConversationSummary{Conversation: *conv, MessageCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	for i := range summaries {
		last, err := s.lastVisibleMessage(ctx, summaries[i].ID)
		if err != nil {
			return nil, err
		}
		summaries[i].LastMessage = last
	}
	return summaries, nil
}

type scannerFunc func(dest ...any) error

func (f scannerFunc) Scan(dest ...any) error { return f(dest...) }

func (s *SQLiteStore) lastVisibleMessage(ctx context.Context, conversationID string) (*domain.TranscriptEntry, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ? AND role != ?
		ORDER BY seq DESC LIMIT 1`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID, domain.RoleSystem.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan last message: %w", err)
	}
	entry, ok := msg.Visible()
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// SetConversationTitle updates the title of a conversation.
func (s *SQLiteStore) SetConversationTitle(ctx context.Context, id, title string) error {
	return s.updateConversation(ctx, id, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title)
}

// SetConversationContact links a conversation to a contact.
func (s *SQLiteStore) SetConversationContact(ctx context.Context, id, contactID string) error {
	return s.updateConversation(ctx, id, `UPDATE conversations SET contact_id = ?, updated_at = ? WHERE id = ?`, contactID)
}

func (s *SQLiteStore) updateConversation(ctx context.Context, id, query string, value string) error {
	return shared.RetryOnConflict(ctx, "update conversation", writeRetryAttempts, writeRetryDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, value, time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const messageColumns = `id, conversation_id, role, content, metadata_json, created_at`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var role string
	var metadataJSON sql.NullString
	var createdAt int64

	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &metadataJSON, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseRole(role)
	if err != nil {
		return nil, err
	}
	msg.Role = parsed
	msg.CreatedAt = time.UnixMilli(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return &msg, nil
}

// AppendMessage inserts a message and bumps the conversation's updated_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	metadata, err := encodeJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	return shared.RetryOnConflict(ctx, "append message", writeRetryAttempts, writeRetryDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append message: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		result, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			msg.CreatedAt.UnixMilli(), msg.ConversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if rows, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if rows == 0 {
			return ErrNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.Role.String(), msg.Content, metadata, msg.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Commit()
	})
}

// ListMessages returns up to limit most recent messages in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT seq, ` + messageColumns + ` FROM messages WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a conversation.
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ArchiveInactiveConversations archives active conversations idle since before.
func (s *SQLiteStore) ArchiveInactiveConversations(ctx context.Context, before time.Time) (int64, error) {
	var archived int64
	err := shared.RetryOnConflict(ctx, "archive conversations", writeRetryAttempts, writeRetryDelay, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET status = ? WHERE status = ? AND updated_at < ?`,
			string(domain.ConversationArchived), string(domain.ConversationActive), before.UnixMilli())
		if err != nil {
			return fmt.Errorf("archive conversations: %w", err)
		}
		archived, err = result.RowsAffected()
		return err
	})
	return archived, err
}

const actionColumns = `id, conversation_id, kind, function_name, input_json, status, result_json, error,
	resource_type, resource_id, created_at, completed_at`

func scanAction(row rowScanner) (*domain.ActionInvocation, error) {
	var inv domain.ActionInvocation
	var kind, status, input string
	var functionName, result, errText, resourceType, resourceID sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(&inv.ID, &inv.ConversationID, &kind, &functionName, &input, &status,
		&result, &errText, &resourceType, &resourceID, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	inv.Kind = domain.ActionKind(kind)
	inv.Function = functionName.String
	inv.Input = json.RawMessage(input)
	inv.Status = domain.ActionStatus(status)
	if result.Valid && result.String != "" {
		inv.Result = json.RawMessage(result.String)
	}
	inv.Error = errText.String
	inv.ResourceType = resourceType.String
	inv.ResourceID = resourceID.String
	inv.CreatedAt = time.UnixMilli(createdAt)
	if completedAt.Valid {
		ts := time.UnixMilli(completedAt.Int64)
		inv.CompletedAt = &ts
	}
	return &inv, nil
}

// CreateActionInvocation records a pending invocation.
func (s *SQLiteStore) CreateActionInvocation(ctx context.Context, inv *domain.ActionInvocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = domain.ActionPending
	}
	inv.CreatedAt = time.Now()
	input := string(inv.Input)
	if input == "" {
		input = "null"
	}

	return shared.RetryOnConflict(ctx, "create action", writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO action_invocations (id, conversation_id, kind, function_name, input_json, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, inv.ConversationID, string(inv.Kind), nullString(inv.Function), input,
			string(inv.Status), inv.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert action invocation: %w", err)
		}
		return nil
	})
}

// FinishActionInvocation moves an invocation to a terminal status.
func (s *SQLiteStore) FinishActionInvocation(ctx context.Context, inv *domain.ActionInvocation) error {
	if !inv.Status.IsTerminal() {
		return fmt.Errorf("finish action invocation: status %q is not terminal", inv.Status)
	}
	now := time.Now()
	inv.CompletedAt = &now

	var result any
	if len(inv.Result) > 0 {
		result = string(inv.Result)
	}

	return shared.RetryOnConflict(ctx, "finish action", writeRetryAttempts, writeRetryDelay, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE action_invocations
			SET status = ?, result_json = ?, error = ?, resource_type = ?, resource_id = ?, completed_at = ?
			WHERE id = ?`,
			string(inv.Status), result, nullString(inv.Error),
			nullString(inv.ResourceType), nullString(inv.ResourceID), now.UnixMilli(), inv.ID,
		)
		if err != nil {
			return fmt.Errorf("update action invocation: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetActionInvocation retrieves an invocation by ID.
func (s *SQLiteStore) GetActionInvocation(ctx context.Context, id string) (*domain.ActionInvocation, error) {
	inv, err := scanAction(s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action_invocations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan action invocation: %w", err)
	}
	return inv, nil
}

// ListActionInvocations returns invocations for a conversation, newest first.
func (s *SQLiteStore) ListActionInvocations(ctx context.Context, conversationID string) ([]domain.ActionInvocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM action_invocations WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query action invocations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close action rows", "error", closeErr)
		}
	}()

	var out []domain.ActionInvocation
	for rows.Next() {
		inv, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action invocation row: %w", err)
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action invocations: %w", err)
	}
	return out, nil
}

// UpsertContact inserts or updates a contact keyed by normalized email.
func (s *SQLiteStore) UpsertContact(ctx context.Context, c *domain.Contact) error {
	c.Email = domain.NormalizeEmail(c.Email)
	if c.Email == "" {
		return fmt.Errorf("upsert contact: email is required")
	}
	now := time.Now()
	newID := uuid.NewString()

	query := `
	INSERT INTO contacts (id, first_name, last_name, email, phone, source, lifecycle_stage, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(email) DO UPDATE SET
		first_name = excluded.first_name,
		last_name = excluded.last_name,
		phone = COALESCE(excluded.phone, contacts.phone),
		source = COALESCE(excluded.source, contacts.source),
		lifecycle_stage = COALESCE(excluded.lifecycle_stage, contacts.lifecycle_stage),
		updated_at = excluded.updated_at
	RETURNING id, phone, source, lifecycle_stage, created_at, updated_at`

	return shared.RetryOnConflict(ctx, "upsert contact", writeRetryAttempts, writeRetryDelay, func() error {
		var phone, source, stage sql.NullString
		var createdAt, updatedAt int64
		err := s.db.QueryRowContext(ctx, query,
			newID, c.FirstName, c.LastName, c.Email,
			nullString(c.Phone), nullString(c.Source), nullString(string(c.LifecycleStage)),
			now.UnixMilli(), now.UnixMilli(),
		).Scan(&c.ID, &phone, &source, &stage, &createdAt, &updatedAt)
		if err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}
		c.Phone = phone.String
		c.Source = source.String
		c.LifecycleStage = domain.LifecycleStage(stage.String)
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)
		return nil
	})
}

// GetContactByEmail looks up a contact by email.
func (s *SQLiteStore) GetContactByEmail(ctx context.Context, email string) (*domain.Contact, error) {
	query := `SELECT id, first_name, last_name, email, phone, source, lifecycle_stage, created_at, updated_at
		FROM contacts WHERE email = ?`

	var c domain.Contact
	var phone, source, stage sql.NullString
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, domain.NormalizeEmail(email)).Scan(
		&c.ID, &c.FirstName, &c.LastName, &c.Email, &phone, &source, &stage, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	c.Phone = phone.String
	c.Source = source.String
	c.LifecycleStage = domain.LifecycleStage(stage.String)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return &c, nil
}

// CreateActivity appends a timeline entry to a contact.
func (s *SQLiteStore) CreateActivity(ctx context.Context, a *domain.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ActivityAt.IsZero() {
		a.ActivityAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, contact_id, type, subject, body, activity_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ContactID, string(a.Type), a.Subject, a.Body, a.ActivityAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// CreateEnquiry records a course enquiry.
func (s *SQLiteStore) CreateEnquiry(ctx context.Context, e *domain.Enquiry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enquiries (id, contact_id, conversation_id, course_name, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContactID, nullString(e.ConversationID), e.CourseName, e.Message, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert enquiry: %w", err)
	}
	return nil
}

// CreateBooking records a consultation booking request.
func (s *SQLiteStore) CreateBooking(ctx context.Context, b *domain.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (id, contact_id, conversation_id, concern, preferred_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.ContactID, nullString(b.ConversationID), b.Concern, nullString(b.PreferredTime), b.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// CreateTask queues a follow-up task for staff.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *domain.FollowUpTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, contact_id, booking_id, title, description, priority, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContactID, nullString(t.BookingID), t.Title, t.Description, t.Priority, string(t.Status),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a follow-up task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.FollowUpTask, error) {
	query := `SELECT id, contact_id, booking_id, title, description, priority, status, created_at, updated_at
		FROM tasks WHERE id = ?`

	var t domain.FollowUpTask
	var bookingID, description sql.NullString
	var status string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.ContactID, &bookingID, &t.Title, &description, &t.Priority, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.BookingID = bookingID.String
	t.Description = description.String
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// UpdateTaskStatus changes the status of a follow-up task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceCatalog atomically replaces all catalog items.
func (s *SQLiteStore) ReplaceCatalog(ctx context.Context, items []domain.CatalogItem) error {
	return shared.RetryOnConflict(ctx, "replace catalog", writeRetryAttempts, writeRetryDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace catalog: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_items`); err != nil {
			return fmt.Errorf("clear catalog: %w", err)
		}

		now := time.Now().UnixMilli()
		for i, item := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO catalog_items (id, position, title, category, description, level, duration,
					price_amount, currency, location, upcoming_sessions, published, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				item.ID, i, item.Title, item.Category, item.Description, item.Level, item.Duration,
				item.PriceAmount, item.Currency, item.Location, item.UpcomingSessions, item.Published, now)
			if err != nil {
				return fmt.Errorf("insert catalog item %s: %w", item.ID, err)
			}
		}
		return tx.Commit()
	})
}

// ListPublishedCatalog returns published items, optionally filtered by category.
func (s *SQLiteStore) ListPublishedCatalog(ctx context.Context, category string, limit int) ([]domain.CatalogItem, error) {
	query := `SELECT id, title, category, description, level, duration, price_amount, currency, location,
		upcoming_sessions, updated_at FROM catalog_items WHERE published = 1`
	var args []any
	if category != "" && category != "all" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY position ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close catalog rows", "error", closeErr)
		}
	}()

	var items []domain.CatalogItem
	for rows.Next() {
		var item domain.CatalogItem
		var description, level, duration, price, currency, location sql.NullString
		var updatedAt int64
		if err := rows.Scan(&item.ID, &item.Title, &item.Category, &description, &level, &duration,
			&price, &currency, &location, &item.UpcomingSessions, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan catalog item: %w", err)
		}
		item.Description = description.String
		item.Level = level.String
		item.Duration = duration.String
		item.PriceAmount = price.String
		item.Currency = currency.String
		item.Location = location.String
		item.Published = true
		item.UpdatedAt = time.UnixMilli(updatedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}
	return items, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
