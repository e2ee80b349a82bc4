package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Repository on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to Postgres and applies the schema.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	if connString == "" {
		return nil, errors.New("postgres: DATABASE_URL is required")
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []struct {
		name  string
		query string
	}{
		{"conversations", `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			contact_id TEXT,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, status, updated_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_contact ON conversations(contact_id, updated_at);`},
		{"messages", `
		CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);`},
		{"action_invocations", `
		CREATE TABLE IF NOT EXISTS action_invocations (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			function_name TEXT,
			input JSONB NOT NULL,
			status TEXT NOT NULL,
			result JSONB,
			error TEXT,
			resource_type TEXT,
			resource_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_actions_conversation ON action_invocations(conversation_id, created_at);`},
		{"contacts", `
		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			phone TEXT,
			source TEXT,
			lifecycle_stage TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`},
		{"activities", `
		CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			type TEXT NOT NULL,
			subject TEXT NOT NULL,
			body TEXT,
			activity_at TIMESTAMPTZ NOT NULL
		);`},
		{"enquiries", `
		CREATE TABLE IF NOT EXISTS enquiries (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			conversation_id TEXT,
			course_name TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`},
		{"bookings", `
		CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			conversation_id TEXT,
			concern TEXT NOT NULL,
			preferred_time TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);`},
		{"tasks", `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			booking_id TEXT,
			title TEXT NOT NULL,
			description TEXT,
			priority VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`},
		{"catalog_items", `
		CREATE TABLE IF NOT EXISTS catalog_items (
			id TEXT PRIMARY KEY,
			position INT NOT NULL,
			title TEXT NOT NULL,
			category VARCHAR(50) NOT NULL,
			description TEXT,
			level TEXT,
			duration TEXT,
			price_amount VARCHAR(50),
			currency VARCHAR(10),
			location TEXT,
			upcoming_sessions INT NOT NULL DEFAULT 0,
			published BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL
		);`},
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt.query); err != nil {
			return fmt.Errorf("create %s table: %w", stmt.name, err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgConversationColumns = `id, session_id, contact_id, title, status, metadata, created_at, updated_at`

func scanPGConversation(row pgx.Row, extra ...any) (*domain.Conversation, error) {
	var conv domain.Conversation
	var sessionID, contactID *string
	var status string
	var metadata []byte

	dest := append([]any{&conv.ID, &sessionID, &contactID, &conv.Title, &status, &metadata, &conv.CreatedAt, &conv.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	conv.SessionID = deref(sessionID)
	conv.ContactID = deref(contactID)
	conv.Status = domain.ConversationStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decode conversation metadata: %w", err)
		}
	}
	return &conv, nil
}

// CreateConversation inserts a new active conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	now := time.Now().UTC()
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

	metadata, err := encodeJSONB(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encode conversation metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, session_id, contact_id, title, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		conv.ID, nullString(conv.SessionID), nullString(conv.ContactID), conv.Title, string(conv.Status), metadata, now)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := scanPGConversation(s.pool.QueryRow(ctx, `SELECT `+pgConversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// FindOpenConversationBySession returns the latest active conversation for a session key.
func (s *PostgresStore) FindOpenConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgConversationColumns+` FROM conversations
		WHERE session_id = $1 AND status = $2
		ORDER BY updated_at DESC, created_at DESC LIMIT 1`, sessionID, string(domain.ConversationActive))
	conv, err := scanPGConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations most recently updated first.
func (s *PostgresStore) ListConversations(ctx context.Context, filter domain.ConversationFilter) ([]domain.ConversationSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	var where []string
	var args []any
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, fmt.Sprintf("c.session_id = $%d", len(args)))
	}
	if filter.ContactID != "" {
		args = append(args, filter.ContactID)
		where = append(where, fmt.Sprintf("c.contact_id = $%d", len(args)))
	}

	query := `SELECT c.id, c.session_id, c.contact_id, c.title, c.status, c.metadata, c.created_at, c.updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY c.updated_at DESC, c.created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var summaries []domain.ConversationSummary
	for rows.Next() {
		var count int64
		conv, err := scanPGConversation(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		summaries = append(summaries, domain.ConversationSummary{Conversation: *conv, MessageCount: int(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	for i := range summaries {
		msg, err := scanPGMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND role <> $2 ORDER BY seq DESC LIMIT 1`,
			summaries[i].ID, domain.RoleSystem.String()))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan last message: %w", err)
		}
		if entry, ok := msg.Visible(); ok {
			summaries[i].LastMessage = &entry
		}
	}
	return summaries, nil
}

// SetConversationTitle updates the title of a conversation.
func (s *PostgresStore) SetConversationTitle(ctx context.Context, id, title string) error {
	return s.execOne(ctx, `UPDATE conversations SET title = $1, updated_at = now() WHERE id = $2`, title, id)
}

// SetConversationContact links a conversation to a contact.
func (s *PostgresStore) SetConversationContact(ctx context.Context, id, contactID string) error {
	return s.execOne(ctx, `UPDATE conversations SET contact_id = $1, updated_at = now() WHERE id = $2`, contactID, id)
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPGMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	var role string
	var metadata []byte
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &metadata, &msg.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseRole(role)
	if err != nil {
		return nil, err
	}
	msg.Role = parsed
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return &msg, nil
}

// AppendMessage inserts a message and bumps the conversation's updated_at.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	metadata, err := encodeJSONB(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, msg.ConversationID, msg.Role.String(), msg.Content, metadata, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns up to limit most recent messages in chronological order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT seq, ` + messageColumns + ` FROM messages WHERE conversation_id = $1
			ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanPGMessage(rows)
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
func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return int(n), nil
}

// ArchiveInactiveConversations archives active conversations idle since before.
func (s *PostgresStore) ArchiveInactiveConversations(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $1 WHERE status = $2 AND updated_at < $3`,
		string(domain.ConversationArchived), string(domain.ConversationActive), before)
	if err != nil {
		return 0, fmt.Errorf("archive conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPGAction(row pgx.Row) (*domain.ActionInvocation, error) {
	var inv domain.ActionInvocation
	var kind, status string
	var functionName, errText, resourceType, resourceID *string
	var input, result []byte

	if err := row.Scan(&inv.ID, &inv.ConversationID, &kind, &functionName, &input, &status,
		&result, &errText, &resourceType, &resourceID, &inv.CreatedAt, &inv.CompletedAt); err != nil {
		return nil, err
	}
	inv.Kind = domain.ActionKind(kind)
	inv.Function = deref(functionName)
	inv.Input = json.RawMessage(input)
	inv.Status = domain.ActionStatus(status)
	if len(result) > 0 {
		inv.Result = json.RawMessage(result)
	}
	inv.Error = deref(errText)
	inv.ResourceType = deref(resourceType)
	inv.ResourceID = deref(resourceID)
	return &inv, nil
}

const pgActionColumns = `id, conversation_id, kind, function_name, input, status, result, error,
	resource_type, resource_id, created_at, completed_at`

// CreateActionInvocation records a pending invocation.
func (s *PostgresStore) CreateActionInvocation(ctx context.Context, inv *domain.ActionInvocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = domain.ActionPending
	}
	inv.CreatedAt = time.Now().UTC()
	input := []byte(inv.Input)
	if !json.Valid(input) {
		input = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_invocations (id, conversation_id, kind, function_name, input, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inv.ID, inv.ConversationID, string(inv.Kind), nullString(inv.Function), string(input), string(inv.Status), inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert action invocation: %w", err)
	}
	return nil
}

// FinishActionInvocation moves an invocation to a terminal status.
func (s *PostgresStore) FinishActionInvocation(ctx context.Context, inv *domain.ActionInvocation) error {
	if !inv.Status.IsTerminal() {
		return fmt.Errorf("finish action invocation: status %q is not terminal", inv.Status)
	}
	now := time.Now().UTC()
	inv.CompletedAt = &now

	var result any
	if len(inv.Result) > 0 {
		result = string(inv.Result)
	}
	return s.execOne(ctx, `
		UPDATE action_invocations
		SET status = $1, result = $2, error = $3, resource_type = $4, resource_id = $5, completed_at = $6
		WHERE id = $7`,
		string(inv.Status), result, nullString(inv.Error), nullString(inv.ResourceType),
		nullString(inv.ResourceID), now, inv.ID)
}

// GetActionInvocation retrieves an invocation by ID.
func (s *PostgresStore) GetActionInvocation(ctx context.Context, id string) (*domain.ActionInvocation, error) {
	inv, err := scanPGAction(s.pool.QueryRow(ctx, `SELECT `+pgActionColumns+` FROM action_invocations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan action invocation: %w", err)
	}
	return inv, nil
}

// ListActionInvocations returns invocations for a conversation, newest first.
func (s *PostgresStore) ListActionInvocations(ctx context.Context, conversationID string) ([]domain.ActionInvocation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgActionColumns+` FROM action_invocations
		WHERE conversation_id = $1 ORDER BY created_at DESC, seq DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query action invocations: %w", err)
	}
	defer rows.Close()

	var out []domain.ActionInvocation
	for rows.Next() {
		inv, err := scanPGAction(rows)
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
func (s *PostgresStore) UpsertContact(ctx context.Context, c *domain.Contact) error {
	c.Email = domain.NormalizeEmail(c.Email)
	if c.Email == "" {
		return errors.New("upsert contact: email is required")
	}
	now := time.Now().UTC()

	var phone, source, stage *string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, first_name, last_name, email, phone, source, lifecycle_stage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (email) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			phone = COALESCE(EXCLUDED.phone, contacts.phone),
			source = COALESCE(EXCLUDED.source, contacts.source),
			lifecycle_stage = COALESCE(EXCLUDED.lifecycle_stage, contacts.lifecycle_stage),
			updated_at = EXCLUDED.updated_at
		RETURNING id, phone, source, lifecycle_stage, created_at, updated_at`,
		uuid.NewString(), c.FirstName, c.LastName, c.Email,
		nullString(c.Phone), nullString(c.Source), nullString(string(c.LifecycleStage)), now,
	).Scan(&c.ID, &phone, &source, &stage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	c.Phone = deref(phone)
	c.Source = deref(source)
	c.LifecycleStage = domain.LifecycleStage(deref(stage))
	return nil
}

// GetContactByEmail looks up a contact by email.
func (s *PostgresStore) GetContactByEmail(ctx context.Context, email string) (*domain.Contact, error) {
	var c domain.Contact
	var phone, source, stage *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, email, phone, source, lifecycle_stage, created_at, updated_at
		FROM contacts WHERE email = $1`, domain.NormalizeEmail(email),
	).Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &phone, &source, &stage, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	c.Phone = deref(phone)
	c.Source = deref(source)
	c.LifecycleStage = domain.LifecycleStage(deref(stage))
	return &c, nil
}

// CreateActivity appends a timeline entry to a contact.
func (s *PostgresStore) CreateActivity(ctx context.Context, a *domain.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ActivityAt.IsZero() {
		a.ActivityAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activities (id, contact_id, type, subject, body, activity_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.ContactID, string(a.Type), a.Subject, a.Body, a.ActivityAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// CreateEnquiry records a course enquiry.
func (s *PostgresStore) CreateEnquiry(ctx context.Context, e *domain.Enquiry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enquiries (id, contact_id, conversation_id, course_name, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.ContactID, nullString(e.ConversationID), e.CourseName, e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert enquiry: %w", err)
	}
	return nil
}

// CreateBooking records a consultation booking request.
func (s *PostgresStore) CreateBooking(ctx context.Context, b *domain.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bookings (id, contact_id, conversation_id, concern, preferred_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.ContactID, nullString(b.ConversationID), b.Concern, nullString(b.PreferredTime), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// CreateTask queues a follow-up task for staff.
func (s *PostgresStore) CreateTask(ctx context.Context, t *domain.FollowUpTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, contact_id, booking_id, title, description, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		t.ID, t.ContactID, nullString(t.BookingID), t.Title, t.Description, t.Priority, string(t.Status), now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a follow-up task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*domain.FollowUpTask, error) {
	var t domain.FollowUpTask
	var bookingID, description *string
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, contact_id, booking_id, title, description, priority, status, created_at, updated_at
		FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.ContactID, &bookingID, &t.Title, &description, &t.Priority, &status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.BookingID = deref(bookingID)
	t.Description = deref(description)
	t.Status = domain.TaskStatus(status)
	return &t, nil
}

// UpdateTaskStatus changes the status of a follow-up task.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	return s.execOne(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
}

// ReplaceCatalog atomically replaces all catalog items.
func (s *PostgresStore) ReplaceCatalog(ctx context.Context, items []domain.CatalogItem) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM catalog_items`); err != nil {
			return fmt.Errorf("clear catalog: %w", err)
		}
		batch := &pgx.Batch{}
		now := time.Now().UTC()
		for i, item := range items {
			batch.Queue(`
				INSERT INTO catalog_items (id, position, title, category, description, level, duration,
					price_amount, currency, location, upcoming_sessions, published, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				item.ID, i, item.Title, item.Category, item.Description, item.Level, item.Duration,
				item.PriceAmount, item.Currency, item.Location, item.UpcomingSessions, item.Published, now)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert catalog items: %w", err)
		}
		return nil
	})
}

// ListPublishedCatalog returns published items, optionally filtered by category.
func (s *PostgresStore) ListPublishedCatalog(ctx context.Context, category string, limit int) ([]domain.CatalogItem, error) {
	query := `SELECT id, title, category, COALESCE(description, ''), COALESCE(level, ''), COALESCE(duration, ''),
		COALESCE(price_amount, ''), COALESCE(currency, ''), COALESCE(location, ''), upcoming_sessions, updated_at
		FROM catalog_items WHERE published`
	var args []any
	if category != "" && category != "all" {
		args = append(args, category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	query += " ORDER BY position ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var items []domain.CatalogItem
	for rows.Next() {
		var item domain.CatalogItem
		if err := rows.Scan(&item.ID, &item.Title, &item.Category, &item.Description, &item.Level, &item.Duration,
			&item.PriceAmount, &item.Currency, &item.Location, &item.UpcomingSessions, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan catalog item: %w", err)
		}
		item.Published = true
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}
	return items, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeJSONB(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
