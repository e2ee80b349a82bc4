// Package chat relays visitor utterances to the hosted model and streams the
// reply back as StreamEvents, executing any actions the model requests.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hawkins-trichology/concierge/internal/actions"
	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/jobs"
	"github.com/hawkins-trichology/concierge/internal/llm"
	"github.com/hawkins-trichology/concierge/internal/metrics"
	"github.com/hawkins-trichology/concierge/internal/store"
	"github.com/hawkins-trichology/concierge/internal/stream"
)

// User-facing terminal error messages.
const (
	msgConversationNotFound = "conversation not found"
	msgConversationFailed   = "failed to load conversation"
	msgSaveFailed           = "failed to save message"
	msgUpstreamUnavailable  = "the assistant is temporarily unavailable, please try again"
	msgUpstreamFailed       = "the assistant could not complete this reply"
	msgInternal             = "internal error"
)

// Store is the persistence the relay needs.
type Store interface {
	CatalogLister
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	FindOpenConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	SetConversationContact(ctx context.Context, id, contactID string) error
	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Executor runs a model-requested action and records its audit entry.
type Executor interface {
	ExecuteTool(ctx context.Context, conversationID, function, arguments string) (*actions.Outcome, error)
}

// RelayConfig tunes model requests.
type RelayConfig struct {
	Model        string
	Temperature  float32
	HistoryLimit int
	Persona      Persona
}

// Relay turns one utterance into a stream of events.
type Relay struct {
	store    Store
	provider llm.Provider
	executor Executor
	jobs     jobs.Enqueuer
	prompt   *PromptBuilder
	tools    []llm.ToolDefinition
	cfg      RelayConfig
	logger   *slog.Logger
}

// NewRelay creates a Relay. q may be nil, in which case no background jobs are scheduled.
func NewRelay(s Store, provider llm.Provider, executor Executor, q jobs.Enqueuer, cfg RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Relay{
		store:    s,
		provider: provider,
		executor: executor,
		jobs:     q,
		prompt:   NewPromptBuilder(cfg.Persona, s, logger),
		tools:    actions.Definitions(cfg.Persona.PractitionerName),
		cfg:      cfg,
		logger:   logger,
	}
}

// Turn runs one chat turn. The sequence ends with exactly one terminal event
// (done or error) unless ctx is cancelled or the consumer stops early, in which
// case the turn is abandoned without persisting the partial reply.
//
// The request must already be validated.
func (r *Relay) Turn(ctx context.Context, req SendRequest) iter.Seq[stream.Event] {
	return func(yield func(stream.Event) bool) {
		t := &turn{
			relay:   r,
			req:     req,
			yield:   yield,
			started: time.Now(),
			logger:  r.logger,
		}
		defer t.finish()
		t.run(ctx)
	}
}

type turn struct {
	relay   *Relay
	req     SendRequest
	yield   func(stream.Event) bool
	started time.Time
	logger  *slog.Logger

	conv     *domain.Conversation
	reply    strings.Builder
	calls    []map[string]any
	terminal bool
	stopped  bool
	inYield  bool
	outcome  string
}

func (t *turn) convID() string {
	if t.conv != nil {
		return t.conv.ID
	}
	return t.req.ConversationID
}

// emit forwards an event and reports whether the turn may continue.
func (t *turn) emit(ev stream.Event) bool {
	if t.terminal || t.stopped {
		return false
	}
	if ev.IsTerminal() {
		t.terminal = true
	}
	metrics.StreamEvents.WithLabelValues(string(ev.Type)).Inc()

	t.inYield = true
	ok := t.yield(ev)
	t.inYield = false
	if !ok {
		t.stopped = true
	}
	return ok && !t.terminal
}

func (t *turn) fail(message string) {
	t.outcome = "error"
	t.emit(stream.Error(t.convID(), message))
}

func (t *turn) abort() {
	t.outcome = "aborted"
	t.logger.Info("chat turn abandoned by client", "conversation_id", t.convID())
}

func (t *turn) finish() {
	if p := recover(); p != nil {
		if t.inYield {
			panic(p)
		}
		t.logger.Error("chat turn panicked",
			"conversation_id", t.convID(),
			"panic", p,
			"stack", string(debug.Stack()),
		)
		t.fail(msgInternal)
	}
	if t.outcome == "" {
		switch {
		case t.terminal:
			t.outcome = "done"
		default:
			t.outcome = "aborted"
		}
	}
	metrics.ChatTurns.WithLabelValues(t.outcome).Inc()
	metrics.ChatTurnDuration.Observe(time.Since(t.started).Seconds())
}

func (t *turn) run(ctx context.Context) {
	r := t.relay

	conv, err := r.resolveConversation(ctx, t.req)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			t.fail(msgConversationNotFound)
			return
		}
		if ctx.Err() != nil {
			t.abort()
			return
		}
		t.logger.Error("resolve conversation", "conversation_id", t.req.ConversationID, "error", err)
		t.fail(msgConversationFailed)
		return
	}
	t.conv = conv
	t.logger = t.logger.With("conversation_id", conv.ID)

	history, err := r.store.ListMessages(ctx, conv.ID, r.cfg.HistoryLimit)
	if err != nil {
		t.logger.Error("load history", "error", err)
		t.fail(msgConversationFailed)
		return
	}

	userMsg := &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        t.req.Message,
		Metadata:       t.req.Metadata,
	}
	if err := r.store.AppendMessage(ctx, userMsg); err != nil {
		if ctx.Err() != nil {
			t.abort()
			return
		}
		t.logger.Error("append user message", "error", err)
		t.fail(msgSaveFailed)
		return
	}

	completion := llm.CompletionRequest{
		Model:       r.cfg.Model,
		Messages:    r.modelInput(ctx, history, t.req.Message),
		Tools:       r.tools,
		Temperature: r.cfg.Temperature,
	}

	var acc ToolCallAccumulator
	for delta, err := range r.provider.Stream(ctx, completion) {
		if err != nil {
			if ctx.Err() != nil {
				t.abort()
				return
			}
			t.logger.Error("completion stream failed",
				"provider", r.provider.Name(),
				"transient", llm.IsTransient(err),
				"error", err,
			)
			if llm.IsTransient(err) {
				t.fail(msgUpstreamUnavailable)
			} else {
				t.fail(msgUpstreamFailed)
			}
			return
		}
		if delta.Content != "" {
			t.reply.WriteString(delta.Content)
			if !t.emit(stream.Content(conv.ID, delta.Content)) {
				t.abort()
				return
			}
		}
		for _, frag := range delta.ToolCalls {
			if err := acc.Add(frag); err != nil {
				t.logger.Warn("dropping tool call fragment", "index", frag.Index, "error", err)
			}
		}
		if delta.FinishReason == llm.FinishLength {
			t.logger.Warn("completion truncated at token limit")
		}
	}
	if ctx.Err() != nil {
		t.abort()
		return
	}

	for _, call := range acc.Complete() {
		if !t.runAction(ctx, call) {
			t.abort()
			return
		}
	}

	if err := t.persistReply(ctx); err != nil {
		if ctx.Err() != nil {
			t.abort()
			return
		}
		t.logger.Error("append assistant message", "error", err)
		t.fail(msgSaveFailed)
		return
	}
	if conv.Title == "" || conv.Title == domain.DefaultTitle {
		r.enqueue(ctx, jobs.New(jobs.KindConversationTitle, conv.ID))
	}
	t.emit(stream.Done(conv.ID))
}

// runAction executes one tool call outside the request's cancellation so an
// action that started always reaches its audit record.
func (t *turn) runAction(ctx context.Context, call ToolCall) bool {
	convID := t.conv.ID
	record := map[string]any{"name": call.Name, "arguments": call.Arguments}
	t.calls = append(t.calls, record)

	outcome, err := t.relay.executor.ExecuteTool(context.WithoutCancel(ctx), convID, call.Name, call.Arguments)
	if outcome != nil && outcome.Invocation != nil {
		record["invocationId"] = outcome.Invocation.ID
		record["status"] = string(outcome.Invocation.Status)
	}
	if err != nil {
		record["error"] = err.Error()
		t.logger.Warn("action failed", "action", call.Name, "error", err)
		return t.emit(stream.ActionError(convID, call.Name, fmt.Sprintf("Failed to run %s: %v", call.Name, err)))
	}

	ack := outcome.Ack
	if ack != "" && t.reply.Len() > 0 {
		ack = "\n\n" + ack
	}
	t.reply.WriteString(ack)
	return t.emit(stream.FunctionCall(convID, outcome.Function, outcome.Result, ack))
}

func (t *turn) persistReply(ctx context.Context) error {
	if t.reply.Len() == 0 {
		return nil
	}
	msg := &domain.Message{
		ConversationID: t.conv.ID,
		Role:           domain.RoleAssistant,
		Content:        t.reply.String(),
	}
	if len(t.calls) > 0 {
		msg.Metadata = map[string]any{"functionCalls": t.calls}
	}
	return t.relay.store.AppendMessage(ctx, msg)
}

// resolveConversation loads the addressed conversation, resumes the session's
// open conversation, or creates a new one.
func (r *Relay) resolveConversation(ctx context.Context, req SendRequest) (*domain.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := r.store.GetConversation(ctx, req.ConversationID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get conversation: %w", err)
		}
		return r.linkContact(ctx, conv, req.ContactID), nil
	}

	if req.SessionID != "" {
		conv, err := r.store.FindOpenConversationBySession(ctx, req.SessionID)
		switch {
		case err == nil && conv.IsOpen():
			return r.linkContact(ctx, conv, req.ContactID), nil
		case err == nil:
			r.logger.Info("session conversation no longer open", "conversation_id", conv.ID, "status", conv.Status)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("find session conversation: %w", err)
		}
	}

	conv := &domain.Conversation{
		SessionID: req.SessionID,
		ContactID: req.ContactID,
		Title:     domain.DefaultTitle,
		Status:    domain.ConversationActive,
		Metadata:  req.Metadata,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	r.logger.Info("conversation created", "conversation_id", conv.ID, "session_id", conv.SessionID)
	return conv, nil
}

func (r *Relay) linkContact(ctx context.Context, conv *domain.Conversation, contactID string) *domain.Conversation {
	if contactID == "" || conv.ContactID != "" {
		return conv
	}
	if err := r.store.SetConversationContact(ctx, conv.ID, contactID); err != nil {
		r.logger.Warn("link conversation contact", "conversation_id", conv.ID, "error", err)
		return conv
	}
	conv.ContactID = contactID
	return conv
}

func (r *Relay) modelInput(ctx context.Context, history []domain.Message, utterance string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: r.prompt.Build(ctx)})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: modelRole(m.Role), Content: m.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: utterance})
}

func modelRole(role domain.Role) string {
	switch role {
	case domain.RoleAssistant:
		return llm.RoleAssistant
	case domain.RoleSystem:
		return llm.RoleSystem
	default:
		return llm.RoleUser
	}
}

func (r *Relay) enqueue(ctx context.Context, job jobs.Job) {
	if r.jobs == nil {
		return
	}
	if err := r.jobs.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		r.logger.Warn("enqueue job", "kind", job.Kind, "ref", job.Ref, "error", err)
	}
}
