package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkins-trichology/concierge/internal/actions"
	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/jobs"
	"github.com/hawkins-trichology/concierge/internal/llm"
	"github.com/hawkins-trichology/concierge/internal/store"
	"github.com/hawkins-trichology/concierge/internal/stream"
)

const bookingAck = "✓ Your consultation request has been received. The team will contact you within 24 hours to confirm your appointment."

type recordingQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) kinds() []jobs.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]jobs.Kind, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.Kind)
	}
	return out
}

type relayFixture struct {
	store    *store.SQLiteStore
	provider *llm.ScriptedProvider
	queue    *recordingQueue
	relay    *Relay
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRelayFixture(t *testing.T, turns ...llm.ScriptedTurn) *relayFixture {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	provider := &llm.ScriptedProvider{Turns: turns}
	return newRelayFixtureWith(t, s, provider)
}

func newRelayFixtureWith(t *testing.T, s *store.SQLiteStore, provider llm.Provider) *relayFixture {
	t.Helper()
	q := &recordingQueue{}
	logger := quietLogger()
	exec := actions.NewExecutor(s, q, "Lorraine", logger)
	relay := NewRelay(s, provider, exec, q, RelayConfig{
		Model:        "test-model",
		Temperature:  0.7,
		HistoryLimit: 50,
		Persona:      Persona{PracticeName: "Hawkins Trichology", PractitionerName: "Lorraine"},
	}, logger)
	f := &relayFixture{store: s, queue: q, relay: relay}
	if sp, ok := provider.(*llm.ScriptedProvider); ok {
		f.provider = sp
	}
	return f
}

func collect(seq iter.Seq[stream.Event]) []stream.Event {
	var events []stream.Event
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func terminalCount(events []stream.Event) int {
	n := 0
	for _, ev := range events {
		if ev.IsTerminal() {
			n++
		}
	}
	return n
}

func (f *relayFixture) messages(t *testing.T, convID string) []domain.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), convID, 0)
	require.NoError(t, err)
	return msgs
}

func text(parts ...string) []llm.Delta {
	deltas := make([]llm.Delta, 0, len(parts)+1)
	for _, p := range parts {
		deltas = append(deltas, llm.Delta{Content: p})
	}
	return append(deltas, llm.Delta{FinishReason: llm.FinishStop})
}

func TestTurnStreamsContentAndPersistsReply(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: text("Hello", ", how can I help?")})

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Hi"}))
	require.Len(t, events, 3)
	assert.Equal(t, stream.EventContent, events[0].Type)
	assert.Equal(t, "Hello", events[0].Content)
	assert.Equal(t, ", how can I help?", events[1].Content)
	assert.Equal(t, stream.EventDone, events[2].Type)
	assert.Equal(t, 1, terminalCount(events))

	convID := events[2].ConversationID
	require.NotEmpty(t, convID)
	for _, ev := range events {
		assert.Equal(t, convID, ev.ConversationID)
	}

	msgs := f.messages(t, convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello, how can I help?", msgs[1].Content)

	invocations, err := f.store.ListActionInvocations(context.Background(), convID)
	require.NoError(t, err)
	assert.Empty(t, invocations, "a plain answer runs no actions")

	assert.Equal(t, []jobs.Kind{jobs.KindConversationTitle}, f.queue.kinds())
}

func TestTurnBooksConsultation(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: []llm.Delta{
		{Content: "Let me arrange that for you."},
		{ToolCalls: []llm.ToolCallFragment{{Index: 0, ID: "call_1", Name: actions.ToolBookConsultation, Arguments: `{"name":"Jane Doe","email":"jane@`}}},
		{ToolCalls: []llm.ToolCallFragment{{Index: 0, Arguments: `example.com","phone":"07700 900123",`}}},
		{ToolCalls: []llm.ToolCallFragment{{Index: 0, Arguments: `"concern":"Thinning at the crown"}`}}},
		{FinishReason: llm.FinishToolCalls},
	}})

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Please book me in", SessionID: "sess-a"}))
	require.Len(t, events, 3)
	assert.Equal(t, stream.EventContent, events[0].Type)

	call := events[1]
	assert.Equal(t, stream.EventFunctionCall, call.Type)
	assert.Equal(t, actions.ToolBookConsultation, call.Function)
	assert.Equal(t, "\n\n"+bookingAck, call.Message)
	var result map[string]any
	require.NoError(t, json.Unmarshal(call.Result, &result))
	assert.Equal(t, true, result["bookingRequested"])
	assert.NotEmpty(t, result["contactId"])

	assert.Equal(t, stream.EventDone, events[2].Type)
	convID := events[2].ConversationID

	msgs := f.messages(t, convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Let me arrange that for you.\n\n"+bookingAck, msgs[1].Content)
	require.Contains(t, msgs[1].Metadata, "functionCalls")

	invs, err := f.store.ListActionInvocations(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, domain.ActionCreateBooking, invs[0].Kind)
	assert.Equal(t, domain.ActionCompleted, invs[0].Status)

	contact, err := f.store.GetContactByEmail(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, result["contactId"], contact.ID)

	conv, err := f.store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, contact.ID, conv.ContactID)

	assert.ElementsMatch(t, []jobs.Kind{jobs.KindStaffNotify, jobs.KindConversationTitle}, f.queue.kinds())
}

func TestPureToolCallTurnPersistsAcknowledgment(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: []llm.Delta{
		{ToolCalls: []llm.ToolCallFragment{{Index: 0, ID: "c", Name: actions.ToolCreateContact,
			Arguments: `{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com"}`}}},
		{FinishReason: llm.FinishToolCalls},
	}})

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Save my details"}))
	require.Len(t, events, 2)
	assert.Equal(t, "✓ I've saved your details. Lorraine's team will be in touch soon.", events[0].Message)

	msgs := f.messages(t, events[1].ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, events[0].Message, msgs[1].Content)
}

func TestUnknownConversationFailsFast(t *testing.T) {
	f := newRelayFixture(t)

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Hello", ConversationID: "missing"}))
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventError, events[0].Type)
	assert.True(t, events[0].IsTerminal())
	assert.Equal(t, msgConversationNotFound, events[0].Error)
	assert.Equal(t, "missing", events[0].ConversationID)

	assert.Zero(t, f.provider.CallCount())
	assert.Empty(t, f.messages(t, "missing"))
	invs, err := f.store.ListActionInvocations(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func TestMalformedToolArgumentsAreIsolated(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: []llm.Delta{
		{Content: "Sure."},
		{ToolCalls: []llm.ToolCallFragment{{Index: 0, ID: "c", Name: actions.ToolBookConsultation, Arguments: `{"name":"Jane`}}},
		{FinishReason: llm.FinishToolCalls},
	}})

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Book me"}))
	require.Len(t, events, 3)
	assert.Equal(t, stream.EventContent, events[0].Type)
	assert.True(t, events[1].IsActionError())
	assert.False(t, events[1].IsTerminal())
	assert.Equal(t, actions.ToolBookConsultation, events[1].Function)
	assert.Equal(t, stream.EventDone, events[2].Type)
	assert.Equal(t, 1, terminalCount(events))

	convID := events[2].ConversationID
	invs, err := f.store.ListActionInvocations(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, domain.ActionFailed, invs[0].Status)
	var stored string
	require.NoError(t, json.Unmarshal(invs[0].Input, &stored))
	assert.Equal(t, `{"name":"Jane`, stored)

	msgs := f.messages(t, convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Sure.", msgs[1].Content)
	assert.Equal(t, 1, f.provider.CallCount(), "the model is not re-prompted")
}

func TestMultipleToolCallsRunInIndexOrder(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: []llm.Delta{
		{ToolCalls: []llm.ToolCallFragment{
			{Index: 1, ID: "b", Name: actions.ToolGetAvailableCourses, Arguments: `{"category":"all"}`},
			{Index: 0, ID: "a", Name: actions.ToolCreateContact, Arguments: `{"firstName":"Ada",`},
		}},
		{ToolCalls: []llm.ToolCallFragment{{Index: 0, Arguments: `"lastName":"L","email":"ada@example.com"}`}}},
		{FinishReason: llm.FinishToolCalls},
	}})

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Sign me up and list courses"}))
	require.Len(t, events, 3)
	assert.Equal(t, actions.ToolCreateContact, events[0].Function)
	assert.Equal(t, actions.ToolGetAvailableCourses, events[1].Function)
	assert.True(t, strings.HasPrefix(events[1].Message, "\n\n"))
	assert.Equal(t, stream.EventDone, events[2].Type)

	invs, err := f.store.ListActionInvocations(context.Background(), events[2].ConversationID)
	require.NoError(t, err)
	assert.Len(t, invs, 2)
}

func TestUpstreamFailureEndsTurnWithError(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{
		Deltas: []llm.Delta{{Content: "Partial"}},
		Err:    llm.NewTransientError(errors.New("502 bad gateway")),
	})

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Hello"}))
	require.Len(t, events, 2)
	assert.Equal(t, stream.EventContent, events[0].Type)
	assert.Equal(t, stream.EventError, events[1].Type)
	assert.Equal(t, msgUpstreamUnavailable, events[1].Error)

	msgs := f.messages(t, events[0].ConversationID)
	require.Len(t, msgs, 1, "the user message is durable, the partial reply is not")
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Empty(t, f.queue.kinds())
}

func TestFatalUpstreamError(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Err: llm.NewFatalError(errors.New("invalid api key"))})

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Hello"}))
	require.Len(t, events, 1)
	assert.Equal(t, msgUpstreamFailed, events[0].Error)
}

func TestCancelledTurnIsNotPersisted(t *testing.T) {
	hold := make(chan struct{})
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: []llm.Delta{{Content: "Thinking"}}, Hold: hold})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var events []stream.Event
	for ev := range f.relay.Turn(ctx, SendRequest{Message: "Hello"}) {
		events = append(events, ev)
		cancel()
	}
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventContent, events[0].Type)

	msgs := f.messages(t, events[0].ConversationID)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
}

func TestConsumerStoppingEarlyAbandonsTurn(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: text("one", "two", "three")})

	var convID string
	for ev := range f.relay.Turn(context.Background(), SendRequest{Message: "Hello"}) {
		convID = ev.ConversationID
		break
	}
	msgs := f.messages(t, convID)
	require.Len(t, msgs, 1)
	assert.Empty(t, f.queue.kinds())
}

type panicProvider struct{}

func (panicProvider) Name() string { return "panic" }

func (panicProvider) Stream(context.Context, llm.CompletionRequest) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		if !yield(llm.Delta{Content: "before"}, nil) {
			return
		}
		panic("provider exploded")
	}
}

func TestPanicBecomesTerminalError(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	f := newRelayFixtureWith(t, s, panicProvider{})

	events := collect(f.relay.Turn(context.Background(), SendRequest{Message: "Hello"}))
	require.Len(t, events, 2)
	assert.Equal(t, stream.EventContent, events[0].Type)
	assert.Equal(t, stream.EventError, events[1].Type)
	assert.Equal(t, msgInternal, events[1].Error)
}

func TestSessionResumesOpenConversation(t *testing.T) {
	f := newRelayFixture(t,
		llm.ScriptedTurn{Deltas: text("First reply")},
		llm.ScriptedTurn{Deltas: text("Second reply")},
	)
	ctx := context.Background()

	first := collect(f.relay.Turn(ctx, SendRequest{Message: "One", SessionID: "tab-9"}))
	second := collect(f.relay.Turn(ctx, SendRequest{Message: "Two", SessionID: "tab-9"}))
	require.Equal(t, first[len(first)-1].ConversationID, second[len(second)-1].ConversationID)

	convID := second[len(second)-1].ConversationID
	assert.Len(t, f.messages(t, convID), 4)

	reqs := f.provider.Requests()
	require.Len(t, reqs, 2)
	roles := make([]string, 0, len(reqs[1].Messages))
	for _, m := range reqs[1].Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}, roles)
	assert.Equal(t, "Two", reqs[1].Messages[3].Content)
}

// archivedSessionStore returns a fixed conversation for every session lookup,
// whatever its status.
type archivedSessionStore struct {
	*store.SQLiteStore
	conv *domain.Conversation
}

func (s archivedSessionStore) FindOpenConversationBySession(context.Context, string) (*domain.Conversation, error) {
	return s.conv, nil
}

func TestSessionNeverResumesArchivedConversation(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: text("Fresh start")})
	ctx := context.Background()

	archived := &domain.Conversation{SessionID: "tab-old", Status: domain.ConversationArchived}
	require.NoError(t, f.store.CreateConversation(ctx, archived))

	logger := quietLogger()
	relay := NewRelay(archivedSessionStore{SQLiteStore: f.store, conv: archived}, f.provider,
		actions.NewExecutor(f.store, f.queue, "Lorraine", logger), f.queue, RelayConfig{Model: "test-model"}, logger)

	events := collect(relay.Turn(ctx, SendRequest{Message: "Hello again", SessionID: "tab-old"}))
	require.Equal(t, stream.EventDone, events[len(events)-1].Type)

	convID := events[len(events)-1].ConversationID
	assert.NotEqual(t, archived.ID, convID, "an archived conversation is not resumed")
	assert.Len(t, f.messages(t, convID), 2)
	assert.Empty(t, f.messages(t, archived.ID))
}

func TestModelInputIncludesCatalogAndSystemHistory(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: text("Hello")})
	ctx := context.Background()

	require.NoError(t, f.store.ReplaceCatalog(ctx, []domain.CatalogItem{{
		ID: "video-foundations", Title: "Scalp Foundations", Category: "video",
		Description: "Core scalp science.", PriceAmount: "49", Currency: "GBP", Published: true,
	}}))
	conv := &domain.Conversation{SessionID: "sess-sys"}
	require.NoError(t, f.store.CreateConversation(ctx, conv))
	require.NoError(t, f.store.AppendMessage(ctx, &domain.Message{
		ConversationID: conv.ID, Role: domain.RoleSystem, Content: "Visitor arrived from the courses page.",
	}))

	events := collect(f.relay.Turn(ctx, SendRequest{Message: "What videos do you have?", ConversationID: conv.ID}))
	require.Equal(t, stream.EventDone, events[len(events)-1].Type)
	for _, ev := range events {
		assert.NotContains(t, ev.Content, "courses page", "system messages are never echoed")
	}

	reqs := f.provider.Requests()
	require.Len(t, reqs, 1)
	msgs := reqs[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Scalp Foundations")
	assert.Contains(t, msgs[0].Content, "£49")
	assert.Equal(t, llm.RoleSystem, msgs[1].Role)
	assert.Equal(t, "Visitor arrived from the courses page.", msgs[1].Content)
	assert.Len(t, reqs[0].Tools, 4)
	assert.InDelta(t, 0.7, reqs[0].Temperature, 0.001)
}

func TestTitleJobOnlyForUntitledConversations(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: text("Hi again")})
	ctx := context.Background()

	conv := &domain.Conversation{Title: "Scalp care questions"}
	require.NoError(t, f.store.CreateConversation(ctx, conv))

	events := collect(f.relay.Turn(ctx, SendRequest{Message: "Hello", ConversationID: conv.ID}))
	require.Equal(t, stream.EventDone, events[len(events)-1].Type)
	assert.Empty(t, f.queue.kinds())
}

func TestContactLinkedOnResume(t *testing.T) {
	f := newRelayFixture(t, llm.ScriptedTurn{Deltas: text("Welcome back")})
	ctx := context.Background()

	conv := &domain.Conversation{SessionID: "sess-link"}
	require.NoError(t, f.store.CreateConversation(ctx, conv))

	collect(f.relay.Turn(ctx, SendRequest{Message: "Hi", SessionID: "sess-link", ContactID: "contact-7"}))
	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "contact-7", got.ContactID)
}

// Two first messages racing on the same session key may each create a
// conversation; resolution does not lock across requests.
func TestConcurrentFirstMessagesMayCreateTwoConversations(t *testing.T) {
	f := newRelayFixture(t,
		llm.ScriptedTurn{Deltas: text("a")},
		llm.ScriptedTurn{Deltas: text("b")},
	)

	var wg sync.WaitGroup
	results := make([][]stream.Event, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = collect(f.relay.Turn(context.Background(), SendRequest{Message: "Hi", SessionID: "racy"}))
		}(i)
	}
	wg.Wait()

	for _, events := range results {
		require.NotEmpty(t, events)
		assert.Equal(t, stream.EventDone, events[len(events)-1].Type)
	}
	convs, err := f.store.ListConversations(context.Background(), domain.ConversationFilter{SessionID: "racy", Limit: 10})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(convs), 1)
	assert.LessOrEqual(t, len(convs), 2)
}
