package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runQueue(t *testing.T, q Queue, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		_ = q.Close()
		<-done
	})
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job")
	}
}

func TestMemoryQueueDeliversJob(t *testing.T) {
	q := NewMemoryQueue(4, quietLogger())
	handled := make(chan struct{})
	var got Job
	runQueue(t, q, HandlerFunc(func(_ context.Context, job Job) error {
		got = job
		close(handled)
		return nil
	}))

	job := New(KindConversationTitle, "conv-1")
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, handled)

	if got.ID != job.ID || got.Ref != "conv-1" {
		t.Errorf("handled job = %+v, want %+v", got, job)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", got.Attempt)
	}
}

func TestMemoryQueueRetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(4, quietLogger(), WithWorkers(1), WithRetryDelay(10*time.Millisecond))
	var attempts atomic.Int32
	handled := make(chan struct{})
	runQueue(t, q, HandlerFunc(func(_ context.Context, job Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		if job.Attempt != 3 {
			t.Errorf("Attempt = %d, want 3", job.Attempt)
		}
		close(handled)
		return nil
	}))

	if err := q.Enqueue(context.Background(), New(KindStaffNotify, "task-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, handled)
}

func TestMemoryQueueDropsPermanentFailure(t *testing.T) {
	q := NewMemoryQueue(4, quietLogger(), WithWorkers(1), WithRetryDelay(10*time.Millisecond))
	var attempts atomic.Int32
	second := make(chan struct{})
	runQueue(t, q, HandlerFunc(func(_ context.Context, job Job) error {
		if job.Ref == "bad" {
			attempts.Add(1)
			return Permanent(errors.New("no such record"))
		}
		close(second)
		return nil
	}))

	_ = q.Enqueue(context.Background(), New(KindStaffNotify, "bad"))
	_ = q.Enqueue(context.Background(), New(KindStaffNotify, "good"))
	waitFor(t, second)

	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Errorf("permanent failure attempted %d times, want 1", n)
	}
}

func TestMemoryQueueGivesUpAfterMaxDeliver(t *testing.T) {
	q := NewMemoryQueue(4, quietLogger(), WithWorkers(1), WithRetryDelay(5*time.Millisecond))
	var attempts atomic.Int32
	runQueue(t, q, HandlerFunc(func(context.Context, Job) error {
		attempts.Add(1)
		return errors.New("always failing")
	}))

	_ = q.Enqueue(context.Background(), New(KindConversationTitle, "conv"))
	time.Sleep(200 * time.Millisecond)
	if n := attempts.Load(); n != DefaultMaxDeliver {
		t.Errorf("attempts = %d, want %d", n, DefaultMaxDeliver)
	}
}

func TestMemoryQueueEnqueueAfterClose(t *testing.T) {
	q := NewMemoryQueue(1, quietLogger())
	_ = q.Close()
	if err := q.Enqueue(context.Background(), New(KindStaffNotify, "x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() error = %v, want ErrClosed", err)
	}
}

func TestMemoryQueueEnqueueRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1, quietLogger())
	defer q.Close()
	_ = q.Enqueue(context.Background(), New(KindStaffNotify, "fills buffer"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, New(KindStaffNotify, "blocked")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Enqueue() error = %v, want DeadlineExceeded", err)
	}
}

func TestMuxUnknownKindIsPermanent(t *testing.T) {
	m := NewMux()
	m.RegisterFunc(KindStaffNotify, func(context.Context, Job) error { return nil })

	if err := m.Handle(context.Background(), New(KindStaffNotify, "x")); err != nil {
		t.Errorf("registered kind error = %v", err)
	}
	err := m.Handle(context.Background(), Job{Kind: "mystery"})
	if !errors.Is(err, ErrUnknownKind) || !IsPermanent(err) {
		t.Errorf("unknown kind error = %v, want permanent ErrUnknownKind", err)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

type fakeWorkerStore struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	messages      map[string][]domain.Message
	tasks         map[string]*domain.FollowUpTask
	getTaskErr    error
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]domain.Message),
		tasks:         make(map[string]*domain.FollowUpTask),
	}
}

func (s *fakeWorkerStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeWorkerStore) ListMessages(_ context.Context, conversationID string, _ int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages[conversationID]...), nil
}

func (s *fakeWorkerStore) SetConversationTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Title = title
	return nil
}

func (s *fakeWorkerStore) GetTask(_ context.Context, id string) (*domain.FollowUpTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getTaskErr != nil {
		return nil, s.getTaskErr
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *fakeWorkerStore) UpdateTaskStatus(_ context.Context, id string, status domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Status = status
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (n *recordingNotifier) NotifyTask(_ context.Context, task *domain.FollowUpTask) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.tasks = append(n.tasks, task.ID)
	return nil
}

func TestConversationTitle(t *testing.T) {
	ctx := context.Background()
	s := newFakeWorkerStore()
	s.conversations["c1"] = &domain.Conversation{ID: "c1", Title: domain.DefaultTitle}
	s.messages["c1"] = []domain.Message{
		{Role: domain.RoleSystem, Content: "You are a helpful assistant."},
		{Role: domain.RoleUser, Content: "Hi"},
		{Role: domain.RoleAssistant, Content: "Hello! How can I help with your hair today?"},
	}
	s.conversations["titled"] = &domain.Conversation{ID: "titled", Title: "Already named"}
	s.conversations["empty"] = &domain.Conversation{ID: "empty", Title: domain.DefaultTitle}

	w := NewWorkers(s, nil, quietLogger())

	if err := w.ConversationTitle(ctx, New(KindConversationTitle, "c1")); err != nil {
		t.Fatalf("ConversationTitle() error = %v", err)
	}
	if got := s.conversations["c1"].Title; got != "Hello! How can I help with your hair today?" {
		t.Errorf("title = %q", got)
	}

	if err := w.ConversationTitle(ctx, New(KindConversationTitle, "titled")); err != nil {
		t.Fatalf("titled conversation error = %v", err)
	}
	if got := s.conversations["titled"].Title; got != "Already named" {
		t.Errorf("existing title overwritten: %q", got)
	}

	if err := w.ConversationTitle(ctx, New(KindConversationTitle, "missing")); !IsPermanent(err) {
		t.Errorf("missing conversation error = %v, want permanent", err)
	}
	if err := w.ConversationTitle(ctx, New(KindConversationTitle, "empty")); !IsPermanent(err) {
		t.Errorf("conversation without reply error = %v, want permanent", err)
	}
}

func TestStaffNotify(t *testing.T) {
	ctx := context.Background()
	s := newFakeWorkerStore()
	s.tasks["t1"] = &domain.FollowUpTask{ID: "t1", Title: "Follow up", Status: domain.TaskPending}
	s.tasks["done"] = &domain.FollowUpTask{ID: "done", Status: domain.TaskNotified}
	n := &recordingNotifier{}
	w := NewWorkers(s, n, quietLogger())

	if err := w.StaffNotify(ctx, New(KindStaffNotify, "t1")); err != nil {
		t.Fatalf("StaffNotify() error = %v", err)
	}
	if s.tasks["t1"].Status != domain.TaskNotified {
		t.Errorf("status = %s, want NOTIFIED", s.tasks["t1"].Status)
	}

	// Redelivery after success is a no-op.
	if err := w.StaffNotify(ctx, New(KindStaffNotify, "t1")); err != nil {
		t.Fatalf("redelivered StaffNotify() error = %v", err)
	}
	if err := w.StaffNotify(ctx, New(KindStaffNotify, "done")); err != nil {
		t.Fatalf("notified task error = %v", err)
	}
	if len(n.tasks) != 1 || n.tasks[0] != "t1" {
		t.Errorf("notified tasks = %v, want [t1]", n.tasks)
	}

	if err := w.StaffNotify(ctx, New(KindStaffNotify, "missing")); !IsPermanent(err) {
		t.Errorf("missing task error = %v, want permanent", err)
	}
}

func TestStaffNotifyFailureIsRetryable(t *testing.T) {
	s := newFakeWorkerStore()
	s.tasks["t1"] = &domain.FollowUpTask{ID: "t1", Status: domain.TaskPending}
	w := NewWorkers(s, &recordingNotifier{err: errors.New("smtp down")}, quietLogger())

	err := w.StaffNotify(context.Background(), New(KindStaffNotify, "t1"))
	if err == nil || IsPermanent(err) {
		t.Fatalf("error = %v, want retryable", err)
	}
	if s.tasks["t1"].Status != domain.TaskPending {
		t.Errorf("status = %s, want PENDING", s.tasks["t1"].Status)
	}
}

func TestWorkersMuxThroughMemoryQueue(t *testing.T) {
	s := newFakeWorkerStore()
	s.tasks["t1"] = &domain.FollowUpTask{ID: "t1", Status: domain.TaskPending}
	notified := make(chan struct{})
	n := notifierFunc(func(context.Context, *domain.FollowUpTask) error {
		close(notified)
		return nil
	})

	q := NewMemoryQueue(4, quietLogger())
	runQueue(t, q, NewWorkers(s, n, quietLogger()).Mux())

	if err := q.Enqueue(context.Background(), New(KindStaffNotify, "t1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, notified)
}

type notifierFunc func(ctx context.Context, task *domain.FollowUpTask) error

func (f notifierFunc) NotifyTask(ctx context.Context, task *domain.FollowUpTask) error {
	return f(ctx, task)
}

func TestWebhookNotifier(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	var received map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	task := &domain.FollowUpTask{ID: "t1", Title: "Follow up on consultation booking", Priority: "HIGH"}

	if err := n.NotifyTask(context.Background(), task); err != nil {
		t.Fatalf("NotifyTask() error = %v", err)
	}
	if received["event"] != "task.created" {
		t.Errorf("event = %v", received["event"])
	}

	status.Store(http.StatusServiceUnavailable)
	if err := n.NotifyTask(context.Background(), task); err == nil || IsPermanent(err) {
		t.Errorf("503 error = %v, want retryable", err)
	}

	status.Store(http.StatusBadRequest)
	if err := n.NotifyTask(context.Background(), task); !IsPermanent(err) {
		t.Errorf("400 error = %v, want permanent", err)
	}
}

type fakeArchiver struct {
	before time.Time
	calls  int
	err    error
}

func (a *fakeArchiver) ArchiveInactiveConversations(_ context.Context, before time.Time) (int64, error) {
	a.calls++
	a.before = before
	return 2, a.err
}

func TestSweepInactiveConversations(t *testing.T) {
	a := &fakeArchiver{}
	sweepInactiveConversations(context.Background(), a, time.Hour, quietLogger())

	if a.calls != 1 {
		t.Fatalf("calls = %d, want 1", a.calls)
	}
	if age := time.Since(a.before); age < time.Hour || age > time.Hour+time.Minute {
		t.Errorf("cutoff age = %v, want about 1h", age)
	}

	a.err = errors.New("db locked")
	sweepInactiveConversations(context.Background(), a, time.Hour, quietLogger())
	if a.calls != 2 {
		t.Errorf("calls = %d, want 2", a.calls)
	}
}

func TestSubjectFor(t *testing.T) {
	if got := subjectFor(KindConversationTitle); got != "concierge.jobs.conversation_title" {
		t.Errorf("subjectFor() = %q", got)
	}
}

func TestJetStreamQueue(t *testing.T) {
	url := os.Getenv("CONCIERGE_TEST_NATS_URL")
	if url == "" {
		t.Skip("CONCIERGE_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats.Connect() error = %v", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream.New() error = %v", err)
	}

	ctx := context.Background()
	name := "CONCIERGE_JOBS_TEST"
	t.Cleanup(func() { _ = js.DeleteStream(context.Background(), name) })

	q, err := NewJetStreamQueue(ctx, js, name, quietLogger())
	if err != nil {
		t.Fatalf("NewJetStreamQueue() error = %v", err)
	}

	var attempts atomic.Int32
	handled := make(chan struct{})
	runQueue(t, q, HandlerFunc(func(_ context.Context, job Job) error {
		if attempts.Add(1) == 1 {
			return errors.New("first delivery fails")
		}
		if job.Attempt < 2 {
			t.Errorf("Attempt = %d, want >= 2", job.Attempt)
		}
		close(handled)
		return nil
	}))

	if err := q.Enqueue(ctx, New(KindConversationTitle, "conv-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case <-handled:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
}
