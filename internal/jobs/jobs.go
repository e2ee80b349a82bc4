// Package jobs runs background work with at-least-once delivery.
//
// A job carries only an opaque reference (a conversation or task id) that the
// handler resolves against persistence when it runs, so redelivered jobs must
// be idempotent.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a job type.
type Kind string

const (
	// KindConversationTitle derives a conversation title from its first reply.
	KindConversationTitle Kind = "conversation.title"
	// KindStaffNotify tells staff about a new follow-up task.
	KindStaffNotify Kind = "staff.notify"
)

// DefaultMaxDeliver bounds redelivery of failing jobs.
const DefaultMaxDeliver = 3

var (
	// ErrClosed is returned when enqueuing on a closed queue.
	ErrClosed = errors.New("jobs: queue closed")
	// ErrUnknownKind is returned by Mux for kinds without a handler.
	ErrUnknownKind = errors.New("jobs: unknown kind")
)

// Job is one unit of background work.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Ref        string    `json:"ref"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// Attempt is the 1-based delivery count, set by the queue.
	Attempt int `json:"-"`
}

// New returns a job of kind referencing ref.
func New(kind Kind, ref string) Job {
	return Job{ID: uuid.NewString(), Kind: kind, Ref: ref, EnqueuedAt: time.Now().UTC()}
}

// Enqueuer accepts jobs for later execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler processes a job. Returning an error requests redelivery unless the
// error is marked Permanent.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Queue is an Enqueuer that also dispatches jobs to a Handler.
type Queue interface {
	Enqueuer
	// Run dispatches jobs until ctx is cancelled or the queue is closed.
	Run(ctx context.Context, h Handler) error
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Mux routes jobs to handlers by kind.
type Mux struct {
	handlers map[Kind]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Handler)}
}

// Register registers h for kind.
func (m *Mux) Register(kind Kind, h Handler) {
	m.handlers[kind] = h
}

// RegisterFunc registers fn for kind.
func (m *Mux) RegisterFunc(kind Kind, fn func(ctx context.Context, job Job) error) {
	m.handlers[kind] = HandlerFunc(fn)
}

// Handle implements Handler.
func (m *Mux) Handle(ctx context.Context, job Job) error {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
	}
	return h.Handle(ctx, job)
}
