package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hawkins-trichology/concierge/internal/metrics"
)

// MemoryQueue is a process-local Queue for single-instance deployments.
// Jobs are lost on restart.
type MemoryQueue struct {
	jobs       chan Job
	done       chan struct{}
	closeOnce  sync.Once
	workers    int
	maxDeliver int
	retryDelay time.Duration
	logger     *slog.Logger
}

// MemoryQueueOption configures a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithRetryDelay sets the delay before a failed job is redelivered.
func WithRetryDelay(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) { q.retryDelay = d }
}

// NewMemoryQueue creates a queue buffering up to size jobs.
func NewMemoryQueue(size int, logger *slog.Logger, opts ...MemoryQueueOption) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemoryQueue{
		jobs:       make(chan Job, size),
		done:       make(chan struct{}),
		workers:    2,
		maxDeliver: DefaultMaxDeliver,
		retryDelay: time.Second,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements Enqueuer. It blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", job.Kind, ctx.Err())
	}
}

// Run implements Queue.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for range q.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, h)
		}()
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) work(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case job := <-q.jobs:
			job.Attempt++
			err := h.Handle(ctx, job)
			if !settle(q.logger, job, err, q.maxDeliver) {
				q.redeliver(job)
			}
		}
	}
}

func (q *MemoryQueue) redeliver(job Job) {
	time.AfterFunc(q.retryDelay, func() {
		select {
		case q.jobs <- job:
		case <-q.done:
		}
	})
}

// Close stops workers. Buffered jobs are dropped.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// settle records the outcome of one delivery and reports whether the job is
// finished (succeeded, permanently failed or out of attempts).
func settle(logger *slog.Logger, job Job, err error, maxDeliver int) bool {
	kind := string(job.Kind)
	switch {
	case err == nil:
		metrics.JobsProcessed.WithLabelValues(kind, "ok").Inc()
		logger.Debug("job completed", "job_id", job.ID, "kind", kind, "attempt", job.Attempt)
		return true
	case IsPermanent(err) || job.Attempt >= maxDeliver:
		metrics.JobsProcessed.WithLabelValues(kind, "dropped").Inc()
		logger.Error("job failed permanently", "job_id", job.ID, "kind", kind, "ref", job.Ref,
			"attempt", job.Attempt, "error", err)
		return true
	default:
		metrics.JobsProcessed.WithLabelValues(kind, "retry").Inc()
		logger.Warn("job failed, will retry", "job_id", job.ID, "kind", kind, "attempt", job.Attempt, "error", err)
		return false
	}
}
