package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	subjectPrefix = "concierge.jobs."
	consumerName  = "concierge-workers"
	jobAckWait    = 60 * time.Second
	fetchMaxWait  = 5 * time.Second
)

// JetStreamQueue is a Queue backed by a NATS JetStream work-queue stream.
// Redelivery is handled by the server through explicit acks and MaxDeliver.
type JetStreamQueue struct {
	js         jetstream.JetStream
	stream     jetstream.Stream
	maxDeliver int
	retryDelay time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewJetStreamQueue creates or updates the jobs stream.
func NewJetStreamQueue(ctx context.Context, js jetstream.JetStream, streamName string, logger *slog.Logger) (*JetStreamQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "Concierge background jobs",
		Subjects:    []string{subjectPrefix + ">"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update stream %s: %w", streamName, err)
	}
	return &JetStreamQueue{
		js:         js,
		stream:     stream,
		maxDeliver: DefaultMaxDeliver,
		retryDelay: 5 * time.Second,
		logger:     logger,
	}, nil
}

// Enqueue implements Enqueuer. The job id doubles as the message id so a
// retried publish within the duplicate window is stored once.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.js.Publish(ctx, subjectFor(job.Kind), data, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("publish job %s: %w", job.Kind, err)
	}
	return nil
}

// Run implements Queue.
func (q *JetStreamQueue) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       jobAckWait,
		MaxDeliver:    q.maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	q.logger.Info("job consumer started", "consumer", consumerName)
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Debug("job fetch failed", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			q.handleMessage(ctx, h, msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			q.logger.Warn("job fetch error", "error", err)
		}
	}
}

func (q *JetStreamQueue) handleMessage(ctx context.Context, h Handler, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("failed to decode job", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			q.logger.Warn("failed to terminate message", "error", err)
		}
		return
	}
	job.Attempt = 1
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	if settle(q.logger, job, h.Handle(ctx, job), q.maxDeliver) {
		if err := msg.Ack(); err != nil {
			q.logger.Warn("failed to ack job", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := msg.NakWithDelay(q.retryDelay); err != nil {
		q.logger.Warn("failed to nak job", "job_id", job.ID, "error", err)
	}
}

// Close stops a running consumer loop. The NATS connection is owned by the caller.
func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	return nil
}

func subjectFor(kind Kind) string {
	return subjectPrefix + strings.ReplaceAll(string(kind), ".", "_")
}
