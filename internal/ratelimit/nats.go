package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const casAttempts = 5

// KVLimiter is a fixed-window counter shared by every instance through a
// NATS KeyValue bucket. Counters expire with the bucket TTL.
type KVLimiter struct {
	kv     jetstream.KeyValue
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewKVLimiter creates or updates the bucket and returns a limiter allowing
// limit requests per window.
func NewKVLimiter(ctx context.Context, js jetstream.JetStream, bucket string, limit int, window time.Duration) (*KVLimiter, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Concierge chat rate limit windows",
		History:     1,
		TTL:         2 * window,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", bucket, err)
	}
	return &KVLimiter{kv: kv, limit: limit, window: window, now: time.Now}, nil
}

// Allow implements Limiter. Concurrent increments are resolved with
// revision-checked updates.
func (l *KVLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.windowKey(key)

	var lastErr error
	for range casAttempts {
		entry, err := l.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			_, err = l.kv.Create(ctx, k, []byte("1"))
			if err == nil {
				return true, nil
			}
			if errors.Is(err, jetstream.ErrKeyExists) {
				lastErr = err
				continue
			}
			return false, fmt.Errorf("create window %s: %w", k, err)
		}
		if err != nil {
			return false, fmt.Errorf("get window %s: %w", k, err)
		}

		count, err := strconv.Atoi(string(entry.Value()))
		if err != nil {
			return false, fmt.Errorf("corrupt window %s: %w", k, err)
		}
		if count >= l.limit {
			return false, nil
		}
		if _, err := l.kv.Update(ctx, k, []byte(strconv.Itoa(count+1)), entry.Revision()); err != nil {
			lastErr = err
			continue
		}
		return true, nil
	}
	return false, fmt.Errorf("increment window %s: %w", k, lastErr)
}

func (l *KVLimiter) windowKey(key string) string {
	window := l.now().UnixNano() / int64(l.window)
	return sanitizeKey(key) + "." + strconv.FormatInt(window, 10)
}

// sanitizeKey maps characters outside the KV key alphabet to '_'.
func sanitizeKey(key string) string {
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			return r
		default:
			return '_'
		}
	}, key)
}
