// Package ratelimit throttles chat sends per visitor.
//
// Keys are visitor ids only, not visitor:session, so clients cannot bypass
// throttling by rotating session ids.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type visitorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a process-local token bucket per key. A bucket holds up to
// limit tokens and refills at limit per window.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitorLimiter
	limit    rate.Limit
	burst    int
	window   time.Duration
}

// NewMemoryLimiter creates a limiter allowing limit requests per window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		visitors: make(map[string]*visitorLimiter),
		limit:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		window:   window,
	}
}

// Allow implements Limiter. It never returns an error.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.visitors[key]
	if !ok {
		v = &visitorLimiter{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow(), nil
}

// StartEviction periodically removes keys idle for longer than the window,
// preventing unbounded memory growth. It stops when ctx is done.
func (m *MemoryLimiter) StartEviction(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evict(time.Now().Add(-m.window))
			}
		}
	}()
}

func (m *MemoryLimiter) evict(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range m.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(m.visitors, key)
		}
	}
}

func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visitors)
}
