package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	staleAfter    = 10 * time.Minute
	sweepInterval = time.Minute
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter is a token bucket per key. Each key refills at rate tokens
// per second up to burst capacity. A sweeper goroutine drops keys idle for
// ten minutes so the map stays bounded by the active agent set.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// Option adjusts a MemoryLimiter.
type Option func(*MemoryLimiter)

// WithClock substitutes the time source. Tests use it to drive refill
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter creates a limiter sustaining rate requests per second per
// key with the given burst capacity. Call Close to stop the sweeper.
func NewMemoryLimiter(rate float64, burst int, opts ...Option) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweep()
	return m
}

// Allow consumes one token for key, reporting whether one was available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		// A new key starts full; this request takes the first token.
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastSeen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleAfter)
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
