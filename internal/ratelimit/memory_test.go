package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "agent:a1:query")
		if err != nil {
			t.Fatalf("Allow error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d within burst was denied", i)
		}
	}

	ok, _ := m.Allow(ctx, "agent:a1:query")
	if ok {
		t.Fatal("request beyond burst was allowed")
	}
}

func TestRefillWithInjectedClock(t *testing.T) {
	now := time.Now()
	m := NewMemoryLimiter(2, 2, WithClock(func() time.Time { return now }))
	defer m.Close()

	ctx := context.Background()
	_, _ = m.Allow(ctx, "k")
	_, _ = m.Allow(ctx, "k")
	if ok, _ := m.Allow(ctx, "k"); ok {
		t.Fatal("bucket should be empty")
	}

	// Half a second at 2 tokens/s refills exactly one token.
	now = now.Add(500 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "k"); !ok {
		t.Fatal("expected one refilled token")
	}
	if ok, _ := m.Allow(ctx, "k"); ok {
		t.Fatal("second token should not have refilled yet")
	}
}

func TestTokensCapAtBurst(t *testing.T) {
	now := time.Now()
	m := NewMemoryLimiter(100, 3, WithClock(func() time.Time { return now }))
	defer m.Close()

	ctx := context.Background()
	_, _ = m.Allow(ctx, "k")

	// A long idle period refills to capacity, never beyond.
	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k"); !ok {
			t.Fatalf("request %d after idle was denied", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k"); ok {
		t.Fatal("tokens exceeded burst capacity")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer m.Close()

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, KeyFor("a1", "query")); !ok {
		t.Fatal("first request for a1 denied")
	}
	if ok, _ := m.Allow(ctx, KeyFor("a1", "query")); ok {
		t.Fatal("second request for a1 allowed")
	}
	// A different agent and a different method both get fresh buckets.
	if ok, _ := m.Allow(ctx, KeyFor("a2", "query")); !ok {
		t.Fatal("first request for a2 denied")
	}
	if ok, _ := m.Allow(ctx, KeyFor("a1", "record")); !ok {
		t.Fatal("first record request for a1 denied")
	}
}

func TestConcurrentAllowRespectsBurst(t *testing.T) {
	now := time.Now()
	m := NewMemoryLimiter(0, 50, WithClock(func() time.Time { return now }))
	defer m.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	counts := make([]int, 10)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if ok, _ := m.Allow(ctx, "shared"); ok {
					counts[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	// Zero refill rate with a frozen clock: exactly the burst gets through.
	if total != 50 {
		t.Fatalf("expected exactly 50 allowed requests, got %d", total)
	}
}

func TestEvictStale(t *testing.T) {
	now := time.Now()
	m := NewMemoryLimiter(10, 5, WithClock(func() time.Time { return now }))
	defer m.Close()

	ctx := context.Background()
	_, _ = m.Allow(ctx, "old")
	now = now.Add(11 * time.Minute)
	_, _ = m.Allow(ctx, "fresh")

	m.evictStale()

	m.mu.Lock()
	_, oldExists := m.buckets["old"]
	_, freshExists := m.buckets["fresh"]
	m.mu.Unlock()

	if oldExists {
		t.Fatal("stale bucket survived eviction")
	}
	if !freshExists {
		t.Fatal("fresh bucket was evicted")
	}
}

func TestCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		if err != nil || !ok {
			t.Fatalf("NoopLimiter denied a request: ok=%v err=%v", ok, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
