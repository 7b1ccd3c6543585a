// Package ratelimit provides per-agent request throttling for the dispatch
// layer. The in-memory token bucket is the default; the Limiter interface is
// the contract for deployments that need cross-instance coordination.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use. Errors signal a limiter
// malfunction; callers fail open rather than blocking traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// KeyFor builds the throttle key for one agent calling one method. Expensive
// methods get their own bucket so a query storm cannot starve records.
func KeyFor(agent, method string) string {
	return "agent:" + agent + ":" + method
}

// NoopLimiter permits every request. Used when throttling is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
