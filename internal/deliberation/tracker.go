// Package deliberation tracks what an agent consulted before deciding.
//
// The tracker is the only process-wide mutable state in the core: a sharded
// map from (agent, decision) to a bounded input list. The dispatcher appends
// an input after each observed query, guardrail check, record fetch, or
// explicit thought, then consumes the session atomically when the decision
// is recorded. Sessions expire after five minutes of inactivity.
package deliberation

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/noema-ai/noema/internal/model"
)

// PendingKey is the decision-id slot for inputs accumulated before a
// decision exists.
const PendingKey = "pending"

// Defaults.
const (
	DefaultTTL   = 5 * time.Minute
	DefaultCap   = 64
	DefaultSweep = time.Minute
	shardCount   = 32
)

// Input is one tracked deliberation input. Related carries the decisions a
// query returned, with their distances, so the recorded decision can be
// auto-linked to them; it is not part of the persisted trace.
type Input struct {
	model.DeliberationInput
	Related []model.RelatedEdge
}

// Session is a consumed or peeked tracker entry.
type Session struct {
	AgentID     string
	DecisionID  string
	Inputs      []Input
	StartedAt   time.Time
	LastTouched time.Time
}

// Duration returns the session's observed deliberation span.
func (s *Session) Duration() time.Duration {
	return s.LastTouched.Sub(s.StartedAt)
}

// Related returns the deduplicated union of related decisions across all
// inputs, in first-seen order.
func (s *Session) Related() []model.RelatedEdge {
	seen := make(map[string]bool)
	var out []model.RelatedEdge
	for _, in := range s.Inputs {
		for _, r := range in.Related {
			if !seen[r.TargetID] {
				seen[r.TargetID] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// Trace converts the session into the persistable deliberation form.
func (s *Session) Trace() *model.Deliberation {
	if len(s.Inputs) == 0 {
		return nil
	}
	inputs := make([]model.DeliberationInput, len(s.Inputs))
	for i, in := range s.Inputs {
		inputs[i] = in.DeliberationInput
	}
	return &model.Deliberation{
		Inputs:          inputs,
		TotalDurationMS: s.Duration().Milliseconds(),
	}
}

type session struct {
	inputs      []Input
	startedAt   time.Time
	lastTouched time.Time
	dropped     int
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// Tracker is the sharded session map. The zero value is not usable; call New.
type Tracker struct {
	shards [shardCount]*shard
	ttl    time.Duration
	sweep  time.Duration
	cap    int
	logger *slog.Logger
	now    func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL overrides the session idle TTL.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

// WithCap overrides the per-session input cap.
func WithCap(n int) Option {
	return func(t *Tracker) { t.cap = n }
}

// WithSweep overrides the background sweeper interval.
func WithSweep(d time.Duration) Option {
	return func(t *Tracker) { t.sweep = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker and starts its background sweeper. Call Close to
// stop the sweeper.
func New(logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		ttl:    DefaultTTL,
		sweep:  DefaultSweep,
		cap:    DefaultCap,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.sweep <= 0 {
		t.sweep = DefaultSweep
	}

	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Close stops the background sweeper and waits for it to exit.
func (t *Tracker) Close() {
	close(t.done)
	t.wg.Wait()
}

// key builds the composite session key. Sharding hashes only the agent so
// one agent's pending and explicit sessions land on the same shard.
func key(agentID, decisionID string) string {
	if decisionID == "" {
		decisionID = PendingKey
	}
	return agentID + "\x00" + decisionID
}

func (t *Tracker) shardFor(agentID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return t.shards[h.Sum32()%shardCount]
}

// TrackInput appends an input to the (agent, decision) session, creating it
// if absent. When the session is at capacity the oldest input is dropped.
func (t *Tracker) TrackInput(agentID, decisionID string, in Input) {
	if agentID == "" {
		return
	}
	now := t.now()
	sh := t.shardFor(agentID)
	k := key(agentID, decisionID)

	sh.mu.Lock()
	s := sh.sessions[k]
	if s == nil {
		s = &session{startedAt: now}
		sh.sessions[k] = s
	}
	dropped := 0
	if len(s.inputs) >= t.cap {
		s.inputs = s.inputs[1:]
		s.dropped++
		dropped = s.dropped
	}
	s.inputs = append(s.inputs, in)
	s.lastTouched = now
	sh.mu.Unlock()

	if dropped > 0 {
		t.logger.Warn("deliberation session at capacity, dropped oldest input",
			"agent", agentID, "decision", decisionID, "dropped_total", dropped)
	}
}

// Consume atomically removes and returns the session, or nil when absent.
func (t *Tracker) Consume(agentID, decisionID string) *Session {
	sh := t.shardFor(agentID)
	k := key(agentID, decisionID)

	sh.mu.Lock()
	s, ok := sh.sessions[k]
	if ok {
		delete(sh.sessions, k)
	}
	sh.mu.Unlock()

	if !ok {
		return nil
	}
	return t.export(agentID, decisionID, s)
}

// Peek returns a read-only snapshot of the session without removing it,
// or nil when absent.
func (t *Tracker) Peek(agentID, decisionID string) *Session {
	sh := t.shardFor(agentID)
	k := key(agentID, decisionID)

	sh.mu.Lock()
	s, ok := sh.sessions[k]
	var copied *session
	if ok {
		copied = &session{
			inputs:      append([]Input(nil), s.inputs...),
			startedAt:   s.startedAt,
			lastTouched: s.lastTouched,
		}
	}
	sh.mu.Unlock()

	if copied == nil {
		return nil
	}
	return t.export(agentID, decisionID, copied)
}

func (t *Tracker) export(agentID, decisionID string, s *session) *Session {
	if decisionID == "" {
		decisionID = PendingKey
	}
	return &Session{
		AgentID:     agentID,
		DecisionID:  decisionID,
		Inputs:      s.inputs,
		StartedAt:   s.startedAt,
		LastTouched: s.lastTouched,
	}
}

// SweepOnce evicts sessions idle past the TTL and returns how many were
// removed. The background sweeper calls this on every interval.
func (t *Tracker) SweepOnce() int {
	cutoff := t.now().Add(-t.ttl)
	evicted := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, s := range sh.sessions {
			if s.lastTouched.Before(cutoff) {
				delete(sh.sessions, k)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		t.logger.Debug("evicted idle deliberation sessions", "count", evicted)
	}
	return evicted
}

// Len returns the total live session count, for diagnostics.
func (t *Tracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.SweepOnce()
		case <-t.done:
			return
		}
	}
}
