// Package breaker implements per-scope circuit breakers over decision
// outcomes. A scope is one of global, category:X, stakes:X, agent:X, or
// tag:X. Repeated failures within a sliding window open the breaker; an
// open breaker blocks matching actions until a cooldown elapses, after
// which a single probe decision is allowed through before fully closing.
//
// Every state transition is appended to a JSON-lines journal and replayed
// on startup, so open breakers survive restarts with their cooldowns
// computed from persisted wall-clock times.
package breaker

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noema-ai/noema/internal/model"
)

// State is a breaker's position in its lifecycle.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults.
const (
	DefaultThreshold = 3
	DefaultWindow    = 24 * time.Hour
	DefaultCooldown  = time.Hour

	notifyDebounce = time.Minute
)

// Config tunes the failure threshold and timing for all scopes.
type Config struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

func (c *Config) fill() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

// Snapshot is a read-only view of one breaker, for introspection.
type Snapshot struct {
	Scope          string     `json:"scope"`
	State          State      `json:"state"`
	RecentFailures int        `json:"recent_failures"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
	ResetAt        *time.Time `json:"reset_at,omitempty"`
	ProbeInFlight  bool       `json:"probe_in_flight"`
}

type breakerState struct {
	state         State
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
	probeDecision string
	lastNotified  time.Time
}

// Manager owns all breaker scopes under a single lock; scope counts stay in
// the low hundreds so contention is negligible. No I/O happens under the
// lock except the journal append, which is a buffered local write.
type Manager struct {
	cfg     Config
	journal *Journal
	logger  *slog.Logger
	now     func() time.Time
	notify  func(scope string, state State)

	mu     sync.Mutex
	scopes map[string]*breakerState
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNotifier sets the callback invoked (debounced per scope) when a
// breaker opens.
func WithNotifier(fn func(scope string, state State)) Option {
	return func(m *Manager) { m.notify = fn }
}

// NewManager creates a manager, replaying the journal at path to rebuild
// breaker state. An empty path disables persistence.
func NewManager(path string, cfg Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	cfg.fill()
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		scopes: make(map[string]*breakerState),
	}
	for _, opt := range opts {
		opt(m)
	}

	if path != "" {
		journal, err := OpenJournal(path)
		if err != nil {
			return nil, err
		}
		m.journal = journal
		if err := m.replay(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Close flushes and closes the journal.
func (m *Manager) Close() error {
	if m.journal == nil {
		return nil
	}
	return m.journal.Close()
}

// replay rebuilds in-memory state from the journal's transition log. Only
// the final state per scope matters; cooldowns are evaluated lazily against
// the persisted transition time.
func (m *Manager) replay() error {
	entries, err := m.journal.Replay()
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := m.scope(e.Scope)
		s.state = e.To
		s.probeInFlight = false
		if e.To == StateOpen {
			s.openedAt = e.At
		}
	}
	if len(entries) > 0 {
		m.logger.Info("breaker journal replayed", "transitions", len(entries), "scopes", len(m.scopes))
	}
	return nil
}

// scope returns the state for a scope, creating a closed breaker on first
// touch. Caller holds the lock.
func (m *Manager) scope(name string) *breakerState {
	s := m.scopes[name]
	if s == nil {
		s = &breakerState{state: StateClosed}
		m.scopes[name] = s
	}
	return s
}

// ScopesFor derives the breaker scopes a decision or action context touches,
// most restrictive first: agent, tags, stakes, category, then global.
func ScopesFor(agent string, category model.Category, stakes model.Stakes, tags []string) []string {
	var scopes []string
	if agent != "" {
		scopes = append(scopes, "agent:"+agent)
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	for _, t := range sorted {
		scopes = append(scopes, "tag:"+t)
	}
	if stakes != "" {
		scopes = append(scopes, "stakes:"+string(stakes))
	}
	if category != "" {
		scopes = append(scopes, "category:"+string(category))
	}
	return append(scopes, "global")
}

// RecordOutcome feeds a reviewed decision into every matching scope.
// Failures and abandonments count against the breaker; success clears the
// failure window in closed state and completes a probe in half-open state.
// Partial outcomes are neutral.
func (m *Manager) RecordOutcome(d *model.Decision) {
	scopes := ScopesFor(d.RecordedBy, d.Category, d.Stakes, d.Tags)
	now := m.now()

	var opened []string
	m.mu.Lock()
	for _, name := range scopes {
		s := m.scope(name)
		switch d.Outcome {
		case model.OutcomeFailure, model.OutcomeAbandoned:
			if m.recordFailure(name, s, d.ID, now) {
				opened = append(opened, name)
			}
		case model.OutcomeSuccess:
			m.recordSuccess(name, s, d.ID, now)
		}
	}
	m.mu.Unlock()

	for _, name := range opened {
		m.logger.Warn("circuit breaker opened", "scope", name, "threshold", m.cfg.Threshold)
		if m.notify != nil {
			m.notify(name, StateOpen)
		}
	}
}

// recordFailure returns true when the failure opened the breaker and a
// notification should fire. Caller holds the lock.
func (m *Manager) recordFailure(name string, s *breakerState, decisionID string, now time.Time) bool {
	if s.state == StateHalfOpen && s.probeDecision == decisionID {
		// The probe failed; reopen and restart the cooldown.
		m.transition(name, s, StateOpen, "probe failed", now)
		s.openedAt = now
		s.probeInFlight = false
		s.probeDecision = ""
		return m.shouldNotify(s, now)
	}

	s.failures = append(s.failures, now)
	m.pruneFailures(s, now)

	if s.state == StateClosed && len(s.failures) >= m.cfg.Threshold {
		m.transition(name, s, StateOpen, "failure threshold reached", now)
		s.openedAt = now
		return m.shouldNotify(s, now)
	}
	return false
}

// recordSuccess clears the window in closed state and closes the breaker
// when the probe decision succeeds. Caller holds the lock.
func (m *Manager) recordSuccess(name string, s *breakerState, decisionID string, now time.Time) {
	switch s.state {
	case StateClosed:
		s.failures = s.failures[:0]
	case StateHalfOpen:
		if s.probeDecision == decisionID || s.probeDecision == "" {
			m.transition(name, s, StateClosed, "probe succeeded", now)
			s.failures = s.failures[:0]
			s.probeInFlight = false
			s.probeDecision = ""
		}
	}
}

// pruneFailures drops timestamps outside the window and caps the deque at
// the threshold; older entries beyond that cannot change any decision.
func (m *Manager) pruneFailures(s *breakerState, now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(s.failures) && s.failures[i].Before(cutoff) {
		i++
	}
	s.failures = s.failures[i:]
	if len(s.failures) > m.cfg.Threshold {
		s.failures = s.failures[len(s.failures)-m.cfg.Threshold:]
	}
}

func (m *Manager) shouldNotify(s *breakerState, now time.Time) bool {
	if now.Sub(s.lastNotified) < notifyDebounce {
		return false
	}
	s.lastNotified = now
	return true
}

// Check evaluates the breakers matching an action context, most restrictive
// first. Open breakers produce circuit_breaker violations; a half-open
// breaker admits exactly one probe decision and blocks everything else while
// that probe is unreviewed. claimProbe is set only by the record path: an
// advisory check (guardrail evaluation, preAction) passes through a half-open
// scope without burning its probe slot, so the follow-up record for the same
// action is still admitted and becomes the probe.
func (m *Manager) Check(agent string, category model.Category, stakes model.Stakes, tags []string, claimProbe bool) []model.Violation {
	scopes := ScopesFor(agent, category, stakes, tags)
	now := m.now()

	var violations []model.Violation
	var halfOpen []*breakerState

	m.mu.Lock()
	for _, name := range scopes {
		s, ok := m.scopes[name]
		if !ok {
			continue
		}

		// Lazy cooldown transition.
		if s.state == StateOpen && now.Sub(s.openedAt) >= m.cfg.Cooldown {
			m.transition(name, s, StateHalfOpen, "cooldown elapsed", now)
			s.probeInFlight = false
			s.probeDecision = ""
		}

		switch s.state {
		case StateOpen:
			resetAt := s.openedAt.Add(m.cfg.Cooldown)
			m.pruneFailures(s, now)
			violations = append(violations, model.Violation{
				RuleID:         "circuit:" + name,
				Type:           "circuit_breaker",
				Message:        fmt.Sprintf("circuit breaker for %s is open", name),
				State:          string(StateOpen),
				RecentFailures: len(s.failures),
				ResetAt:        resetAt.UTC().Format(time.RFC3339),
				Suggestion:     "wait for the cooldown or review recent failures in this scope",
			})
		case StateHalfOpen:
			if s.probeInFlight {
				violations = append(violations, model.Violation{
					RuleID:     "circuit:" + name,
					Type:       "circuit_breaker",
					Message:    fmt.Sprintf("circuit breaker for %s is half-open with a probe in flight", name),
					State:      string(StateHalfOpen),
					Suggestion: "wait for the current probe decision to be reviewed",
				})
				continue
			}
			halfOpen = append(halfOpen, s)
		}
	}

	// Probe slots are consumed only by an admitted record; a blocked action
	// never burns a probe. The slot is bound to the stored decision ID by
	// BindProbe once the write succeeds.
	if claimProbe && len(violations) == 0 {
		for _, s := range halfOpen {
			s.probeInFlight = true
			s.probeDecision = ""
		}
	}
	m.mu.Unlock()

	return violations
}

// BindProbe associates a recorded decision ID with the probe slot of every
// half-open scope it matches, so the review of that decision settles the
// probe.
func (m *Manager) BindProbe(d *model.Decision) {
	scopes := ScopesFor(d.RecordedBy, d.Category, d.Stakes, d.Tags)
	m.mu.Lock()
	for _, name := range scopes {
		s, ok := m.scopes[name]
		if ok && s.state == StateHalfOpen && s.probeInFlight && s.probeDecision == "" {
			s.probeDecision = d.ID
		}
	}
	m.mu.Unlock()
}

// Snapshot returns the state of one scope. Unknown scopes report closed.
func (m *Manager) Snapshot(scope string) Snapshot {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[scope]
	if !ok {
		return Snapshot{Scope: scope, State: StateClosed}
	}
	return m.snapshotLocked(scope, s, now)
}

// Snapshots returns every known scope, sorted by scope name.
func (m *Manager) Snapshots() []Snapshot {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.scopes))
	for name, s := range m.scopes {
		out = append(out, m.snapshotLocked(name, s, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

func (m *Manager) snapshotLocked(name string, s *breakerState, now time.Time) Snapshot {
	m.pruneFailures(s, now)
	snap := Snapshot{
		Scope:          name,
		State:          s.state,
		RecentFailures: len(s.failures),
		ProbeInFlight:  s.probeInFlight,
	}
	if s.state == StateOpen {
		opened := s.openedAt
		reset := opened.Add(m.cfg.Cooldown)
		snap.OpenedAt = &opened
		snap.ResetAt = &reset
	}
	return snap
}

// Reset is the operator override: it closes an open or half-open breaker,
// or moves it to half-open when probeFirst is set.
func (m *Manager) Reset(scope string, probeFirst bool) (Snapshot, error) {
	if !validScope(scope) {
		return Snapshot{}, model.Ef(model.KindInvalidParams, "invalid breaker scope %q", scope)
	}
	now := m.now()

	m.mu.Lock()
	s := m.scope(scope)
	if probeFirst {
		m.transition(scope, s, StateHalfOpen, "manual reset with probe", now)
		s.probeInFlight = false
		s.probeDecision = ""
	} else {
		m.transition(scope, s, StateClosed, "manual reset", now)
		s.failures = s.failures[:0]
		s.probeInFlight = false
		s.probeDecision = ""
	}
	snap := m.snapshotLocked(scope, s, now)
	m.mu.Unlock()

	m.logger.Info("circuit breaker reset", "scope", scope, "probe_first", probeFirst)
	return snap, nil
}

// transition changes state and journals the edge. Caller holds the lock.
func (m *Manager) transition(scope string, s *breakerState, to State, reason string, now time.Time) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if m.journal != nil {
		e := Entry{ID: uuid.NewString(), Scope: scope, From: from, To: to, Reason: reason, At: now}
		if err := m.journal.Append(e); err != nil {
			m.logger.Error("breaker journal append failed", "scope", scope, "error", err)
		}
	}
}

// validScope accepts "global" or "<kind>:<value>" with a known kind.
func validScope(scope string) bool {
	if scope == "global" {
		return true
	}
	kind, value, ok := strings.Cut(scope, ":")
	if !ok || value == "" {
		return false
	}
	switch kind {
	case "category", "stakes", "agent", "tag":
		return true
	}
	return false
}
