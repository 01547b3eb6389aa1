// Package guardrail implements a crash-budget circuit breaker for
// long-running, restart-prone loops such as per-series ingest feeds.
//
// Failures are counted inside a sliding time window. Reaching the crash
// budget, or failing the single trial attempt allowed in half-open, trips
// the breaker open for a fixed cooldown. Below the budget each failure
// yields an exponential backoff delay. All methods take the current time
// explicitly so callers and tests control the clock.
package guardrail

import (
	"sync"
	"time"
)

// State represents the guardrail state.
type State int

const (
	StateClosed   State = 0 // Normal operation, attempts proceed
	StateOpen     State = 1 // Tripped, attempts wait until the cooldown elapses
	StateHalfOpen State = 2 // One trial attempt allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a Guardrail.
type Config struct {
	Enabled        bool
	CrashBudget    int           // failures inside BudgetWindow that trip the breaker
	BudgetWindow   time.Duration // sliding failure window
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	OpenCooldown   time.Duration
}

// DefaultConfig returns the guardrail defaults used by the ingest supervisor.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		CrashBudget:    5,
		BudgetWindow:   5 * time.Minute,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		OpenCooldown:   2 * time.Minute,
	}
}

func (c *Config) defaults() {
	if c.CrashBudget <= 0 {
		c.CrashBudget = 1
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
}

// Snapshot is a read-only diagnostic view of a Guardrail.
type Snapshot struct {
	State               State         `json:"-"`
	StateName           string        `json:"state"`
	WindowFailures      int           `json:"window_failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextRetryIn         time.Duration `json:"next_retry_in_ns"`
	LastError           string        `json:"last_error,omitempty"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitempty"`
	OpenUntil           time.Time     `json:"open_until,omitempty"`
}

// Guardrail is safe for concurrent use.
type Guardrail struct {
	mu  sync.Mutex
	cfg Config

	state         State
	failures      []time.Time // sliding window, oldest first
	consecutive   int
	lastFailureAt time.Time
	lastError     string
	openUntil     time.Time
	lastBackoff   time.Duration

	// OnStateChange is called on state transitions while the lock is held;
	// it must not call back into the Guardrail.
	OnStateChange func(from, to State)
}

// New creates a Guardrail in the closed state.
func New(cfg Config) *Guardrail {
	cfg.defaults()
	return &Guardrail{cfg: cfg, state: StateClosed}
}

// Enabled reports whether the guardrail is active.
func (g *Guardrail) Enabled() bool { return g.cfg.Enabled }

// BeforeAttempt returns how long the caller must wait before the next
// attempt. Zero means proceed now. An open breaker whose cooldown has
// elapsed moves to half-open and permits one trial.
func (g *Guardrail) BeforeAttempt(now time.Time) time.Duration {
	if !g.cfg.Enabled {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateOpen {
		return 0
	}
	if !now.Before(g.openUntil) {
		g.transition(StateHalfOpen)
		return 0
	}
	return g.openUntil.Sub(now)
}

// OnSuccess resets the guardrail to closed with an empty failure window.
func (g *Guardrail) OnSuccess(now time.Time) {
	if !g.cfg.Enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = g.failures[:0]
	g.consecutive = 0
	g.lastBackoff = 0
	g.openUntil = time.Time{}
	if g.state != StateClosed {
		g.transition(StateClosed)
	}
}

// OnFailure records a failed attempt and returns the delay before the next
// attempt: the open cooldown if the breaker trips, otherwise
// min(BackoffMax, BackoffInitial * 2^(consecutive-1)).
func (g *Guardrail) OnFailure(err error, now time.Time) time.Duration {
	if !g.cfg.Enabled {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune(now)
	g.failures = append(g.failures, now)
	g.consecutive++
	g.lastFailureAt = now
	if err != nil {
		g.lastError = err.Error()
	}

	if g.state == StateHalfOpen || len(g.failures) >= g.cfg.CrashBudget {
		g.openUntil = now.Add(g.cfg.OpenCooldown)
		g.lastBackoff = g.cfg.OpenCooldown
		if g.state != StateOpen {
			g.transition(StateOpen)
		}
		return g.cfg.OpenCooldown
	}

	g.lastBackoff = g.backoff()
	return g.lastBackoff
}

// Snapshot returns a diagnostic view. The failure window is pruned on read
// so a quiet guardrail does not report stale failures.
func (g *Guardrail) Snapshot(now time.Time) Snapshot {
	if !g.cfg.Enabled {
		return Snapshot{State: StateClosed, StateName: StateClosed.String()}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune(now)
	snap := Snapshot{
		State:               g.state,
		StateName:           g.state.String(),
		WindowFailures:      len(g.failures),
		ConsecutiveFailures: g.consecutive,
		LastError:           g.lastError,
		LastFailureAt:       g.lastFailureAt,
		OpenUntil:           g.openUntil,
	}
	if g.state == StateOpen && now.Before(g.openUntil) {
		snap.NextRetryIn = g.openUntil.Sub(now)
	}
	return snap
}

// CurrentState returns the current state without pruning.
func (g *Guardrail) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guardrail) backoff() time.Duration {
	d := g.cfg.BackoffInitial
	for i := 1; i < g.consecutive; i++ {
		d *= 2
		if d >= g.cfg.BackoffMax {
			return g.cfg.BackoffMax
		}
	}
	return d
}

// prune drops failures older than the budget window.
func (g *Guardrail) prune(now time.Time) {
	if g.cfg.BudgetWindow <= 0 {
		return
	}
	cutoff := now.Add(-g.cfg.BudgetWindow)
	i := 0
	for i < len(g.failures) && !g.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.failures = append(g.failures[:0], g.failures[i:]...)
	}
}

func (g *Guardrail) transition(to State) {
	from := g.state
	g.state = to
	if g.OnStateChange != nil {
		g.OnStateChange(from, to)
	}
}
