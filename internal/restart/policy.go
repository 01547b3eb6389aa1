// Package restart decides whether a stopped ingest loop should be restarted
// and keeps the per-job crash bookkeeping that survives job replacement.
package restart

import "time"

// Gate is the part of a guardrail the policy consults.
type Gate interface {
	BeforeAttempt(now time.Time) time.Duration
}

// Reasons reported in a Decision.
const (
	ReasonStale     = "snapshot_not_fresh"
	ReasonGuardrail = "guardrail_wait"
	ReasonRestart   = "restart"
)

// Decision is the outcome of Decide.
type Decision struct {
	Restart bool
	RetryIn time.Duration // meaningful only when Reason == ReasonGuardrail
	Reason  string
}

// Decide combines snapshot freshness with the guardrail:
//   - stale snapshot → no restart, staleness must be resolved first
//   - guardrail reports a positive wait → no restart yet, RetryIn = wait
//   - otherwise → restart now
//
// gate may be nil.
func Decide(fresh bool, gate Gate, now time.Time) Decision {
	if !fresh {
		return Decision{Reason: ReasonStale}
	}
	if gate != nil {
		if wait := gate.BeforeAttempt(now); wait > 0 {
			return Decision{RetryIn: wait, Reason: ReasonGuardrail}
		}
	}
	return Decision{Restart: true, Reason: ReasonRestart}
}

// Job is the restart bookkeeping for one supervised ingest loop.
type Job struct {
	Series      string    `json:"series"`
	Binding     string    `json:"binding"`
	CrashCount  int       `json:"crash_count"`
	LastCrashAt time.Time `json:"last_crash_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// MarkRestartFailure records one crash of job at now.
func MarkRestartFailure(job *Job, err error, now time.Time) {
	job.CrashCount++
	job.LastCrashAt = now
	if err != nil {
		job.LastError = err.Error()
	}
}

// CarryRestartState copies crash history from a replaced job so a re-route
// does not silently reset it.
func CarryRestartState(from, to *Job) {
	if from == nil || to == nil {
		return
	}
	to.CrashCount = from.CrashCount
	to.LastCrashAt = from.LastCrashAt
	to.LastError = from.LastError
}
