// Package cooldown provides per-series debounce slots that prevent
// overlapping or too-frequent recomputation when candles arrive in bursts.
package cooldown

import (
	"sync"
	"time"
)

// MinCooldown is the floor applied to zero or negative cooldowns.
const MinCooldown = 100 * time.Millisecond

type slot struct {
	inFlight   bool
	lastRun    time.Time
	lastTarget int64
	hasTarget  bool
}

// Slots is a set of per-series gates guarded by one mutex.
type Slots struct {
	mu       sync.Mutex
	cooldown time.Duration
	slots    map[string]*slot

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// New creates Slots with the given minimum interval between runs.
func New(cooldown time.Duration) *Slots {
	if cooldown < MinCooldown {
		cooldown = MinCooldown
	}
	return &Slots{
		cooldown: cooldown,
		slots:    make(map[string]*slot, 64),
		Now:      time.Now,
	}
}

// Cooldown returns the effective (clamped) cooldown.
func (s *Slots) Cooldown() time.Duration { return s.cooldown }

// TryAcquire marks series in flight. It fails if a run is already in flight
// or the previous run completed less than the cooldown ago.
func (s *Slots) TryAcquire(series string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.get(series)
	if sl.inFlight || s.cooling(sl) {
		return false
	}
	sl.inFlight = true
	return true
}

// Release clears in-flight and records the completion time.
func (s *Slots) Release(series string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.get(series)
	sl.inFlight = false
	sl.lastRun = s.Now()
}

// TryAcquireTarget is TryAcquire for work aimed at a target time. A target
// newer than the last handled one bypasses the cooldown; same or older
// targets fall back to the plain cooldown rule. In-flight always rejects.
func (s *Slots) TryAcquireTarget(series string, target int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.get(series)
	if sl.inFlight {
		return false
	}
	newer := !sl.hasTarget || target > sl.lastTarget
	if !newer && s.cooling(sl) {
		return false
	}
	sl.inFlight = true
	return true
}

// ReleaseTarget releases series and raises the last handled target to
// max(current, target), so out-of-order releases never move it backwards.
func (s *Slots) ReleaseTarget(series string, target int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.get(series)
	sl.inFlight = false
	sl.lastRun = s.Now()
	if !sl.hasTarget || target > sl.lastTarget {
		sl.lastTarget = target
		sl.hasTarget = true
	}
}

// LastTarget returns the last handled target for series.
func (s *Slots) LastTarget(series string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[series]
	if !ok || !sl.hasTarget {
		return 0, false
	}
	return sl.lastTarget, true
}

func (s *Slots) get(series string) *slot {
	sl, ok := s.slots[series]
	if !ok {
		sl = &slot{}
		s.slots[series] = sl
	}
	return sl
}

func (s *Slots) cooling(sl *slot) bool {
	return !sl.lastRun.IsZero() && s.Now().Sub(sl.lastRun) < s.cooldown
}
