package cooldown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const series = "binance:spot:BTCUSDT:1m"

// fakeClock is a manually advanced clock for Slots.Now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSlots(cooldown time.Duration) (*Slots, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	s := New(cooldown)
	s.Now = clk.Now
	return s, clk
}

func TestSlots_ConcurrentAcquireOnlyOneWins(t *testing.T) {
	s, _ := newSlots(time.Second)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire(series) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestSlots_CooldownAfterRelease(t *testing.T) {
	s, clk := newSlots(time.Second)

	if !s.TryAcquire(series) {
		t.Fatal("first acquire should succeed")
	}
	s.Release(series)

	clk.Advance(500 * time.Millisecond)
	if s.TryAcquire(series) {
		t.Fatal("acquire inside cooldown should fail")
	}

	clk.Advance(600 * time.Millisecond)
	if !s.TryAcquire(series) {
		t.Fatal("acquire after cooldown should succeed")
	}
}

func TestSlots_SeriesAreIndependent(t *testing.T) {
	s, _ := newSlots(time.Second)
	if !s.TryAcquire("a") || !s.TryAcquire("b") {
		t.Fatal("different series must not block each other")
	}
}

func TestSlots_TargetBypassesCooldown(t *testing.T) {
	s, clk := newSlots(10 * time.Second)

	if !s.TryAcquireTarget(series, 160) {
		t.Fatal("first target acquire should succeed")
	}
	s.ReleaseTarget(series, 160)
	clk.Advance(time.Second)

	if !s.TryAcquireTarget(series, 220) {
		t.Fatal("newer target must bypass the cooldown")
	}
	s.ReleaseTarget(series, 220)

	if s.TryAcquireTarget(series, 220) {
		t.Fatal("same target inside cooldown must be rejected")
	}
	if s.TryAcquireTarget(series, 100) {
		t.Fatal("older target inside cooldown must be rejected")
	}

	clk.Advance(11 * time.Second)
	if !s.TryAcquireTarget(series, 220) {
		t.Fatal("same target after cooldown should succeed")
	}
}

func TestSlots_TargetRejectedWhileInFlight(t *testing.T) {
	s, _ := newSlots(time.Second)
	if !s.TryAcquireTarget(series, 100) {
		t.Fatal("acquire should succeed")
	}
	if s.TryAcquireTarget(series, 200) {
		t.Fatal("in-flight series must reject even newer targets")
	}
}

func TestSlots_ReleaseTargetNeverRegresses(t *testing.T) {
	s, _ := newSlots(time.Second)

	s.TryAcquireTarget(series, 300)
	s.ReleaseTarget(series, 300)
	s.ReleaseTarget(series, 200)

	got, ok := s.LastTarget(series)
	if !ok || got != 300 {
		t.Errorf("expected last target 300, got %d (ok=%v)", got, ok)
	}
}

func TestNew_ClampsCooldown(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second, time.Millisecond} {
		if got := New(d).Cooldown(); got != MinCooldown {
			t.Errorf("New(%v).Cooldown() = %v, want %v", d, got, MinCooldown)
		}
	}
}
