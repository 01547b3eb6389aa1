// Package kernel provides incremental per-series indicator kernels.
//
// A kernel consumes one closed candle at a time, carries its state between
// candles as an opaque JSON blob, and reports scalar features (and optionally
// a discrete signal) for that candle. Kernels may read the features of the
// kernels they depend on.
package kernel

import (
	"fmt"

	"taflow/internal/manifest"
	"taflow/internal/model"
)

// Output is what one kernel produced for one candle.
type Output struct {
	// Features holds ready values only; a warming-up indicator omits its key.
	Features map[string]float64
	Signal   *model.Signal
	// Replay is set when the candle is at or before the kernel's last
	// processed time. State is returned unchanged.
	Replay bool
}

// Kernel is an incremental indicator.
type Kernel interface {
	Name() string
	DependsOn() []string
	Consumers() []string

	// Tick advances state by one closed candle. A nil state means cold start.
	// upstream holds the features produced earlier in the same tick.
	Tick(state []byte, c model.Candle, upstream map[string]float64) ([]byte, Output, error)
}

// Result is the merged output of a Set for one candle.
type Result struct {
	States   map[string][]byte
	Features map[string]float64
	Signal   *model.Signal
	// Replay is true when every kernel treated the candle as a replay.
	Replay bool
}

// Set is a validated group of kernels run in dependency order.
type Set struct {
	kernels []Kernel
	byName  map[string]Kernel
	order   []string
}

// NewSet validates the kernel dependency graph and fixes the run order.
func NewSet(kernels ...Kernel) (*Set, error) {
	entries := make([]manifest.Entry, 0, len(kernels))
	byName := make(map[string]Kernel, len(kernels))
	for _, k := range kernels {
		entries = append(entries, manifest.Entry{
			Name:      k.Name(),
			DependsOn: k.DependsOn(),
			Consumers: k.Consumers(),
		})
		byName[k.Name()] = k
	}
	order, err := manifest.Validate(entries)
	if err != nil {
		return nil, fmt.Errorf("kernel set: %w", err)
	}
	return &Set{kernels: kernels, byName: byName, order: order}, nil
}

// Names returns kernel names in run order.
func (s *Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Tick runs every kernel on c. states maps kernel name to its stored blob;
// missing names start cold. The returned States contains a blob for every
// kernel, changed or not.
func (s *Set) Tick(states map[string][]byte, c model.Candle) (Result, error) {
	res := Result{
		States:   make(map[string][]byte, len(s.order)),
		Features: make(map[string]float64, 8),
		Replay:   len(s.order) > 0,
	}
	for _, name := range s.order {
		k := s.byName[name]
		next, out, err := k.Tick(states[name], c, res.Features)
		if err != nil {
			return Result{}, fmt.Errorf("kernel %s: %w", name, err)
		}
		res.States[name] = next
		if out.Replay {
			continue
		}
		res.Replay = false
		for f, v := range out.Features {
			res.Features[f] = v
		}
		if out.Signal != nil {
			res.Signal = out.Signal
		}
	}
	return res, nil
}
