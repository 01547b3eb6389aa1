package kernel

import "fmt"

// Config selects which kernels run on every series.
type Config struct {
	SMAPeriods []int
	EMAPeriods []int

	CrossEnabled bool
	CrossSource  string // "sma" or "ema"
	CrossFast    int
	CrossSlow    int
}

// DefaultConfig returns sma 9/21, ema 9 and a sma 9/21 crossover.
func DefaultConfig() Config {
	return Config{
		SMAPeriods:   []int{9, 21},
		EMAPeriods:   []int{9},
		CrossEnabled: true,
		CrossSource:  "sma",
		CrossFast:    9,
		CrossSlow:    21,
	}
}

// Build constructs the kernels described by cfg and wires the crossover to
// its source kernel.
func Build(cfg Config) (*Set, error) {
	var smaConsumers, emaConsumers []string
	if cfg.CrossEnabled {
		switch cfg.CrossSource {
		case "sma":
			smaConsumers = []string{"ma_cross"}
			cfg.SMAPeriods = withPeriods(cfg.SMAPeriods, cfg.CrossFast, cfg.CrossSlow)
		case "ema":
			emaConsumers = []string{"ma_cross"}
			cfg.EMAPeriods = withPeriods(cfg.EMAPeriods, cfg.CrossFast, cfg.CrossSlow)
		default:
			return nil, fmt.Errorf("kernel config: unknown cross source %q", cfg.CrossSource)
		}
	}

	var kernels []Kernel
	if len(cfg.SMAPeriods) > 0 {
		k, err := NewSMA(cfg.SMAPeriods, smaConsumers...)
		if err != nil {
			return nil, err
		}
		kernels = append(kernels, k)
	}
	if len(cfg.EMAPeriods) > 0 {
		k, err := NewEMA(cfg.EMAPeriods, emaConsumers...)
		if err != nil {
			return nil, err
		}
		kernels = append(kernels, k)
	}
	if cfg.CrossEnabled {
		k, err := NewMACross(cfg.CrossSource, cfg.CrossFast, cfg.CrossSlow)
		if err != nil {
			return nil, err
		}
		kernels = append(kernels, k)
	}
	return NewSet(kernels...)
}

// withPeriods appends fast and slow to periods if missing.
func withPeriods(periods []int, extra ...int) []int {
	out := append([]int(nil), periods...)
	for _, e := range extra {
		found := false
		for _, p := range out {
			if p == e {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}
