package kernel

import (
	"encoding/json"
	"fmt"
	"strconv"

	"taflow/internal/model"
)

// emaLine is one EMA seeded by the SMA of its first period closes.
type emaLine struct {
	Period  int     `json:"period"`
	Count   int     `json:"count"`
	Sum     float64 `json:"sum"`
	Current float64 `json:"current"`
}

func (e *emaLine) update(price float64) {
	e.Count++
	if e.Count <= e.Period {
		e.Sum += price
		if e.Count == e.Period {
			e.Current = e.Sum / float64(e.Period)
		}
		return
	}
	m := 2.0 / float64(e.Period+1)
	e.Current = price*m + e.Current*(1-m)
}

func (e *emaLine) ready() bool { return e.Count >= e.Period }

type emaState struct {
	LastTime int64     `json:"last_time"`
	Lines    []emaLine `json:"lines"`
}

// EMA computes exponential moving averages of the close. O(1) per candle.
// Features are named ema_<period>.
type EMA struct {
	periods   []int
	consumers []string
}

// NewEMA creates the ema kernel. Periods must be positive.
func NewEMA(periods []int, consumers ...string) (*EMA, error) {
	if len(periods) == 0 {
		return nil, fmt.Errorf("ema kernel: no periods")
	}
	for _, p := range periods {
		if p <= 0 {
			return nil, fmt.Errorf("ema kernel: invalid period %d", p)
		}
	}
	return &EMA{periods: periods, consumers: consumers}, nil
}

// EMAFeature is the feature name for an EMA period.
func EMAFeature(period int) string { return "ema_" + strconv.Itoa(period) }

func (k *EMA) Name() string        { return "ema" }
func (k *EMA) DependsOn() []string { return nil }
func (k *EMA) Consumers() []string { return k.consumers }

func (k *EMA) Tick(state []byte, c model.Candle, _ map[string]float64) ([]byte, Output, error) {
	var stored emaState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &stored); err != nil {
			return nil, Output{}, fmt.Errorf("decode ema state: %w", err)
		}
	}
	if stored.LastTime != 0 && c.OpenTime <= stored.LastTime {
		return state, Output{Replay: true}, nil
	}

	byPeriod := make(map[int]emaLine, len(stored.Lines))
	for _, l := range stored.Lines {
		byPeriod[l.Period] = l
	}
	st := emaState{LastTime: c.OpenTime, Lines: make([]emaLine, 0, len(k.periods))}
	feats := make(map[string]float64, len(k.periods))
	for _, p := range k.periods {
		l, ok := byPeriod[p]
		if !ok {
			l = emaLine{Period: p}
		}
		l.update(c.Close)
		if l.ready() {
			feats[EMAFeature(p)] = l.Current
		}
		st.Lines = append(st.Lines, l)
	}

	next, err := json.Marshal(st)
	if err != nil {
		return nil, Output{}, fmt.Errorf("encode ema state: %w", err)
	}
	return next, Output{Features: feats}, nil
}
