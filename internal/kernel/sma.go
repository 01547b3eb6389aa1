package kernel

import (
	"encoding/json"
	"fmt"
	"strconv"

	"taflow/internal/model"
)

// smaWindow is one rolling SMA over a preallocated circular buffer.
type smaWindow struct {
	Period int       `json:"period"`
	Buf    []float64 `json:"buf"`
	Idx    int       `json:"idx"`
	Count  int       `json:"count"`
	Sum    float64   `json:"sum"`
}

func newSMAWindow(period int) smaWindow {
	return smaWindow{Period: period, Buf: make([]float64, period)}
}

func (w *smaWindow) update(price float64) {
	if w.Count >= w.Period {
		w.Sum -= w.Buf[w.Idx]
	}
	w.Buf[w.Idx] = price
	w.Sum += price
	w.Idx = (w.Idx + 1) % w.Period
	w.Count++
}

func (w *smaWindow) ready() bool    { return w.Count >= w.Period }
func (w *smaWindow) value() float64 { return w.Sum / float64(w.Period) }

type smaState struct {
	LastTime int64       `json:"last_time"`
	Windows  []smaWindow `json:"windows"`
}

// SMA computes simple moving averages of the close for several periods.
// Features are named sma_<period>.
type SMA struct {
	periods   []int
	consumers []string
}

// NewSMA creates the sma kernel. Periods must be positive.
func NewSMA(periods []int, consumers ...string) (*SMA, error) {
	if len(periods) == 0 {
		return nil, fmt.Errorf("sma kernel: no periods")
	}
	for _, p := range periods {
		if p <= 0 {
			return nil, fmt.Errorf("sma kernel: invalid period %d", p)
		}
	}
	return &SMA{periods: periods, consumers: consumers}, nil
}

// SMAFeature is the feature name for an SMA period.
func SMAFeature(period int) string { return "sma_" + strconv.Itoa(period) }

func (k *SMA) Name() string        { return "sma" }
func (k *SMA) DependsOn() []string { return nil }
func (k *SMA) Consumers() []string { return k.consumers }
func (k *SMA) Periods() []int      { return k.periods }

func (k *SMA) Tick(state []byte, c model.Candle, _ map[string]float64) ([]byte, Output, error) {
	st, err := k.restore(state)
	if err != nil {
		return nil, Output{}, err
	}
	if st.LastTime != 0 && c.OpenTime <= st.LastTime {
		return state, Output{Replay: true}, nil
	}

	feats := make(map[string]float64, len(st.Windows))
	for i := range st.Windows {
		w := &st.Windows[i]
		w.update(c.Close)
		if w.ready() {
			feats[SMAFeature(w.Period)] = w.value()
		}
	}
	st.LastTime = c.OpenTime

	next, err := json.Marshal(st)
	if err != nil {
		return nil, Output{}, fmt.Errorf("encode sma state: %w", err)
	}
	return next, Output{Features: feats}, nil
}

// restore decodes state and matches windows by period, so a changed period
// list keeps the windows that still exist and cold-starts new ones.
func (k *SMA) restore(state []byte) (smaState, error) {
	var stored smaState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &stored); err != nil {
			return smaState{}, fmt.Errorf("decode sma state: %w", err)
		}
	}
	byPeriod := make(map[int]smaWindow, len(stored.Windows))
	for _, w := range stored.Windows {
		if w.Period > 0 && len(w.Buf) == w.Period {
			byPeriod[w.Period] = w
		}
	}
	st := smaState{LastTime: stored.LastTime, Windows: make([]smaWindow, 0, len(k.periods))}
	for _, p := range k.periods {
		if w, ok := byPeriod[p]; ok {
			st.Windows = append(st.Windows, w)
		} else {
			st.Windows = append(st.Windows, newSMAWindow(p))
		}
	}
	return st, nil
}
