package kernel

import (
	"encoding/json"
	"fmt"

	"taflow/internal/model"
)

// Cross directions carried in the ma_cross signal payload.
const (
	CrossGolden = "golden"
	CrossDeath  = "death"
)

// CrossPayload is the payload of a ma_cross signal.
type CrossPayload struct {
	Direction string  `json:"direction"`
	Fast      float64 `json:"fast"`
	Slow      float64 `json:"slow"`
	Close     float64 `json:"close"`
}

type crossState struct {
	PrevFast float64 `json:"prev_fast"`
	PrevSlow float64 `json:"prev_slow"`
	Ready    bool    `json:"ready"`
	LastTime int64   `json:"last_time"`
}

// MACross raises a signal when the fast average crosses the slow one.
// Golden: fast moves from <= slow to > slow. Death: from >= slow to < slow.
type MACross struct {
	source   string
	fastFeat string
	slowFeat string
}

// NewMACross creates the ma_cross kernel reading fast/slow features from
// the source kernel ("sma" or "ema").
func NewMACross(source string, fast, slow int) (*MACross, error) {
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, fmt.Errorf("ma_cross kernel: need 0 < fast < slow, got %d/%d", fast, slow)
	}
	var ff, sf string
	switch source {
	case "sma":
		ff, sf = SMAFeature(fast), SMAFeature(slow)
	case "ema":
		ff, sf = EMAFeature(fast), EMAFeature(slow)
	default:
		return nil, fmt.Errorf("ma_cross kernel: unknown source %q", source)
	}
	return &MACross{source: source, fastFeat: ff, slowFeat: sf}, nil
}

func (k *MACross) Name() string        { return "ma_cross" }
func (k *MACross) DependsOn() []string { return []string{k.source} }
func (k *MACross) Consumers() []string { return nil }

func (k *MACross) Tick(state []byte, c model.Candle, upstream map[string]float64) ([]byte, Output, error) {
	var st crossState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, Output{}, fmt.Errorf("decode ma_cross state: %w", err)
		}
	}
	if st.LastTime != 0 && c.OpenTime <= st.LastTime {
		return state, Output{Replay: true}, nil
	}
	st.LastTime = c.OpenTime

	var out Output
	fast, okF := upstream[k.fastFeat]
	slow, okS := upstream[k.slowFeat]
	if okF && okS {
		if st.Ready {
			dir := ""
			switch {
			case st.PrevFast <= st.PrevSlow && fast > slow:
				dir = CrossGolden
			case st.PrevFast >= st.PrevSlow && fast < slow:
				dir = CrossDeath
			}
			if dir != "" {
				payload, err := json.Marshal(CrossPayload{Direction: dir, Fast: fast, Slow: slow, Close: c.Close})
				if err != nil {
					return nil, Output{}, fmt.Errorf("encode ma_cross payload: %w", err)
				}
				out.Signal = &model.Signal{Kind: model.KindMACross, Payload: payload}
			}
		}
		st.PrevFast, st.PrevSlow, st.Ready = fast, slow, true
	}

	next, err := json.Marshal(st)
	if err != nil {
		return nil, Output{}, fmt.Errorf("encode ma_cross state: %w", err)
	}
	return next, out, nil
}
