// Package pivot detects confirmed swing pivots over closed-candle sequences.
//
// Every detector is a pure function of its inputs. A pivot at index i with
// window w can only be confirmed once w candles exist on its right, so each
// Point carries both the drawn position (PivotIdx/PivotTime) and the
// position at which it became known (VisibleIdx/VisibleTime = PivotIdx + w).
//
// A window <= 0 or a sequence shorter than 2w+1 yields an empty result, not
// an error. Output is in scan order; callers dedup persisted pivots by
// (series, kind, pivot_time, direction).
package pivot

import (
	"errors"

	"taflow/internal/model"
)

// Direction is the side of a pivot.
type Direction string

const (
	Resistance Direction = "resistance" // local high
	Support    Direction = "support"    // local low
)

// ErrInvalidWindow is returned by ValidateWindow for windows <= 0.
var ErrInvalidWindow = errors.New("pivot window must be > 0")

// Point is one confirmed pivot.
type Point struct {
	PivotTime   int64     `json:"pivot_time"`
	PivotIdx    int       `json:"pivot_idx"`
	PivotPrice  float64   `json:"pivot_price"`
	Direction   Direction `json:"direction"`
	VisibleTime int64     `json:"visible_time"`
	VisibleIdx  int       `json:"visible_idx"`
	Window      int       `json:"window"`
}

// ValidateWindow rejects non-positive windows. The detectors themselves
// degrade to an empty result; configuration layers call this eagerly.
func ValidateWindow(w int) error {
	if w <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

func newPoint(candles []model.Candle, idx, w int, dir Direction) Point {
	c := &candles[idx]
	price := c.High
	if dir == Support {
		price = c.Low
	}
	return Point{
		PivotTime:   c.OpenTime,
		PivotIdx:    idx,
		PivotPrice:  price,
		Direction:   dir,
		VisibleTime: candles[idx+w].OpenTime,
		VisibleIdx:  idx + w,
		Window:      w,
	}
}
