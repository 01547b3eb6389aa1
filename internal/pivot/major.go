package pivot

import "taflow/internal/model"

// Major returns major pivots with window w.
//
// Index i is a resistance pivot if its high is strictly greater than each of
// the w highs to its left and not exceeded by any of the w highs to its
// right, so the earliest candle of a flat top wins. Support is symmetric on
// lows. Both checks run independently; one index may produce both.
func Major(candles []model.Candle, w int) []Point {
	n := len(candles)
	if w <= 0 || n < 2*w+1 {
		return nil
	}

	out := make([]Point, 0, n/(2*w)+1)
	for i := w; i < n-w; i++ {
		hi := candles[i].High
		lo := candles[i].Low
		isHigh, isLow := true, true

		for j := i - w; j < i && (isHigh || isLow); j++ {
			if candles[j].High >= hi {
				isHigh = false
			}
			if candles[j].Low <= lo {
				isLow = false
			}
		}
		for j := i + 1; j <= i+w && (isHigh || isLow); j++ {
			if candles[j].High > hi {
				isHigh = false
			}
			if candles[j].Low < lo {
				isLow = false
			}
		}

		if isHigh {
			out = append(out, newPoint(candles, i, w, Resistance))
		}
		if isLow {
			out = append(out, newPoint(candles, i, w, Support))
		}
	}
	return out
}
