package pivot

import (
	"math/rand"
	"reflect"
	"testing"

	"taflow/internal/model"
)

// makeCandles builds 60s candles with the given highs; lows mirror the highs
// (low = high - 1) unless lows is non-nil.
func makeCandles(highs, lows []float64) []model.Candle {
	out := make([]model.Candle, len(highs))
	for i, h := range highs {
		low := h - 1
		if lows != nil {
			low = lows[i]
		}
		out[i] = model.Candle{
			Symbol:    "BTCUSDT",
			Timeframe: "1m",
			OpenTime:  1700000000 + int64(i)*60,
			Open:      low,
			High:      h,
			Low:       low,
			Close:     h,
			Volume:    1,
		}
	}
	return out
}

func randomCandles(rng *rand.Rand, n int) []model.Candle {
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i := range highs {
		// Coarse integer prices so plateaus and ties happen often.
		highs[i] = float64(100 + rng.Intn(8))
		lows[i] = highs[i] - float64(1+rng.Intn(4))
	}
	return makeCandles(highs, lows)
}

func TestMajor_SingleHigh(t *testing.T) {
	candles := makeCandles([]float64{10, 11, 15, 12, 11}, []float64{9, 10, 14, 11, 10})

	got := Major(candles, 2)
	var res []Point
	for _, p := range got {
		if p.Direction == Resistance {
			res = append(res, p)
		}
	}
	if len(res) != 1 {
		t.Fatalf("expected 1 resistance pivot, got %d: %+v", len(res), got)
	}
	p := res[0]
	if p.PivotIdx != 2 || p.VisibleIdx != 4 {
		t.Errorf("expected pivot_idx=2 visible_idx=4, got %d/%d", p.PivotIdx, p.VisibleIdx)
	}
	if p.PivotPrice != 15 {
		t.Errorf("expected price 15, got %v", p.PivotPrice)
	}
	if p.VisibleTime != candles[4].OpenTime {
		t.Errorf("expected visible_time %d, got %d", candles[4].OpenTime, p.VisibleTime)
	}
}

func TestMajor_PlateauPicksEarliest(t *testing.T) {
	candles := makeCandles([]float64{10, 11, 20, 20, 20, 12, 11, 10}, nil)

	var res []Point
	for _, p := range Major(candles, 2) {
		if p.Direction == Resistance {
			res = append(res, p)
		}
	}
	if len(res) != 1 {
		t.Fatalf("expected exactly one resistance pivot on plateau, got %+v", res)
	}
	if res[0].PivotIdx != 2 {
		t.Errorf("expected earliest plateau index 2, got %d", res[0].PivotIdx)
	}
}

func TestMajor_SupportPlateauPicksEarliest(t *testing.T) {
	highs := []float64{20, 19, 15, 15, 18, 19, 20}
	lows := []float64{19, 18, 5, 5, 17, 18, 19}
	candles := makeCandles(highs, lows)

	var sup []Point
	for _, p := range Major(candles, 2) {
		if p.Direction == Support {
			sup = append(sup, p)
		}
	}
	if len(sup) != 1 || sup[0].PivotIdx != 2 {
		t.Fatalf("expected single support at 2, got %+v", sup)
	}
	if sup[0].PivotPrice != 5 {
		t.Errorf("expected support price 5, got %v", sup[0].PivotPrice)
	}
}

func TestMajor_BothDirectionsOnOneIndex(t *testing.T) {
	// Outside bar at index 2: highest high and lowest low.
	highs := []float64{10, 10, 30, 10, 10}
	lows := []float64{5, 5, 1, 5, 5}
	got := Major(makeCandles(highs, lows), 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 pivots, got %+v", got)
	}
	if got[0].Direction != Resistance || got[1].Direction != Support {
		t.Errorf("expected resistance then support, got %s then %s", got[0].Direction, got[1].Direction)
	}
}

func TestDetectors_DegradeToEmpty(t *testing.T) {
	candles := makeCandles([]float64{1, 2, 3, 2}, nil)
	cases := []struct {
		name string
		got  []Point
	}{
		{"major w=0", Major(candles, 0)},
		{"major w<0", Major(candles, -1)},
		{"major short", Major(candles, 2)},
		{"minor w=0", Minor(candles, 0)},
		{"minor short", Minor(candles, 2)},
		{"segment short", MinorInSegment(candles, 1, 2, 3)},
		{"empty input", Minor(nil, 1)},
	}
	for _, tc := range cases {
		if len(tc.got) != 0 {
			t.Errorf("%s: expected empty result, got %+v", tc.name, tc.got)
		}
	}
}

func TestValidateWindow(t *testing.T) {
	if err := ValidateWindow(0); err != ErrInvalidWindow {
		t.Errorf("expected ErrInvalidWindow, got %v", err)
	}
	if err := ValidateWindow(3); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

// naiveMinor is the O(n*w) reference for the deque detector.
func naiveMinor(candles []model.Candle, w int) []Point {
	var out []Point
	for c := w; c+w < len(candles); c++ {
		maxH, minL := candles[c-w].High, candles[c-w].Low
		for j := c - w; j <= c+w; j++ {
			if candles[j].High > maxH {
				maxH = candles[j].High
			}
			if candles[j].Low < minL {
				minL = candles[j].Low
			}
		}
		if candles[c].High >= maxH {
			out = append(out, newPoint(candles, c, w, Resistance))
		}
		if candles[c].Low <= minL {
			out = append(out, newPoint(candles, c, w, Support))
		}
	}
	return out
}

func TestMinor_MatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		candles := randomCandles(rng, 20+rng.Intn(80))
		for w := 1; w <= 5; w++ {
			got := Minor(candles, w)
			want := naiveMinor(candles, w)
			if len(got) == 0 && len(want) == 0 {
				continue
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("trial %d w=%d: deque result differs from naive\n got=%+v\nwant=%+v", trial, w, got, want)
			}
		}
	}
}

func TestMinorInSegment_FullRangeEqualsMinor(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		candles := randomCandles(rng, 10+rng.Intn(60))
		for w := 1; w <= 4; w++ {
			full := Minor(candles, w)
			seg := MinorInSegment(candles, w, 0, len(candles)-1)
			if !reflect.DeepEqual(full, seg) {
				t.Fatalf("trial %d w=%d: segment [0,n-1] differs from unsegmented", trial, w)
			}
		}
	}
}

func TestMinorInSegment_StaysInsideSegment(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	candles := randomCandles(rng, 80)
	start, end, w := 20, 60, 3

	for _, p := range MinorInSegment(candles, w, start, end) {
		if p.PivotIdx-w < start || p.PivotIdx+w > end {
			t.Errorf("pivot at %d has a half-window outside [%d,%d]", p.PivotIdx, start, end)
		}
	}
}

func TestVisibilityDelay(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	candles := randomCandles(rng, 120)
	for w := 1; w <= 6; w++ {
		all := append(Major(candles, w), Minor(candles, w)...)
		for _, p := range all {
			if p.VisibleIdx-p.PivotIdx != w || p.Window != w {
				t.Fatalf("w=%d: visible_idx-pivot_idx=%d window=%d", w, p.VisibleIdx-p.PivotIdx, p.Window)
			}
			if p.VisibleTime != candles[p.VisibleIdx].OpenTime {
				t.Fatalf("w=%d: visible_time %d != candle time %d", w, p.VisibleTime, candles[p.VisibleIdx].OpenTime)
			}
			if p.PivotTime != candles[p.PivotIdx].OpenTime {
				t.Fatalf("w=%d: pivot_time mismatch", w)
			}
		}
	}
}

func TestMajor_AscendingScanOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	got := Major(randomCandles(rng, 200), 2)
	for i := 1; i < len(got); i++ {
		if got[i].PivotIdx < got[i-1].PivotIdx {
			t.Fatalf("pivots out of order at %d: %d < %d", i, got[i].PivotIdx, got[i-1].PivotIdx)
		}
	}
}
