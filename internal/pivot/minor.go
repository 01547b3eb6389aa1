package pivot

import "taflow/internal/model"

// Minor returns minor pivots with window w: the candle at i-w is confirmed
// when candle i closes, by comparing it against the max high / min low of
// the 2w+1 candles ending at i. Both directions may fire on one center.
func Minor(candles []model.Candle, w int) []Point {
	return scanMinor(candles, w, 0, len(candles)-1)
}

// MinorInSegment runs the minor detector restricted to [start, end]. A
// center is confirmed only if both half-windows lie inside the segment, so
// re-anchoring at the last major pivot never looks at older history.
func MinorInSegment(candles []model.Candle, w, start, end int) []Point {
	if start < 0 {
		start = 0
	}
	if end > len(candles)-1 {
		end = len(candles) - 1
	}
	return scanMinor(candles, w, start, end)
}

func scanMinor(candles []model.Candle, w, start, end int) []Point {
	span := 2*w + 1
	if w <= 0 || end-start+1 < span {
		return nil
	}

	maxQ := newMonoDeque(span, func(a, b float64) bool { return a >= b })
	minQ := newMonoDeque(span, func(a, b float64) bool { return a <= b })

	out := make([]Point, 0, (end-start+1)/span+1)
	for i := start; i <= end; i++ {
		maxQ.push(i, candles[i].High)
		minQ.push(i, candles[i].Low)

		lo := i - span + 1
		maxQ.prune(lo)
		minQ.prune(lo)
		if lo < start {
			continue
		}

		c := i - w
		if candles[c].High >= maxQ.front() {
			out = append(out, newPoint(candles, c, w, Resistance))
		}
		if candles[c].Low <= minQ.front() {
			out = append(out, newPoint(candles, c, w, Support))
		}
	}
	return out
}

type dequeEntry struct {
	idx int
	val float64
}

// monoDeque keeps entries whose values are monotonic under keep: an entry
// at the back is dropped when keep(newVal, back) holds, so the front is
// always the window extreme.
type monoDeque struct {
	buf  []dequeEntry
	head int
	keep func(newVal, old float64) bool
}

func newMonoDeque(capacity int, keep func(newVal, old float64) bool) *monoDeque {
	return &monoDeque{buf: make([]dequeEntry, 0, capacity), keep: keep}
}

func (q *monoDeque) push(idx int, v float64) {
	for len(q.buf) > q.head && q.keep(v, q.buf[len(q.buf)-1].val) {
		q.buf = q.buf[:len(q.buf)-1]
	}
	q.buf = append(q.buf, dequeEntry{idx: idx, val: v})
}

// prune drops entries with idx < lo and compacts the backing slice once the
// dead prefix dominates it.
func (q *monoDeque) prune(lo int) {
	for q.head < len(q.buf) && q.buf[q.head].idx < lo {
		q.head++
	}
	if q.head > 0 && q.head >= len(q.buf)/2 {
		n := copy(q.buf, q.buf[q.head:])
		q.buf = q.buf[:n]
		q.head = 0
	}
}

func (q *monoDeque) front() float64 {
	return q.buf[q.head].val
}
