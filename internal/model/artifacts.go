package model

import "encoding/json"

// Overlay event kinds.
const (
	KindPivotMajor = "pivot_major"
	KindPivotMinor = "pivot_minor"
	KindMACross    = "ma_cross"
)

// Signal is a discrete event a kernel raised on a candle (e.g. a crossover).
type Signal struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ledger is the single latest computed-artifact summary for a series.
// CandleID must equal the candle store's latest candle id for the series
// for the series to be readable.
type Ledger struct {
	SeriesID   string             `json:"series_id"`
	CandleID   string             `json:"candle_id"`
	CandleTime int64              `json:"candle_time"`
	Features   map[string]float64 `json:"features"`
	Signal     *Signal            `json:"signal,omitempty"`
}

// OverlayEvent is an append-only derived record (pivot or signal).
// ID is assigned by the store and is monotonic per store; it is zero on
// records that have not been written yet. DedupKey together with SeriesID
// and Kind forms the uniqueness key.
type OverlayEvent struct {
	ID         int64           `json:"id"`
	SeriesID   string          `json:"series_id"`
	CandleTime int64           `json:"candle_time"`
	Kind       string          `json:"kind"`
	CandleID   string          `json:"candle_id"`
	DedupKey   string          `json:"dedup_key"`
	Payload    json.RawMessage `json:"payload"`
}

// LinePoint is one per-feature, per-candle scalar sample.
type LinePoint struct {
	SeriesID   string  `json:"series_id"`
	Feature    string  `json:"feature"`
	CandleTime int64   `json:"candle_time"`
	Value      float64 `json:"value"`
}
