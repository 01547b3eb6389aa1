package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline, orchestrator and delta adapter
// from the concrete SQLite store. Series are keyed by SeriesID.String().

// CandleReader reads closed candles back from the candle store.
type CandleReader interface {
	// LatestCandle returns the newest candle for a series; ok is false if none exist.
	LatestCandle(ctx context.Context, series string) (c Candle, ok bool, err error)

	// RecentCandles returns up to limit candles with OpenTime <= upTo,
	// ordered by OpenTime ascending (the newest limit of them).
	RecentCandles(ctx context.Context, series string, upTo int64, limit int) ([]Candle, error)

	// CandlesAfter returns up to limit candles with OpenTime > after, ascending.
	CandlesAfter(ctx context.Context, series string, after int64, limit int) ([]Candle, error)
}

// KernelStateStore loads opaque kernel state blobs keyed by (indicator, series).
type KernelStateStore interface {
	// LoadKernelStates returns the stored blob per indicator name.
	// Names without a stored state are absent from the map.
	LoadKernelStates(ctx context.Context, series string, names []string) (map[string][]byte, error)
}

// TickBatch is everything one closed candle produces. It is written atomically.
// A zero Ledger (empty CandleID) keeps the stored ledger, which is how a
// back-dated catch-up tick avoids moving the ledger behind the newest candle.
type TickBatch struct {
	SeriesID     string
	Candle       Candle
	KernelStates map[string][]byte
	Ledger       Ledger
	LinePoints   []LinePoint
	Events       []OverlayEvent
}

// TickWriter applies a TickBatch in one transaction.
type TickWriter interface {
	// ApplyTick persists the batch; it returns the number of overlay events
	// actually inserted (duplicates are absorbed).
	ApplyTick(ctx context.Context, batch TickBatch) (int, error)
}

// OverlayWriter advances the head watermark and appends overlay events in
// one transaction.
type OverlayWriter interface {
	WriteOverlays(ctx context.Context, series string, headTime int64, events []OverlayEvent) (int, error)
}

// ReadView is a consistent point-in-time view of one store.
type ReadView interface {
	LatestCandle(ctx context.Context, series string) (Candle, bool, error)
	Ledger(ctx context.Context, series string) (*Ledger, error)
	LinePointsAfter(ctx context.Context, series string, features []string, after int64, maxTimes int) ([]LinePoint, error)
	OverlayEventsAfter(ctx context.Context, series string, afterID int64, limit int) ([]OverlayEvent, error)
	LatestOverlayEventID(ctx context.Context, series string) (int64, error)
}

// ReadViewer runs fn against a consistent ReadView.
type ReadViewer interface {
	View(ctx context.Context, fn func(v ReadView) error) error
}
