// Package plot turns closed-candle notifications into persisted pivot
// overlay events.
package plot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"taflow/internal/logger"
	"taflow/internal/model"
	"taflow/internal/pivot"
)

// Pivot levels carried in the event payload.
const (
	LevelMajor = "major"
	LevelMinor = "minor"
)

// Config configures the orchestrator.
type Config struct {
	Enabled         bool
	MajorWindow     int
	MinorWindow     int
	LookbackCandles int
	// AnchorMinor restricts minor detection to the segment that starts at the
	// last confirmed major pivot.
	AnchorMinor bool
}

// DefaultConfig returns windows 5/2 over 300 candles.
func DefaultConfig() Config {
	return Config{Enabled: true, MajorWindow: 5, MinorWindow: 2, LookbackCandles: 300}
}

// Payload is the structured part of a pivot overlay event.
type Payload struct {
	Price       float64     `json:"price"`
	Direction   string      `json:"direction"`
	VisibleTime int64       `json:"visible_time"`
	Window      int         `json:"window"`
	Level       string      `json:"level"`
	Pivot       pivot.Point `json:"pivot"`
}

// Summary reports one run.
type Summary struct {
	Candles  int
	Majors   int
	Minors   int
	Inserted int
}

// Orchestrator runs the pivot engine over the recent window of a series.
type Orchestrator struct {
	cfg     Config
	candles model.CandleReader
	writer  model.OverlayWriter
	log     *slog.Logger
}

// New validates cfg and builds an Orchestrator. Window sizes are checked even
// when disabled so a bad config fails at startup.
func New(cfg Config, candles model.CandleReader, writer model.OverlayWriter, log *slog.Logger) (*Orchestrator, error) {
	if err := pivot.ValidateWindow(cfg.MajorWindow); err != nil {
		return nil, fmt.Errorf("plot major window %d: %w", cfg.MajorWindow, err)
	}
	if err := pivot.ValidateWindow(cfg.MinorWindow); err != nil {
		return nil, fmt.Errorf("plot minor window %d: %w", cfg.MinorWindow, err)
	}
	if cfg.LookbackCandles <= 0 {
		return nil, fmt.Errorf("plot lookback must be > 0, got %d", cfg.LookbackCandles)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, candles: candles, writer: writer, log: log}, nil
}

// Enabled reports the feature flag.
func (o *Orchestrator) Enabled() bool { return o.cfg.Enabled }

// Run handles a closed candle at upTo for series. A lookback shorter than a
// full pivot window simply yields no pivots.
func (o *Orchestrator) Run(ctx context.Context, series string, upTo int64) (Summary, error) {
	if !o.cfg.Enabled {
		return Summary{}, nil
	}

	candles, err := o.candles.RecentCandles(ctx, series, upTo, o.cfg.LookbackCandles)
	if err != nil {
		return Summary{}, fmt.Errorf("plot load candles %s: %w", series, err)
	}
	// The store already bounds by upTo; keep the filter for readers that don't.
	for len(candles) > 0 && candles[len(candles)-1].OpenTime > upTo {
		candles = candles[:len(candles)-1]
	}

	majors := pivot.Major(candles, o.cfg.MajorWindow)
	var minors []pivot.Point
	if o.cfg.AnchorMinor && len(majors) > 0 {
		anchor := majors[len(majors)-1].PivotIdx
		minors = pivot.MinorInSegment(candles, o.cfg.MinorWindow, anchor, len(candles)-1)
	} else {
		minors = pivot.Minor(candles, o.cfg.MinorWindow)
	}

	events := make([]model.OverlayEvent, 0, len(majors)+len(minors))
	for _, p := range majors {
		ev, err := buildEvent(series, candles, p, model.KindPivotMajor, LevelMajor)
		if err != nil {
			return Summary{}, err
		}
		events = append(events, ev)
	}
	for _, p := range minors {
		ev, err := buildEvent(series, candles, p, model.KindPivotMinor, LevelMinor)
		if err != nil {
			return Summary{}, err
		}
		events = append(events, ev)
	}

	inserted, err := o.writer.WriteOverlays(ctx, series, upTo, events)
	if err != nil {
		return Summary{}, fmt.Errorf("plot write overlays %s: %w", series, err)
	}

	sum := Summary{Candles: len(candles), Majors: len(majors), Minors: len(minors), Inserted: inserted}
	if inserted > 0 {
		o.log.With(logger.LogWithTrace(ctx)...).Info("pivots persisted", "series", series, "up_to", upTo,
			"majors", sum.Majors, "minors", sum.Minors, "inserted", inserted)
	}
	return sum, nil
}

// DedupKey is the uniqueness key of a pivot event within its kind.
func DedupKey(p pivot.Point) string {
	return strconv.FormatInt(p.PivotTime, 10) + ":" + string(p.Direction)
}

func buildEvent(series string, candles []model.Candle, p pivot.Point, kind, level string) (model.OverlayEvent, error) {
	payload, err := json.Marshal(Payload{
		Price:       p.PivotPrice,
		Direction:   string(p.Direction),
		VisibleTime: p.VisibleTime,
		Window:      p.Window,
		Level:       level,
		Pivot:       p,
	})
	if err != nil {
		return model.OverlayEvent{}, fmt.Errorf("marshal pivot payload: %w", err)
	}
	return model.OverlayEvent{
		SeriesID:   series,
		CandleTime: p.VisibleTime,
		Kind:       kind,
		CandleID:   candles[p.VisibleIdx].CandleID(),
		DedupKey:   DedupKey(p),
		Payload:    payload,
	}, nil
}
