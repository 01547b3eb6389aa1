// Package delta serves derived artifacts to readers only when they are
// aligned with the candle data they were computed from, as cursor-resumable
// append-only deltas.
package delta

import (
	"context"
	"fmt"

	"taflow/internal/model"
)

// Reason tags a failed read.
type Reason string

const (
	// ReasonNotReady means nothing has been persisted for the series yet.
	ReasonNotReady Reason = "not_ready"
	// ReasonCandleIDMismatch means derived state lags (or leads) the raw candles.
	ReasonCandleIDMismatch Reason = "candle_id_mismatch"
)

// Result is the tagged outcome of a read. Reason is empty when OK.
type Result struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason,omitempty"`
}

const (
	DefaultLineLimit  = 500
	DefaultEventLimit = 500
)

// Latest is the single-read view of a series.
type Latest struct {
	Result
	CandleID string        `json:"candle_id,omitempty"`
	Ledger   *model.Ledger `json:"ledger,omitempty"`
}

// Request asks for everything after Cursor.
type Request struct {
	Series string
	// Features selects line-point features; empty selects all.
	Features []string
	Cursor   *Cursor
	// LineLimit bounds the number of distinct candle times returned.
	LineLimit  int
	EventLimit int
}

// Delta is the response to a Request.
type Delta struct {
	Result
	Ledger     *model.Ledger        `json:"ledger,omitempty"`
	LinePoints []model.LinePoint    `json:"line_points"`
	Events     []model.OverlayEvent `json:"overlay_events"`
	NextCursor Cursor               `json:"next_cursor"`
	// Truncated is set when either list hit its limit; more data is
	// available from NextCursor.
	Truncated bool `json:"truncated"`
}

// Adapter performs aligned reads against a store.
type Adapter struct {
	store model.ReadViewer
}

// New creates an Adapter.
func New(store model.ReadViewer) *Adapter {
	return &Adapter{store: store}
}

// ReadLatest returns the ledger if it is aligned with the latest candle.
func (a *Adapter) ReadLatest(ctx context.Context, series string) (Latest, error) {
	var out Latest
	err := a.store.View(ctx, func(v model.ReadView) error {
		res, ledger, candleID, err := check(ctx, v, series)
		if err != nil {
			return err
		}
		out = Latest{Result: res, CandleID: candleID}
		if res.OK {
			out.Ledger = ledger
		}
		return nil
	})
	if err != nil {
		return Latest{}, fmt.Errorf("read latest %s: %w", series, err)
	}
	return out, nil
}

// ReadDelta returns line points and overlay events after req.Cursor. A
// misaligned series yields OK=false with no data and the request cursor
// echoed back.
func (a *Adapter) ReadDelta(ctx context.Context, req Request) (Delta, error) {
	lineLimit := req.LineLimit
	if lineLimit <= 0 {
		lineLimit = DefaultLineLimit
	}
	eventLimit := req.EventLimit
	if eventLimit <= 0 {
		eventLimit = DefaultEventLimit
	}
	var cur Cursor
	if req.Cursor != nil {
		cur = *req.Cursor
	}

	out := Delta{NextCursor: cur}
	err := a.store.View(ctx, func(v model.ReadView) error {
		res, ledger, _, err := check(ctx, v, req.Series)
		if err != nil {
			return err
		}
		out.Result = res
		if !res.OK {
			return nil
		}
		out.Ledger = ledger

		points, err := v.LinePointsAfter(ctx, req.Series, req.Features, cur.CandleTime, lineLimit+1)
		if err != nil {
			return err
		}
		points, linesCut := cutToTimes(points, lineLimit)

		events, err := v.OverlayEventsAfter(ctx, req.Series, cur.OverlayEventID, eventLimit+1)
		if err != nil {
			return err
		}
		eventsCut := len(events) > eventLimit
		if eventsCut {
			events = events[:eventLimit]
		}

		next := cur
		if linesCut {
			next.CandleTime = points[len(points)-1].CandleTime
		} else if ledger.CandleTime > next.CandleTime {
			next.CandleTime = ledger.CandleTime
		}
		if eventsCut {
			next.OverlayEventID = events[len(events)-1].ID
		} else {
			latest, err := v.LatestOverlayEventID(ctx, req.Series)
			if err != nil {
				return err
			}
			if latest > next.OverlayEventID {
				next.OverlayEventID = latest
			}
		}

		if points == nil {
			points = []model.LinePoint{}
		}
		if events == nil {
			events = []model.OverlayEvent{}
		}
		out.LinePoints = points
		out.Events = events
		out.NextCursor = next
		out.Truncated = linesCut || eventsCut
		return nil
	})
	if err != nil {
		return Delta{}, fmt.Errorf("read delta %s: %w", req.Series, err)
	}
	return out, nil
}

// check compares the latest candle id against the ledger's candle id.
func check(ctx context.Context, v model.ReadView, series string) (Result, *model.Ledger, string, error) {
	c, hasCandle, err := v.LatestCandle(ctx, series)
	if err != nil {
		return Result{}, nil, "", err
	}
	ledger, err := v.Ledger(ctx, series)
	if err != nil {
		return Result{}, nil, "", err
	}

	var candleID string
	if hasCandle {
		candleID = c.CandleID()
	}
	switch {
	case !hasCandle && ledger == nil:
		return Result{Reason: ReasonNotReady}, nil, "", nil
	case !hasCandle || ledger == nil || ledger.CandleID != candleID:
		return Result{Reason: ReasonCandleIDMismatch}, ledger, candleID, nil
	}
	return Result{OK: true}, ledger, candleID, nil
}

// cutToTimes keeps points belonging to the first limit distinct candle
// times. Points arrive ordered by candle time.
func cutToTimes(points []model.LinePoint, limit int) ([]model.LinePoint, bool) {
	times := 0
	var last int64
	for i, p := range points {
		if i == 0 || p.CandleTime != last {
			times++
			last = p.CandleTime
			if times > limit {
				return points[:i], true
			}
		}
	}
	return points, false
}
