package delta

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"taflow/internal/model"
	"taflow/internal/store/sqlite"
)

const series = "binance:spot:BTCUSDT:1m"

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "delta.db")}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func candle(ts int64) model.Candle {
	return model.Candle{Symbol: "BTCUSDT", Timeframe: "1m", OpenTime: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5}
}

// applyTick writes an aligned tick with one sma_2 point per candle and an
// optional event.
func applyTick(t *testing.T, s *sqlite.Store, ts int64, withEvent bool) {
	t.Helper()
	c := candle(ts)
	b := model.TickBatch{
		SeriesID:     series,
		Candle:       c,
		KernelStates: map[string][]byte{"sma": []byte(`{}`)},
		Ledger: model.Ledger{
			SeriesID: series, CandleID: c.CandleID(), CandleTime: ts,
			Features: map[string]float64{"sma_2": float64(ts)},
		},
		LinePoints: []model.LinePoint{{SeriesID: series, Feature: "sma_2", CandleTime: ts, Value: float64(ts)}},
	}
	if withEvent {
		b.Events = []model.OverlayEvent{{
			SeriesID: series, CandleTime: ts, Kind: model.KindMACross,
			CandleID: c.CandleID(), DedupKey: c.CandleID(), Payload: json.RawMessage(`{}`),
		}}
	}
	if _, err := s.ApplyTick(context.Background(), b); err != nil {
		t.Fatalf("apply tick %d: %v", ts, err)
	}
}

func TestReadLatest_NotReady(t *testing.T) {
	a := New(openStore(t))
	res, err := a.ReadLatest(context.Background(), series)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Reason != ReasonNotReady {
		t.Errorf("expected not_ready, got %+v", res.Result)
	}
}

func TestAlignment_CandleWithoutTickIsMismatch(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a := New(s)

	applyTick(t, s, 60, false)
	if res, _ := a.ReadLatest(ctx, series); !res.OK {
		t.Fatalf("aligned series should read ok, got %+v", res.Result)
	}

	// Candle persisted, kernel tick not applied.
	if err := s.UpsertCandle(ctx, series, candle(120)); err != nil {
		t.Fatal(err)
	}

	latest, err := a.ReadLatest(ctx, series)
	if err != nil {
		t.Fatal(err)
	}
	if latest.OK || latest.Reason != ReasonCandleIDMismatch {
		t.Errorf("ReadLatest: expected candle_id_mismatch, got %+v", latest.Result)
	}
	if latest.Ledger != nil {
		t.Error("misaligned read must not return the ledger")
	}

	d, err := a.ReadDelta(ctx, Request{Series: series, Features: []string{"sma_2"}})
	if err != nil {
		t.Fatal(err)
	}
	if d.OK || d.Reason != ReasonCandleIDMismatch {
		t.Errorf("ReadDelta: expected candle_id_mismatch, got %+v", d.Result)
	}
	if len(d.LinePoints) != 0 || len(d.Events) != 0 {
		t.Error("misaligned delta must carry no data")
	}
}

func TestAlignment_CandleOnlyIsMismatch(t *testing.T) {
	s := openStore(t)
	_ = s.UpsertCandle(context.Background(), series, candle(60))
	res, _ := New(s).ReadLatest(context.Background(), series)
	if res.Reason != ReasonCandleIDMismatch {
		t.Errorf("candle without ledger: expected candle_id_mismatch, got %+v", res.Result)
	}
}

func TestReadDelta_UnchangedCursorIsEmpty(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a := New(s)

	applyTick(t, s, 60, false)
	applyTick(t, s, 120, true)
	applyTick(t, s, 180, false)

	first, err := a.ReadDelta(ctx, Request{Series: series, Features: []string{"sma_2"}})
	if err != nil {
		t.Fatal(err)
	}
	if !first.OK {
		t.Fatalf("expected ok, got %+v", first.Result)
	}
	if len(first.LinePoints) != 3 || len(first.Events) != 1 {
		t.Fatalf("expected 3 points and 1 event, got %d/%d", len(first.LinePoints), len(first.Events))
	}
	if first.NextCursor.CandleTime != 180 || first.NextCursor.OverlayEventID != first.Events[0].ID {
		t.Errorf("unexpected next cursor %+v", first.NextCursor)
	}

	cur := first.NextCursor
	again, err := a.ReadDelta(ctx, Request{Series: series, Features: []string{"sma_2"}, Cursor: &cur})
	if err != nil {
		t.Fatal(err)
	}
	if len(again.LinePoints) != 0 || len(again.Events) != 0 {
		t.Errorf("unchanged cursor must return empty deltas, got %d/%d", len(again.LinePoints), len(again.Events))
	}
	if again.NextCursor != cur {
		t.Errorf("cursor moved without new data: %+v -> %+v", cur, again.NextCursor)
	}

	applyTick(t, s, 240, true)
	next, _ := a.ReadDelta(ctx, Request{Series: series, Features: []string{"sma_2"}, Cursor: &cur})
	if len(next.LinePoints) != 1 || next.LinePoints[0].CandleTime != 240 || len(next.Events) != 1 {
		t.Errorf("expected only the new tick, got %+v", next)
	}
}

func TestReadDelta_Pagination(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a := New(s)
	for ts := int64(60); ts <= 300; ts += 60 {
		applyTick(t, s, ts, true)
	}

	var cur *Cursor
	var points, events int
	for page := 0; page < 10; page++ {
		d, err := a.ReadDelta(ctx, Request{Series: series, Cursor: cur, LineLimit: 2, EventLimit: 2})
		if err != nil {
			t.Fatal(err)
		}
		points += len(d.LinePoints)
		events += len(d.Events)
		if !d.Truncated {
			break
		}
		c := d.NextCursor
		cur = &c
	}
	if points != 5 || events != 5 {
		t.Errorf("paged reads returned %d points and %d events, want 5/5", points, events)
	}
}

func TestCursor_RoundTripAndMalformed(t *testing.T) {
	c := Cursor{CandleTime: 1700000000, OverlayEventID: 42}
	got, err := ParseCursor(c.String())
	if err != nil || got == nil || *got != c {
		t.Fatalf("round trip: %+v %v", got, err)
	}
	if got, err := ParseCursor(""); got != nil || err != nil {
		t.Errorf("empty cursor: %+v %v", got, err)
	}
	for _, bad := range []string{"!!!", "Zm9v", Cursor{}.String()[:3]} {
		if _, err := ParseCursor(bad); !errors.Is(err, ErrMalformedCursor) {
			t.Errorf("ParseCursor(%q): expected ErrMalformedCursor, got %v", bad, err)
		}
	}
}
