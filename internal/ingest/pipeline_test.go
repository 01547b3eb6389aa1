package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taflow/internal/cooldown"
	"taflow/internal/delta"
	"taflow/internal/kernel"
	"taflow/internal/marketdata/tfbuilder"
	"taflow/internal/model"
	"taflow/internal/plot"
	redisstore "taflow/internal/store/redis"
	"taflow/internal/store/sqlite"
)

var btc = model.SeriesID{Exchange: "binance", Market: "spot", Symbol: "BTCUSDT", Timeframe: "1m"}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "ingest.db")}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func bar(ts int64, close float64) model.Candle {
	return model.Candle{Symbol: "BTCUSDT", Timeframe: "1m", OpenTime: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1}
}

func smaSet(t *testing.T) *kernel.Set {
	t.Helper()
	set, err := kernel.Build(kernel.Config{SMAPeriods: []int{1, 2}, CrossEnabled: true, CrossSource: "sma", CrossFast: 1, CrossSlow: 2})
	if err != nil {
		t.Fatal(err)
	}
	return set
}

// tickingSlots returns slots whose clock advances a second per reading, so
// the cooldown never blocks a test.
func tickingSlots() *cooldown.Slots {
	slots := cooldown.New(0)
	clock := time.Unix(1_700_000_000, 0)
	slots.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return slots
}

type recordingNotifier struct{ msgs []redisstore.Message }

func (r *recordingNotifier) Notify(_ context.Context, m redisstore.Message) error {
	r.msgs = append(r.msgs, m)
	return nil
}

func latest(t *testing.T, s *sqlite.Store, series model.SeriesID) delta.Latest {
	t.Helper()
	l, err := delta.New(s).ReadLatest(context.Background(), series.String())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestHandle_AppliesKernelsAndStaysAligned(t *testing.T) {
	s := openStore(t)
	n := &recordingNotifier{}
	p, err := NewPipeline(s, smaSet(t), Options{Notifier: n})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	events := 0
	for i, c := range []float64{10, 9, 8, 9} {
		out, err := p.Handle(ctx, btc, bar(int64(60*(i+1)), c))
		if err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
		if out.Skipped != "" {
			t.Fatalf("candle %d skipped: %s", i, out.Skipped)
		}
		events += out.Events
	}
	if events != 1 {
		t.Errorf("expected one golden cross event, got %d", events)
	}

	l := latest(t, s, btc)
	if !l.OK {
		t.Fatalf("expected aligned ledger, got %+v", l.Result)
	}
	if l.Ledger.Features["sma_2"] != 8.5 || l.Ledger.Signal == nil {
		t.Errorf("unexpected ledger %+v", l.Ledger)
	}
	if len(n.msgs) != 4 || n.msgs[3].CandleTime != 240 || n.msgs[3].Events != 1 {
		t.Errorf("unexpected notifications %+v", n.msgs)
	}
}

func TestHandle_ReplayIsSkipped(t *testing.T) {
	s := openStore(t)
	p, _ := NewPipeline(s, smaSet(t), Options{Slots: tickingSlots()})
	ctx := context.Background()

	if _, err := p.Handle(ctx, btc, bar(60, 10)); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Handle(ctx, btc, bar(120, 11)); err != nil {
		t.Fatal(err)
	}
	out, err := p.Handle(ctx, btc, bar(60, 10))
	if err != nil {
		t.Fatal(err)
	}
	if out.Skipped != SkipReplay {
		t.Errorf("expected replay skip, got %+v", out)
	}
	if l := latest(t, s, btc); !l.OK || l.Ledger.CandleTime != 120 {
		t.Errorf("replay must not move the ledger: %+v", l)
	}
}

func TestHandle_BusyCandleIsCaughtUpNextTick(t *testing.T) {
	s := openStore(t)
	slots := tickingSlots()
	p, _ := NewPipeline(s, smaSet(t), Options{Slots: slots})
	ctx := context.Background()

	if _, err := p.Handle(ctx, btc, bar(60, 10)); err != nil {
		t.Fatal(err)
	}

	// A concurrent run holds the slot: the candle is stored without a tick.
	if !slots.TryAcquireTarget(btc.String(), 0) {
		t.Fatal("could not take the slot")
	}
	out, err := p.Handle(ctx, btc, bar(120, 12))
	if err != nil {
		t.Fatal(err)
	}
	if out.Skipped != SkipBusy {
		t.Fatalf("expected busy skip, got %+v", out)
	}
	if l := latest(t, s, btc); l.OK || l.Reason != delta.ReasonCandleIDMismatch {
		t.Fatalf("expected candle_id_mismatch, got %+v", l.Result)
	}
	slots.ReleaseTarget(btc.String(), 0)

	out, err = p.Handle(ctx, btc, bar(180, 14))
	if err != nil {
		t.Fatal(err)
	}
	if out.CaughtUp != 1 {
		t.Errorf("expected one caught-up candle, got %d", out.CaughtUp)
	}
	l := latest(t, s, btc)
	if !l.OK || l.Ledger.Features["sma_2"] != 13 {
		t.Errorf("expected aligned ledger with sma_2=13, got %+v", l)
	}
}

func TestReconcile_RepairsMismatch(t *testing.T) {
	s := openStore(t)
	p, _ := NewPipeline(s, smaSet(t), Options{Slots: tickingSlots()})
	ctx := context.Background()

	if _, err := p.Handle(ctx, btc, bar(60, 10)); err != nil {
		t.Fatal(err)
	}
	// Raw candles appended by another writer.
	if err := s.UpsertCandles(ctx, btc.String(), []model.Candle{bar(120, 11), bar(180, 12)}); err != nil {
		t.Fatal(err)
	}
	if l := latest(t, s, btc); l.Reason != delta.ReasonCandleIDMismatch {
		t.Fatalf("expected mismatch before reconcile, got %+v", l.Result)
	}

	n, err := p.Reconcile(ctx, btc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("reconciled %d candles, want 2", n)
	}
	if l := latest(t, s, btc); !l.OK || l.Ledger.CandleTime != 180 {
		t.Errorf("expected aligned at 180, got %+v", l)
	}

	n, err = p.Reconcile(ctx, btc)
	if err != nil || n != 0 {
		t.Errorf("second reconcile: n=%d err=%v", n, err)
	}
}

func TestReconcile_BusyAndEmpty(t *testing.T) {
	s := openStore(t)
	slots := cooldown.New(0)
	p, _ := NewPipeline(s, smaSet(t), Options{Slots: slots})
	ctx := context.Background()

	if n, err := p.Reconcile(ctx, btc); n != 0 || err != nil {
		t.Errorf("empty series: n=%d err=%v", n, err)
	}
	if err := s.UpsertCandle(ctx, btc.String(), bar(60, 1)); err != nil {
		t.Fatal(err)
	}
	slots.TryAcquireTarget(btc.String(), 0)
	if _, err := p.Reconcile(ctx, btc); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestHandle_FansOutDerivedTimeframes(t *testing.T) {
	s := openStore(t)
	b, err := tfbuilder.New("1m", []string{"5m"})
	if err != nil {
		t.Fatal(err)
	}
	orch, err := plot.New(plot.Config{Enabled: true, MajorWindow: 2, MinorWindow: 1, LookbackCandles: 50}, s, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := NewPipeline(s, smaSet(t), Options{Builder: b, Plot: orch})
	ctx := context.Background()

	var last Outcome
	for i := 0; i < 5; i++ {
		last, err = p.Handle(ctx, btc, bar(int64(300+60*i), float64(10+i)))
		if err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
	}
	if len(last.Derived) != 1 {
		t.Fatalf("expected the 5m bucket to close on the last base candle, got %+v", last.Derived)
	}
	m5 := btc.WithTimeframe("5m")
	if last.Derived[0].Series != m5.String() {
		t.Errorf("derived series %s", last.Derived[0].Series)
	}
	c, ok, err := s.LatestCandle(ctx, m5.String())
	if err != nil || !ok {
		t.Fatalf("5m candle missing: ok=%v err=%v", ok, err)
	}
	if c.OpenTime != 300 || c.Open != 10 || c.Close != 14 || c.High != 15 || c.Volume != 5 {
		t.Errorf("unexpected 5m candle %+v", c)
	}
	if l := latest(t, s, m5); !l.OK {
		t.Errorf("derived series should be aligned, got %+v", l.Result)
	}
	if head, ok, _ := s.HeadTime(ctx, btc.String()); !ok || head != 540 {
		t.Errorf("plot head = %d (ok=%v), want 540", head, ok)
	}
}

func TestHandle_RejectsForeignCandle(t *testing.T) {
	p, _ := NewPipeline(openStore(t), smaSet(t), Options{})
	c := bar(60, 1)
	c.Symbol = "ETHUSDT"
	if _, err := p.Handle(context.Background(), btc, c); !errors.Is(err, ErrSeriesMismatch) {
		t.Errorf("expected ErrSeriesMismatch, got %v", err)
	}
}

func TestHandle_DerivedBucketSurvivesRestart(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	m5 := btc.WithTimeframe("5m")

	newPipe := func() *Pipeline {
		b, err := tfbuilder.New("1m", []string{"5m"})
		if err != nil {
			t.Fatal(err)
		}
		p, err := NewPipeline(s, smaSet(t), Options{Builder: b})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}

	first := newPipe()
	for i := 0; i < 3; i++ {
		if _, err := first.Handle(ctx, btc, bar(int64(300+60*i), float64(10+i))); err != nil {
			t.Fatal(err)
		}
	}

	// Process restart mid-bucket: the builder starts empty.
	second := newPipe()
	var last Outcome
	for i := 3; i < 5; i++ {
		var err error
		if last, err = second.Handle(ctx, btc, bar(int64(300+60*i), float64(10+i))); err != nil {
			t.Fatal(err)
		}
	}
	if len(last.Derived) != 1 {
		t.Fatalf("expected the 5m bucket to close, got %+v", last.Derived)
	}
	c, ok, err := s.LatestCandle(ctx, m5.String())
	if err != nil || !ok {
		t.Fatalf("5m candle missing: ok=%v err=%v", ok, err)
	}
	if c.OpenTime != 300 || c.Open != 10 || c.Low != 9 || c.High != 15 || c.Close != 14 || c.Volume != 5 {
		t.Errorf("5m candle rebuilt from partial data: %+v", c)
	}
}

func TestHandle_LogsCarryTraceID(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p, _ := NewPipeline(openStore(t), smaSet(t), Options{
		Notifier: failingNotifier{err: errors.New("redis down")},
		Logger:   lg,
	})
	if _, err := p.Handle(context.Background(), btc, bar(60, 1)); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `"msg":"notification failed"`) {
			found = true
			if !strings.Contains(line, `"trace_id":"binance:spot:BTCUSDT:1m@60"`) {
				t.Errorf("notification log lacks trace id: %s", line)
			}
		}
	}
	if !found {
		t.Fatalf("expected a notification failure log, got %s", buf.String())
	}
}
