// Package ingest applies closed candles to the store and supervises the
// long-running per-series feed loops that produce them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"taflow/internal/cooldown"
	"taflow/internal/kernel"
	"taflow/internal/logger"
	"taflow/internal/marketdata/tfbuilder"
	"taflow/internal/metrics"
	"taflow/internal/model"
	"taflow/internal/plot"
	redisstore "taflow/internal/store/redis"
)

// ErrBusy is returned by Reconcile when the series is being processed.
var ErrBusy = errors.New("series busy")

// ErrSeriesMismatch is returned for a candle whose symbol or timeframe does
// not belong to the series it was delivered on.
var ErrSeriesMismatch = errors.New("candle does not belong to series")

// Skip reasons reported in an Outcome.
const (
	SkipBusy   = "busy"
	SkipReplay = "replay"
)

// reconcileBatch bounds how many candles one catch-up query loads.
const reconcileBatch = 500

// Store is what the pipeline needs from the durable store.
type Store interface {
	model.CandleReader
	model.KernelStateStore
	model.TickWriter
	UpsertCandle(ctx context.Context, series string, c model.Candle) error
	Ledger(ctx context.Context, series string) (*model.Ledger, error)
}

// Notifier publishes closed-candle notifications.
type Notifier interface {
	Notify(ctx context.Context, m redisstore.Message) error
}

// Options holds the optional collaborators of a Pipeline.
type Options struct {
	Plot     *plot.Orchestrator
	Slots    *cooldown.Slots
	Builder  *tfbuilder.Builder
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Outcome reports what Handle did with one candle.
type Outcome struct {
	Series   string
	Skipped  string
	CaughtUp int // stored candles replayed before this one
	Events   int // signal events inserted
	Pivots   int // pivot events inserted
	Derived  []Outcome
}

// Pipeline turns closed candles into persisted artifacts. Calls for one
// series must come from a single goroutine; the cooldown slot rejects
// overlapping work such as a concurrent Reconcile.
type Pipeline struct {
	store    Store
	kernels  *kernel.Set
	plot     *plot.Orchestrator
	slots    *cooldown.Slots
	builder  *tfbuilder.Builder
	notifier Notifier
	prom     *metrics.Metrics
	log      *slog.Logger

	now func() time.Time
}

// NewPipeline creates a Pipeline. store and kernels are required.
func NewPipeline(store Store, kernels *kernel.Set, opts Options) (*Pipeline, error) {
	if store == nil || kernels == nil {
		return nil, errors.New("ingest pipeline: store and kernels are required")
	}
	if opts.Slots == nil {
		opts.Slots = cooldown.New(cooldown.MinCooldown)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Plot != nil && !opts.Plot.Enabled() {
		opts.Plot = nil
	}
	p := &Pipeline{
		store:    store,
		kernels:  kernels,
		plot:     opts.Plot,
		slots:    opts.Slots,
		builder:  opts.Builder,
		notifier: opts.Notifier,
		prom:     opts.Metrics,
		log:      opts.Logger,
		now:      time.Now,
	}
	if p.builder != nil && p.builder.History == nil {
		p.builder.History = p.history
	}
	return p, nil
}

// Handle applies one closed candle of series, then feeds it to the derived
// timeframe builder and applies every derived candle it closes.
func (p *Pipeline) Handle(ctx context.Context, series model.SeriesID, c model.Candle) (Outcome, error) {
	if logger.TraceID(ctx) == "" {
		ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(series.String(), time.Unix(c.OpenTime, 0)))
	}
	out, err := p.handle(ctx, series, c)
	if err != nil || p.builder == nil || out.Skipped == SkipReplay {
		return out, err
	}
	for _, d := range p.builder.AddContext(ctx, series, c) {
		if p.prom != nil {
			p.prom.DerivedCandlesTotal.WithLabelValues(d.Series.Timeframe).Inc()
		}
		if !d.Complete {
			p.logger(ctx).Warn("derived candle closed by gap", "series", d.Series.String(), "open_time", d.Candle.OpenTime)
		}
		dout, err := p.handle(ctx, d.Series, d.Candle)
		if err != nil {
			return out, fmt.Errorf("derived %s: %w", d.Series, err)
		}
		out.Derived = append(out.Derived, dout)
	}
	return out, nil
}

func (p *Pipeline) handle(ctx context.Context, series model.SeriesID, c model.Candle) (Outcome, error) {
	if err := normalize(series, &c); err != nil {
		return Outcome{}, err
	}
	id := series.String()
	out := Outcome{Series: id}

	if !p.slots.TryAcquireTarget(id, c.OpenTime) {
		// Keep the candle store authoritative; the next Handle catches up.
		if err := p.store.UpsertCandle(ctx, id, c); err != nil {
			return out, fmt.Errorf("append busy candle: %w", err)
		}
		p.skip(SkipBusy)
		out.Skipped = SkipBusy
		return out, nil
	}
	defer p.slots.ReleaseTarget(id, c.OpenTime)

	ledger, err := p.store.Ledger(ctx, id)
	if err != nil {
		return out, err
	}
	after := int64(-1)
	if ledger != nil {
		after = ledger.CandleTime
	}
	n, ledger, err := p.replayRange(ctx, id, after, c.OpenTime, ledger)
	if err != nil {
		return out, fmt.Errorf("catch up %s: %w", id, err)
	}
	out.CaughtUp = n

	start := p.now()
	applied, err := p.apply(ctx, id, c, ledger)
	if err != nil {
		return out, err
	}
	if applied.replay {
		p.skip(SkipReplay)
		out.Skipped = SkipReplay
		return out, nil
	}
	out.Events = applied.inserted
	if p.prom != nil {
		p.prom.TickApplyDur.Observe(p.now().Sub(start).Seconds())
		p.prom.CandlesTotal.WithLabelValues(series.Timeframe).Inc()
		if tf, err := series.TimeframeSeconds(); err == nil {
			p.prom.CandleLag.Set(p.now().Sub(time.Unix(c.OpenTime+tf, 0)).Seconds())
		}
	}

	if p.plot != nil {
		start = p.now()
		sum, err := p.plot.Run(ctx, id, c.OpenTime)
		if err != nil {
			// The tick is committed; pivots are recomputed on the next candle.
			p.logger(ctx).Error("plot run failed", "series", id, "open_time", c.OpenTime, "error", err)
		} else {
			out.Pivots = sum.Inserted
			if p.prom != nil {
				p.prom.PlotRunDur.Observe(p.now().Sub(start).Seconds())
				p.prom.OverlayEventsTotal.WithLabelValues("pivot").Add(float64(sum.Inserted))
			}
		}
	}

	p.notify(ctx, id, c, out.Events+out.Pivots)
	return out, nil
}

// Reconcile replays every stored candle newer than the ledger through the
// kernels, repairing a series that reads as candle_id_mismatch. It returns
// the number of candles applied.
func (p *Pipeline) Reconcile(ctx context.Context, series model.SeriesID) (int, error) {
	id := series.String()
	latest, ok, err := p.store.LatestCandle(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		p.reconciled("empty")
		return 0, nil
	}
	if !p.slots.TryAcquireTarget(id, latest.OpenTime) {
		p.reconciled("busy")
		return 0, ErrBusy
	}
	defer p.slots.ReleaseTarget(id, latest.OpenTime)

	ledger, err := p.store.Ledger(ctx, id)
	if err != nil {
		return 0, err
	}
	after := int64(-1)
	if ledger != nil {
		after = ledger.CandleTime
	}
	n, _, err := p.replayRange(ctx, id, after, latest.OpenTime+1, ledger)
	if err != nil {
		p.reconciled("error")
		return n, fmt.Errorf("reconcile %s: %w", id, err)
	}
	if n == 0 {
		p.reconciled("aligned")
		return 0, nil
	}
	p.reconciled("repaired")
	p.logger(ctx).Info("series reconciled", "series", id, "candles", n)
	if p.plot != nil {
		if _, err := p.plot.Run(ctx, id, latest.OpenTime); err != nil {
			p.logger(ctx).Error("plot run after reconcile failed", "series", id, "error", err)
		}
	}
	p.notify(ctx, id, latest, 0)
	return n, nil
}

// replayRange applies stored candles with after < open_time < before.
func (p *Pipeline) replayRange(ctx context.Context, id string, after, before int64, ledger *model.Ledger) (int, *model.Ledger, error) {
	n := 0
	for {
		batch, err := p.store.CandlesAfter(ctx, id, after, reconcileBatch)
		if err != nil {
			return n, ledger, err
		}
		for _, c := range batch {
			if c.OpenTime >= before {
				return n, ledger, nil
			}
			res, err := p.apply(ctx, id, c, ledger)
			if err != nil {
				return n, ledger, err
			}
			if !res.replay {
				n++
				ledger = res.ledger
			}
			after = c.OpenTime
		}
		if len(batch) < reconcileBatch {
			return n, ledger, nil
		}
	}
}

type applied struct {
	replay   bool
	inserted int
	ledger   *model.Ledger
}

// apply runs the kernels on c and writes the tick atomically. cur is the
// stored ledger (nil if none).
func (p *Pipeline) apply(ctx context.Context, id string, c model.Candle, cur *model.Ledger) (applied, error) {
	states, err := p.store.LoadKernelStates(ctx, id, p.kernels.Names())
	if err != nil {
		return applied{}, err
	}
	res, err := p.kernels.Tick(states, c)
	if err != nil {
		return applied{}, fmt.Errorf("tick %s@%d: %w", id, c.OpenTime, err)
	}
	if res.Replay {
		return applied{replay: true, ledger: cur}, nil
	}

	candleID := c.CandleID()
	batch := model.TickBatch{
		SeriesID:     id,
		Candle:       c,
		KernelStates: res.States,
		LinePoints:   linePoints(id, c.OpenTime, res.Features),
	}
	next := cur
	switch {
	case cur == nil || c.OpenTime > cur.CandleTime:
		next = &model.Ledger{SeriesID: id, CandleID: candleID, CandleTime: c.OpenTime, Features: res.Features, Signal: res.Signal}
	case c.OpenTime == cur.CandleTime:
		// Only some kernels were behind; fold their features into the ledger.
		merged := make(map[string]float64, len(cur.Features)+len(res.Features))
		for k, v := range cur.Features {
			merged[k] = v
		}
		for k, v := range res.Features {
			merged[k] = v
		}
		sig := cur.Signal
		if res.Signal != nil {
			sig = res.Signal
		}
		next = &model.Ledger{SeriesID: id, CandleID: candleID, CandleTime: c.OpenTime, Features: merged, Signal: sig}
	}
	if next != cur {
		batch.Ledger = *next
	}
	if res.Signal != nil {
		batch.Events = []model.OverlayEvent{{
			SeriesID:   id,
			CandleTime: c.OpenTime,
			Kind:       res.Signal.Kind,
			CandleID:   candleID,
			DedupKey:   candleID,
			Payload:    res.Signal.Payload,
		}}
	}

	inserted, err := p.store.ApplyTick(ctx, batch)
	if err != nil {
		return applied{}, err
	}
	if res.Signal != nil && p.prom != nil {
		p.prom.SignalsTotal.WithLabelValues(res.Signal.Kind).Inc()
		p.prom.OverlayEventsTotal.WithLabelValues(res.Signal.Kind).Add(float64(inserted))
	}
	return applied{inserted: inserted, ledger: next}, nil
}

func (p *Pipeline) notify(ctx context.Context, id string, c model.Candle, events int) {
	if p.notifier == nil {
		return
	}
	err := p.notifier.Notify(ctx, redisstore.Message{
		Type:       redisstore.TypeLedgerUpdated,
		Series:     id,
		CandleID:   c.CandleID(),
		CandleTime: c.OpenTime,
		Events:     events,
	})
	switch {
	case err == nil:
	case errors.Is(err, redisstore.ErrNotifierOpen):
		p.logger(ctx).Debug("notification buffered", "series", id)
	default:
		p.logger(ctx).Warn("notification failed", "series", id, "error", err)
	}
}

// logger returns the pipeline logger tagged with the trace id of ctx.
func (p *Pipeline) logger(ctx context.Context) *slog.Logger {
	if attrs := logger.LogWithTrace(ctx); attrs != nil {
		return p.log.With(attrs...)
	}
	return p.log
}

// history loads stored base candles for seeding a derived bucket.
func (p *Pipeline) history(ctx context.Context, series model.SeriesID, from, to int64) ([]model.Candle, error) {
	secs, err := series.TimeframeSeconds()
	if err != nil {
		return nil, err
	}
	return p.store.CandlesAfter(ctx, series.String(), from-1, int((to-from)/secs)+1)
}

func (p *Pipeline) skip(reason string) {
	if p.prom != nil {
		p.prom.CandlesSkipped.WithLabelValues(reason).Inc()
	}
}

func (p *Pipeline) reconciled(result string) {
	if p.prom != nil {
		p.prom.Reconciles.WithLabelValues(result).Inc()
	}
}

func normalize(series model.SeriesID, c *model.Candle) error {
	if c.Symbol == "" {
		c.Symbol = series.Symbol
	}
	if c.Timeframe == "" {
		c.Timeframe = series.Timeframe
	}
	if c.Symbol != series.Symbol || c.Timeframe != series.Timeframe {
		return fmt.Errorf("%w: %s:%s on %s", ErrSeriesMismatch, c.Symbol, c.Timeframe, series)
	}
	return nil
}

func linePoints(id string, t int64, features map[string]float64) []model.LinePoint {
	if len(features) == 0 {
		return nil
	}
	names := make([]string, 0, len(features))
	for k := range features {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]model.LinePoint, len(names))
	for i, k := range names {
		out[i] = model.LinePoint{SeriesID: id, Feature: k, CandleTime: t, Value: features[k]}
	}
	return out
}
