// Package tfbuilder provides an incremental timeframe resampler.
// It consumes closed base-timeframe candles and maintains one forming
// bucket per (series, derived timeframe), updated in O(1) per candle. A
// bucket closes when its last base interval arrives, or when a base candle
// from a later bucket arrives first (a gap in the feed).
//
// Forming buckets live in memory. When History is set, a bucket first seen
// past its opening interval (after a restart) is seeded from stored base
// candles so the derived candle covers the whole bucket.
package tfbuilder

import (
	"context"
	"fmt"
	"log"
	"sync"

	"taflow/internal/model"
)

type derivedTF struct {
	name string
	secs int64
}

type bucketState struct {
	bucket   int64 // bucket start = open_time - open_time%tf
	lastOpen int64 // newest base open_time merged
	candle   model.Candle
	count    int
}

// Derived is one closed derived-timeframe candle.
type Derived struct {
	Series model.SeriesID
	Candle model.Candle
	// Complete is false when the bucket was closed early by a gap.
	Complete bool
}

// HistoryFunc returns stored base candles of series with
// from <= open_time < to, oldest first.
type HistoryFunc func(ctx context.Context, series model.SeriesID, from, to int64) ([]model.Candle, error)

// Builder resamples closed base candles into derived timeframes.
// Safe for concurrent use across series.
type Builder struct {
	mu       sync.Mutex
	baseSecs int64
	tfs      []derivedTF

	// states[base series id + "|" + tf name]
	states map[string]*bucketState

	// OnStaleCandle is called when a candle older than the forming bucket is
	// rejected (optional).
	OnStaleCandle func(series string)

	// History seeds buckets that start before the first candle seen
	// (optional).
	History HistoryFunc
}

// New creates a builder over baseTF. Each derived timeframe must be a
// multiple of baseTF.
func New(baseTF string, derived []string) (*Builder, error) {
	base, err := model.ParseTimeframe(baseTF)
	if err != nil {
		return nil, fmt.Errorf("tfbuilder base: %w", err)
	}
	b := &Builder{baseSecs: base, states: make(map[string]*bucketState, 64)}
	for _, name := range derived {
		secs, err := model.ParseTimeframe(name)
		if err != nil {
			return nil, fmt.Errorf("tfbuilder derived: %w", err)
		}
		if secs <= base || secs%base != 0 {
			return nil, fmt.Errorf("tfbuilder: %s is not a multiple of %s", name, baseTF)
		}
		b.tfs = append(b.tfs, derivedTF{name: name, secs: secs})
	}
	return b, nil
}

// Add merges a closed base candle and returns the derived candles it closed,
// oldest first. Re-delivered base candles are ignored.
func (b *Builder) Add(series model.SeriesID, c model.Candle) []Derived {
	return b.AddContext(context.Background(), series, c)
}

// AddContext is Add with a context for History lookups.
func (b *Builder) AddContext(ctx context.Context, series model.SeriesID, c model.Candle) []Derived {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Derived
	for _, tf := range b.tfs {
		bucket := c.OpenTime - c.OpenTime%tf.secs
		key := series.String() + "|" + tf.name
		st, exists := b.states[key]

		if exists {
			if bucket < st.bucket {
				if b.OnStaleCandle != nil {
					b.OnStaleCandle(series.String())
				}
				continue
			}
			if bucket == st.bucket && c.OpenTime <= st.lastOpen {
				continue // replay
			}
			if bucket > st.bucket {
				out = append(out, b.closeBucket(series, tf, st, false))
				delete(b.states, key)
				exists = false
			}
		}

		if !exists {
			st = b.seed(ctx, series, tf, bucket, c.OpenTime)
			b.states[key] = st
		}
		st.merge(c)

		// Last base interval of the bucket closes it immediately.
		if c.OpenTime+b.baseSecs >= bucket+tf.secs {
			out = append(out, b.closeBucket(series, tf, st, true))
			delete(b.states, key)
		}
	}
	return out
}

// seed creates the state for bucket, merging stored candles that precede
// upTo when History is set.
func (b *Builder) seed(ctx context.Context, series model.SeriesID, tf derivedTF, bucket, upTo int64) *bucketState {
	st := &bucketState{bucket: bucket, candle: model.Candle{Symbol: series.Symbol, Timeframe: tf.name, OpenTime: bucket}}
	if b.History == nil || upTo == bucket {
		return st
	}
	stored, err := b.History(ctx, series, bucket, upTo)
	if err != nil {
		log.Printf("[tfbuilder] seed %s %s@%d: %v", series, tf.name, bucket, err)
		return st
	}
	for _, sc := range stored {
		if sc.OpenTime >= bucket && sc.OpenTime < upTo && (st.count == 0 || sc.OpenTime > st.lastOpen) {
			st.merge(sc)
		}
	}
	return st
}

// merge folds base candle c into the forming candle.
func (st *bucketState) merge(c model.Candle) {
	fc := &st.candle
	if st.count == 0 {
		fc.Open, fc.High, fc.Low = c.Open, c.High, c.Low
	} else {
		if c.High > fc.High {
			fc.High = c.High
		}
		if c.Low < fc.Low {
			fc.Low = c.Low
		}
	}
	fc.Close = c.Close
	fc.Volume += c.Volume
	st.lastOpen = c.OpenTime
	st.count++
}

func (b *Builder) closeBucket(series model.SeriesID, tf derivedTF, st *bucketState, last bool) Derived {
	want := int(tf.secs / b.baseSecs)
	return Derived{
		Series:   series.WithTimeframe(tf.name),
		Candle:   st.candle,
		Complete: last && st.count == want,
	}
}

// Pending returns the number of forming buckets.
func (b *Builder) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.states)
}
