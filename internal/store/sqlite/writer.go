package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taflow/internal/model"
)

const upsertCandleSQL = `
	INSERT INTO candles (series_id, open_time, symbol, timeframe, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (series_id, open_time) DO UPDATE SET
		open = excluded.open, high = excluded.high, low = excluded.low,
		close = excluded.close, volume = excluded.volume`

const insertOverlaySQL = `
	INSERT INTO overlay_events (series_id, candle_time, kind, candle_id, dedup_key, payload)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (series_id, kind, dedup_key) DO NOTHING`

const upsertLinePointSQL = `
	INSERT INTO line_points (series_id, feature, candle_time, value)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (series_id, feature, candle_time) DO UPDATE SET value = excluded.value`

// UpsertCandle stores a closed candle. Re-delivering the same candle is a no-op.
func (s *Store) UpsertCandle(ctx context.Context, series string, c model.Candle) error {
	if _, err := s.w.ExecContext(ctx, upsertCandleSQL, candleArgs(series, c)...); err != nil {
		return fmt.Errorf("sqlite upsert candle: %w", err)
	}
	return nil
}

// UpsertCandles stores a batch of closed candles in one transaction.
func (s *Store) UpsertCandles(ctx context.Context, series string, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	start := time.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range candles {
			if _, err := stmt.ExecContext(ctx, candleArgs(series, c)...); err != nil {
				return fmt.Errorf("sqlite upsert candle %d: %w", c.OpenTime, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("committed candles", "series", series, "count", len(candles), "took", time.Since(start))
	return nil
}

// SaveKernelState stores one kernel blob outside a tick.
func (s *Store) SaveKernelState(ctx context.Context, indicator, series string, state []byte) error {
	return saveKernelState(ctx, s.w, indicator, series, state)
}

// SetLedger overwrites the ledger for its series.
func (s *Store) SetLedger(ctx context.Context, l model.Ledger) error {
	return setLedger(ctx, s.w, l)
}

// UpsertLinePoints writes line points in one transaction.
func (s *Store) UpsertLinePoints(ctx context.Context, points []model.LinePoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertLinePoints(ctx, tx, points)
	})
}

// AppendOverlays inserts overlay events, absorbing duplicates. It returns the
// number of rows actually inserted.
func (s *Store) AppendOverlays(ctx context.Context, series string, events []model.OverlayEvent) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = insertOverlays(ctx, tx, series, events)
		return err
	})
	return n, err
}

// UpsertHead raises the head watermark for series. It never moves backwards.
func (s *Store) UpsertHead(ctx context.Context, series string, headTime int64) error {
	return upsertHead(ctx, s.w, series, headTime)
}

// ApplyTick writes the candle, kernel states, ledger, line points and
// overlay events of one closed candle atomically. A batch with an empty
// ledger candle id leaves the stored ledger untouched.
func (s *Store) ApplyTick(ctx context.Context, b model.TickBatch) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertCandleSQL, candleArgs(b.SeriesID, b.Candle)...); err != nil {
			return fmt.Errorf("sqlite upsert candle: %w", err)
		}
		for name, st := range b.KernelStates {
			if err := saveKernelState(ctx, tx, name, b.SeriesID, st); err != nil {
				return err
			}
		}
		if b.Ledger.CandleID != "" {
			if err := setLedger(ctx, tx, b.Ledger); err != nil {
				return err
			}
		}
		if err := upsertLinePoints(ctx, tx, b.LinePoints); err != nil {
			return err
		}
		n, err := insertOverlays(ctx, tx, b.SeriesID, b.Events)
		if err != nil {
			return err
		}
		inserted = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("apply tick %s@%d: %w", b.SeriesID, b.Candle.OpenTime, err)
	}
	return inserted, nil
}

// WriteOverlays advances the head watermark and appends overlay events in
// one transaction.
func (s *Store) WriteOverlays(ctx context.Context, series string, headTime int64, events []model.OverlayEvent) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertHead(ctx, tx, series, headTime); err != nil {
			return err
		}
		n, err := insertOverlays(ctx, tx, series, events)
		if err != nil {
			return err
		}
		inserted = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("write overlays %s: %w", series, err)
	}
	return inserted, nil
}

func candleArgs(series string, c model.Candle) []any {
	return []any{series, c.OpenTime, c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close, c.Volume}
}

func saveKernelState(ctx context.Context, q querier, indicator, series string, state []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO kernel_state (indicator, series_id, state, updated_at)
		VALUES (?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT (indicator, series_id) DO UPDATE SET
			state = excluded.state, updated_at = excluded.updated_at`,
		indicator, series, state)
	if err != nil {
		return fmt.Errorf("sqlite save kernel state %s: %w", indicator, err)
	}
	return nil
}

func setLedger(ctx context.Context, q querier, l model.Ledger) error {
	feats := l.Features
	if feats == nil {
		feats = map[string]float64{}
	}
	fj, err := json.Marshal(feats)
	if err != nil {
		return fmt.Errorf("marshal ledger features: %w", err)
	}
	var sig sql.NullString
	if l.Signal != nil {
		sj, err := json.Marshal(l.Signal)
		if err != nil {
			return fmt.Errorf("marshal ledger signal: %w", err)
		}
		sig = sql.NullString{String: string(sj), Valid: true}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO ledgers (series_id, candle_id, candle_time, features, signal, updated_at)
		VALUES (?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT (series_id) DO UPDATE SET
			candle_id = excluded.candle_id, candle_time = excluded.candle_time,
			features = excluded.features, signal = excluded.signal,
			updated_at = excluded.updated_at`,
		l.SeriesID, l.CandleID, l.CandleTime, string(fj), sig)
	if err != nil {
		return fmt.Errorf("sqlite set ledger: %w", err)
	}
	return nil
}

func upsertLinePoints(ctx context.Context, tx *sql.Tx, points []model.LinePoint) error {
	if len(points) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertLinePointSQL)
	if err != nil {
		return fmt.Errorf("sqlite prepare line points: %w", err)
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.SeriesID, p.Feature, p.CandleTime, p.Value); err != nil {
			return fmt.Errorf("sqlite upsert line point %s@%d: %w", p.Feature, p.CandleTime, err)
		}
	}
	return nil
}

func insertOverlays(ctx context.Context, tx *sql.Tx, series string, events []model.OverlayEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, insertOverlaySQL)
	if err != nil {
		return 0, fmt.Errorf("sqlite prepare overlays: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range events {
		sid := e.SeriesID
		if sid == "" {
			sid = series
		}
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		res, err := stmt.ExecContext(ctx, sid, e.CandleTime, e.Kind, e.CandleID, e.DedupKey, string(payload))
		if err != nil {
			return 0, fmt.Errorf("sqlite insert overlay %s/%s: %w", e.Kind, e.DedupKey, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

func upsertHead(ctx context.Context, q querier, series string, headTime int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO series_head (series_id, head_time) VALUES (?, ?)
		ON CONFLICT (series_id) DO UPDATE SET head_time = MAX(head_time, excluded.head_time)`,
		series, headTime)
	if err != nil {
		return fmt.Errorf("sqlite upsert head: %w", err)
	}
	return nil
}
