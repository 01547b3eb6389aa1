package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taflow/internal/model"
)

// view implements model.ReadView over a querier. Store reads use the reader
// pool directly; View runs them inside one read transaction.
type view struct {
	q querier
}

var (
	_ model.ReadView         = view{}
	_ model.ReadViewer       = (*Store)(nil)
	_ model.CandleReader     = (*Store)(nil)
	_ model.KernelStateStore = (*Store)(nil)
	_ model.TickWriter       = (*Store)(nil)
	_ model.OverlayWriter    = (*Store)(nil)
)

// View runs fn against a read transaction so every read in fn observes the
// same snapshot.
func (s *Store) View(ctx context.Context, fn func(v model.ReadView) error) error {
	tx, err := s.r.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin read: %w", err)
	}
	defer tx.Rollback()
	return fn(view{q: tx})
}

func (s *Store) reads() view { return view{q: s.r} }

// LatestCandle returns the newest candle for series.
func (s *Store) LatestCandle(ctx context.Context, series string) (model.Candle, bool, error) {
	return s.reads().LatestCandle(ctx, series)
}

// RecentCandles returns up to limit candles with open_time <= upTo, ascending.
func (s *Store) RecentCandles(ctx context.Context, series string, upTo int64, limit int) ([]model.Candle, error) {
	return s.reads().RecentCandles(ctx, series, upTo, limit)
}

// CandlesAfter returns up to limit candles with open_time > after, ascending.
func (s *Store) CandlesAfter(ctx context.Context, series string, after int64, limit int) ([]model.Candle, error) {
	return s.reads().CandlesAfter(ctx, series, after, limit)
}

// Ledger returns the stored ledger or nil.
func (s *Store) Ledger(ctx context.Context, series string) (*model.Ledger, error) {
	return s.reads().Ledger(ctx, series)
}

// HeadTime returns the head watermark for series.
func (s *Store) HeadTime(ctx context.Context, series string) (int64, bool, error) {
	var t int64
	err := s.r.QueryRowContext(ctx, `SELECT head_time FROM series_head WHERE series_id = ?`, series).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite read head: %w", err)
	}
	return t, true, nil
}

// LoadKernelStates returns stored blobs for the named kernels.
func (s *Store) LoadKernelStates(ctx context.Context, series string, names []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(names))
	if len(names) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(names)+1)
	args = append(args, series)
	for _, n := range names {
		args = append(args, n)
	}
	rows, err := s.r.QueryContext(ctx,
		`SELECT indicator, state FROM kernel_state WHERE series_id = ? AND indicator IN (`+placeholders(len(names))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query kernel_state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var st []byte
		if err := rows.Scan(&name, &st); err != nil {
			return nil, fmt.Errorf("sqlite scan kernel_state: %w", err)
		}
		out[name] = st
	}
	return out, rows.Err()
}

// Series lists every series that has at least one stored candle.
func (s *Store) Series(ctx context.Context) ([]string, error) {
	rows, err := s.r.QueryContext(ctx, `SELECT DISTINCT series_id FROM candles ORDER BY series_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query series: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite scan series: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const candleCols = `symbol, timeframe, open_time, open, high, low, close, volume`

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	defer rows.Close()
	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (v view) LatestCandle(ctx context.Context, series string) (model.Candle, bool, error) {
	var c model.Candle
	err := v.q.QueryRowContext(ctx,
		`SELECT `+candleCols+` FROM candles WHERE series_id = ? ORDER BY open_time DESC LIMIT 1`, series).
		Scan(&c.Symbol, &c.Timeframe, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("sqlite latest candle: %w", err)
	}
	return c, true, nil
}

func (v view) RecentCandles(ctx context.Context, series string, upTo int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := v.q.QueryContext(ctx, `
		SELECT `+candleCols+` FROM (
			SELECT * FROM candles WHERE series_id = ? AND open_time <= ?
			ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC`, series, upTo, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent candles: %w", err)
	}
	return scanCandles(rows)
}

func (v view) CandlesAfter(ctx context.Context, series string, after int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := v.q.QueryContext(ctx, `
		SELECT `+candleCols+` FROM candles
		WHERE series_id = ? AND open_time > ?
		ORDER BY open_time ASC LIMIT ?`, series, after, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite candles after: %w", err)
	}
	return scanCandles(rows)
}

func (v view) Ledger(ctx context.Context, series string) (*model.Ledger, error) {
	var (
		l     model.Ledger
		feats string
		sig   sql.NullString
	)
	err := v.q.QueryRowContext(ctx,
		`SELECT series_id, candle_id, candle_time, features, signal FROM ledgers WHERE series_id = ?`, series).
		Scan(&l.SeriesID, &l.CandleID, &l.CandleTime, &feats, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read ledger: %w", err)
	}
	if err := json.Unmarshal([]byte(feats), &l.Features); err != nil {
		return nil, fmt.Errorf("unmarshal ledger features: %w", err)
	}
	if sig.Valid && sig.String != "" {
		l.Signal = &model.Signal{}
		if err := json.Unmarshal([]byte(sig.String), l.Signal); err != nil {
			return nil, fmt.Errorf("unmarshal ledger signal: %w", err)
		}
	}
	return &l, nil
}

// LinePointsAfter returns points with candle_time > after, for the given
// features (all when empty). maxTimes bounds the number of distinct candle
// times returned; <= 0 means unbounded.
func (v view) LinePointsAfter(ctx context.Context, series string, features []string, after int64, maxTimes int) ([]model.LinePoint, error) {
	filter := ""
	args := []any{series, after}
	if len(features) > 0 {
		filter = ` AND feature IN (` + placeholders(len(features)) + `)`
		for _, f := range features {
			args = append(args, f)
		}
	}

	query := `SELECT series_id, feature, candle_time, value FROM line_points
		WHERE series_id = ? AND candle_time > ?` + filter
	if maxTimes > 0 {
		query += ` AND candle_time IN (
			SELECT DISTINCT candle_time FROM line_points
			WHERE series_id = ? AND candle_time > ?` + filter + `
			ORDER BY candle_time ASC LIMIT ?)`
		args = append(args, args...)
		args = append(args, maxTimes)
	}
	query += ` ORDER BY candle_time ASC, feature ASC`

	rows, err := v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite line points after: %w", err)
	}
	defer rows.Close()
	var out []model.LinePoint
	for rows.Next() {
		var p model.LinePoint
		if err := rows.Scan(&p.SeriesID, &p.Feature, &p.CandleTime, &p.Value); err != nil {
			return nil, fmt.Errorf("sqlite scan line point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (v view) OverlayEventsAfter(ctx context.Context, series string, afterID int64, limit int) ([]model.OverlayEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := v.q.QueryContext(ctx, `
		SELECT id, series_id, candle_time, kind, candle_id, dedup_key, payload
		FROM overlay_events
		WHERE series_id = ? AND id > ?
		ORDER BY id ASC LIMIT ?`, series, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite overlay events after: %w", err)
	}
	defer rows.Close()
	var out []model.OverlayEvent
	for rows.Next() {
		var e model.OverlayEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.SeriesID, &e.CandleTime, &e.Kind, &e.CandleID, &e.DedupKey, &payload); err != nil {
			return nil, fmt.Errorf("sqlite scan overlay event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (v view) LatestOverlayEventID(ctx context.Context, series string) (int64, error) {
	var id int64
	err := v.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM overlay_events WHERE series_id = ?`, series).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite latest overlay id: %w", err)
	}
	return id, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
