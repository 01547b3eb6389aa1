// Package sqlite is the durable candle and derived-artifact store.
//
// One file holds candles, kernel state, ledgers, line points, overlay events
// and the per-series head watermark. Writes go through a single connection
// with immediate transactions; reads use a small pool and run inside
// deferred transactions so one read sees one WAL snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

const dsnOpts = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

// Config configures the store.
type Config struct {
	// DBPath is the sqlite file, e.g. "data/taflow.db".
	DBPath string
	// ReadConns caps the read pool. Defaults to 4.
	ReadConns int
}

// Store is the sqlite-backed implementation of the model storage ports.
type Store struct {
	w   *sql.DB // single writer
	r   *sql.DB // readers
	log *slog.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadConns <= 0 {
		cfg.ReadConns = 4
	}

	w, err := sql.Open("sqlite3", cfg.DBPath+dsnOpts+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	w.SetMaxOpenConns(1)
	w.SetMaxIdleConns(1)

	if err := createSchema(w); err != nil {
		w.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	r, err := sql.Open("sqlite3", cfg.DBPath+dsnOpts)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	r.SetMaxOpenConns(cfg.ReadConns)
	r.SetMaxIdleConns(cfg.ReadConns)

	log.Info("sqlite store opened", "path", cfg.DBPath, "read_conns", cfg.ReadConns)
	return &Store{w: w, r: r, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			series_id  TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (series_id, open_time)
		);

		CREATE TABLE IF NOT EXISTS kernel_state (
			indicator  TEXT    NOT NULL,
			series_id  TEXT    NOT NULL,
			state      BLOB    NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (indicator, series_id)
		);

		CREATE TABLE IF NOT EXISTS ledgers (
			series_id   TEXT    PRIMARY KEY,
			candle_id   TEXT    NOT NULL,
			candle_time INTEGER NOT NULL,
			features    TEXT    NOT NULL,
			signal      TEXT,
			updated_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE TABLE IF NOT EXISTS line_points (
			series_id   TEXT    NOT NULL,
			feature     TEXT    NOT NULL,
			candle_time INTEGER NOT NULL,
			value       REAL    NOT NULL,
			PRIMARY KEY (series_id, feature, candle_time)
		);
		CREATE INDEX IF NOT EXISTS idx_line_points_time ON line_points (series_id, candle_time);

		CREATE TABLE IF NOT EXISTS overlay_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			series_id   TEXT    NOT NULL,
			candle_time INTEGER NOT NULL,
			kind        TEXT    NOT NULL,
			candle_id   TEXT    NOT NULL,
			dedup_key   TEXT    NOT NULL,
			payload     TEXT    NOT NULL,
			created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			UNIQUE (series_id, kind, dedup_key)
		);
		CREATE INDEX IF NOT EXISTS idx_overlay_series_id ON overlay_events (series_id, id);

		CREATE TABLE IF NOT EXISTS series_head (
			series_id TEXT    PRIMARY KEY,
			head_time INTEGER NOT NULL
		);
	`)
	return err
}

// DB returns the writer handle for health checks.
func (s *Store) DB() *sql.DB { return s.w }

// Ping checks both pools.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.w.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite writer ping: %w", err)
	}
	if err := s.r.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite reader ping: %w", err)
	}
	return nil
}

// Close closes both pools.
func (s *Store) Close() error {
	rerr := s.r.Close()
	if err := s.w.Close(); err != nil {
		return err
	}
	return rerr
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a writer transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}
