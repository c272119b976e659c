// Package tsdb writes stitched series into the SQLite file downstream
// consumers read. One row per (keyword, label, state); restitching a
// keyword replaces its earlier values in place.
package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS ts (
	k_id  INTEGER NOT NULL,
	time  INTEGER NOT NULL,
	state TEXT    NOT NULL,
	value REAL    NOT NULL,
	UNIQUE (k_id, time, state)
)`

// Writer stores stitched series.
type Writer struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the series database at path.
func Open(path string, logger *slog.Logger) (*Writer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open series database %s: %w", path, err)
	}
	w, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// New wraps an existing connection and ensures the schema.
func New(db *sql.DB, logger *slog.Logger) (*Writer, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure ts table: %w", err)
	}
	return &Writer{db: db, logger: logger.With("component", "tsdb")}, nil
}

func (w *Writer) Close() error {
	return w.db.Close()
}

// WriteSeries upserts one stitched series in a single transaction.
// Labels are stored as unix timestamps.
func (w *Writer) WriteSeries(ctx context.Context, kID int64, state string, labels []time.Time, values []float64) error {
	if len(labels) != len(values) {
		return fmt.Errorf("series for %s: %d labels but %d values", state, len(labels), len(values))
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin series write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO ts (k_id, time, state, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare series write: %w", err)
	}
	defer stmt.Close()

	for i, l := range labels {
		if _, err := stmt.ExecContext(ctx, kID, l.Unix(), state, values[i]); err != nil {
			return fmt.Errorf("write sample %s/%d: %w", state, l.Unix(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit series write: %w", err)
	}
	w.logger.Debug("series written", "k_id", kID, "state", state, "samples", len(labels))
	return nil
}
