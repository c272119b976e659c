// Package store is the relational persistence layer. All request
// state transitions, payload staging, and structured ingestion writes
// go through it; the dispatcher and the stitching engine hold no
// durable state of their own.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/siftlab/sift/internal/config"
	"github.com/siftlab/sift/internal/types"
)

// Store wraps the shared database handle.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New wraps an existing handle. Open is the production path; New
// exists so tests can substitute their own.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Open connects to the relational store and verifies the connection.
func Open(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, &types.StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &types.StorageError{Op: "ping", Err: err}
	}
	return New(db, logger), nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// queryer abstracts the handle and an open transaction so the
// interning helpers work in both.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// internRow resolves selectQ, inserting via insertQ on first sight.
// Both queries must yield a single id column. The inserts carry ON
// CONFLICT DO NOTHING so a concurrent process interning the same row
// cannot abort an open transaction; the conflict surfaces as an empty
// RETURNING set and the select is retried.
func internRow(ctx context.Context, q queryer, selectQ, insertQ string, selectArgs, insertArgs []any) (int64, error) {
	var id int64
	err := q.GetContext(ctx, &id, selectQ, selectArgs...)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	err = q.GetContext(ctx, &id, insertQ, insertArgs...)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if err := q.GetContext(ctx, &id, selectQ, selectArgs...); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) ensureAPI(ctx context.Context, q queryer, name string) (int64, error) {
	return internRow(ctx, q,
		`SELECT ra_id FROM request_api WHERE ra_name = $1`,
		`INSERT INTO request_api (ra_name) VALUES ($1) ON CONFLICT (ra_name) DO NOTHING RETURNING ra_id`,
		[]any{name}, []any{name})
}

func (s *Store) ensureLocation(ctx context.Context, q queryer, code, name string) (int64, error) {
	return internRow(ctx, q,
		`SELECT l_id FROM locations WHERE l_iso = $1`,
		`INSERT INTO locations (l_iso, l_name) VALUES ($1, $2) ON CONFLICT (l_iso) DO NOTHING RETURNING l_id`,
		[]any{code}, []any{code, name})
}

func (s *Store) ensureScope(ctx context.Context, q queryer, name string) (int64, error) {
	return internRow(ctx, q,
		`SELECT gs_id FROM trends_geo_scopes WHERE gs_name = $1`,
		`INSERT INTO trends_geo_scopes (gs_name) VALUES ($1) ON CONFLICT (gs_name) DO NOTHING RETURNING gs_id`,
		[]any{name}, []any{name})
}

func (s *Store) ensureTopic(ctx context.Context, q queryer, name string) (int64, error) {
	return internRow(ctx, q,
		`SELECT kt_id FROM keyword_topics WHERE kt_name = $1`,
		`INSERT INTO keyword_topics (kt_name) VALUES ($1) ON CONFLICT (kt_name) DO NOTHING RETURNING kt_id`,
		[]any{name}, []any{name})
}

// ensureKeyword interns a plain query keyword.
func (s *Store) ensureKeyword(ctx context.Context, q queryer, query string) (int64, error) {
	return internRow(ctx, q,
		`SELECT k_id FROM keywords WHERE k_q = $1 AND kt_id IS NULL`,
		`INSERT INTO keywords (k_q) VALUES ($1) ON CONFLICT (k_q) WHERE kt_id IS NULL DO NOTHING RETURNING k_id`,
		[]any{query}, []any{query})
}

// ensureTopicKeyword interns a topic keyword, creating its topic on
// first sight. Topic keywords carry both a title and a topic.
func (s *Store) ensureTopicKeyword(ctx context.Context, q queryer, mid, title, topic string) (int64, error) {
	ktID, err := s.ensureTopic(ctx, q, topic)
	if err != nil {
		return 0, err
	}
	return internRow(ctx, q,
		`SELECT k_id FROM keywords WHERE k_q = $1 AND kt_id = $2`,
		`INSERT INTO keywords (k_q, k_title, kt_id) VALUES ($1, $2, $3) ON CONFLICT (k_q, kt_id) WHERE kt_id IS NOT NULL DO NOTHING RETURNING k_id`,
		[]any{mid, ktID}, []any{mid, title, ktID})
}

func (s *Store) ensureTag(ctx context.Context, q queryer, name string) (int64, error) {
	return internRow(ctx, q,
		`SELECT tg_id FROM tags WHERE tg_name = $1`,
		`INSERT INTO tags (tg_name) VALUES ($1) ON CONFLICT (tg_name) DO NOTHING RETURNING tg_id`,
		[]any{name}, []any{name})
}

// InternFetcher resolves or creates the fetchers row for a transport.
func (s *Store) InternFetcher(ctx context.Context, name, host, api string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`SELECT f_id FROM fetchers WHERE f_name = $1 AND f_host = $2`, name, host)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, &types.StorageError{Op: "select fetcher", Err: err}
	}

	raID, err := s.ensureAPI(ctx, s.db, api)
	if err != nil {
		return 0, &types.StorageError{Op: "intern api", Err: err}
	}
	err = s.db.GetContext(ctx, &id,
		`INSERT INTO fetchers (f_name, f_host, ra_id) VALUES ($1, $2, $3) ON CONFLICT (f_name, f_host) DO NOTHING RETURNING f_id`,
		name, host, raID)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.GetContext(ctx, &id,
			`SELECT f_id FROM fetchers WHERE f_name = $1 AND f_host = $2`, name, host)
		if err != nil {
			return 0, &types.StorageError{Op: "select fetcher", Err: err}
		}
		return id, nil
	}
	if err != nil {
		return 0, &types.StorageError{Op: "insert fetcher", Err: err}
	}
	s.logger.Info("interned fetcher", "f_id", id, "name", name, "host", host)
	return id, nil
}
