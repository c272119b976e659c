package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/siftlab/sift/internal/types"
)

// StageRaw persists one raw payload before any parsing happens. The
// insert commits on its own so a later parsing or ingestion failure
// can never lose fetched data.
func (s *Store) StageRaw(ctx context.Context, rID, kID, fID int64, raw []byte, fetchedAt time.Time) (int64, error) {
	var rfoID int64
	err := s.db.GetContext(ctx, &rfoID, `
INSERT INTO raw_fetcher_output (raw, f_id, r_id, k_id, rfo_ts)
VALUES ($1, $2, $3, $4, $5)
RETURNING rfo_id`,
		string(raw), fID, rID, kID, fetchedAt)
	if err != nil {
		return 0, &types.StorageError{Op: "stage raw", Err: err}
	}
	s.logger.Debug("payload staged", "rfo_id", rfoID, "r_id", rID, "size", len(raw))
	return rfoID, nil
}

const stagedQuery = `
SELECT rfo.rfo_id, rfo.raw, rfo.f_id, rfo.r_id, rfo.k_id, rfo.rfo_ts,
       r.r_tf_start, r.r_tf_end, l.l_iso
  FROM raw_fetcher_output AS rfo
  JOIN requests AS r ON r.r_id = rfo.r_id
  LEFT JOIN locations AS l ON r.r_geo = l.l_id
 ORDER BY rfo.rfo_id ASC`

// StagedPayloads returns every staging row joined with the request
// fields ingestion needs to replay it.
func (s *Store) StagedPayloads(ctx context.Context) ([]types.StagedPayload, error) {
	rows, err := s.db.QueryContext(ctx, stagedQuery)
	if err != nil {
		return nil, &types.StorageError{Op: "select staged", Err: err}
	}
	defer rows.Close()

	var staged []types.StagedPayload
	for rows.Next() {
		var sp types.StagedPayload
		err := rows.Scan(&sp.RfoID, &sp.Raw, &sp.FID, &sp.RID, &sp.KID,
			&sp.FetchedAt, &sp.WindowStart, &sp.WindowEnd, &sp.Geo)
		if err != nil {
			return nil, &types.StorageError{Op: "scan staged", Err: err}
		}
		staged = append(staged, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StorageError{Op: "select staged", Err: err}
	}
	return staged, nil
}

// IngestStructured writes all structured records of one payload and
// retires its staging row in a single transaction: the time-series
// vector, the per-scope geo rows, the related keywords, and the
// running-to-done transition of the request itself.
func (s *Store) IngestStructured(ctx context.Context, rec types.IngestRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &types.StorageError{Op: "begin ingest", Err: err}
	}
	defer tx.Rollback()

	if err := s.ingestTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &types.StorageError{Op: "commit ingest", Err: err}
	}
	s.logger.Debug("payload ingested", "r_id", rec.RID, "samples", len(rec.Payload.Time))
	return nil
}

func (s *Store) ingestTx(ctx context.Context, tx *sqlx.Tx, rec types.IngestRecord) error {
	p := rec.Payload

	_, err := tx.ExecContext(ctx,
		`INSERT INTO trends_time (r_id, k_id, t_v) VALUES ($1, $2, $3)`,
		rec.RID, rec.KID, pq.Array(p.Values()))
	if err != nil {
		return &types.StorageError{Op: "insert trends_time", Err: err}
	}

	if err := s.writeGeo(ctx, tx, rec); err != nil {
		return err
	}
	if err := s.writeRelated(ctx, tx, rec); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE requests SET r_status = $1, r_ts = $2, r_fetcher = $3 WHERE r_id = $4 AND r_status = $5`,
		types.StatusDone, rec.FetchedAt, rec.FID, rec.RID, types.StatusRunning)
	if err != nil {
		return &types.StorageError{Op: "mark done", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &types.StorageError{Op: "mark done", Err: err}
	}
	if n != 1 {
		return &types.StorageError{
			Op:  "mark done",
			Err: fmt.Errorf("request %d: updated %d rows, want 1", rec.RID, n),
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM raw_fetcher_output WHERE rfo_id = $1`, rec.RfoID); err != nil {
		return &types.StorageError{Op: "drop staging", Err: err}
	}
	return nil
}

// writeGeo interns locations and scopes and inserts one trends_geo row
// per (scope, location). REGION is suppressed for US requests: the
// service duplicates STATES data there, which would break the
// (request, location, keyword) uniqueness.
func (s *Store) writeGeo(ctx context.Context, tx *sqlx.Tx, rec types.IngestRecord) error {
	scopes := make([]string, 0, len(rec.Payload.Geo))
	for scope := range rec.Payload.Geo {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	for _, scope := range scopes {
		scopeName := strings.ToUpper(scope)
		if scopeName == types.ScopeRegion && rec.Geo == "US" {
			continue
		}
		gsID, err := s.ensureScope(ctx, tx, scopeName)
		if err != nil {
			return &types.StorageError{Op: "intern scope", Err: err}
		}

		entries := rec.Payload.Geo[scope]
		codes := make([]string, 0, len(entries))
		for code := range entries {
			codes = append(codes, code)
		}
		sort.Strings(codes)

		for _, code := range codes {
			entry := entries[code]
			lID, err := s.ensureLocation(ctx, tx, code, entry.Name)
			if err != nil {
				return &types.StorageError{Op: "intern location", Err: err}
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO trends_geo (r_id, l_id, k_id, gs_id, g_v) VALUES ($1, $2, $3, $4, $5)`,
				rec.RID, lID, rec.KID, gsID, entry.Value)
			if err != nil {
				return &types.StorageError{Op: "insert trends_geo", Err: err}
			}
		}
	}
	return nil
}

// writeRelated inserts the related-keyword recommendations, interning
// plain query keywords and topic keywords as they are first seen.
func (s *Store) writeRelated(ctx context.Context, tx *sqlx.Tx, rec types.IngestRecord) error {
	queryGroups := []struct {
		istop   bool
		entries []types.RelatedQuery
	}{
		{true, rec.Payload.Related.Query.Top},
		{false, rec.Payload.Related.Query.Rising},
	}
	for _, g := range queryGroups {
		for _, q := range g.entries {
			kwID, err := s.ensureKeyword(ctx, tx, q.Query)
			if err != nil {
				return &types.StorageError{Op: "intern keyword", Err: err}
			}
			if err := s.insertRelated(ctx, tx, rec, kwID, g.istop, q.Value); err != nil {
				return err
			}
		}
	}

	topicGroups := []struct {
		istop   bool
		entries []types.RelatedTopic
	}{
		{true, rec.Payload.Related.Topic.Top},
		{false, rec.Payload.Related.Topic.Rising},
	}
	for _, g := range topicGroups {
		for _, tp := range g.entries {
			kwID, err := s.ensureTopicKeyword(ctx, tx, tp.MID, tp.Title, tp.Topic)
			if err != nil {
				return &types.StorageError{Op: "intern topic keyword", Err: err}
			}
			if err := s.insertRelated(ctx, tx, rec, kwID, g.istop, tp.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) insertRelated(ctx context.Context, tx *sqlx.Tx, rec types.IngestRecord, kwID int64, istop bool, value int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO keywords_related (r_id, k_id, kr_kw, kr_istop, kr_v) VALUES ($1, $2, $3, $4, $5)`,
		rec.RID, rec.KID, kwID, istop, value)
	if err != nil {
		return &types.StorageError{Op: "insert related", Err: err}
	}
	return nil
}
