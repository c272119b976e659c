package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/siftlab/sift/internal/timeline"
	"github.com/siftlab/sift/internal/types"
)

// untaggedQuery lists completed time-series rows whose request carries
// no resolution tag yet.
const untaggedQuery = `
SELECT tt.r_id, r.r_tf_start, r.r_tf_end, coalesce(array_length(tt.t_v, 1), 0) AS n
  FROM trends_time AS tt
  JOIN requests AS r ON r.r_id = tt.r_id
 WHERE r.r_status = $1
   AND NOT EXISTS (
       SELECT 1
         FROM requests_tags AS rt
         JOIN tags AS t ON t.tg_id = rt.tg_id
        WHERE rt.r_id = tt.r_id
          AND t.tg_name LIKE 'resolution:%')
 ORDER BY tt.r_id ASC`

// TagResolutions derives the resolution tag of every untagged
// completed request from its inter-label step and records it. Windows
// with cadences other than hourly or daily stay untagged. Returns the
// number of requests tagged.
func (s *Store) TagResolutions(ctx context.Context) (int, error) {
	type row struct {
		RID   int64
		Start time.Time
		End   time.Time
		N     int
	}

	rows, err := s.db.QueryContext(ctx, untaggedQuery, types.StatusDone)
	if err != nil {
		return 0, &types.StorageError{Op: "select untagged", Err: err}
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.RID, &r.Start, &r.End, &r.N); err != nil {
			rows.Close()
			return 0, &types.StorageError{Op: "scan untagged", Err: err}
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, &types.StorageError{Op: "select untagged", Err: err}
	}
	rows.Close()

	tagged := 0
	for _, r := range pending {
		tag, ok := timeline.Resolution(r.Start, r.End, r.N)
		if !ok {
			s.logger.Debug("request has no taggable resolution", "r_id", r.RID, "samples", r.N)
			continue
		}
		tgID, err := s.ensureTag(ctx, s.db, tag)
		if err != nil {
			return tagged, &types.StorageError{Op: "intern tag", Err: err}
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO requests_tags (r_id, tg_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			r.RID, tgID)
		if err != nil {
			return tagged, &types.StorageError{Op: "insert request tag", Err: err}
		}
		tagged++
	}
	return tagged, nil
}

// fragmentsQuery selects the completed sample vectors of one keyword
// at one resolution and location. IS NOT DISTINCT FROM makes the NULL
// geo (worldwide) case one query with the rest.
const fragmentsQuery = `
SELECT tt.r_id, r.r_tf_start, r.r_tf_end, tt.t_v
  FROM trends_time AS tt
  JOIN requests AS r ON r.r_id = tt.r_id
  JOIN requests_tags AS rt ON rt.r_id = r.r_id
  JOIN tags AS t ON t.tg_id = rt.tg_id
  LEFT JOIN locations AS l ON r.r_geo = l.l_id
 WHERE tt.k_id = $1
   AND t.tg_name = $2
   AND r.r_status = $3
   AND l.l_iso IS NOT DISTINCT FROM $4
 ORDER BY r.r_tf_start ASC, r.r_tf_end ASC, tt.r_id ASC`

// Fragments enumerates the stored fragments for (keyword, resolution
// tag, location). geo is the ISO code, or empty for worldwide.
func (s *Store) Fragments(ctx context.Context, kID int64, tag, geo string) ([]types.Fragment, error) {
	geoParam := sql.NullString{String: geo, Valid: geo != ""}

	rows, err := s.db.QueryContext(ctx, fragmentsQuery, kID, tag, types.StatusDone, geoParam)
	if err != nil {
		return nil, &types.StorageError{Op: "select fragments", Err: err}
	}
	defer rows.Close()

	var frags []types.Fragment
	for rows.Next() {
		var f types.Fragment
		var values pq.Int64Array
		if err := rows.Scan(&f.RID, &f.Start, &f.End, &values); err != nil {
			return nil, &types.StorageError{Op: "scan fragment", Err: err}
		}
		f.Values = []int64(values)
		frags = append(frags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StorageError{Op: "select fragments", Err: err}
	}
	return frags, nil
}

const targetISOQuery = `
SELECT DISTINCT l.l_iso
  FROM trends_time AS tt
  JOIN requests AS r ON r.r_id = tt.r_id
  JOIN requests_tags AS rt ON rt.r_id = r.r_id
  JOIN tags AS t ON t.tg_id = rt.tg_id
  JOIN locations AS l ON r.r_geo = l.l_id
 WHERE tt.k_id = $1 AND t.tg_name = $2 AND r.r_status = $3
 ORDER BY l.l_iso ASC`

const targetWorldQuery = `
SELECT EXISTS (
  SELECT 1
    FROM trends_time AS tt
    JOIN requests AS r ON r.r_id = tt.r_id
    JOIN requests_tags AS rt ON rt.r_id = r.r_id
    JOIN tags AS t ON t.tg_id = rt.tg_id
   WHERE tt.k_id = $1 AND t.tg_name = $2 AND r.r_status = $3 AND r.r_geo IS NULL)`

// StitchTargets lists every location with hourly-tagged fragments for
// the keyword, and whether worldwide fragments exist.
func (s *Store) StitchTargets(ctx context.Context, kID int64) ([]string, bool, error) {
	var isos []string
	err := s.db.SelectContext(ctx, &isos, targetISOQuery, kID, types.TagHourly, types.StatusDone)
	if err != nil {
		return nil, false, &types.StorageError{Op: "select stitch targets", Err: err}
	}

	var worldwide bool
	err = s.db.GetContext(ctx, &worldwide, targetWorldQuery, kID, types.TagHourly, types.StatusDone)
	if err != nil {
		return nil, false, &types.StorageError{Op: "select worldwide target", Err: err}
	}
	return isos, worldwide, nil
}
