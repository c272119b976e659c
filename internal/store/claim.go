package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/siftlab/sift/internal/types"
)

// materializeLag is how far behind now a window must end before it is
// claimable. The upstream service only materializes completed windows;
// asking earlier returns partial data.
const materializeLag = "10 minutes"

// claimSelectQuery picks the highest-priority eligible request. The
// result is advisory only; the claim itself is the conditional update
// below. A request whose payload is already staged is not eligible,
// the staging row is its claim on ingestion.
const claimSelectQuery = `
SELECT r.r_id, kir.k_id, k.k_q, l.l_iso, r.r_tf_start, r.r_tf_end, r.r_prio
  FROM requests AS r
  JOIN keywords_in_request AS kir ON kir.r_id = r.r_id
  JOIN keywords AS k ON k.k_id = kir.k_id
  LEFT JOIN locations AS l ON r.r_geo = l.l_id
 WHERE r.r_status = $1
   AND r.r_notbefore < now()
   AND r.r_notafter > now()
   AND r.r_tf_end < now() - interval '` + materializeLag + `'
   AND NOT EXISTS (SELECT 1 FROM raw_fetcher_output AS rfo WHERE rfo.r_id = r.r_id)
 ORDER BY r.r_prio DESC, r.r_notafter ASC, kir.k_id ASC
 LIMIT 1`

const claimUpdateQuery = `
UPDATE requests SET r_status = $1 WHERE r_id = $2 AND r_status = $3 RETURNING r_id`

// ClaimNext atomically claims the next dispatchable request. Returns
// ErrNoRequests when the queue is drained and ErrClaimLost when
// another dispatcher won the row between the select and the update.
func (s *Store) ClaimNext(ctx context.Context) (*types.Claim, error) {
	var row struct {
		RID         int64          `db:"r_id"`
		KID         int64          `db:"k_id"`
		Query       string         `db:"k_q"`
		Geo         sql.NullString `db:"l_iso"`
		WindowStart time.Time      `db:"r_tf_start"`
		WindowEnd   time.Time      `db:"r_tf_end"`
		Priority    int            `db:"r_prio"`
	}
	err := s.db.GetContext(ctx, &row, claimSelectQuery, types.StatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNoRequests
	}
	if err != nil {
		return nil, &types.StorageError{Op: "claim select", Err: err}
	}

	var claimed int64
	err = s.db.GetContext(ctx, &claimed, claimUpdateQuery, types.StatusRunning, row.RID, types.StatusOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrClaimLost
	}
	if err != nil {
		return nil, &types.StorageError{Op: "claim update", Err: err}
	}

	return &types.Claim{
		RID:         row.RID,
		KID:         row.KID,
		Query:       row.Query,
		Geo:         row.Geo,
		WindowStart: row.WindowStart,
		WindowEnd:   row.WindowEnd,
		Priority:    row.Priority,
	}, nil
}

// Release reverts a running request to open so another dispatcher can
// pick it up.
func (s *Store) Release(ctx context.Context, rID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET r_status = $1 WHERE r_id = $2 AND r_status = $3`,
		types.StatusOpen, rID, types.StatusRunning)
	if err != nil {
		return &types.StorageError{Op: "release", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		s.logger.Warn("release affected no rows", "r_id", rID)
	}
	return nil
}
