package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
)

// ClearVerified revokes a task's merge authorization. It is a no-op when none is set.
func (r Repo) ClearVerified(ctx context.Context, q db.Querier, taskID string, now time.Time) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE tasks SET verified_at=NULL, updated_at=? WHERE id=? AND verified_at IS NOT NULL`,
		db.FormatTime(now), taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LatestVerification returns the id and state of the newest verification run of taskID.
func (r Repo) LatestVerification(ctx context.Context, q db.Querier, taskID string) (id, state string, err error) {
	err = r.q(q).QueryRowContext(ctx, `SELECT id, state FROM verification_runs WHERE task_id=? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		taskID).Scan(&id, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", domain.ErrNotFound
	}
	return id, state, err
}
