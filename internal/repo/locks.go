package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
)

// HolderOf returns the task holding resource, or "" when it is free.
func (r Repo) HolderOf(ctx context.Context, q db.Querier, resource string) (string, error) {
	var taskID string
	err := r.q(q).QueryRowContext(ctx, `SELECT task_id FROM resource_locks WHERE resource=?`, resource).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return taskID, err
}

// AcquireResources takes every named resource for taskID or none of them. A resource
// already held by taskID counts as acquired.
func (r Repo) AcquireResources(ctx context.Context, q db.Querier, taskID string, resources []string, now time.Time) error {
	names := append([]string(nil), resources...)
	sort.Strings(names)
	for _, name := range names {
		holder, err := r.HolderOf(ctx, q, name)
		if err != nil {
			return err
		}
		if holder != "" && holder != taskID {
			return &domain.ResourceConflictError{Resource: name, Holder: holder}
		}
	}
	for _, name := range names {
		if _, err := r.q(q).ExecContext(ctx, `INSERT OR IGNORE INTO resource_locks(resource,task_id,acquired_at) VALUES (?,?,?)`,
			name, taskID, db.FormatTime(now)); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseResources frees everything held by taskID and reports how many locks were dropped.
func (r Repo) ReleaseResources(ctx context.Context, q db.Querier, taskID string) (int, error) {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM resource_locks WHERE task_id=?`, taskID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
