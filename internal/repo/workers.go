package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
)

const workerColumns = `id,capabilities_json,max_concurrent,current_load,state,endpoint,unresponsive_at,updated_at`

func scanWorker(row rowScanner) (domain.Worker, error) {
	var (
		w                                 domain.Worker
		caps                              string
		endpoint, unresponsive, updatedAt sql.NullString
	)
	err := row.Scan(&w.ID, &caps, &w.MaxConcurrent, &w.CurrentLoad, &w.State, &endpoint, &unresponsive, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, domain.ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return w, fmt.Errorf("worker %s capabilities: %w", w.ID, err)
	}
	w.Endpoint = endpoint.String
	w.UnresponsiveAt = db.ScanTime(unresponsive)
	if ts := db.ScanTime(updatedAt); ts != nil {
		w.UpdatedAt = *ts
	}
	return w, nil
}

// UpsertWorker registers or updates a worker. Load is kept; the worker becomes available.
func (r Repo) UpsertWorker(ctx context.Context, q db.Querier, w domain.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO workers(id,capabilities_json,max_concurrent,current_load,state,endpoint,unresponsive_at,updated_at) VALUES (?,?,?,0,'available',?,NULL,?)
ON CONFLICT(id) DO UPDATE SET capabilities_json=excluded.capabilities_json, max_concurrent=excluded.max_concurrent, state='available', endpoint=excluded.endpoint, unresponsive_at=NULL, updated_at=excluded.updated_at`,
		w.ID, string(caps), w.MaxConcurrent, db.Nullable(w.Endpoint), db.FormatTime(w.UpdatedAt))
	return err
}

func (r Repo) GetWorker(ctx context.Context, q db.Querier, id string) (domain.Worker, error) {
	return scanWorker(r.q(q).QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id))
}

func (r Repo) ListWorkers(ctx context.Context, q db.Querier) ([]domain.Worker, error) {
	return r.listWorkers(ctx, q, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
}

// ListEligible returns available workers with spare capacity for kind, least loaded first.
func (r Repo) ListEligible(ctx context.Context, q db.Querier, kind domain.Kind) ([]domain.Worker, error) {
	all, err := r.listWorkers(ctx, q, `SELECT `+workerColumns+` FROM workers WHERE state='available' AND current_load < max_concurrent ORDER BY current_load, id`)
	if err != nil {
		return nil, err
	}
	var res []domain.Worker
	for _, w := range all {
		if w.Accepts(kind) {
			res = append(res, w)
		}
	}
	return res, nil
}

// AdjustLoad applies delta to current_load; it refuses to leave [0, max_concurrent].
func (r Repo) AdjustLoad(ctx context.Context, q db.Querier, id string, delta int, now time.Time) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE workers SET current_load=current_load+?, updated_at=? WHERE id=? AND current_load+? BETWEEN 0 AND max_concurrent`,
		delta, db.FormatTime(now), id, delta)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: load change %+d out of bounds", id, delta)
	}
	return nil
}

func (r Repo) SetWorkerState(ctx context.Context, q db.Querier, id string, state domain.WorkerState, now time.Time) error {
	var unresponsive any
	if state == domain.WorkerUnresponsive {
		unresponsive = db.FormatTime(now)
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE workers SET state=?, unresponsive_at=?, updated_at=? WHERE id=?`,
		state, unresponsive, db.FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r Repo) listWorkers(ctx context.Context, q db.Querier, query string, args ...any) ([]domain.Worker, error) {
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
