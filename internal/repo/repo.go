package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
)

// Repo reads and writes tasks, workers and resource locks. Every method takes a querier;
// nil means the pool.
type Repo struct {
	DB *sql.DB
}

func (r Repo) q(q db.Querier) db.Querier {
	if q == nil {
		return r.DB
	}
	return q
}

const taskColumns = `id,kind,priority,payload_json,success_criteria,status,blocked_from,assigned_worker,attempt_count,dispatch_state,dispatched_at,ack_misses,progress_at,progress_note,ticket_ref,resources_json,result_summary,artifact_ref,evidence_json,verified_at,failure_report,deadline,created_at,updated_at,archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var (
		payload, criteria, blockedFrom, worker, dispatchedAt, progressAt sql.NullString
		progressNote, ticketRef, resources, summary, artifact, evidence  sql.NullString
		verifiedAt, failure, deadline, createdAt, updatedAt, archivedAt  sql.NullString
	)
	err := row.Scan(&t.ID, &t.Kind, &t.Priority, &payload, &criteria, &t.Status, &blockedFrom, &worker, &t.AttemptCount,
		&t.DispatchState, &dispatchedAt, &t.AckMisses, &progressAt, &progressNote, &ticketRef, &resources, &summary,
		&artifact, &evidence, &verifiedAt, &failure, &deadline, &createdAt, &updatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, domain.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	t.SuccessCriteria = criteria.String
	if blockedFrom.Valid {
		s := domain.Status(blockedFrom.String)
		t.BlockedFrom = &s
	}
	if worker.Valid {
		t.AssignedWorker = &worker.String
	}
	t.DispatchedAt = db.ScanTime(dispatchedAt)
	t.ProgressAt = db.ScanTime(progressAt)
	t.ProgressNote = progressNote.String
	t.TicketRef = ticketRef.String
	if resources.Valid && resources.String != "" {
		if err := json.Unmarshal([]byte(resources.String), &t.Resources); err != nil {
			return t, fmt.Errorf("task %s resources: %w", t.ID, err)
		}
	}
	t.ResultSummary = summary.String
	t.ArtifactRef = artifact.String
	if evidence.Valid && evidence.String != "" {
		var ev domain.Evidence
		if err := json.Unmarshal([]byte(evidence.String), &ev); err != nil {
			return t, fmt.Errorf("task %s evidence: %w", t.ID, err)
		}
		t.Evidence = &ev
	}
	t.VerifiedAt = db.ScanTime(verifiedAt)
	t.FailureReport = failure.String
	t.Deadline = db.ScanTime(deadline)
	if ts := db.ScanTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	if ts := db.ScanTime(updatedAt); ts != nil {
		t.UpdatedAt = *ts
	}
	t.ArchivedAt = db.ScanTime(archivedAt)
	return t, nil
}

func taskArgs(t domain.Task) ([]any, error) {
	var resources, evidence any
	if len(t.Resources) > 0 {
		b, err := json.Marshal(t.Resources)
		if err != nil {
			return nil, err
		}
		resources = string(b)
	}
	if t.Evidence != nil {
		b, err := json.Marshal(t.Evidence)
		if err != nil {
			return nil, err
		}
		evidence = string(b)
	}
	var payload, blockedFrom, worker any
	if len(t.Payload) > 0 {
		payload = string(t.Payload)
	}
	if t.BlockedFrom != nil {
		blockedFrom = string(*t.BlockedFrom)
	}
	if t.AssignedWorker != nil {
		worker = *t.AssignedWorker
	}
	return []any{
		t.Kind, t.Priority, t.Priority.Rank(), payload, db.Nullable(t.SuccessCriteria), t.Status, blockedFrom, worker,
		t.AttemptCount, t.DispatchState, db.NullTime(t.DispatchedAt), t.AckMisses, db.NullTime(t.ProgressAt),
		db.Nullable(t.ProgressNote), db.Nullable(t.TicketRef), resources, db.Nullable(t.ResultSummary),
		db.Nullable(t.ArtifactRef), evidence, db.NullTime(t.VerifiedAt), db.Nullable(t.FailureReport),
		db.NullTime(t.Deadline), db.FormatTime(t.UpdatedAt), db.NullTime(t.ArchivedAt),
	}, nil
}

func (r Repo) InsertTask(ctx context.Context, q db.Querier, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	args = append([]any{t.ID}, args...)
	args = append(args, db.FormatTime(t.CreatedAt), string(t.DispatchState))
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO tasks(id,kind,priority,priority_rank,payload_json,success_criteria,status,blocked_from,assigned_worker,attempt_count,dispatch_state,dispatched_at,ack_misses,progress_at,progress_note,ticket_ref,resources_json,result_summary,artifact_ref,evidence_json,verified_at,failure_report,deadline,updated_at,archived_at,created_at,waiting_seq)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,CASE WHEN ?='waiting' THEN (SELECT COALESCE(MAX(waiting_seq),0)+1 FROM tasks) END)`, args...)
	return err
}

// UpdateTask writes every mutable column. Entering the waiting state takes the next queue
// position; leaving it clears the position.
func (r Repo) UpdateTask(ctx context.Context, q db.Querier, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	args = append(args, string(t.DispatchState), t.ID)
	res, err := r.q(q).ExecContext(ctx, `UPDATE tasks SET kind=?, priority=?, priority_rank=?, payload_json=?, success_criteria=?, status=?, blocked_from=?, assigned_worker=?, attempt_count=?, dispatch_state=?, dispatched_at=?, ack_misses=?, progress_at=?, progress_note=?, ticket_ref=?, resources_json=?, result_summary=?, artifact_ref=?, evidence_json=?, verified_at=?, failure_report=?, deadline=?, updated_at=?, archived_at=?,
waiting_seq = CASE WHEN ?='waiting' THEN COALESCE(waiting_seq, (SELECT COALESCE(MAX(waiting_seq),0)+1 FROM tasks)) ELSE NULL END
WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, q db.Querier, id string) (domain.Task, error) {
	return scanTask(r.q(q).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status          string
	Kind            string
	Worker          string
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListTasks(ctx context.Context, q db.Querier, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Worker != "" {
		clauses = append(clauses, "assigned_worker=?")
		args = append(args, f.Worker)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.listTasks(ctx, q, query, args...)
}

// ListWaiting returns the wait queue head: priority class first, FIFO within a class.
func (r Repo) ListWaiting(ctx context.Context, q db.Querier, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE dispatch_state='waiting' ORDER BY priority_rank, waiting_seq`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.listTasks(ctx, q, query, args...)
}

func (r Repo) CountWaiting(ctx context.Context, q db.Querier) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE dispatch_state='waiting'`).Scan(&n)
	return n, err
}

// CountActive counts tasks currently holding a worker slot.
func (r Repo) CountActive(ctx context.Context, q db.Querier) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE assigned_worker IS NOT NULL`).Scan(&n)
	return n, err
}

// ListStale returns live tasks with a ticket that have not changed since before.
func (r Repo) ListStale(ctx context.Context, q db.Querier, before time.Time) ([]domain.Task, error) {
	return r.listTasks(ctx, q, `SELECT `+taskColumns+` FROM tasks WHERE archived_at IS NULL AND ticket_ref IS NOT NULL AND status NOT IN ('done','cancelled') AND updated_at < ? ORDER BY updated_at`, db.FormatTime(before))
}

func (r Repo) listTasks(ctx context.Context, q db.Querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
