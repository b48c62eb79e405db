package outbox

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
)

const opColumns = `id,idem_key,target,kind,lane,priority_rank,COALESCE(task_id,''),payload_json,state,attempts,next_attempt_at,COALESCE(last_error,''),seq,acked_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

var rankToPriority = map[int]domain.Priority{
	0: domain.PriorityUrgent,
	1: domain.PriorityHigh,
	2: domain.PriorityNormal,
	3: domain.PriorityLow,
}

func scanOp(row rowScanner) (Op, error) {
	var (
		o                               Op
		rank                            int
		payload, next, created, updated string
		acked                           sql.NullString
	)
	err := row.Scan(&o.ID, &o.IdemKey, &o.Target, &o.Kind, &o.Lane, &rank, &o.TaskID, &payload, &o.State, &o.Attempts,
		&next, &o.LastError, &o.Seq, &acked, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return o, domain.ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Priority = rankToPriority[rank]
	o.Payload = []byte(payload)
	o.NextAttemptAt, _ = db.ParseTime(next)
	o.CreatedAt, _ = db.ParseTime(created)
	o.UpdatedAt, _ = db.ParseTime(updated)
	o.AckedAt = db.ScanTime(acked)
	return o, nil
}

func (q *Queue) querier(x db.Querier) db.Querier {
	if x == nil {
		return q.DB
	}
	return x
}

func (q *Queue) insert(ctx context.Context, x db.Querier, op Op) (bool, error) {
	res, err := q.querier(x).ExecContext(ctx, `INSERT INTO ops(id,idem_key,target,kind,lane,priority_rank,task_id,payload_json,state,attempts,next_attempt_at,seq,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,0,?,(SELECT COALESCE(MAX(seq),0)+1 FROM ops),?,?)
ON CONFLICT(idem_key) DO NOTHING`,
		op.ID, op.IdemKey, op.Target, op.Kind, op.Lane, op.Priority.Rank(), db.Nullable(op.TaskID), string(op.Payload),
		StatePending, db.FormatTime(op.NextAttemptAt), db.FormatTime(op.CreatedAt), db.FormatTime(op.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetByKey loads the op stored under an idempotency key.
func (q *Queue) GetByKey(ctx context.Context, x db.Querier, key string) (Op, error) {
	return scanOp(q.querier(x).QueryRowContext(ctx, `SELECT `+opColumns+` FROM ops WHERE idem_key=?`, key))
}

func (q *Queue) Get(ctx context.Context, id string) (Op, error) {
	return scanOp(q.DB.QueryRowContext(ctx, `SELECT `+opColumns+` FROM ops WHERE id=?`, id))
}

// pending returns pending ops in drain order: lanes ranked by their most urgent op, then
// by their oldest op, and seq order inside a lane.
func (q *Queue) pending(ctx context.Context, limit int) ([]Op, error) {
	return q.list(ctx, `SELECT `+opColumns+` FROM ops WHERE state='pending'
ORDER BY MIN(priority_rank) OVER (PARTITION BY lane), MIN(seq) OVER (PARTITION BY lane), seq LIMIT ?`, limit)
}

type ListFilter struct {
	State  State
	TaskID string
	Limit  int
}

func (q *Queue) List(ctx context.Context, f ListFilter) ([]Op, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	query := `SELECT ` + opColumns + ` FROM ops`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return q.list(ctx, query, args...)
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]Op, error) {
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

func (q *Queue) setState(ctx context.Context, id string, from, to State, now time.Time) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE ops SET state=?, updated_at=? WHERE id=? AND state=?`, to, db.FormatTime(now), id, from)
	return err
}

func (q *Queue) reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string, now time.Time) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE ops SET state='pending', attempts=?, next_attempt_at=?, last_error=?, updated_at=? WHERE id=? AND state='in_flight'`,
		attempts, db.FormatTime(next), lastErr, db.FormatTime(now), id)
	return err
}

func (q *Queue) fail(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE ops SET state='failed', attempts=?, last_error=?, updated_at=? WHERE id=? AND state='in_flight'`,
		attempts, lastErr, db.FormatTime(now), id)
	return err
}

func (q *Queue) complete(ctx context.Context, id string, attempts int, now time.Time) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE ops SET state='done', attempts=?, last_error=NULL, updated_at=? WHERE id=? AND state='in_flight'`,
		attempts, db.FormatTime(now), id)
	return err
}
