// Package schedule keeps deadlines in the database so they survive a restart. A timer is
// identified by (kind, ref); arming an existing pair moves its deadline.
package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/logging"
)

type Kind string

const (
	KindAckTimeout Kind = "ack_timeout"
	KindStallCheck Kind = "stall_check"
	KindVerifyPass Kind = "verify_pass"
	KindDeadline   Kind = "deadline"
)

type Timer struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Ref       string          `json:"ref"`
	DueAt     time.Time       `json:"due_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Handler runs a fired timer. A handler may re-arm its own (kind, ref); returning an
// error keeps the timer and retries it after the scheduler tick.
type Handler func(ctx context.Context, t Timer) error

type Scheduler struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
	Tick   time.Duration

	mu       sync.RWMutex
	handlers map[Kind]Handler
	kick     chan struct{}
}

func New(conn *sql.DB, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		DB:       conn,
		Now:      time.Now,
		Logger:   logging.OrDiscard(logger),
		Tick:     tick,
		handlers: map[Kind]Handler{},
		kick:     make(chan struct{}, 1),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Handle registers the handler for kind, replacing any previous one.
func (s *Scheduler) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Scheduler) handler(kind Kind) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

func (s *Scheduler) q(x db.Querier) db.Querier {
	if x == nil {
		return s.DB
	}
	return x
}

// Arm sets the deadline of (kind, ref). payload may be nil.
func (s *Scheduler) Arm(ctx context.Context, x db.Querier, kind Kind, ref string, due time.Time, payload any) error {
	if kind == "" || ref == "" {
		return fmt.Errorf("%w: timer kind and ref required", domain.ErrValidation)
	}
	var body any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("timer payload: %w", err)
		}
		body = string(data)
	}
	_, err := s.q(x).ExecContext(ctx, `INSERT INTO timers(id,kind,ref,due_at,payload_json,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(kind, ref) DO UPDATE SET id=excluded.id, due_at=excluded.due_at, payload_json=excluded.payload_json, created_at=excluded.created_at`,
		uuid.NewString(), kind, ref, db.FormatTime(due), body, db.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("arm %s %s: %w", kind, ref, err)
	}
	s.notify()
	return nil
}

// Cancel disarms (kind, ref). Cancelling an unknown timer is not an error.
func (s *Scheduler) Cancel(ctx context.Context, x db.Querier, kind Kind, ref string) error {
	_, err := s.q(x).ExecContext(ctx, `DELETE FROM timers WHERE kind=? AND ref=?`, kind, ref)
	return err
}

// CancelRef disarms every timer for ref.
func (s *Scheduler) CancelRef(ctx context.Context, x db.Querier, ref string) (int, error) {
	res, err := s.q(x).ExecContext(ctx, `DELETE FROM timers WHERE ref=?`, ref)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Scheduler) Get(ctx context.Context, x db.Querier, kind Kind, ref string) (Timer, error) {
	return scanTimer(s.q(x).QueryRowContext(ctx, `SELECT id,kind,ref,due_at,COALESCE(payload_json,''),created_at FROM timers WHERE kind=? AND ref=?`, kind, ref))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimer(row rowScanner) (Timer, error) {
	var (
		t                   Timer
		due, payload, added string
	)
	err := row.Scan(&t.ID, &t.Kind, &t.Ref, &due, &payload, &added)
	if errors.Is(err, sql.ErrNoRows) {
		return t, domain.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DueAt, _ = db.ParseTime(due)
	t.CreatedAt, _ = db.ParseTime(added)
	if payload != "" {
		t.Payload = json.RawMessage(payload)
	}
	return t, nil
}

// Due lists timers whose deadline is at or before now, earliest first.
func (s *Scheduler) Due(ctx context.Context, now time.Time, limit int) ([]Timer, error) {
	query := `SELECT id,kind,ref,due_at,COALESCE(payload_json,''),created_at FROM timers WHERE due_at <= ? ORDER BY due_at, id`
	args := []any{db.FormatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// RunDue fires every due timer once and reports how many handlers succeeded.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	due, err := s.Due(ctx, s.now(), 200)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		h, ok := s.handler(t.Kind)
		if !ok {
			s.Logger.Warn("timer without handler dropped", "kind", t.Kind, "ref", t.Ref)
			if _, err := s.DB.ExecContext(ctx, `DELETE FROM timers WHERE id=?`, t.ID); err != nil {
				return fired, err
			}
			continue
		}
		if err := h(ctx, t); err != nil {
			s.Logger.Error("timer handler failed", "kind", t.Kind, "ref", t.Ref, "err", err)
			if _, uerr := s.DB.ExecContext(ctx, `UPDATE timers SET due_at=? WHERE id=?`, db.FormatTime(s.now().Add(s.Tick)), t.ID); uerr != nil {
				return fired, uerr
			}
			continue
		}
		// A handler that re-armed the same pair replaced the id; only the fired row goes.
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM timers WHERE id=?`, t.ID); err != nil {
			return fired, err
		}
		fired++
	}
	return fired, nil
}

func (s *Scheduler) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run fires due timers every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()
	for {
		if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error("timer sweep", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
	}
}
