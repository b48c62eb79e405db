// Package escalation hands conditions the integrator cannot resolve to the coordinator.
// It never resolves anything itself: it records, deduplicates and delivers.
package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/logging"
	"fleetline/internal/outbox"
	"fleetline/internal/telemetry"
)

type Kind string

const (
	KindQualityGate        Kind = "quality_gate"
	KindResourceConflict   Kind = "resource_conflict"
	KindUnclearPolicy      Kind = "unclear_policy"
	KindMissingDependency  Kind = "missing_dependency"
	KindWorkerUnresponsive Kind = "worker_unresponsive"
	KindDeliveryFailure    Kind = "delivery_failure"
	KindSecurity           Kind = "security"
	KindCriticalPath       Kind = "critical_path"
)

var Kinds = []Kind{
	KindQualityGate, KindResourceConflict, KindUnclearPolicy, KindMissingDependency,
	KindWorkerUnresponsive, KindDeliveryFailure, KindSecurity, KindCriticalPath,
}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyShort     Urgency = "short"
	UrgencyNormal    Urgency = "normal"
)

func (u Urgency) Valid() bool {
	return u == UrgencyImmediate || u == UrgencyShort || u == UrgencyNormal
}

// UrgencyFor maps a kind to its default urgency.
func UrgencyFor(k Kind) Urgency {
	switch k {
	case KindSecurity, KindCriticalPath:
		return UrgencyImmediate
	case KindQualityGate, KindWorkerUnresponsive, KindDeliveryFailure:
		return UrgencyShort
	default:
		return UrgencyNormal
	}
}

func (u Urgency) priority() domain.Priority {
	switch u {
	case UrgencyImmediate:
		return domain.PriorityUrgent
	case UrgencyShort:
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}

type Escalation struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	TaskID         string         `json:"task_id,omitempty"`
	Urgency        Urgency        `json:"urgency"`
	DueBy          *time.Time     `json:"due_by,omitempty"`
	Context        map[string]any `json:"context"`
	DeliveryKey    string         `json:"delivery_key"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
}

// Request describes a condition to escalate. Urgency defaults from Kind.
type Request struct {
	Kind    Kind
	TaskID  string
	Context map[string]any
	Urgency Urgency
}

type Options struct {
	Coordinator string
	From        string
	Cooldown    time.Duration
	ShortSLA    time.Duration
	NormalSLA   time.Duration
}

type Manager struct {
	DB      *sql.DB
	Outbox  *outbox.Queue
	Events  events.Writer
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time

	opts   Options
	recent *expirable.LRU[string, Escalation]
}

const deliveryPrefix = "esc:"

func New(conn *sql.DB, queue *outbox.Queue, opts Options, logger *slog.Logger, metrics *telemetry.Metrics) *Manager {
	if opts.Coordinator == "" {
		opts.Coordinator = "coordinator"
	}
	if opts.From == "" {
		opts.From = "integrator"
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 15 * time.Minute
	}
	if opts.ShortSLA <= 0 {
		opts.ShortSLA = time.Hour
	}
	if opts.NormalSLA <= 0 {
		opts.NormalSLA = 24 * time.Hour
	}
	m := &Manager{
		DB:      conn,
		Outbox:  queue,
		Logger:  logging.OrDiscard(logger),
		Metrics: metrics,
		Now:     time.Now,
		opts:    opts,
		recent:  expirable.NewLRU[string, Escalation](4096, nil, opts.Cooldown),
	}
	m.Events = events.Writer{Now: m.now}
	return m
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func dedupeKey(taskID string, kind Kind) string {
	return taskID + "|" + string(kind)
}

// Escalate records and delivers req unless the same (task, kind) was escalated within
// the cooldown, in which case the earlier escalation is returned and created is false.
// x may be the caller's transaction; nil runs in a new one. Only escalations committed by
// the manager's own transaction enter the in-memory cooldown cache.
func (m *Manager) Escalate(ctx context.Context, x db.Querier, req Request) (Escalation, bool, error) {
	if !req.Kind.Valid() {
		return Escalation{}, false, fmt.Errorf("%w: unknown escalation kind %q", domain.ErrValidation, req.Kind)
	}
	if req.Urgency == "" {
		req.Urgency = UrgencyFor(req.Kind)
	}
	if !req.Urgency.Valid() {
		return Escalation{}, false, fmt.Errorf("%w: unknown urgency %q", domain.ErrValidation, req.Urgency)
	}
	if x == nil {
		var (
			esc     Escalation
			created bool
		)
		err := db.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
			var err error
			esc, created, err = m.escalate(ctx, tx, req)
			return err
		})
		if err == nil {
			m.recent.Add(dedupeKey(req.TaskID, req.Kind), esc)
		}
		return esc, created, err
	}
	return m.escalate(ctx, x, req)
}

func (m *Manager) escalate(ctx context.Context, x db.Querier, req Request) (Escalation, bool, error) {
	now := m.now()
	key := dedupeKey(req.TaskID, req.Kind)
	if prev, ok := m.recent.Get(key); ok && now.Sub(prev.CreatedAt) < m.opts.Cooldown {
		m.deduplicated(prev)
		return prev, false, nil
	}
	prev, err := m.latest(ctx, x, req.TaskID, req.Kind, now.Add(-m.opts.Cooldown))
	if err == nil {
		m.deduplicated(prev)
		return prev, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return Escalation{}, false, err
	}

	esc := Escalation{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		TaskID:    req.TaskID,
		Urgency:   req.Urgency,
		Context:   req.Context,
		CreatedAt: now,
	}
	if esc.Context == nil {
		esc.Context = map[string]any{}
	}
	esc.DeliveryKey = deliveryPrefix + esc.ID
	switch req.Urgency {
	case UrgencyImmediate:
		due := now
		esc.DueBy = &due
	case UrgencyShort:
		due := now.Add(m.opts.ShortSLA)
		esc.DueBy = &due
	default:
		due := now.Add(m.opts.NormalSLA)
		esc.DueBy = &due
	}
	contextJSON, err := json.Marshal(esc.Context)
	if err != nil {
		return Escalation{}, false, fmt.Errorf("%w: escalation context: %v", domain.ErrValidation, err)
	}
	if _, err := x.ExecContext(ctx, `INSERT INTO escalations(id,kind,task_id,urgency,due_by,context_json,delivery_key,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		esc.ID, esc.Kind, db.Nullable(esc.TaskID), esc.Urgency, db.NullTime(esc.DueBy), string(contextJSON), esc.DeliveryKey, db.FormatTime(now)); err != nil {
		return Escalation{}, false, err
	}
	if m.Outbox != nil {
		op, err := outbox.NewMessage(m.message(esc), esc.TaskID)
		if err != nil {
			return Escalation{}, false, err
		}
		if _, _, err := m.Outbox.Enqueue(ctx, x, op); err != nil {
			return Escalation{}, false, err
		}
	}
	if err := m.Events.Append(ctx, x, "escalation.raised", "escalation", esc.ID, "", events.EventPayload{
		"kind": esc.Kind, "task_id": esc.TaskID, "urgency": esc.Urgency,
	}); err != nil {
		return Escalation{}, false, err
	}
	m.Logger.Warn("escalation raised", "id", esc.ID, "kind", esc.Kind, "task_id", esc.TaskID, "urgency", esc.Urgency)
	m.Metrics.Escalated(string(esc.Kind), string(esc.Urgency))
	return esc, true, nil
}

func (m *Manager) deduplicated(prev Escalation) {
	m.Logger.Debug("escalation deduplicated", "id", prev.ID, "kind", prev.Kind, "task_id", prev.TaskID)
	m.Metrics.EscalationDeduplicated(string(prev.Kind))
}

func (m *Manager) message(esc Escalation) domain.Message {
	subject := fmt.Sprintf("[%s] %s", esc.Urgency, esc.Kind)
	if esc.TaskID != "" {
		subject += " " + esc.TaskID
	}
	body := map[string]any{
		"escalation_id": esc.ID,
		"kind":          string(esc.Kind),
		"urgency":       string(esc.Urgency),
		"context":       esc.Context,
	}
	if esc.TaskID != "" {
		body["task_id"] = esc.TaskID
	}
	if esc.DueBy != nil {
		body["due_by"] = esc.DueBy.UTC().Format(time.RFC3339)
	}
	return domain.Message{
		ID:       esc.DeliveryKey,
		From:     m.opts.From,
		To:       m.opts.Coordinator,
		Subject:  subject,
		Priority: esc.Urgency.priority(),
		Content:  domain.Content{Type: domain.ContentEscalation, Body: body},
		QueuedAt: esc.CreatedAt,
	}
}

// OnDeliveryFailed escalates ops the outbox gave up on. Failed escalation deliveries
// are only logged so a dead coordinator link cannot feed itself.
func (m *Manager) OnDeliveryFailed(ctx context.Context, op outbox.Op, cause error) {
	if strings.HasPrefix(op.IdemKey, deliveryPrefix) {
		m.Logger.Error("escalation delivery failed", "delivery_key", op.IdemKey, "attempts", op.Attempts, "err", cause)
		return
	}
	_, _, err := m.Escalate(ctx, nil, Request{
		Kind:   KindDeliveryFailure,
		TaskID: op.TaskID,
		Context: map[string]any{
			"op_id":    op.ID,
			"op_kind":  string(op.Kind),
			"idem_key": op.IdemKey,
			"attempts": op.Attempts,
			"error":    cause.Error(),
		},
	})
	if err != nil {
		m.Logger.Error("escalate delivery failure", "op", op.ID, "err", err)
	}
}

const escalationColumns = `id,kind,COALESCE(task_id,''),urgency,due_by,context_json,delivery_key,created_at,acknowledged_at,COALESCE(acknowledged_by,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (Escalation, error) {
	var (
		e                    Escalation
		dueBy, acked         sql.NullString
		contextJSON, created string
	)
	err := row.Scan(&e.ID, &e.Kind, &e.TaskID, &e.Urgency, &dueBy, &contextJSON, &e.DeliveryKey, &created, &acked, &e.AcknowledgedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return e, domain.ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
		return e, fmt.Errorf("escalation %s context: %w", e.ID, err)
	}
	e.DueBy = db.ScanTime(dueBy)
	e.CreatedAt, _ = db.ParseTime(created)
	e.AcknowledgedAt = db.ScanTime(acked)
	return e, nil
}

func (m *Manager) latest(ctx context.Context, x db.Querier, taskID string, kind Kind, since time.Time) (Escalation, error) {
	return scanEscalation(x.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE COALESCE(task_id,'')=? AND kind=? AND created_at > ? ORDER BY created_at DESC LIMIT 1`,
		taskID, kind, db.FormatTime(since)))
}

func (m *Manager) Get(ctx context.Context, id string) (Escalation, error) {
	return scanEscalation(m.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id))
}

type ListFilter struct {
	TaskID   string
	Kind     Kind
	OpenOnly bool
	Limit    int
}

func (m *Manager) List(ctx context.Context, f ListFilter) ([]Escalation, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.OpenOnly {
		clauses = append(clauses, "acknowledged_at IS NULL")
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Acknowledge records that the coordinator took the escalation. It does not resolve
// the underlying condition.
func (m *Manager) Acknowledge(ctx context.Context, id, by string) (Escalation, error) {
	now := m.now()
	err := db.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
		esc, err := scanEscalation(tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id))
		if err != nil {
			return err
		}
		if esc.AcknowledgedAt != nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE escalations SET acknowledged_at=?, acknowledged_by=? WHERE id=?`,
			db.FormatTime(now), db.Nullable(by), id); err != nil {
			return err
		}
		if m.Outbox != nil {
			if err := m.Outbox.MarkAcked(ctx, tx, esc.DeliveryKey); err != nil {
				return err
			}
		}
		return m.Events.Append(ctx, tx, "escalation.acknowledged", "escalation", id, by, nil)
	})
	if err != nil {
		return Escalation{}, err
	}
	return m.Get(ctx, id)
}
