package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/logging"
	"fleetline/internal/telemetry"
	"fleetline/internal/ticket"
	"fleetline/internal/transport"
)

type Options struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxRetries      int
	BreakerFailures int
	ProbeInterval   time.Duration
	FlushInterval   time.Duration
	BatchSize       int
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = 5 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Minute
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	return o
}

// Prober is implemented by downstreams that can be health-checked without side effects.
type Prober interface {
	Probe(ctx context.Context) error
}

// FailedFunc is told about every op that exhausted its retries or failed permanently.
type FailedFunc func(ctx context.Context, op Op, err error)

type Queue struct {
	DB        *sql.DB
	Transport transport.Transport
	Tickets   ticket.Adapter
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Now       func() time.Time
	OnFailed  FailedFunc

	opts     Options
	breakers map[Target]*gobreaker.CircuitBreaker
	flushMu  sync.Mutex
	kick     chan struct{}
	tracer   trace.Tracer
}

func New(conn *sql.DB, tr transport.Transport, tickets ticket.Adapter, opts Options, logger *slog.Logger, metrics *telemetry.Metrics) *Queue {
	q := &Queue{
		DB:        conn,
		Transport: tr,
		Tickets:   tickets,
		Logger:    logging.OrDiscard(logger),
		Metrics:   metrics,
		Now:       time.Now,
		opts:      opts.withDefaults(),
		breakers:  map[Target]*gobreaker.CircuitBreaker{},
		kick:      make(chan struct{}, 1),
		tracer:    telemetry.Tracer(),
	}
	for _, target := range Targets {
		q.breakers[target] = q.newBreaker(target)
	}
	return q
}

func (q *Queue) newBreaker(target Target) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(target),
		MaxRequests: 1,
		Timeout:     q.opts.ProbeInterval,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(q.opts.BreakerFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			q.Logger.Warn("outbox breaker state change", "target", name, "from", from.String(), "to", to.String())
			q.Metrics.BreakerOpen(name, to != gobreaker.StateClosed)
		},
	})
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue stores op unless its idempotency key is already known, in which case the
// stored op is returned unchanged and created is false. x may be a tx. Ticket ops are
// dropped when no ticket adapter is configured.
func (q *Queue) Enqueue(ctx context.Context, x db.Querier, op Op) (Op, bool, error) {
	if op.IdemKey == "" {
		return Op{}, false, fmt.Errorf("%w: idempotency key required", domain.ErrValidation)
	}
	if op.Target == TargetTicket && q.Tickets == nil {
		q.Logger.Debug("ticket op dropped, no adapter", "key", op.IdemKey, "kind", op.Kind)
		return op, false, nil
	}
	now := q.now()
	op.State = StatePending
	op.CreatedAt, op.UpdatedAt, op.NextAttemptAt = now, now, now
	created, err := q.insert(ctx, x, op)
	if err != nil {
		return Op{}, false, fmt.Errorf("enqueue %s: %w", op.IdemKey, err)
	}
	stored, err := q.GetByKey(ctx, x, op.IdemKey)
	if err != nil {
		return Op{}, false, err
	}
	if created {
		q.Notify()
	}
	return stored, created, nil
}

// Notify asks a running loop to flush now.
func (q *Queue) Notify() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

type FlushReport struct {
	Attempted int `json:"attempted"`
	Done      int `json:"done"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeDeferred
)

// Flush attempts due ops. Lanes drain in priority order and an urgent op lifts its whole
// lane, since within a lane an op never overtakes an earlier one. A target whose breaker
// is open is skipped without spending retry budget.
func (q *Queue) Flush(ctx context.Context) (FlushReport, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var report FlushReport
	ops, err := q.pending(ctx, q.opts.BatchSize*20)
	if err != nil {
		return report, err
	}
	now := q.now()
	blockedLanes := map[string]bool{}
	downTargets := map[Target]bool{}
	for _, op := range ops {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if report.Attempted >= q.opts.BatchSize {
			break
		}
		if blockedLanes[op.Lane] || downTargets[op.Target] {
			report.Deferred++
			continue
		}
		if op.NextAttemptAt.After(now) {
			blockedLanes[op.Lane] = true
			report.Deferred++
			continue
		}
		if !q.ready(ctx, op.Target) {
			downTargets[op.Target] = true
			report.Deferred++
			continue
		}
		report.Attempted++
		switch q.attempt(ctx, op) {
		case outcomeDone:
			report.Done++
		case outcomeRetry:
			report.Retried++
			blockedLanes[op.Lane] = true
		case outcomeFailed:
			report.Failed++
		case outcomeDeferred:
			report.Attempted--
			report.Deferred++
			downTargets[op.Target] = true
			blockedLanes[op.Lane] = true
		}
	}
	return report, nil
}

// ready reports whether target may be attempted. A half-open breaker is probed first
// when the downstream supports it.
func (q *Queue) ready(ctx context.Context, target Target) bool {
	cb := q.breakers[target]
	switch cb.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		prober, ok := q.prober(target)
		if !ok {
			return true
		}
		_, err := cb.Execute(func() (any, error) { return nil, prober.Probe(ctx) })
		if err != nil {
			q.Logger.Info("outbox probe failed", "target", target, "err", err)
			return false
		}
		q.Logger.Info("outbox target recovered", "target", target)
		return true
	}
	return true
}

func (q *Queue) prober(target Target) (Prober, bool) {
	var candidate any
	switch target {
	case TargetTransport:
		candidate = q.Transport
	case TargetTicket:
		candidate = q.Tickets
	}
	p, ok := candidate.(Prober)
	return p, ok && candidate != nil
}

func (q *Queue) attempt(ctx context.Context, op Op) outcome {
	ctx, span := q.tracer.Start(ctx, "outbox.attempt", trace.WithAttributes(
		attribute.String("op.kind", string(op.Kind)),
		attribute.String("op.idem_key", op.IdemKey),
		attribute.Int("op.attempts", op.Attempts),
	))
	defer span.End()

	started := q.now()
	if err := q.setState(ctx, op.ID, StatePending, StateInFlight, started); err != nil {
		q.Logger.Error("outbox mark in flight", "op", op.ID, "err", err)
		return outcomeDeferred
	}
	_, err := q.breakers[op.Target].Execute(func() (any, error) {
		return nil, q.apply(ctx, op)
	})
	now := q.now()
	elapsed := time.Since(started)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if err := q.setState(ctx, op.ID, StateInFlight, StatePending, now); err != nil {
			q.Logger.Error("outbox unmark in flight", "op", op.ID, "err", err)
		}
		return outcomeDeferred
	}
	attempts := op.Attempts + 1
	if err == nil {
		if err := q.complete(ctx, op.ID, attempts, now); err != nil {
			q.Logger.Error("outbox complete", "op", op.ID, "err", err)
		}
		q.Metrics.OpProcessed(string(op.Target), "done", elapsed)
		return outcomeDone
	}
	span.RecordError(err)
	if isPermanent(err) || attempts >= q.opts.MaxRetries {
		if ferr := q.fail(ctx, op.ID, attempts, err.Error(), now); ferr != nil {
			q.Logger.Error("outbox fail", "op", op.ID, "err", ferr)
		}
		q.Logger.Error("outbox op failed", "op", op.ID, "kind", op.Kind, "idem_key", op.IdemKey, "attempts", attempts, "err", err)
		q.Metrics.OpProcessed(string(op.Target), "failed", elapsed)
		op.Attempts = attempts
		op.State = StateFailed
		op.LastError = err.Error()
		if q.OnFailed != nil {
			q.OnFailed(ctx, op, err)
		}
		return outcomeFailed
	}
	delay := q.delayFor(attempts)
	if rerr := q.reschedule(ctx, op.ID, attempts, now.Add(delay), err.Error(), now); rerr != nil {
		q.Logger.Error("outbox reschedule", "op", op.ID, "err", rerr)
	}
	q.Logger.Warn("outbox op retry scheduled", "op", op.ID, "kind", op.Kind, "attempts", attempts, "delay", delay, "err", err)
	q.Metrics.OpProcessed(string(op.Target), "retry", elapsed)
	return outcomeRetry
}

// delayFor returns the wait after the given number of failed attempts:
// base, 2*base, 4*base, ... capped at MaxDelay.
func (q *Queue) delayFor(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = q.opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *Queue) apply(ctx context.Context, op Op) error {
	switch op.Target {
	case TargetTransport:
		if q.Transport == nil {
			return backoff.Permanent(errors.New("no transport configured"))
		}
		var msg domain.Message
		if err := json.Unmarshal(op.Payload, &msg); err != nil {
			return backoff.Permanent(fmt.Errorf("decode message: %w", err))
		}
		msg.AttemptCount = op.Attempts + 1
		receipt, err := q.Transport.Send(ctx, msg)
		if err != nil {
			return err
		}
		if receipt.Duplicate {
			q.Logger.Debug("outbox message already delivered", "message_id", msg.ID)
		}
		return nil
	case TargetTicket:
		if q.Tickets == nil {
			return backoff.Permanent(errors.New("no ticket adapter configured"))
		}
		var p TicketPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return backoff.Permanent(fmt.Errorf("decode ticket payload: %w", err))
		}
		var err error
		switch op.Kind {
		case KindTicketSetStatus:
			err = q.Tickets.SetStatus(ctx, p.Ref, p.Status)
		case KindTicketAddLabel:
			err = q.Tickets.AddLabel(ctx, p.Ref, p.Label)
		case KindTicketRemoveLabel:
			err = q.Tickets.RemoveLabel(ctx, p.Ref, p.Label)
		case KindTicketAddComment:
			err = q.Tickets.AddComment(ctx, p.Ref, p.Key, p.Body)
		default:
			return backoff.Permanent(fmt.Errorf("unknown ticket op %s", op.Kind))
		}
		if err != nil && !ticket.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Permanent(fmt.Errorf("unknown target %s", op.Target))
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm) || transport.IsPermanent(err)
}

// Recover returns ops left in flight by a crash to the pending set. Replays are safe:
// every downstream dedupes on the idempotency key.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	res, err := q.DB.ExecContext(ctx, `UPDATE ops SET state='pending', updated_at=? WHERE state='in_flight'`, db.FormatTime(q.now()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.Logger.Info("outbox recovered in-flight ops", "count", n)
	}
	return int(n), nil
}

// CancelTask drops pending ops of a task. Ops already sent are left alone.
func (q *Queue) CancelTask(ctx context.Context, x db.Querier, taskID string) (int, error) {
	res, err := q.querier(x).ExecContext(ctx, `UPDATE ops SET state='cancelled', updated_at=? WHERE task_id=? AND state='pending'`,
		db.FormatTime(q.now()), taskID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkAcked records that the recipient acknowledged the message behind key.
func (q *Queue) MarkAcked(ctx context.Context, x db.Querier, key string) error {
	now := db.FormatTime(q.now())
	_, err := q.querier(x).ExecContext(ctx, `UPDATE ops SET acked_at=COALESCE(acked_at, ?), updated_at=? WHERE idem_key=?`, now, now, key)
	return err
}

// Requeue gives a failed op a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	now := db.FormatTime(q.now())
	res, err := q.DB.ExecContext(ctx, `UPDATE ops SET state='pending', attempts=0, next_attempt_at=?, updated_at=? WHERE id=? AND state='failed'`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: failed op %s", domain.ErrNotFound, id)
	}
	q.Notify()
	return nil
}

type Stats struct {
	Pending   int               `json:"pending"`
	InFlight  int               `json:"in_flight"`
	Failed    int               `json:"failed"`
	Done      int               `json:"done"`
	Cancelled int               `json:"cancelled"`
	Breakers  map[string]string `json:"breakers"`
}

func (q *Queue) Status(ctx context.Context) (Stats, error) {
	stats := Stats{Breakers: map[string]string{}}
	rows, err := q.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM ops GROUP BY state`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return stats, err
		}
		switch state {
		case StatePending:
			stats.Pending = n
		case StateInFlight:
			stats.InFlight = n
		case StateFailed:
			stats.Failed = n
		case StateDone:
			stats.Done = n
		case StateCancelled:
			stats.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	for target, cb := range q.breakers {
		stats.Breakers[string(target)] = cb.State().String()
	}
	return stats, nil
}

// Run flushes on every tick or Notify until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	if _, err := q.Recover(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()
	for {
		if _, err := q.Flush(ctx); err != nil && ctx.Err() == nil {
			q.Logger.Error("outbox flush", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-q.kick:
		}
	}
}
