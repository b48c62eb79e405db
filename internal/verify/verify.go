// Package verify runs the four-pass settle protocol that gates irreversible actions.
//
// Pass 1 checks every criterion. Pass 2 repeats the check after a confirmation delay.
// Pass 3 repeats it again and records T0. Pass 4 runs after the quiet window and also
// requires that nothing happened on the ticket after T0. Activity or a late failure
// restarts the run at pass 1. Waits are persisted timers, never sleeps.
package verify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/escalation"
	"fleetline/internal/events"
	"fleetline/internal/keylock"
	"fleetline/internal/logging"
	"fleetline/internal/repo"
	"fleetline/internal/schedule"
	"fleetline/internal/telemetry"
	"fleetline/internal/ticket"
)

type State string

const (
	StateRunning   State = "running"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateEscalated State = "escalated"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool { return s != StateRunning }

type Criterion string

const (
	CriterionStatusEligible     Criterion = "status_eligible"
	CriterionChecksGreen        Criterion = "checks_green"
	CriterionThreadsResolved    Criterion = "threads_resolved"
	CriterionNoChangesRequested Criterion = "no_changes_requested"
	CriterionMergeable          Criterion = "mergeable"
	CriterionQuiet              Criterion = "no_activity_since_t0"
	CriterionTicketReadable     Criterion = "ticket_readable"
)

type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeRetry Outcome = "retry"
)

type PassRecord struct {
	Pass      int                `json:"pass"`
	Criteria  map[Criterion]bool `json:"criteria"`
	Outcome   Outcome            `json:"outcome"`
	StartedAt time.Time          `json:"started_at"`
}

// Run is one attempt to settle a task. Pass is the last pass that succeeded in the
// current cycle; restarts count cycles abandoned after pass 1.
type Run struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"task_id"`
	State      State        `json:"state"`
	Pass       int          `json:"pass"`
	Restarts   int          `json:"restarts"`
	T0         *time.Time   `json:"t0,omitempty"`
	Failing    []Criterion  `json:"failing,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Passes     []PassRecord `json:"passes,omitempty"`
}

// Result is the caller-facing view of the latest run.
type Result struct {
	Ready   bool        `json:"ready"`
	Failing []Criterion `json:"failing"`
	Run     Run         `json:"run"`
}

type Options struct {
	ConfirmDelay         time.Duration
	QuietWindow          time.Duration
	RetryDelay           time.Duration
	MaxRestarts          int
	MaxIdenticalFailures int
	PollInterval         time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConfirmDelay <= 0 {
		o.ConfirmDelay = 15 * time.Second
	}
	if o.QuietWindow <= 0 {
		o.QuietWindow = 45 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.MaxIdenticalFailures <= 0 {
		o.MaxIdenticalFailures = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	return o
}

// ReadyFunc is told when a run settles successfully. It runs without the task lock held.
type ReadyFunc func(ctx context.Context, taskID, runID string) error

type Verifier struct {
	DB          *sql.DB
	Repo        repo.Repo
	Tickets     ticket.Adapter
	Scheduler   *schedule.Scheduler
	Escalations *escalation.Manager
	Locks       *keylock.Map
	Events      events.Writer
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
	Now         func() time.Time
	OnReady     ReadyFunc

	opts   Options
	tracer trace.Tracer
}

func New(conn *sql.DB, tickets ticket.Adapter, sched *schedule.Scheduler, esc *escalation.Manager, locks *keylock.Map, opts Options, logger *slog.Logger, metrics *telemetry.Metrics) *Verifier {
	if locks == nil {
		locks = keylock.New()
	}
	v := &Verifier{
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Tickets:     tickets,
		Scheduler:   sched,
		Escalations: esc,
		Locks:       locks,
		Logger:      logging.OrDiscard(logger),
		Metrics:     metrics,
		Now:         time.Now,
		opts:        opts.withDefaults(),
		tracer:      telemetry.Tracer(),
	}
	v.Events = events.Writer{Now: v.now}
	if sched != nil {
		sched.Handle(schedule.KindVerifyPass, func(ctx context.Context, t schedule.Timer) error {
			_, err := v.Advance(ctx, t.Ref)
			return err
		})
	}
	return v
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Start begins a run for taskID and executes pass 1. A run already in progress is
// returned as is.
func (v *Verifier) Start(ctx context.Context, taskID string) (Run, error) {
	unlock := v.Locks.Lock(taskID)
	run, err := v.start(ctx, taskID)
	unlock()
	if err != nil {
		return Run{}, err
	}
	v.notifyReady(ctx, run)
	return run, nil
}

func (v *Verifier) start(ctx context.Context, taskID string) (Run, error) {
	if _, err := v.Repo.GetTask(ctx, nil, taskID); err != nil {
		return Run{}, err
	}
	current, err := v.latest(ctx, nil, taskID)
	if err == nil && current.State == StateRunning {
		return current, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Run{}, err
	}
	now := v.now()
	run := Run{ID: uuid.NewString(), TaskID: taskID, State: StateRunning, StartedAt: now}
	err = db.WithTx(ctx, v.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO verification_runs(id,task_id,state,pass,restarts,started_at) VALUES (?,?,?,0,0,?)`,
			run.ID, taskID, run.State, db.FormatTime(now)); err != nil {
			return err
		}
		revoked, err := v.Repo.ClearVerified(ctx, tx, taskID, now)
		if err != nil {
			return err
		}
		return v.Events.Append(ctx, tx, "verification.started", "task", taskID, "", events.EventPayload{"run_id": run.ID, "revoked": revoked})
	})
	if err != nil {
		return Run{}, err
	}
	v.Logger.Info("verification started", "task_id", taskID, "run_id", run.ID)
	return v.step(ctx, run)
}

// Advance continues a run after its timer fired. Finished runs are left untouched.
func (v *Verifier) Advance(ctx context.Context, runID string) (Run, error) {
	run, err := v.get(ctx, nil, runID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Run{}, nil
		}
		return Run{}, err
	}
	unlock := v.Locks.Lock(run.TaskID)
	run, err = v.get(ctx, nil, runID)
	if err == nil && run.State == StateRunning {
		run, err = v.step(ctx, run)
	}
	unlock()
	if err != nil {
		return Run{}, err
	}
	v.notifyReady(ctx, run)
	return run, nil
}

func (v *Verifier) notifyReady(ctx context.Context, run Run) {
	if run.State != StateReady || v.OnReady == nil {
		return
	}
	if err := v.OnReady(ctx, run.TaskID, run.ID); err != nil {
		v.Logger.Error("verification ready hook", "task_id", run.TaskID, "run_id", run.ID, "err", err)
	}
}

// step executes due passes until the run has to wait or finishes. The caller holds the
// task lock.
func (v *Verifier) step(ctx context.Context, run Run) (Run, error) {
	for {
		pass := run.Pass + 1
		started := v.now()
		results, evalErr := v.evaluate(ctx, run, pass)
		if evalErr != nil && (ticket.IsTransient(evalErr) || errors.Is(evalErr, domain.ErrExternalUnavailable)) {
			v.Logger.Warn("verification pass suppressed", "task_id", run.TaskID, "run_id", run.ID, "pass", pass, "err", evalErr)
			v.Metrics.VerifyPass(pass, string(OutcomeRetry))
			err := db.WithTx(ctx, v.DB, func(tx *sql.Tx) error {
				if err := v.recordPass(ctx, tx, run.ID, PassRecord{Pass: pass, Criteria: map[Criterion]bool{}, Outcome: OutcomeRetry, StartedAt: started}); err != nil {
					return err
				}
				return v.Scheduler.Arm(ctx, tx, schedule.KindVerifyPass, run.ID, started.Add(v.opts.RetryDelay), nil)
			})
			return run, err
		}
		if evalErr != nil {
			v.Logger.Error("verification signals", "task_id", run.TaskID, "run_id", run.ID, "err", evalErr)
			results = map[Criterion]bool{CriterionTicketReadable: false}
		}
		failing := failingOf(results)
		outcome := OutcomePass
		if len(failing) > 0 {
			outcome = OutcomeFail
		}
		v.Metrics.VerifyPass(pass, string(outcome))

		var next time.Time
		again := false
		var escalateReq *escalation.Request
		err := db.WithTx(ctx, v.DB, func(tx *sql.Tx) error {
			if err := v.recordPass(ctx, tx, run.ID, PassRecord{Pass: pass, Criteria: results, Outcome: outcome, StartedAt: started}); err != nil {
				return err
			}
			streak, err := v.updateStreaks(ctx, tx, run.TaskID, results)
			if err != nil {
				return err
			}
			switch {
			case outcome == OutcomePass:
				run.Pass = pass
				run.Failing = nil
				switch pass {
				case 1:
					next = started.Add(v.opts.ConfirmDelay)
				case 2:
					again = true
				case 3:
					t0 := started
					run.T0 = &t0
					next = started.Add(v.opts.QuietWindow)
				default:
					run.State = StateReady
					if _, err := tx.ExecContext(ctx, `DELETE FROM criterion_streaks WHERE task_id=?`, run.TaskID); err != nil {
						return err
					}
				}
			case streak >= v.opts.MaxIdenticalFailures:
				run.State = StateEscalated
				run.Failing = failing
				escalateReq = &escalation.Request{Kind: escalation.KindQualityGate, TaskID: run.TaskID, Context: map[string]any{
					"reason":  "criterion failed repeatedly",
					"failing": failing,
					"streak":  streak,
					"run_id":  run.ID,
				}}
			case pass == 1:
				run.State = StateFailed
				run.Failing = failing
			default:
				run.Restarts++
				run.Failing = failing
				if run.Restarts > v.opts.MaxRestarts {
					run.State = StateEscalated
					escalateReq = &escalation.Request{Kind: escalation.KindQualityGate, TaskID: run.TaskID, Context: map[string]any{
						"reason":   "verification kept restarting",
						"restarts": run.Restarts,
						"failing":  failing,
						"run_id":   run.ID,
					}}
				} else {
					run.Pass = 0
					run.T0 = nil
					again = true
				}
			}
			if run.State.Terminal() {
				finished := started
				run.FinishedAt = &finished
			}
			if escalateReq != nil && v.Escalations != nil {
				if _, _, err := v.Escalations.Escalate(ctx, tx, *escalateReq); err != nil {
					return err
				}
			}
			if !next.IsZero() {
				if err := v.Scheduler.Arm(ctx, tx, schedule.KindVerifyPass, run.ID, next, nil); err != nil {
					return err
				}
			}
			if err := v.saveRun(ctx, tx, run); err != nil {
				return err
			}
			if run.State.Terminal() {
				return v.Events.Append(ctx, tx, "verification."+string(run.State), "task", run.TaskID, "", events.EventPayload{
					"run_id": run.ID, "restarts": run.Restarts, "failing": run.Failing,
				})
			}
			return nil
		})
		if err != nil {
			return run, err
		}
		v.logPass(run, pass, outcome, failing)
		if run.State.Terminal() {
			v.Metrics.VerifyRunFinished(string(run.State))
			return run, nil
		}
		if !again {
			return run, nil
		}
	}
}

func (v *Verifier) logPass(run Run, pass int, outcome Outcome, failing []Criterion) {
	attrs := []any{"task_id", run.TaskID, "run_id", run.ID, "pass", pass, "outcome", outcome}
	if len(failing) > 0 {
		attrs = append(attrs, "failing", failing)
	}
	switch {
	case run.State == StateReady:
		v.Logger.Info("verification ready", attrs...)
	case run.State == StateEscalated:
		v.Logger.Warn("verification escalated", append(attrs, "restarts", run.Restarts)...)
	case outcome == OutcomeFail && run.State == StateRunning:
		v.Logger.Info("verification restarted", append(attrs, "restarts", run.Restarts)...)
	default:
		v.Logger.Debug("verification pass", attrs...)
	}
}

// evaluate computes every criterion from fresh reads; nothing is cached between passes.
func (v *Verifier) evaluate(ctx context.Context, run Run, pass int) (map[Criterion]bool, error) {
	ctx, span := v.tracer.Start(ctx, "verify.pass", trace.WithAttributes(
		attribute.String("task.id", run.TaskID),
		attribute.Int("verify.pass", pass),
	))
	defer span.End()

	task, err := v.Repo.GetTask(ctx, nil, run.TaskID)
	if err != nil {
		return nil, err
	}
	results := map[Criterion]bool{CriterionStatusEligible: eligible(task.Status)}
	if task.TicketRef == "" || v.Tickets == nil {
		return results, nil
	}
	sig, err := v.Tickets.Signals(ctx, task.TicketRef)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	results[CriterionChecksGreen] = sig.ChecksGreen
	results[CriterionThreadsResolved] = sig.ThreadsResolved
	results[CriterionNoChangesRequested] = !sig.ChangesRequested
	results[CriterionMergeable] = sig.Mergeable
	if pass == 4 && run.T0 != nil {
		results[CriterionQuiet] = !sig.LastActivityAt.After(*run.T0)
	}
	return results, nil
}

func eligible(s domain.Status) bool {
	return s == domain.StatusAIReview || s == domain.StatusHumanReview || s == domain.StatusMergeRelease
}

func failingOf(results map[Criterion]bool) []Criterion {
	var failing []Criterion
	for c, ok := range results {
		if !ok {
			failing = append(failing, c)
		}
	}
	sort.Slice(failing, func(i, j int) bool { return failing[i] < failing[j] })
	return failing
}

// updateStreaks bumps the streak of every failing criterion, resets passing ones and
// returns the longest current streak. Quiet-window activity is left out: it is only
// checked on pass 4 and restarts are bounded by MaxRestarts instead.
func (v *Verifier) updateStreaks(ctx context.Context, tx *sql.Tx, taskID string, results map[Criterion]bool) (int, error) {
	longest := 0
	for c, ok := range results {
		if c == CriterionQuiet {
			continue
		}
		if ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM criterion_streaks WHERE task_id=? AND criterion=?`, taskID, c); err != nil {
				return 0, err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO criterion_streaks(task_id,criterion,streak) VALUES (?,?,1)
ON CONFLICT(task_id, criterion) DO UPDATE SET streak=streak+1`, taskID, c); err != nil {
			return 0, err
		}
		var streak int
		if err := tx.QueryRowContext(ctx, `SELECT streak FROM criterion_streaks WHERE task_id=? AND criterion=?`, taskID, c).Scan(&streak); err != nil {
			return 0, err
		}
		if streak > longest {
			longest = streak
		}
	}
	return longest, nil
}

func (v *Verifier) recordPass(ctx context.Context, tx *sql.Tx, runID string, p PassRecord) error {
	criteria, err := json.Marshal(p.Criteria)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO verification_passes(run_id,pass_number,criteria_json,outcome,started_at) VALUES (?,?,?,?,?)`,
		runID, p.Pass, string(criteria), p.Outcome, db.FormatTime(p.StartedAt))
	return err
}

func (v *Verifier) saveRun(ctx context.Context, tx *sql.Tx, run Run) error {
	var failing any
	if len(run.Failing) > 0 {
		data, err := json.Marshal(run.Failing)
		if err != nil {
			return err
		}
		failing = string(data)
	}
	_, err := tx.ExecContext(ctx, `UPDATE verification_runs SET state=?, pass=?, restarts=?, t0=?, failing_json=?, finished_at=? WHERE id=?`,
		run.State, run.Pass, run.Restarts, db.NullTime(run.T0), failing, db.NullTime(run.FinishedAt), run.ID)
	return err
}

const runColumns = `id,task_id,state,pass,restarts,t0,failing_json,started_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                       Run
		t0, failing, finishedAt sql.NullString
		startedAt               string
	)
	err := row.Scan(&r.ID, &r.TaskID, &r.State, &r.Pass, &r.Restarts, &t0, &failing, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, domain.ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.T0 = db.ScanTime(t0)
	r.FinishedAt = db.ScanTime(finishedAt)
	r.StartedAt, _ = db.ParseTime(startedAt)
	if failing.Valid && failing.String != "" {
		if err := json.Unmarshal([]byte(failing.String), &r.Failing); err != nil {
			return r, fmt.Errorf("run %s failing: %w", r.ID, err)
		}
	}
	return r, nil
}

func (v *Verifier) q(x db.Querier) db.Querier {
	if x == nil {
		return v.DB
	}
	return x
}

func (v *Verifier) get(ctx context.Context, x db.Querier, runID string) (Run, error) {
	return scanRun(v.q(x).QueryRowContext(ctx, `SELECT `+runColumns+` FROM verification_runs WHERE id=?`, runID))
}

func (v *Verifier) latest(ctx context.Context, x db.Querier, taskID string) (Run, error) {
	return scanRun(v.q(x).QueryRowContext(ctx, `SELECT `+runColumns+` FROM verification_runs WHERE task_id=? ORDER BY started_at DESC, rowid DESC LIMIT 1`, taskID))
}

func (v *Verifier) passes(ctx context.Context, runID string) ([]PassRecord, error) {
	rows, err := v.DB.QueryContext(ctx, `SELECT pass_number,criteria_json,outcome,started_at FROM verification_passes WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PassRecord
	for rows.Next() {
		var (
			p                  PassRecord
			criteria, started string
		)
		if err := rows.Scan(&p.Pass, &criteria, &p.Outcome, &started); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(criteria), &p.Criteria); err != nil {
			return nil, err
		}
		p.StartedAt, _ = db.ParseTime(started)
		res = append(res, p)
	}
	return res, rows.Err()
}

// Result reports the latest run for taskID with its pass history.
func (v *Verifier) Result(ctx context.Context, taskID string) (Result, error) {
	run, err := v.latest(ctx, nil, taskID)
	if err != nil {
		return Result{}, err
	}
	run.Passes, err = v.passes(ctx, run.ID)
	if err != nil {
		return Result{}, err
	}
	failing := run.Failing
	if failing == nil {
		failing = []Criterion{}
	}
	return Result{Ready: run.State == StateReady, Failing: failing, Run: run}, nil
}

// Evaluate starts a run when none is in progress and waits until it finishes or ctx
// ends. The wait relies on the scheduler firing pass timers.
func (v *Verifier) Evaluate(ctx context.Context, taskID string) (Result, error) {
	run, err := v.Start(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	ticker := time.NewTicker(v.opts.PollInterval)
	defer ticker.Stop()
	for !run.State.Terminal() {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
		run, err = v.get(ctx, nil, run.ID)
		if err != nil {
			return Result{}, err
		}
	}
	return v.Result(ctx, taskID)
}

// Cancel stops any running verification of taskID.
func (v *Verifier) Cancel(ctx context.Context, taskID string) error {
	unlock := v.Locks.Lock(taskID)
	defer unlock()
	return db.WithTx(ctx, v.DB, func(tx *sql.Tx) error {
		return v.CancelTask(ctx, tx, taskID)
	})
}

// CancelTask is Cancel for callers that already hold the task lock and a transaction.
func (v *Verifier) CancelTask(ctx context.Context, x db.Querier, taskID string) error {
	rows, err := x.QueryContext(ctx, `SELECT id FROM verification_runs WHERE task_id=? AND state='running'`, taskID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	now := db.FormatTime(v.now())
	for _, id := range ids {
		if _, err := x.ExecContext(ctx, `UPDATE verification_runs SET state='cancelled', finished_at=? WHERE id=?`, now, id); err != nil {
			return err
		}
		if v.Scheduler != nil {
			if err := v.Scheduler.Cancel(ctx, x, schedule.KindVerifyPass, id); err != nil {
				return err
			}
		}
		v.Metrics.VerifyRunFinished(string(StateCancelled))
	}
	return nil
}
