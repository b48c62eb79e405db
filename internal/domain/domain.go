package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusBacklog      Status = "backlog"
	StatusTodo         Status = "todo"
	StatusInProgress   Status = "in_progress"
	StatusAIReview     Status = "ai_review"
	StatusHumanReview  Status = "human_review"
	StatusMergeRelease Status = "merge_release"
	StatusBlocked      Status = "blocked"
	StatusDone         Status = "done"
	StatusCancelled    Status = "cancelled"
)

// Statuses lists every lifecycle state.
var Statuses = []Status{
	StatusBacklog, StatusTodo, StatusInProgress, StatusAIReview, StatusHumanReview,
	StatusMergeRelease, StatusBlocked, StatusDone, StatusCancelled,
}

func (s Status) Terminal() bool { return s == StatusDone || s == StatusCancelled }

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

type Kind string

const (
	KindReview  Kind = "review"
	KindFix     Kind = "fix"
	KindVerify  Kind = "verify"
	KindRelease Kind = "release"
)

var Kinds = []Kind{KindReview, KindFix, KindVerify, KindRelease}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for queueing; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// DispatchState tracks where a task sits relative to worker assignment.
type DispatchState string

const (
	DispatchIdle        DispatchState = "idle"
	DispatchWaiting     DispatchState = "waiting"
	DispatchAwaitingAck DispatchState = "awaiting_ack"
	DispatchQueued      DispatchState = "queued"
	DispatchActive      DispatchState = "active"
)

type Ack string

const (
	AckReceived      Ack = "RECEIVED"
	AckClarification Ack = "CLARIFICATION_NEEDED"
	AckRejected      Ack = "REJECTED"
	AckQueued        Ack = "QUEUED"
)

func (a Ack) Valid() bool {
	switch a {
	case AckReceived, AckClarification, AckRejected, AckQueued:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomeDone    Outcome = "DONE"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeBlocked Outcome = "BLOCKED"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeDone, OutcomeFailed, OutcomeBlocked:
		return true
	}
	return false
}

type Task struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind" enum:"review,fix,verify,release"`
	Priority        Priority        `json:"priority" enum:"urgent,high,normal,low"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	SuccessCriteria string          `json:"success_criteria,omitempty"`
	Status          Status          `json:"status"`
	BlockedFrom     *Status         `json:"blocked_from,omitempty"`
	AssignedWorker  *string         `json:"assigned_worker,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
	DispatchState   DispatchState   `json:"dispatch_state"`
	DispatchedAt    *time.Time      `json:"dispatched_at,omitempty"`
	AckMisses       int             `json:"ack_misses"`
	ProgressAt      *time.Time      `json:"progress_at,omitempty"`
	ProgressNote    string          `json:"progress_note,omitempty"`
	TicketRef       string          `json:"ticket_ref,omitempty"`
	Resources       []string        `json:"resources,omitempty"`
	ResultSummary   string          `json:"result_summary,omitempty"`
	ArtifactRef     string          `json:"artifact_ref,omitempty"`
	Evidence        *Evidence       `json:"evidence,omitempty"`
	VerifiedAt      *time.Time      `json:"verified_at,omitempty"`
	FailureReport   string          `json:"failure_report,omitempty"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ArchivedAt      *time.Time      `json:"archived_at,omitempty"`
}

// Evidence backs an external closure. Defect-class work needs either a verified fix or
// enough independently logged failed reproductions.
type Evidence struct {
	LinkedPR     string         `json:"linked_pr,omitempty"`
	PRMerged     bool           `json:"pr_merged,omitempty"`
	VerifiedFix  bool           `json:"verified_fix,omitempty"`
	FailedRepros []ReproAttempt `json:"failed_repros,omitempty"`
}

type ReproAttempt struct {
	By     string    `json:"by"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

type WorkerState string

const (
	WorkerAvailable    WorkerState = "available"
	WorkerUnresponsive WorkerState = "unresponsive"
)

type Worker struct {
	ID             string      `json:"id"`
	Capabilities   []Kind      `json:"capabilities"`
	MaxConcurrent  int         `json:"max_concurrent"`
	CurrentLoad    int         `json:"current_load"`
	State          WorkerState `json:"state"`
	Endpoint       string      `json:"endpoint,omitempty"`
	UnresponsiveAt *time.Time  `json:"unresponsive_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (w Worker) Accepts(k Kind) bool {
	for _, c := range w.Capabilities {
		if c == k {
			return true
		}
	}
	return false
}

// Result is what a worker reports on completion. ArtifactRef points at the detailed
// artifact; the artifact body never travels through the core.
type Result struct {
	Outcome     Outcome `json:"outcome"`
	Summary     string  `json:"summary,omitempty"`
	ArtifactRef string  `json:"artifact_ref,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
