package server

import (
	"encoding/json"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/escalation"
	"fleetline/internal/outbox"
	"fleetline/internal/verify"
)

// Request payloads

type SubmitTaskRequest struct {
	ID              string         `json:"id,omitempty"`
	Kind            string         `json:"kind" enum:"review,fix,verify,release"`
	Priority        string         `json:"priority,omitempty" enum:"urgent,high,normal,low"`
	Payload         map[string]any `json:"payload,omitempty"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	Status          string         `json:"status,omitempty" enum:"backlog,todo"`
	TicketRef       string         `json:"ticket_ref,omitempty" example:"acme/api#42"`
	Resources       []string       `json:"resources,omitempty"`
}

type AckRequest struct {
	Worker string `json:"worker,omitempty" doc:"Defaults to the authenticated actor"`
	Ack    string `json:"ack" enum:"RECEIVED,CLARIFICATION_NEEDED,REJECTED,QUEUED"`
}

type ProgressRequest struct {
	Worker string `json:"worker,omitempty"`
	Note   string `json:"note,omitempty"`
}

type ResultRequest struct {
	Worker      string `json:"worker,omitempty"`
	Outcome     string `json:"outcome" enum:"DONE,FAILED,BLOCKED"`
	Summary     string `json:"summary,omitempty"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type TransitionRequest struct {
	To string `json:"to" enum:"backlog,todo,in_progress,ai_review,human_review,merge_release,blocked,done,cancelled"`
}

type ReproRequest struct {
	By     string     `json:"by,omitempty"`
	At     *time.Time `json:"at,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

type EvidenceRequest struct {
	LinkedPR     string         `json:"linked_pr,omitempty"`
	PRMerged     bool           `json:"pr_merged,omitempty"`
	VerifiedFix  bool           `json:"verified_fix,omitempty"`
	FailedRepros []ReproRequest `json:"failed_repros,omitempty"`
}

type RegisterWorkerRequest struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent" minimum:"1"`
	Endpoint      string   `json:"endpoint,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Responses

type TaskResponse struct {
	ID              string           `json:"id"`
	Kind            string           `json:"kind" enum:"review,fix,verify,release"`
	Priority        string           `json:"priority" enum:"urgent,high,normal,low"`
	Payload         map[string]any   `json:"payload,omitempty"`
	SuccessCriteria string           `json:"success_criteria,omitempty"`
	Status          string           `json:"status"`
	BlockedFrom     *string          `json:"blocked_from,omitempty"`
	AssignedWorker  *string          `json:"assigned_worker,omitempty"`
	AttemptCount    int              `json:"attempt_count"`
	DispatchState   string           `json:"dispatch_state"`
	DispatchedAt    *string          `json:"dispatched_at,omitempty" format:"date-time"`
	ProgressAt      *string          `json:"progress_at,omitempty" format:"date-time"`
	ProgressNote    string           `json:"progress_note,omitempty"`
	TicketRef       string           `json:"ticket_ref,omitempty"`
	Resources       []string         `json:"resources,omitempty"`
	ResultSummary   string           `json:"result_summary,omitempty"`
	ArtifactRef     string           `json:"artifact_ref,omitempty"`
	Evidence        *domain.Evidence `json:"evidence,omitempty"`
	VerifiedAt      *string          `json:"verified_at,omitempty" format:"date-time"`
	FailureReport   string           `json:"failure_report,omitempty"`
	Deadline        *string          `json:"deadline,omitempty" format:"date-time"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	UpdatedAt       string           `json:"updated_at" format:"date-time"`
	ArchivedAt      *string          `json:"archived_at,omitempty" format:"date-time"`
}

type WorkerResponse struct {
	ID             string   `json:"id"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrent  int      `json:"max_concurrent"`
	CurrentLoad    int      `json:"current_load"`
	State          string   `json:"state" enum:"available,unresponsive"`
	Endpoint       string   `json:"endpoint,omitempty"`
	UnresponsiveAt *string  `json:"unresponsive_at,omitempty" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type workerList struct {
	Items []WorkerResponse `json:"items"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

type messageList struct {
	Items []domain.Message `json:"items"`
}

type opList struct {
	Items []outbox.Op `json:"items"`
}

type escalationList struct {
	Items []escalation.Escalation `json:"items"`
}

type verifyResponse struct {
	Run verify.Run `json:"run"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              t.ID,
		Kind:            string(t.Kind),
		Priority:        string(t.Priority),
		SuccessCriteria: t.SuccessCriteria,
		Status:          string(t.Status),
		AssignedWorker:  t.AssignedWorker,
		AttemptCount:    t.AttemptCount,
		DispatchState:   string(t.DispatchState),
		DispatchedAt:    formatTimePtr(t.DispatchedAt),
		ProgressAt:      formatTimePtr(t.ProgressAt),
		ProgressNote:    t.ProgressNote,
		TicketRef:       t.TicketRef,
		Resources:       t.Resources,
		ResultSummary:   t.ResultSummary,
		ArtifactRef:     t.ArtifactRef,
		Evidence:        t.Evidence,
		VerifiedAt:      formatTimePtr(t.VerifiedAt),
		FailureReport:   t.FailureReport,
		Deadline:        formatTimePtr(t.Deadline),
		CreatedAt:       formatTime(t.CreatedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
		ArchivedAt:      formatTimePtr(t.ArchivedAt),
	}
	if t.BlockedFrom != nil {
		s := string(*t.BlockedFrom)
		resp.BlockedFrom = &s
	}
	if len(t.Payload) > 0 {
		_ = json.Unmarshal(t.Payload, &resp.Payload)
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func workerResponse(w domain.Worker) WorkerResponse {
	caps := make([]string, 0, len(w.Capabilities))
	for _, k := range w.Capabilities {
		caps = append(caps, string(k))
	}
	return WorkerResponse{
		ID:             w.ID,
		Capabilities:   caps,
		MaxConcurrent:  w.MaxConcurrent,
		CurrentLoad:    w.CurrentLoad,
		State:          string(w.State),
		Endpoint:       w.Endpoint,
		UnresponsiveAt: formatTimePtr(w.UnresponsiveAt),
		UpdatedAt:      formatTime(w.UpdatedAt),
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &resp.Payload)
	}
	return resp
}
