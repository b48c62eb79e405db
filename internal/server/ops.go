package server

import (
	"context"
	"net/http"
	"slices"

	"github.com/danielgtaylor/huma/v2"

	"fleetline/internal/domain"
	"fleetline/internal/escalation"
	"fleetline/internal/outbox"
)

// roleOperator may read any agent's mailbox.
const roleOperator = "operator"

func registerWorkers(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers with their load",
	}, func(ctx context.Context, _ *struct{}) (*output[workerList], error) {
		items, err := e.ListWorkers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := workerList{Items: []WorkerResponse{}}
		for _, w := range items {
			resp.Items = append(resp.Items, workerResponse(w))
		}
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Register or update a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RegisterWorkerRequest `json:"body"`
	}) (*output[WorkerResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w := domain.Worker{ID: input.Body.ID, MaxConcurrent: input.Body.MaxConcurrent, Endpoint: input.Body.Endpoint}
		for _, c := range input.Body.Capabilities {
			w.Capabilities = append(w.Capabilities, domain.Kind(c))
		}
		saved, err := e.RegisterWorker(ctx, w, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(workerResponse(saved)), nil
	})
}

func registerMailbox(api huma.API, cfg Config) {
	if cfg.Transport == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "poll-mailbox",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/messages",
		Summary:     "Drain unread messages for an agent",
		Description: "Each message is returned once. Agents may only read their own mailbox.",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*output[messageList], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		if p.ActorID != input.AgentID && !slices.Contains(p.Roles, roleOperator) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot read another agent's mailbox", map[string]any{"agent_id": input.AgentID})
		}
		msgs, err := cfg.Transport.Poll(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return respond(messageList{Items: msgs}), nil
	})
}

func registerQueue(api huma.API, cfg Config) {
	q := cfg.Outbox
	if q == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Outbox counts and breaker states",
	}, func(ctx context.Context, _ *struct{}) (*output[outbox.Stats], error) {
		stats, err := q.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(stats), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ops",
		Method:      http.MethodGet,
		Path:        "/queue/ops",
		Summary:     "List queued side effects",
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" enum:"pending,in_flight,done,failed,cancelled"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*output[opList], error) {
		items, err := q.List(ctx, outbox.ListFilter{State: outbox.State(input.State), TaskID: input.TaskID, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []outbox.Op{}
		}
		return respond(opList{Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "flush-queue",
		Method:      http.MethodPost,
		Path:        "/queue/flush",
		Summary:     "Deliver everything that is due now",
	}, func(ctx context.Context, _ *struct{}) (*output[outbox.FlushReport], error) {
		report, err := q.Flush(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(report), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-op",
		Method:      http.MethodPost,
		Path:        "/queue/ops/{id}/requeue",
		Summary:     "Retry a failed op",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[outbox.Op], error) {
		if err := q.Requeue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		op, err := q.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(op), nil
	})
}

func registerEscalations(api huma.API, cfg Config) {
	m := cfg.Escalations
	if m == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations, newest first",
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Kind   string `query:"kind"`
		Open   bool   `query:"open" doc:"Only unacknowledged escalations"`
		Limit  int    `query:"limit" default:"50"`
	}) (*output[escalationList], error) {
		items, err := m.List(ctx, escalation.ListFilter{
			TaskID:   input.TaskID,
			Kind:     escalation.Kind(input.Kind),
			OpenOnly: input.Open,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []escalation.Escalation{}
		}
		return respond(escalationList{Items: items}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/ack",
		Summary:     "Acknowledge an escalation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[escalation.Escalation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := m.Acknowledge(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(esc), nil
	})
}
