package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/events"
	"fleetline/internal/repo"
	"fleetline/internal/verify"
)

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerTasks(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Submit task",
		Description:   "Stores the task and dispatches it when a worker is free. Resubmitting an id returns the stored task.",
		DefaultStatus: http.StatusCreated,
		Errors:        append([]int{http.StatusTooManyRequests}, taskErrors...),
	}, func(ctx context.Context, input *struct {
		Body SubmitTaskRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitOptions{
			ID:              input.Body.ID,
			Kind:            domain.Kind(input.Body.Kind),
			Priority:        domain.Priority(input.Body.Priority),
			SuccessCriteria: input.Body.SuccessCriteria,
			Deadline:        input.Body.Deadline,
			Status:          domain.Status(input.Body.Status),
			TicketRef:       input.Body.TicketRef,
			Resources:       input.Body.Resources,
			Actor:           actorID,
		}
		if input.Body.Payload != nil {
			raw, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
			}
			opts.Payload = raw
		}
		t, err := e.Submit(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status"`
		Kind            string `query:"kind"`
		Worker          string `query:"worker"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
	}) (*output[taskList], error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:          input.Status,
			Kind:            input.Kind,
			Worker:          input.Worker,
			IncludeArchived: input.IncludeArchived,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(taskList{Items: mapTasks(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[TaskResponse], error) {
		t, err := e.GetTaskStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/events",
		Summary:     "List task events, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*output[eventList], error) {
		if _, err := e.GetTaskStatus(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := events.List(ctx, e.DB, "task", input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := eventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

// registerTaskLifecycle covers the mutations that follow submission: worker reports and
// operator moves.
func registerTaskLifecycle(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "ack-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/ack",
		Summary:     "Acknowledge a delegation",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body AckRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		worker, err := workerFor(ctx, input.Body.Worker)
		if err != nil {
			return nil, err
		}
		t, err := e.OnAck(ctx, input.ID, worker, domain.Ack(input.Body.Ack))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/progress",
		Summary:     "Report progress",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ProgressRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		worker, err := workerFor(ctx, input.Body.Worker)
		if err != nil {
			return nil, err
		}
		t, err := e.OnProgress(ctx, input.ID, worker, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-result",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/result",
		Summary:     "Report a final result",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ResultRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		worker, err := workerFor(ctx, input.Body.Worker)
		if err != nil {
			return nil, err
		}
		t, err := e.OnWorkerResult(ctx, input.ID, worker, domain.Result{
			Outcome:     domain.Outcome(input.Body.Outcome),
			Summary:     input.Body.Summary,
			ArtifactRef: input.Body.ArtifactRef,
			Reason:      input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/transition",
		Summary:     "Move a task along its lifecycle",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Transition(ctx, input.ID, domain.Status(input.Body.To), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(taskResponse(t)), nil
	})

	simple := []struct {
		id, path, summary string
		fn                func(ctx context.Context, id, actor string) (domain.Task, error)
	}{
		{"cancel-task", "/tasks/{id}/cancel", "Cancel task", e.Cancel},
		{"unblock-task", "/tasks/{id}/unblock", "Return a blocked task to where it paused", e.Unblock},
		{"promote-task", "/tasks/{id}/promote", "Promote a backlog task into the wait queue", e.Promote},
	}
	for _, op := range simple {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      taskErrors,
		}, func(ctx context.Context, input *taskPath) (*output[TaskResponse], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := fn(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(taskResponse(t)), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "attach-evidence",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/evidence",
		Summary:     "Attach closure evidence",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EvidenceRequest `json:"body"`
	}) (*output[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev := domain.Evidence{
			LinkedPR:    input.Body.LinkedPR,
			PRMerged:    input.Body.PRMerged,
			VerifiedFix: input.Body.VerifiedFix,
		}
		for _, r := range input.Body.FailedRepros {
			attempt := domain.ReproAttempt{By: r.By, Detail: r.Detail}
			if r.At != nil {
				attempt.At = *r.At
			}
			ev.FailedRepros = append(ev.FailedRepros, attempt)
		}
		t, err := e.AttachEvidence(ctx, input.ID, ev, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(taskResponse(t)), nil
	})
}

func registerVerification(api huma.API, cfg Config) {
	v := cfg.Verifier
	if v == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID:   "start-verification",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/verify",
		Summary:       "Start a verification run",
		Description:   "Runs pass 1 immediately; later passes fire from the scheduler. A run in progress is returned as is.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *taskPath) (*output[verifyResponse], error) {
		run, err := v.Start(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(verifyResponse{Run: run}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verification",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/verification",
		Summary:     "Latest verification result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*output[verify.Result], error) {
		res, err := v.Result(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}
