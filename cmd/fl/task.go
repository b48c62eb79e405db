package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetline/internal/app"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/events"
	"fleetline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are delegated to the least loaded capable worker. Workers acknowledge, report progress and deliver a result; silent workers get a reminder and then lose the task to another worker.",
	}
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskEventsCmd())
	task.AddCommand(taskAckCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskResultCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskEvidenceCmd())
	task.AddCommand(taskVerifyCmd())
	for _, c := range []struct {
		use, short string
		fn         func(*engine.Engine) func(context.Context, string, string) (domain.Task, error)
	}{
		{"cancel", "Cancel a task", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) { return e.Cancel }},
		{"unblock", "Return a blocked task to where it paused", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) { return e.Unblock }},
		{"promote", "Move a backlog task into the wait queue", func(e *engine.Engine) func(context.Context, string, string) (domain.Task, error) { return e.Promote }},
	} {
		task.AddCommand(taskActionCmd(c.use, c.short, c.fn))
	}
	return task
}

func taskSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var kind, priority, status, payload, deadline string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = domain.Kind(kind)
			opts.Priority = domain.Priority(priority)
			opts.Status = domain.Status(status)
			opts.Actor = viper.GetString("actor-id")
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("--payload must be valid JSON")
				}
				opts.Payload = json.RawMessage(payload)
			}
			if deadline != "" {
				at, err := parseDeadline(deadline, time.Now())
				if err != nil {
					return err
				}
				opts.Deadline = &at
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Submit(ctx, opts)
				if err != nil {
					return err
				}
				if _, err := a.FlushOnce(ctx); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated if omitted)")
	cmd.Flags().StringVar(&kind, "kind", "", "review, fix, verify or release")
	cmd.Flags().StringVar(&priority, "priority", "normal", "urgent, high, normal or low")
	cmd.Flags().StringVar(&status, "status", "todo", "initial status: backlog or todo")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload handed to the worker")
	cmd.Flags().StringVar(&opts.SuccessCriteria, "criteria", "", "success criteria")
	cmd.Flags().StringVar(&opts.TicketRef, "ticket", "", "external ticket reference (owner/repo#number)")
	cmd.Flags().StringSliceVar(&opts.Resources, "resource", nil, "exclusive resource the task holds (repeatable)")
	cmd.Flags().StringVar(&deadline, "deadline", "", `deadline, RFC3339 or natural language ("tomorrow 5pm", "in 2 hours")`)
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

// parseDeadline accepts RFC3339 first and falls back to natural language relative to base.
func parseDeadline(s string, base time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse deadline %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand deadline %q", s)
	}
	return r.Time, nil
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Priority", "Status", "Worker", "Attempts"})
				for _, t := range tasks {
					worker := ""
					if t.AssignedWorker != nil {
						worker = *t.AssignedWorker
					}
					tw.AppendRow(table.Row{t.ID, t.Kind, t.Priority, t.Status, worker, t.AttemptCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Worker, "worker", "", "assigned worker filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTaskStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a task's event history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := events.List(ctx, a.DB, "task", args[0], n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func taskAckCmd() *cobra.Command {
	var worker, ack string
	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge a delegation as a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (domain.Task, error) {
				return e.OnAck(ctx, args[0], workerOrActor(worker), domain.Ack(ack))
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor-id)")
	cmd.Flags().StringVar(&ack, "ack", string(domain.AckReceived), "RECEIVED, CLARIFICATION_NEEDED, REJECTED or QUEUED")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var worker, note string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Report progress as a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (domain.Task, error) {
				return e.OnProgress(ctx, args[0], workerOrActor(worker), note)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor-id)")
	cmd.Flags().StringVar(&note, "note", "", "progress note")
	return cmd
}

func taskResultCmd() *cobra.Command {
	var worker, outcome string
	var res domain.Result
	cmd := &cobra.Command{
		Use:   "result <id>",
		Short: "Report a final result as a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res.Outcome = domain.Outcome(outcome)
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (domain.Task, error) {
				return e.OnWorkerResult(ctx, args[0], workerOrActor(worker), res)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor-id)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "DONE, FAILED or BLOCKED")
	cmd.Flags().StringVar(&res.Summary, "summary", "", "result summary")
	cmd.Flags().StringVar(&res.ArtifactRef, "artifact", "", "artifact reference (PR URL, build id)")
	cmd.Flags().StringVar(&res.Reason, "reason", "", "failure or block reason")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a task along its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (domain.Task, error) {
				return e.Transition(ctx, args[0], domain.Status(args[1]), viper.GetString("actor-id"))
			})
		},
	}
}

func taskActionCmd(use, short string, pick func(*engine.Engine) func(context.Context, string, string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (domain.Task, error) {
				return pick(e)(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func taskEvidenceCmd() *cobra.Command {
	var ev domain.Evidence
	var repros []string
	cmd := &cobra.Command{
		Use:   "evidence <id>",
		Short: "Attach closure evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			for _, r := range repros {
				ev.FailedRepros = append(ev.FailedRepros, domain.ReproAttempt{By: actor, Detail: r, At: time.Now().UTC()})
			}
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (domain.Task, error) {
				return e.AttachEvidence(ctx, args[0], ev, actor)
			})
		},
	}
	cmd.Flags().StringVar(&ev.LinkedPR, "pr", "", "linked pull request")
	cmd.Flags().BoolVar(&ev.PRMerged, "merged", false, "the linked PR is merged")
	cmd.Flags().BoolVar(&ev.VerifiedFix, "verified-fix", false, "the fix was verified")
	cmd.Flags().StringArrayVar(&repros, "failed-repro", nil, "failed reproduction attempt detail (repeatable)")
	return cmd
}

func taskVerifyCmd() *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Start a verification run, or show the latest result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if show {
					res, err := a.Verifier.Result(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(res)
				}
				run, err := a.Verifier.Start(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := a.FlushOnce(ctx); err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "show the latest result instead of starting a run")
	return cmd
}

// mutate applies fn and flushes the outbox so resulting messages leave before exit.
func mutate(ctx context.Context, fn func(context.Context, *engine.Engine) (domain.Task, error)) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		t, err := fn(ctx, a.Engine)
		if err != nil {
			return err
		}
		if _, err := a.FlushOnce(ctx); err != nil {
			return err
		}
		return printJSONOrTable(t)
	})
}

func workerOrActor(worker string) string {
	if worker != "" {
		return worker
	}
	return viper.GetString("actor-id")
}
