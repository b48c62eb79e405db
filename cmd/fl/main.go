package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetline/internal/app"
	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/escalation"
	"fleetline/internal/outbox"
	"fleetline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fleetline CLI",
	Long: `Fleetline routes work from an integrator to a fleet of worker agents.
Core concepts:
- Workspace: a .fleetline directory holding the SQLite database; fleetline.yml sits next to it.
- Tasks: review, fix, verify or release work. They move backlog -> todo -> in_progress -> review -> done, with blocked and cancelled on the side.
- Workers: agents with capabilities and a concurrency ceiling. Tasks go to the least loaded capable worker.
- Outbox: every message and ticket update is queued first and delivered with retries, so a crash never loses one.
- Escalations: conditions a human coordinator must look at (blocked work, missed deadlines, failed deliveries).
- Verification: repeated checks of a ticket's closure criteria before a task may close.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLEETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(mailboxCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(app.Version)
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "fleetline.yml sets the router limits, worker roster, outbox retry policy, verification cadence, escalation coordinator, transport, ticket system, server and telemetry. Missing keys keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fleetline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate fleetline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
		Long:  "Workers are registered from fleetline.yml on every start; add registers one at runtime.",
	}
	w.AddCommand(workerAddCmd())
	w.AddCommand(workerListCmd())
	return w
}

func workerAddCmd() *cobra.Command {
	var caps []string
	var maxConcurrent int
	var endpoint string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := domain.Worker{ID: args[0], MaxConcurrent: maxConcurrent, Endpoint: endpoint}
			for _, c := range caps {
				w.Capabilities = append(w.Capabilities, domain.Kind(c))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				saved, err := a.Engine.RegisterWorker(ctx, w, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if _, err := a.FlushOnce(ctx); err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringSliceVar(&caps, "capability", nil, "task kind the worker accepts (repeatable)")
	cmd.Flags().IntVar(&maxConcurrent, "max", 1, "maximum concurrent tasks")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "push endpoint URL")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func workerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workers with their load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				workers, err := a.Engine.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Capabilities", "Load", "State"})
				for _, w := range workers {
					caps := make([]string, 0, len(w.Capabilities))
					for _, c := range w.Capabilities {
						caps = append(caps, string(c))
					}
					tw.AppendRow(table.Row{w.ID, strings.Join(caps, ","), fmt.Sprintf("%d/%d", w.CurrentLoad, w.MaxConcurrent), w.State})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the delivery outbox",
	}
	q.AddCommand(queueStatusCmd())
	q.AddCommand(queueListCmd())
	q.AddCommand(queueFlushCmd())
	q.AddCommand(queueRequeueCmd())
	return q
}

func queueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox counts and breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Outbox.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
}

func queueListCmd() *cobra.Command {
	var f outbox.ListFilter
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued side effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = outbox.State(state)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ops, err := a.Outbox.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Target", "Task", "State", "Attempts", "Last error"})
				for _, op := range ops {
					tw.AppendRow(table.Row{op.ID, op.Target, op.TaskID, op.State, op.Attempts, op.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (pending, in_flight, done, failed, cancelled)")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func queueFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver everything that is due now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.FlushOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func queueRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <op-id>",
		Short: "Retry a failed op",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Outbox.Requeue(ctx, args[0]); err != nil {
					return err
				}
				op, err := a.Outbox.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(op)
			})
		},
	}
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escalation",
		Short: "Review escalations",
	}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationAckCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	var f escalation.ListFilter
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind = escalation.Kind(kind)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Escalations.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Task", "Urgency", "Created", "Acked by"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Kind, e.TaskID, e.Urgency, e.CreatedAt.Format("2006-01-02 15:04"), e.AcknowledgedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only unacknowledged")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func escalationAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				esc, err := a.Escalations.Acknowledge(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
}

func mailboxCmd() *cobra.Command {
	mb := &cobra.Command{
		Use:   "mailbox",
		Short: "Read agent mailboxes",
	}
	mb.AddCommand(&cobra.Command{
		Use:   "poll <agent-id>",
		Short: "Drain unread messages for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.FlushOnce(ctx); err != nil {
					return err
				}
				msgs, err := a.Transport.Poll(ctx, args[0])
				if err != nil {
					return err
				}
				if msgs == nil {
					msgs = []domain.Message{}
				}
				return printJSON(msgs)
			})
		},
	})
	return mb
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router with its HTTP API",
		Long:  "Runs the outbox dispatcher, timers, the stale sweep and the HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.Config.Server.Addr = addr
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv(a.Config.Server.JWTSecretEnv),
				DevAuth:   a.Config.Server.DevAuth,
				Logger:    a.Logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.DevAuth {
				return fmt.Errorf("%s is required when dev_auth is off", a.Config.Server.JWTSecretEnv)
			}
			handler, err := server.New(server.Config{
				Engine:      a.Engine,
				Outbox:      a.Outbox,
				Escalations: a.Escalations,
				Verifier:    a.Verifier,
				Transport:   a.Transport,
				Gatherer:    a.Registry,
				BasePath:    basePath,
				Version:     app.Version,
				Auth:        authCfg,
				Logger:      a.Logger,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Serving Fleetline API on %s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", a.Config.Server.Addr, basePath, basePath)
			return a.Run(ctx, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
