// Package app assembles the router from a workspace: config, database, adapters, the
// outbox, timers, escalation, verification and the engine on top.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/escalation"
	"fleetline/internal/keylock"
	"fleetline/internal/logging"
	"fleetline/internal/migrate"
	"fleetline/internal/outbox"
	"fleetline/internal/repo"
	"fleetline/internal/schedule"
	"fleetline/internal/telemetry"
	"fleetline/internal/ticket"
	"fleetline/internal/transport"
	"fleetline/internal/verify"
)

// Version is stamped at build time.
var Version = "dev"

type Options struct {
	Workspace string
	// Config overrides the workspace config file when set.
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	// Tickets overrides the configured ticket adapter.
	Tickets ticket.Adapter
}

// App is a fully wired router instance.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Logger      *slog.Logger
	Registry    *prometheus.Registry
	Metrics     *telemetry.Metrics
	Transport   transport.Transport
	Tickets     ticket.Adapter
	Outbox      *outbox.Queue
	Scheduler   *schedule.Scheduler
	Escalations *escalation.Manager
	Verifier    *verify.Verifier
	Engine      *engine.Engine

	shutdownTracing func(context.Context) error
}

// Open loads the workspace config, migrates the database and wires every component.
// Workers listed in the config are registered.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("database migrated", "applied", applied, "path", db.Path(opts.Workspace))
	}

	a := &App{Config: cfg, DB: conn, Logger: logger, Registry: opts.Registry}
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	if cfg.Telemetry.Metrics {
		a.Metrics = telemetry.MustNewMetrics(a.Registry)
	}
	a.shutdownTracing, err = telemetry.InitTracing(ctx, telemetry.TracingOptions{
		Mode:         cfg.Telemetry.Tracing,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  "fleetline",
		Version:      Version,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	mailbox := transport.Mailbox{DB: conn}
	switch cfg.Transport.Kind {
	case "http":
		workers := repo.Repo{DB: conn}
		a.Transport = transport.NewPush(mailbox, func(ctx context.Context, agentID string) (string, error) {
			w, err := workers.GetWorker(ctx, nil, agentID)
			if errors.Is(err, domain.ErrNotFound) {
				return "", nil
			}
			return w.Endpoint, err
		}, cfg.Transport.Timeout.D())
	default:
		a.Transport = mailbox
	}

	a.Tickets = opts.Tickets
	if a.Tickets == nil {
		switch cfg.Ticket.Kind {
		case "github":
			gh, err := ticket.NewGitHub(ticket.GitHubOptions{
				Token:         os.Getenv(cfg.Ticket.TokenEnv),
				BaseURL:       cfg.Ticket.BaseURL,
				RatePerSecond: cfg.Ticket.RatePerSecond,
			})
			if err != nil {
				a.Close()
				return nil, err
			}
			a.Tickets = gh
		case "memory":
			a.Tickets = ticket.NewMemory()
		}
	}

	a.Outbox = outbox.New(conn, a.Transport, a.Tickets, outbox.Options{
		BaseDelay:       cfg.Queue.BaseDelay.D(),
		MaxDelay:        cfg.Queue.MaxDelay.D(),
		MaxRetries:      cfg.Queue.MaxRetries,
		BreakerFailures: cfg.Queue.BreakerFailures,
		ProbeInterval:   cfg.Queue.ProbeInterval.D(),
		FlushInterval:   cfg.Queue.FlushInterval.D(),
		BatchSize:       cfg.Queue.BatchSize,
	}, logger.With("component", "outbox"), a.Metrics)
	a.Scheduler = schedule.New(conn, cfg.Scheduler.Tick.D(), logger.With("component", "scheduler"))
	a.Escalations = escalation.New(conn, a.Outbox, escalation.Options{
		Coordinator: cfg.Escalation.Coordinator,
		From:        cfg.Transport.AgentID,
		Cooldown:    cfg.Escalation.Cooldown.D(),
		ShortSLA:    cfg.Escalation.ShortSLA.D(),
		NormalSLA:   cfg.Escalation.NormalSLA.D(),
	}, logger.With("component", "escalation"), a.Metrics)
	a.Outbox.OnFailed = a.Escalations.OnDeliveryFailed

	locks := keylock.New()
	a.Verifier = verify.New(conn, a.Tickets, a.Scheduler, a.Escalations, locks, verify.Options{
		ConfirmDelay:         cfg.Verification.ConfirmDelay.D(),
		QuietWindow:          cfg.Verification.QuietWindow.D(),
		RetryDelay:           cfg.Verification.RetryDelay.D(),
		MaxRestarts:          cfg.Verification.MaxRestarts,
		MaxIdenticalFailures: cfg.Verification.MaxIdenticalFailures,
	}, logger.With("component", "verify"), a.Metrics)
	a.Engine = engine.New(conn, cfg, a.Outbox, a.Scheduler, a.Escalations, locks, logger.With("component", "engine"), a.Metrics)
	a.Engine.Verifier = a.Verifier
	a.Verifier.OnReady = a.Engine.MarkVerified

	if err := a.registerConfiguredWorkers(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) registerConfiguredWorkers(ctx context.Context) error {
	for _, wc := range a.Config.Workers {
		w := domain.Worker{ID: wc.ID, MaxConcurrent: wc.MaxConcurrent, Endpoint: wc.Endpoint}
		for _, c := range wc.Capabilities {
			w.Capabilities = append(w.Capabilities, domain.Kind(c))
		}
		if _, err := a.Engine.RegisterWorker(ctx, w, "config"); err != nil {
			return fmt.Errorf("register worker %s: %w", wc.ID, err)
		}
	}
	return nil
}

// Close releases the database and flushes pending spans.
func (a *App) Close() error {
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			a.Logger.Warn("tracing shutdown", "err", err)
		}
	}
	return a.DB.Close()
}

// Run drives the background loops and, when handler is set, serves it on the configured
// address. It returns when ctx is done or any part fails.
func (a *App) Run(ctx context.Context, handler http.Handler) error {
	if n, err := a.Outbox.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		a.Logger.Info("outbox ops recovered after restart", "ops", n)
	}
	if _, err := a.Engine.Drain(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Outbox.Run(ctx) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	g.Go(func() error { return a.sweepLoop(ctx) })
	if handler != nil {
		srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			a.Logger.Info("serving API", "addr", a.Config.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) sweepLoop(ctx context.Context) error {
	interval := a.Config.Router.StaleAfter.D() / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := a.Engine.SweepStale(ctx); err != nil {
				a.Logger.Error("stale sweep", "err", err)
			} else if n > 0 {
				a.Logger.Info("stale sweep", "flagged", n)
			}
		}
	}
}

// FlushOnce delivers what is due right now. One-shot CLI commands call it so their side
// effects leave the process without a running server.
func (a *App) FlushOnce(ctx context.Context) (outbox.FlushReport, error) {
	return a.Outbox.Flush(ctx)
}
