package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"agentcoord/internal/adapter/activity"
	"agentcoord/internal/adapter/executor"
	"agentcoord/internal/domain"
	"agentcoord/internal/infra/config"
	"agentcoord/internal/infra/metrics"
	"agentcoord/internal/infra/tracer"
	"agentcoord/internal/usecase/coordination"
	"agentcoord/internal/usecase/coordinator"
	"agentcoord/internal/usecase/eventbus"
	"agentcoord/internal/usecase/registry"
	"agentcoord/internal/usecase/routing"
	"agentcoord/internal/usecase/workflow"
)

// App holds the wired coordination engine.
type App struct {
	Config       *config.Config
	Bus          *eventbus.Bus
	Registry     *registry.Registry
	Coordinator  *coordinator.Coordinator
	Router       *routing.Manager
	Workflows    *workflow.Engine
	Coordination *coordination.Service
	Worker       *coordination.Worker
	Executor     *executor.Breaker
	RuleWatcher  *routing.RuleWatcher // nil unless routing.rules_file is set

	activityStore activityStore // nil when the activity log is disabled
	activityAsync *activity.AsyncLog
	cleanups      []func(context.Context) error
	logger        *slog.Logger
}

// activityStore is the activity backend: written through AsyncLog, read
// for warm start and pruned by the scheduler.
type activityStore interface {
	domain.ActivityLog
	domain.ActivitySource
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// initApp builds every component from cfg. The returned cleanup shuts them
// down in reverse order.
func initApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, func(context.Context) error, error) {
	app := &App{Config: cfg, logger: log}
	fail := func(err error) (*App, func(context.Context) error, error) {
		_ = app.shutdown(context.Background())
		return nil, nil, err
	}

	// 1. Telemetry
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fail(fmt.Errorf("tracer: %w", err))
	}
	app.onShutdown(tracerShutdown)

	metricsShutdown, err := metrics.Setup(ctx, cfg.Metrics)
	if err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}
	app.onShutdown(metricsShutdown)

	recorder, err := metrics.NewRecorder(metrics.Meter())
	if err != nil {
		return fail(fmt.Errorf("metrics recorder: %w", err))
	}

	// 2. Event bus
	app.Bus = eventbus.New(log)
	app.onShutdown(func(context.Context) error {
		app.Bus.Close()
		return nil
	})

	// 3. Activity log
	var activityLog domain.ActivityLog
	if cfg.Activity.Enabled {
		store, err := openActivityStore(app, cfg.Activity)
		if err != nil {
			return fail(err)
		}
		app.activityStore = store

		app.activityAsync = activity.NewAsyncLog(store, cfg.Activity.BufferSize, log, recorder)
		app.onShutdown(func(context.Context) error {
			app.activityAsync.Close()
			return nil
		})
		activityLog = app.activityAsync
	}

	// 4. Registry
	app.Registry = registry.New(log, registry.WithEventBus(app.Bus))
	if err := seedRegistry(ctx, app, cfg.Registry); err != nil {
		return fail(err)
	}

	// 5. Coordinator and router
	coordOpts := []coordinator.Option{coordinator.WithEventBus(app.Bus), coordinator.WithRecorder(recorder)}
	routeOpts := []routing.Option{routing.WithEventBus(app.Bus), routing.WithRecorder(recorder)}
	if activityLog != nil {
		coordOpts = append(coordOpts, coordinator.WithActivityLog(activityLog))
		routeOpts = append(routeOpts, routing.WithActivityLog(activityLog))
	}
	app.Coordinator = coordinator.New(app.Registry, coordinator.Config{
		CandidateLimit: cfg.Coordinator.CandidateLimit,
		MinScore:       cfg.Coordinator.MinScore,
	}, log, coordOpts...)

	app.Router = routing.New(app.Registry, app.Coordinator, routing.Config{
		DefaultStrategy:   domain.RoutingStrategy(cfg.Routing.DefaultStrategy),
		LoadBalancingMode: domain.LoadBalancingMode(cfg.Routing.LoadBalancingMode),
		UseDefaultRules:   cfg.Routing.UseDefaultRules,
		DecisionHistory:   cfg.Routing.DecisionHistory,
		LearningRate:      cfg.Routing.LearningRate,
	}, log, routeOpts...)
	stopOutcomes := app.Router.SubscribeOutcomes(app.Bus)
	app.onShutdown(func(context.Context) error {
		stopOutcomes()
		return nil
	})
	if cfg.Routing.RulesFile != "" {
		app.RuleWatcher = routing.NewRuleWatcher(cfg.Routing.RulesFile, app.Router, app.Bus, log)
	}

	// 6. Execution port
	app.Executor = executor.NewBreaker(executor.NewSimulated(cfg.Executor.SimulatedDelay), cfg.Executor, log)

	// 7. Workflow engine
	store, err := workflow.NewFileStore(cfg.Workflow.StoreDir)
	if err != nil {
		return fail(fmt.Errorf("workflow store: %w", err))
	}
	wfOpts := []workflow.Option{workflow.WithStore(store), workflow.WithEventBus(app.Bus), workflow.WithRecorder(recorder)}
	if activityLog != nil {
		wfOpts = append(wfOpts, workflow.WithActivityLog(activityLog))
	}
	app.Workflows, err = workflow.New(app.Registry, app.Coordinator, app.Executor, workflow.Config{
		DefaultMaxConcurrentSteps: cfg.Workflow.DefaultMaxConcurrentSteps,
		RetryBackoff:              cfg.Workflow.RetryBackoff,
		MaxRetryBackoff:           cfg.Workflow.MaxRetryBackoff,
	}, log, wfOpts...)
	if err != nil {
		return fail(fmt.Errorf("workflow engine: %w", err))
	}
	app.onShutdown(app.Workflows.Shutdown)
	if _, err := app.Workflows.LoadTemplateDir(cfg.Workflow.TemplateDir); err != nil {
		return fail(fmt.Errorf("workflow templates: %w", err))
	}
	if n, err := app.Workflows.Restore(ctx); err != nil {
		return fail(fmt.Errorf("workflow restore: %w", err))
	} else if n > 0 {
		log.Info("workflows restored", "count", n)
	}

	// 8. Coordination service and its task worker
	coordSvcOpts := []coordination.Option{coordination.WithEventBus(app.Bus)}
	if activityLog != nil {
		coordSvcOpts = append(coordSvcOpts, coordination.WithActivityLog(activityLog))
	}
	app.Coordination = coordination.New(app.Router, app.Coordinator, app.Workflows, log, coordSvcOpts...)
	app.onShutdown(func(context.Context) error {
		app.Coordination.Shutdown()
		return nil
	})

	app.Worker = coordination.NewWorker(app.Coordinator, app.Registry, app.Executor, log)
	app.Worker.Subscribe(app.Bus)
	app.onShutdown(app.Worker.Shutdown)

	log.Info("agentcoord initialized",
		"agents", app.Registry.Len(),
		"templates", len(app.Workflows.Templates()),
		"activity_log", cfg.Activity.Enabled,
		"default_strategy", cfg.Routing.DefaultStrategy,
	)
	return app, app.shutdown, nil
}

func openActivityStore(app *App, cfg config.ActivityConfig) (activityStore, error) {
	if cfg.Backend == "memory" {
		app.logger.Info("activity log kept in memory")
		return activity.NewMemoryLog(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("activity log dir: %w", err)
	}
	db, err := activity.NewSQLiteLog(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("activity log: %w", err)
	}
	app.onShutdown(func(context.Context) error { return db.Close() })
	return db, nil
}

func seedRegistry(ctx context.Context, app *App, cfg config.RegistryConfig) error {
	if cfg.SeedDefaults {
		n, err := app.Registry.Seed(registry.DefaultRoster())
		if err != nil {
			return fmt.Errorf("seed default roster: %w", err)
		}
		app.logger.Debug("default roster seeded", "agents", n)
	}
	if cfg.RosterFile != "" {
		profiles, err := registry.LoadRosterFile(cfg.RosterFile)
		if err != nil {
			return fmt.Errorf("roster file: %w", err)
		}
		n, err := app.Registry.Seed(profiles)
		if err != nil {
			return fmt.Errorf("seed roster file: %w", err)
		}
		app.logger.Info("roster file loaded", "path", cfg.RosterFile, "agents", n)
	}
	if cfg.WarmStart && app.activityStore != nil {
		n, err := app.Registry.WarmStart(ctx, app.activityStore, cfg.WarmStartWindow, registry.ActivityCountReliability)
		if err != nil {
			app.logger.Warn("registry warm start failed", "error", err)
		} else {
			app.logger.Info("registry warm start", "agents", n)
		}
	}
	return nil
}

// onShutdown registers a cleanup step. Steps run last-in first-out.
func (a *App) onShutdown(fn func(context.Context) error) {
	a.cleanups = append(a.cleanups, fn)
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

// pruneActivity deletes activity older than the configured retention.
func (a *App) pruneActivity(ctx context.Context) error {
	if a.activityStore == nil {
		return nil
	}
	n, err := a.activityStore.Prune(ctx, time.Now().Add(-a.Config.Activity.Retention))
	if err != nil {
		return err
	}
	a.logger.Info("activity log pruned", "rows", n)
	return nil
}
