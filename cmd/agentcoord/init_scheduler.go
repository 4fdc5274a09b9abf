package main

import (
	"context"
	"fmt"
	"log/slog"

	"agentcoord/internal/usecase/scheduling"
)

// initScheduler registers the background jobs: load sampling, queue
// passes, activity pruning and, when a rules file is configured, a
// periodic rule reload that backs up the file watcher.
func initScheduler(app *App, log *slog.Logger) (*scheduling.Scheduler, error) {
	cfg := app.Config
	s := scheduling.NewScheduler(log)

	if err := s.Supervise("load_sampler", cfg.Routing.SampleInterval, cfg.Routing.ErrorBackoff, app.Router.SampleLoads); err != nil {
		return nil, err
	}

	s.RegisterAction(scheduling.ActionQueueProcess, func(ctx context.Context) error {
		if n := app.Coordinator.ProcessQueue(ctx); n > 0 {
			log.Debug("queue pass assigned tasks", "count", n)
		}
		return nil
	})
	if cfg.Coordinator.QueueSchedule != "" {
		if err := s.AddTask(scheduling.ScheduledTask{
			Name:     "queue_process",
			Schedule: cfg.Coordinator.QueueSchedule,
			Action:   scheduling.ActionQueueProcess,
		}); err != nil {
			return nil, err
		}
	}

	s.RegisterAction(scheduling.ActionActivityPrune, app.pruneActivity)
	if cfg.Activity.Enabled && cfg.Activity.PruneSchedule != "" && cfg.Activity.Retention > 0 {
		if err := s.AddTask(scheduling.ScheduledTask{
			Name:     "activity_prune",
			Schedule: cfg.Activity.PruneSchedule,
			Action:   scheduling.ActionActivityPrune,
		}); err != nil {
			return nil, err
		}
	}

	if app.RuleWatcher != nil {
		s.RegisterAction(scheduling.ActionRuleReload, func(ctx context.Context) error {
			if err := app.RuleWatcher.Reload(ctx); err != nil {
				return fmt.Errorf("reload %s: %w", cfg.Routing.RulesFile, err)
			}
			return nil
		})
		if err := s.AddTask(scheduling.ScheduledTask{
			Name:     "rule_reload",
			Schedule: "@hourly",
			Action:   scheduling.ActionRuleReload,
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}
