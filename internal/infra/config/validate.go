package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTelemetry(cfg, ve)
	validateRegistry(cfg, ve)
	validateCoordinator(cfg, ve)
	validateRouting(cfg, ve)
	validateWorkflow(cfg, ve)
	validateExecutor(cfg, ve)
	validateActivity(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTelemetry(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "stdout", "noop", "":
		default:
			ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
		}
	}
	if cfg.Metrics.Enabled {
		switch cfg.Metrics.Exporter {
		case "stdout", "noop", "":
		default:
			ve.Add("metrics.exporter %q must be stdout or noop", cfg.Metrics.Exporter)
		}
		if cfg.Metrics.Interval <= 0 {
			ve.Add("metrics.interval must be > 0 when metrics are enabled")
		}
	}
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	if cfg.Registry.WarmStart && cfg.Registry.WarmStartWindow <= 0 {
		ve.Add("registry.warm_start_window must be > 0 when warm_start is enabled")
	}
}

func validateCoordinator(cfg *Config, ve *ValidationError) {
	c := cfg.Coordinator
	if c.CandidateLimit <= 0 {
		ve.Add("coordinator.candidate_limit must be > 0")
	}
	if c.MinScore < 0 || c.MinScore > 100 {
		ve.Add("coordinator.min_score must be within 0-100, got %.1f", c.MinScore)
	}
	if c.QueueSchedule != "" {
		validateSchedule("coordinator.queue_schedule", c.QueueSchedule, ve)
	}
}

// ValidStrategies lists the routing strategy names accepted in config.
var ValidStrategies = map[string]bool{
	"round_robin":         true,
	"least_loaded":        true,
	"best_fit":            true,
	"priority_based":      true,
	"capability_weighted": true,
	"learning_optimized":  true,
}

var validLoadBalancingModes = map[string]bool{
	"strict": true, "adaptive": true, "capacity_aware": true, "dynamic": true,
}

func validateRouting(cfg *Config, ve *ValidationError) {
	r := cfg.Routing
	if !ValidStrategies[r.DefaultStrategy] {
		ve.Add("routing.default_strategy %q is not a known strategy", r.DefaultStrategy)
	}
	if !validLoadBalancingModes[r.LoadBalancingMode] {
		ve.Add("routing.load_balancing_mode %q must be strict, adaptive, capacity_aware or dynamic", r.LoadBalancingMode)
	}
	if r.SampleInterval <= 0 {
		ve.Add("routing.sample_interval must be > 0")
	}
	if r.ErrorBackoff < r.SampleInterval {
		ve.Add("routing.error_backoff (%s) must be >= routing.sample_interval (%s)", r.ErrorBackoff, r.SampleInterval)
	}
	if r.DecisionHistory <= 0 {
		ve.Add("routing.decision_history must be > 0")
	}
	if r.LearningRate <= 0 || r.LearningRate > 1 {
		ve.Add("routing.learning_rate must be within (0, 1], got %.2f", r.LearningRate)
	}
	if r.WatchRules && r.RulesFile == "" {
		ve.Add("routing.watch_rules requires routing.rules_file")
	}
}

func validateWorkflow(cfg *Config, ve *ValidationError) {
	w := cfg.Workflow
	if w.DefaultMaxConcurrentSteps < 1 || w.DefaultMaxConcurrentSteps > 10 {
		ve.Add("workflow.default_max_concurrent_steps must be within 1-10, got %d", w.DefaultMaxConcurrentSteps)
	}
	if w.RetryBackoff < 0 {
		ve.Add("workflow.retry_backoff must be >= 0")
	}
	if w.MaxRetryBackoff < w.RetryBackoff {
		ve.Add("workflow.max_retry_backoff must be >= workflow.retry_backoff")
	}
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	e := cfg.Executor
	switch e.Mode {
	case "simulated":
		if e.SimulatedDelay < 0 {
			ve.Add("executor.simulated_delay must be >= 0")
		}
	default:
		ve.Add("executor.mode %q is not supported (want simulated)", e.Mode)
	}
	if e.RateLimit < 0 {
		ve.Add("executor.rate_limit must be >= 0")
	}
	if e.RateLimit > 0 && e.Burst <= 0 {
		ve.Add("executor.burst must be > 0 when rate_limit is set")
	}
	if e.Breaker.MaxFailures <= 0 {
		ve.Add("executor.breaker.max_failures must be > 0")
	}
	if e.Breaker.Timeout <= 0 {
		ve.Add("executor.breaker.timeout must be > 0")
	}
}

func validateActivity(cfg *Config, ve *ValidationError) {
	a := cfg.Activity
	if !a.Enabled {
		return
	}
	switch a.Backend {
	case "sqlite":
		if a.DBPath == "" {
			ve.Add("activity.db_path must not be empty for the sqlite backend")
		}
	case "memory":
	default:
		ve.Add("activity.backend must be sqlite or memory, got %q", a.Backend)
	}
	if a.BufferSize <= 0 {
		ve.Add("activity.buffer_size must be > 0")
	}
	if a.Retention < time.Hour {
		ve.Add("activity.retention must be >= 1h, got %s", a.Retention)
	}
	if a.PruneSchedule != "" {
		validateSchedule("activity.prune_schedule", a.PruneSchedule, ve)
	}
}

// validateSchedule accepts a cron expression, a descriptor such as @daily,
// or a positive Go duration.
func validateSchedule(field, schedule string, ve *ValidationError) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err == nil {
		return
	}
	if d, err := time.ParseDuration(schedule); err == nil && d > 0 {
		return
	}
	ve.Add("%s %q is neither a cron expression nor a positive duration", field, schedule)
}
