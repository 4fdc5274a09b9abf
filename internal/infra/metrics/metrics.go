package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"agentcoord/internal/infra/config"
	"agentcoord/internal/infra/tracer"
)

const meterName = "agentcoord"

// Setup installs the global MeterProvider and returns a shutdown function.
// Disabled or noop configs install a noop provider.
func Setup(ctx context.Context, cfg config.MetricsConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled || cfg.Exporter == "noop" || cfg.Exporter == "" {
		otel.SetMeterProvider(noop.NewMeterProvider())
		return noopShutdown, nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("unsupported metrics exporter: %s", cfg.Exporter)
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(tracer.ServiceResource()),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// Meter returns the agentcoord meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(meterName)
}

// Recorder holds the coordination instruments. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	taskOps           metric.Int64Counter
	routingDecisions  metric.Int64Counter
	routingConfidence metric.Float64Histogram
	workflowDuration  metric.Float64Histogram
	stepAttempts      metric.Int64Counter
	activityDropped   metric.Int64Counter
}

// NewRecorder creates every instrument on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var (
		r    Recorder
		errs []error
		err  error
	)
	r.taskOps, err = meter.Int64Counter("agentcoord_task_operations_total",
		metric.WithDescription("Task lifecycle operations (create, assign, start, complete, fail, cancel)"))
	errs = append(errs, err)
	r.routingDecisions, err = meter.Int64Counter("agentcoord_routing_decisions_total",
		metric.WithDescription("Routing decisions by strategy and outcome"))
	errs = append(errs, err)
	r.routingConfidence, err = meter.Float64Histogram("agentcoord_routing_confidence",
		metric.WithDescription("Confidence score of successful routing decisions"))
	errs = append(errs, err)
	r.workflowDuration, err = meter.Float64Histogram("agentcoord_workflow_duration_seconds",
		metric.WithDescription("Workflow execution duration in seconds"), metric.WithUnit("s"))
	errs = append(errs, err)
	r.stepAttempts, err = meter.Int64Counter("agentcoord_workflow_step_attempts_total",
		metric.WithDescription("Workflow step execution attempts"))
	errs = append(errs, err)
	r.activityDropped, err = meter.Int64Counter("agentcoord_activity_dropped_total",
		metric.WithDescription("Activity log entries dropped because the buffer was full"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &r, nil
}

// TaskOp records a task lifecycle operation.
func (r *Recorder) TaskOp(ctx context.Context, op string, ok bool) {
	if r == nil {
		return
	}
	r.taskOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", status(ok)),
	))
}

// RoutingDecision records one routing outcome.
func (r *Recorder) RoutingDecision(ctx context.Context, strategy string, confidence float64, ok bool) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("strategy", strategy), attribute.String("status", status(ok)))
	r.routingDecisions.Add(ctx, 1, attrs)
	if ok {
		r.routingConfidence.Record(ctx, confidence, metric.WithAttributes(attribute.String("strategy", strategy)))
	}
}

// WorkflowFinished records a finished workflow execution.
func (r *Recorder) WorkflowFinished(ctx context.Context, workflowType, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.workflowDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("type", workflowType),
		attribute.String("status", outcome),
	))
}

// StepAttempt records one step execution attempt.
func (r *Recorder) StepAttempt(ctx context.Context, workflowType string, ok bool) {
	if r == nil {
		return
	}
	r.stepAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", workflowType),
		attribute.String("status", status(ok)),
	))
}

// ActivityDropped records an activity entry lost to backpressure.
func (r *Recorder) ActivityDropped(ctx context.Context) {
	if r == nil {
		return
	}
	r.activityDropped.Add(ctx, 1)
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
