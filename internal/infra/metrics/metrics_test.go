package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"agentcoord/internal/infra/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.MetricsConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.MetricsConfig{Enabled: true, Exporter: "prometheus"})
	assert.Error(t, err)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	r.TaskOp(ctx, "create", true)
	r.RoutingDecision(ctx, "best_fit", 80, true)
	r.WorkflowFinished(ctx, "sequential", "completed", time.Second)
	r.StepAttempt(ctx, "parallel", false)
	r.ActivityDropped(ctx)
}

func TestRecorderRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r, err := NewRecorder(provider.Meter(meterName))
	require.NoError(t, err)

	ctx := context.Background()
	r.TaskOp(ctx, "create", true)
	r.TaskOp(ctx, "assign", false)
	r.RoutingDecision(ctx, "round_robin", 70, true)
	r.WorkflowFinished(ctx, "pipeline", "completed", 2*time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
	}
	assert.True(t, names["agentcoord_task_operations_total"])
	assert.True(t, names["agentcoord_routing_decisions_total"])
	assert.True(t, names["agentcoord_routing_confidence"])
	assert.True(t, names["agentcoord_workflow_duration_seconds"])
}
