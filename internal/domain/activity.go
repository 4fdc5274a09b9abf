package domain

import (
	"context"
	"time"
)

// ActivityType classifies activity log entries.
type ActivityType string

const (
	ActivityTaskAssignment    ActivityType = "task_assignment"
	ActivityTaskCompletion    ActivityType = "task_completion"
	ActivityCoordinationEvent ActivityType = "coordination_event"
	ActivitySystemEvent       ActivityType = "system_event"
	ActivityErrorEvent        ActivityType = "error_event"
	ActivityPerformanceEvent  ActivityType = "performance_event"
	ActivityWorkflowEvent     ActivityType = "workflow_event"
)

// Activity is one entry in the agent activity log.
type Activity struct {
	AgentName       string         `json:"agent_name"`
	Type            ActivityType   `json:"activity_type"`
	Description     string         `json:"description"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Success         bool           `json:"success"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// ActivityLog records activity. Callers treat it as fire-and-forget: an
// error is logged, never propagated.
type ActivityLog interface {
	LogActivity(ctx context.Context, activity Activity) error
}

// ActivitySummary aggregates recent activity for one agent.
type ActivitySummary struct {
	AgentName     string    `json:"agent_name"`
	Count         int       `json:"count"`
	LastTimestamp time.Time `json:"last_timestamp"`
}

// ActivitySource provides warm-start data for the registry.
type ActivitySource interface {
	LoadRecentActivity(ctx context.Context, since time.Duration) ([]ActivitySummary, error)
}
