package domain

import "context"

// ExecutionResult is what an executor reports for a finished task.
type ExecutionResult struct {
	Data          map[string]any `json:"data,omitempty"`
	FeedbackScore *float64       `json:"feedback_score,omitempty"`
}

// TaskExecutor performs the actual work of a task on behalf of an agent.
// Execute must honor ctx cancellation.
type TaskExecutor interface {
	Execute(ctx context.Context, task TaskDefinition, agent AgentProfile) (ExecutionResult, error)
}
