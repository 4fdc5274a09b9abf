package executor

import (
	"context"
	"time"

	"agentcoord/internal/domain"
)

// Simulated stands in for real work: it waits Delay and reports success.
type Simulated struct {
	Delay time.Duration
}

func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{Delay: delay}
}

func (s *Simulated) Execute(ctx context.Context, task domain.TaskDefinition, agent domain.AgentProfile) (domain.ExecutionResult, error) {
	start := time.Now()
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.ExecutionResult{}, contextError(ctx, "Simulated.Execute", ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return domain.ExecutionResult{}, contextError(ctx, "Simulated.Execute", err)
	}
	return domain.ExecutionResult{
		Data: map[string]any{
			"task_id":     task.TaskID,
			"agent":       agent.Name,
			"simulated":   true,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}

// Func adapts a plain function to domain.TaskExecutor.
type Func func(ctx context.Context, task domain.TaskDefinition, agent domain.AgentProfile) (domain.ExecutionResult, error)

func (f Func) Execute(ctx context.Context, task domain.TaskDefinition, agent domain.AgentProfile) (domain.ExecutionResult, error) {
	return f(ctx, task, agent)
}

var (
	_ domain.TaskExecutor = (*Simulated)(nil)
	_ domain.TaskExecutor = Func(nil)
)
