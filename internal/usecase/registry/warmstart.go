package registry

import (
	"context"
	"time"

	"agentcoord/internal/domain"
)

// ReliabilityFunc derives a 0-100 reliability score from recent activity.
type ReliabilityFunc func(domain.ActivitySummary) float64

// ActivityCountReliability scores ten points per recent activity, capped
// at 100.
func ActivityCountReliability(s domain.ActivitySummary) float64 {
	return min(100, float64(s.Count)*10)
}

// WarmStart seeds metrics from recent activity: completed count, last
// activity and reliability. Summaries for unknown agents are skipped. A
// nil score func uses ActivityCountReliability. Returns the number of
// agents updated.
func (r *Registry) WarmStart(ctx context.Context, src domain.ActivitySource, window time.Duration, score ReliabilityFunc) (int, error) {
	if src == nil {
		return 0, nil
	}
	if score == nil {
		score = ActivityCountReliability
	}

	summaries, err := src.LoadRecentActivity(ctx, window)
	if err != nil {
		r.logger.Warn("could not load agent metrics from activity log", "error", err)
		return 0, domain.WrapOp("Registry.WarmStart", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	updated := 0
	for _, s := range summaries {
		p, ok := r.agents[s.AgentName]
		if !ok {
			continue
		}
		p.Metrics.TotalTasksCompleted = s.Count
		p.Metrics.LastActivity = s.LastTimestamp
		p.Metrics.ReliabilityScore = max(0, min(100, score(s)))
		p.UpdatedAt = r.now()
		updated++
	}
	r.logger.Info("agent metrics warm-started", "window", window, "summaries", len(summaries), "agents", updated)
	return updated, nil
}
