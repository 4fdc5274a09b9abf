package routing

import (
	"context"
	"slices"

	"agentcoord/internal/domain"
)

// SampleLoads refreshes the load table from the coordinator's workload of
// every registered agent and drops agents no longer registered. Utilization
// counts every task an agent holds, assigned or in progress, against its
// concurrency limit.
func (m *Manager) SampleLoads(ctx context.Context) error {
	agents := m.agents.List()
	now := m.now()

	samples := make(map[string]domain.Workload, len(agents))
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			return err
		}
		samples[a.Name] = m.candidates.Workload(a.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		seen[a.Name] = struct{}{}
		l, ok := m.loads[a.Name]
		if !ok {
			l = &domain.AgentLoad{AgentName: a.Name}
			m.loads[a.Name] = l
		}
		w := samples[a.Name]
		l.CurrentTasks = w.Assigned
		l.MaxCapacity = a.MaxConcurrentTasks
		switch {
		case l.CurrentTasks == 0:
			l.UtilizationPercentage = 0
		case l.MaxCapacity <= 0:
			l.UtilizationPercentage = 100
		default:
			l.UtilizationPercentage = min(100, float64(l.CurrentTasks)/float64(l.MaxCapacity)*100)
		}
		l.SuccessRate = a.Metrics.SuccessRate
		l.ReliabilityScore = a.Metrics.ReliabilityScore
		l.AvgCompletionTime = a.Metrics.AverageCompletionTime
		l.LastUpdated = now
		l.Record(l.UtilizationPercentage)
	}
	for name := range m.loads {
		if _, ok := seen[name]; !ok {
			delete(m.loads, name)
		}
	}
	m.logger.Debug("agent loads sampled", "agents", len(agents))
	return nil
}

// AgentLoadStatus returns a copy of the load table keyed by agent name.
func (m *Manager) AgentLoadStatus() map[string]domain.AgentLoad {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.AgentLoad, len(m.loads))
	for name, l := range m.loads {
		c := *l
		c.LoadHistory = slices.Clone(l.LoadHistory)
		out[name] = c
	}
	return out
}
