package coordinator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"agentcoord/internal/domain"
)

func scoredAgent(name string, prio domain.PriorityLevel, reliability float64, caps ...domain.AgentCapability) domain.AgentProfile {
	return domain.AgentProfile{
		Name:          name,
		PriorityLevel: prio,
		Capabilities:  caps,
		State:         domain.AgentState{Status: domain.AgentAvailable},
		Metrics:       domain.AgentMetrics{ReliabilityScore: reliability},
	}
}

func TestScoreSingleCapabilityMatch(t *testing.T) {
	agent := scoredAgent("@db", domain.PriorityMedium, 0, domain.AgentCapability{Name: "db_ops", Proficiency: 8})
	task := domain.TaskDefinition{
		Priority:     domain.PriorityMedium,
		Requirements: []domain.TaskRequirement{domain.Requirement("db_ops", 5)},
	}

	// 20 availability + 15 priority + 40 capability, out of 100.
	assert.InDelta(t, 75.0, Score(agent, task), 0.001)
}

func TestScoreRatioBelowMinimum(t *testing.T) {
	agent := scoredAgent("@db", domain.PriorityMedium, 0, domain.AgentCapability{Name: "db_ops", Proficiency: 4})
	task := domain.TaskDefinition{
		Priority:     domain.PriorityMedium,
		Requirements: []domain.TaskRequirement{domain.Requirement("db_ops", 8)},
	}
	// Capability contributes half of 40.
	assert.InDelta(t, 55.0, Score(agent, task), 0.001)
}

func TestScoreOptionalRequirementPartialCredit(t *testing.T) {
	agent := scoredAgent("@x", domain.PriorityMedium, 0)
	task := domain.TaskDefinition{
		Priority: domain.PriorityMedium,
		Requirements: []domain.TaskRequirement{
			{Capability: "docs", MinimumProficiency: 3, Required: false, Weight: 1},
		},
	}
	// Optional miss earns 2 of 10 possible: 8 of 40.
	assert.InDelta(t, 43.0, Score(agent, task), 0.001)

	task.Requirements[0].Required = true
	assert.InDelta(t, 35.0, Score(agent, task), 0.001)
}

func TestScoreNoRequirements(t *testing.T) {
	agent := scoredAgent("@x", domain.PriorityLow, 0)
	task := domain.TaskDefinition{Priority: domain.PriorityCritical}
	// 20 availability + 0 priority + 20 neutral capability.
	assert.InDelta(t, 40.0, Score(agent, task), 0.001)
}

func TestScorePriorityTable(t *testing.T) {
	tests := []struct {
		agent, task domain.PriorityLevel
		bonus       float64
	}{
		{domain.PriorityCritical, domain.PriorityCritical, 15},
		{domain.PriorityCritical, domain.PriorityLow, 0},
		{domain.PriorityHigh, domain.PriorityMedium, 10},
		{domain.PriorityMedium, domain.PriorityLow, 10},
		{domain.PriorityLow, domain.PriorityHigh, 5},
	}
	for _, tt := range tests {
		t.Run(string(tt.agent)+"/"+string(tt.task), func(t *testing.T) {
			agent := scoredAgent("@x", tt.agent, 0)
			task := domain.TaskDefinition{Priority: tt.task}
			assert.InDelta(t, 40.0+tt.bonus, Score(agent, task), 0.001)
		})
	}
}

func TestScoreMonotonicInReliability(t *testing.T) {
	task := domain.TaskDefinition{
		Priority:     domain.PriorityHigh,
		Requirements: []domain.TaskRequirement{domain.Requirement("go", 6)},
	}
	prev := -1.0
	for _, r := range []float64{0, 10, 35, 50, 80, 99, 100} {
		agent := scoredAgent("@x", domain.PriorityMedium, r, domain.AgentCapability{Name: "go", Proficiency: 5})
		s := Score(agent, task)
		assert.GreaterOrEqual(t, s, prev, "reliability %v", r)
		prev = s
	}
}

func TestScorePreferredAndWorkload(t *testing.T) {
	agent := scoredAgent("@x", domain.PriorityMedium, 100)
	task := domain.TaskDefinition{Priority: domain.PriorityMedium, PreferredAgents: []string{"@x"}}
	// 20 + 15 + 20 + 15 + 10 = 80.
	assert.InDelta(t, 80.0, Score(agent, task), 0.001)

	agent.State.WorkloadPercentage = 100
	assert.InDelta(t, 75.0, Score(agent, task), 0.001)
}

func TestScoreBusyLowWorkloadHalfAvailability(t *testing.T) {
	agent := scoredAgent("@x", domain.PriorityMedium, 0)
	agent.State = domain.AgentState{Status: domain.AgentBusy, WorkloadPercentage: 40}
	task := domain.TaskDefinition{Priority: domain.PriorityMedium}
	// 10 + 15 + 20 - 2 = 43.
	assert.InDelta(t, 43.0, Score(agent, task), 0.001)
}

func TestReason(t *testing.T) {
	agent := scoredAgent("@db", domain.PriorityMedium, 90, domain.AgentCapability{Name: "db_ops", Proficiency: 8})
	task := domain.TaskDefinition{
		Priority:        domain.PriorityMedium,
		Requirements:    []domain.TaskRequirement{domain.Requirement("db_ops", 5)},
		PreferredAgents: []string{"@db"},
	}
	reason := Reason(agent, task, 92.5)
	assert.True(t, strings.HasPrefix(reason, "Score: 92.5% - Capabilities: db_ops"), reason)
	assert.Contains(t, reason, "Priority match: medium")
	assert.Contains(t, reason, "Available")
	assert.Contains(t, reason, "High reliability (90.0%)")
	assert.Contains(t, reason, "Preferred agent")

	bare := scoredAgent("@b", domain.PriorityLow, 0)
	bare.State.Status = domain.AgentOffline
	bare.State.WorkloadPercentage = 80
	assert.Equal(t, "Score: 10.0% - General capability match", Reason(bare, domain.TaskDefinition{Priority: domain.PriorityHigh}, 10))
}
