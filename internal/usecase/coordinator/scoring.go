package coordinator

import (
	"fmt"
	"strings"

	"agentcoord/internal/domain"
)

// priorityBonus[agent priority][task priority]: matching levels score 15,
// each step of mismatch drops by 5.
var priorityBonus = map[domain.PriorityLevel]map[domain.PriorityLevel]float64{
	domain.PriorityCritical: {domain.PriorityCritical: 15, domain.PriorityHigh: 10, domain.PriorityMedium: 5, domain.PriorityLow: 0},
	domain.PriorityHigh:     {domain.PriorityCritical: 10, domain.PriorityHigh: 15, domain.PriorityMedium: 10, domain.PriorityLow: 5},
	domain.PriorityMedium:   {domain.PriorityCritical: 5, domain.PriorityHigh: 10, domain.PriorityMedium: 15, domain.PriorityLow: 10},
	domain.PriorityLow:      {domain.PriorityCritical: 0, domain.PriorityHigh: 5, domain.PriorityMedium: 10, domain.PriorityLow: 15},
}

const (
	availabilityMax = 20.0
	priorityMax     = 15.0
	capabilityMax   = 40.0
	preferredMax    = 15.0
	reliabilityMax  = 10.0
	workloadPenalty = 5.0
)

// Score rates how well agent fits task on a 0-100 scale.
func Score(agent domain.AgentProfile, task domain.TaskDefinition) float64 {
	var score, maxScore float64

	switch {
	case agent.State.Status == domain.AgentAvailable:
		score += availabilityMax
	case agent.State.WorkloadPercentage < 50:
		score += availabilityMax / 2
	}
	maxScore += availabilityMax

	score += priorityBonus[agent.PriorityLevel][task.Priority]
	maxScore += priorityMax

	score += capabilityScore(agent, task.Requirements)
	maxScore += capabilityMax

	if task.IsPreferred(agent.Name) {
		score += preferredMax
	}
	maxScore += preferredMax

	score += agent.Metrics.ReliabilityScore / 100 * reliabilityMax
	maxScore += reliabilityMax

	score -= agent.State.WorkloadPercentage / 100 * workloadPenalty

	return max(0, min(100, score/maxScore*100))
}

// capabilityScore returns the 0-40 capability contribution. A task without
// requirements scores half.
func capabilityScore(agent domain.AgentProfile, reqs []domain.TaskRequirement) float64 {
	if len(reqs) == 0 {
		return capabilityMax / 2
	}
	var got, possible float64
	for _, req := range reqs {
		req = req.Normalize()
		full := req.Weight * 10
		possible += full
		if c, ok := agent.Capability(req.Capability); ok {
			ratio := float64(c.Proficiency) / float64(req.MinimumProficiency)
			got += min(full, ratio*full)
		} else if !req.Required {
			got += req.Weight * 2
		}
	}
	if possible == 0 {
		return 0
	}
	return got / possible * capabilityMax
}

// MatchedCapabilities lists the task requirements the agent declares.
func MatchedCapabilities(agent domain.AgentProfile, task domain.TaskDefinition) []string {
	var out []string
	for _, req := range task.Requirements {
		if agent.HasCapability(req.Capability) {
			out = append(out, req.Capability)
		}
	}
	return out
}

// Reason explains a score in one line, e.g.
// "Score: 75.0% - Capabilities: db_ops; Available".
func Reason(agent domain.AgentProfile, task domain.TaskDefinition, score float64) string {
	var reasons []string
	if matched := MatchedCapabilities(agent, task); len(matched) > 0 {
		reasons = append(reasons, "Capabilities: "+strings.Join(matched, ", "))
	}
	if agent.PriorityLevel == task.Priority {
		reasons = append(reasons, "Priority match: "+string(task.Priority))
	}
	switch {
	case agent.State.Status == domain.AgentAvailable:
		reasons = append(reasons, "Available")
	case agent.State.WorkloadPercentage < 50:
		reasons = append(reasons, fmt.Sprintf("Low workload (%.0f%%)", agent.State.WorkloadPercentage))
	}
	if agent.Metrics.ReliabilityScore > 80 {
		reasons = append(reasons, fmt.Sprintf("High reliability (%.1f%%)", agent.Metrics.ReliabilityScore))
	}
	if task.IsPreferred(agent.Name) {
		reasons = append(reasons, "Preferred agent")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "General capability match")
	}
	return fmt.Sprintf("Score: %.1f%% - %s", score, strings.Join(reasons, "; "))
}
