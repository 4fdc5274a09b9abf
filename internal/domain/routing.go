package domain

import (
	"fmt"
	"slices"
	"time"
)

// RoutingStrategy names an agent selection algorithm.
type RoutingStrategy string

const (
	StrategyRoundRobin         RoutingStrategy = "round_robin"
	StrategyLeastLoaded        RoutingStrategy = "least_loaded"
	StrategyBestFit            RoutingStrategy = "best_fit"
	StrategyPriorityBased      RoutingStrategy = "priority_based"
	StrategyCapabilityWeighted RoutingStrategy = "capability_weighted"
	StrategyLearningOptimized  RoutingStrategy = "learning_optimized"
)

// LoadBalancingMode is reported in routing statistics.
type LoadBalancingMode string

const (
	LoadBalancingStrict        LoadBalancingMode = "strict"
	LoadBalancingAdaptive      LoadBalancingMode = "adaptive"
	LoadBalancingCapacityAware LoadBalancingMode = "capacity_aware"
	LoadBalancingDynamic       LoadBalancingMode = "dynamic"
)

// RoutingRule is a declarative matcher that nudges routing decisions.
// Rules are never mutated while being evaluated.
type RoutingRule struct {
	RuleID                 string          `json:"rule_id" yaml:"rule_id,omitempty"`
	Name                   string          `json:"name" yaml:"name"`
	Description            string          `json:"description,omitempty" yaml:"description,omitempty"`
	TaskPatterns           []string        `json:"task_patterns,omitempty" yaml:"task_patterns,omitempty"`
	CapabilityRequirements []string        `json:"capability_requirements,omitempty" yaml:"capability_requirements,omitempty"`
	PriorityLevels         []PriorityLevel `json:"priority_levels,omitempty" yaml:"priority_levels,omitempty"`
	PreferredAgents        []string        `json:"preferred_agents,omitempty" yaml:"preferred_agents,omitempty"`
	ExcludedAgents         []string        `json:"excluded_agents,omitempty" yaml:"excluded_agents,omitempty"`
	AgentCategories        []string        `json:"agent_categories,omitempty" yaml:"agent_categories,omitempty"`
	Weight                 float64         `json:"weight" yaml:"weight"`
	Enabled                bool            `json:"enabled" yaml:"enabled"`
}

// Validate checks rule constraints.
func (r RoutingRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: routing rule name is required", ErrInvalidInput)
	}
	if r.Weight < 0.1 || r.Weight > 10 {
		return fmt.Errorf("%w: routing rule %s: weight %.2f out of range 0.1-10", ErrInvalidInput, r.Name, r.Weight)
	}
	for _, p := range r.PriorityLevels {
		if !p.Valid() {
			return fmt.Errorf("%w: routing rule %s: unknown priority %q", ErrInvalidInput, r.Name, p)
		}
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r RoutingRule) Clone() RoutingRule {
	c := r
	c.TaskPatterns = slices.Clone(r.TaskPatterns)
	c.CapabilityRequirements = slices.Clone(r.CapabilityRequirements)
	c.PriorityLevels = slices.Clone(r.PriorityLevels)
	c.PreferredAgents = slices.Clone(r.PreferredAgents)
	c.ExcludedAgents = slices.Clone(r.ExcludedAgents)
	c.AgentCategories = slices.Clone(r.AgentCategories)
	return c
}

// MaxLoadHistory bounds AgentLoad.LoadHistory.
const MaxLoadHistory = 100

// AgentLoad is the live load record kept by the routing manager.
type AgentLoad struct {
	AgentName             string    `json:"agent_name"`
	CurrentTasks          int       `json:"current_tasks"`
	MaxCapacity           int       `json:"max_capacity"`
	UtilizationPercentage float64   `json:"utilization_percentage"`
	LoadHistory           []float64 `json:"load_history"`
	SuccessRate           float64   `json:"success_rate"`
	ReliabilityScore      float64   `json:"reliability_score"`
	AvgCompletionTime     float64   `json:"avg_completion_time"`
	LastUpdated           time.Time `json:"last_updated"`
}

// Record pushes a utilization sample, keeping at most MaxLoadHistory entries.
func (l *AgentLoad) Record(utilization float64) {
	l.LoadHistory = append(l.LoadHistory, utilization)
	if over := len(l.LoadHistory) - MaxLoadHistory; over > 0 {
		l.LoadHistory = slices.Delete(l.LoadHistory, 0, over)
	}
}

// RoutingDecision is the immutable record of one routing outcome.
type RoutingDecision struct {
	DecisionID        string             `json:"decision_id"`
	TaskID            string             `json:"task_id"`
	SelectedAgent     string             `json:"selected_agent"`
	Strategy          RoutingStrategy    `json:"routing_strategy"`
	ConfidenceScore   float64            `json:"confidence_score"`
	DecisionFactors   map[string]float64 `json:"decision_factors"`
	AppliedRules      []string           `json:"applied_rules,omitempty"`
	AlternativeAgents []string           `json:"alternative_agents,omitempty"`
	DecisionTime      time.Time          `json:"decision_time"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
}

// RoutingStats summarizes the routing audit trail.
type RoutingStats struct {
	TotalDecisions    int                     `json:"total_decisions"`
	AverageConfidence float64                 `json:"average_confidence"`
	StrategyCounts    map[RoutingStrategy]int `json:"strategy_distribution"`
	AgentCounts       map[string]int          `json:"agent_distribution"`
	ActiveRules       int                     `json:"active_rules"`
	TotalRules        int                     `json:"total_rules"`
	DefaultStrategy   RoutingStrategy         `json:"default_strategy"`
	LoadBalancingMode LoadBalancingMode       `json:"load_balancing_mode"`
}
