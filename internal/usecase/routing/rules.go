package routing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"agentcoord/internal/domain"
)

// Rule score contributions.
const (
	wildcardMatch   = 10.0
	keywordMatch    = 20.0
	capabilityMatch = 30.0
	preferredMatch  = 40.0
	categoryMatch   = 25.0
	priorityMatch   = 15.0
)

// EvaluateRule scores how strongly rule applies to assigning task to agent.
// A rule contributes nothing for an agent it excludes.
func EvaluateRule(rule domain.RoutingRule, task domain.TaskDefinition, agent domain.AgentProfile) float64 {
	if slices.Contains(rule.ExcludedAgents, agent.Name) {
		return 0
	}
	var score float64

	text := task.Text()
	for _, p := range rule.TaskPatterns {
		if p == "*" {
			score += wildcardMatch
			continue
		}
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			score += keywordMatch
		}
	}

	if n := len(rule.CapabilityRequirements); n > 0 {
		matched := 0
		for _, c := range rule.CapabilityRequirements {
			if agent.HasCapability(c) {
				matched++
			}
		}
		score += float64(matched) / float64(n) * capabilityMatch
	}

	if slices.Contains(rule.PreferredAgents, agent.Name) {
		score += preferredMatch
	}
	if slices.Contains(rule.AgentCategories, agent.Category) {
		score += categoryMatch
	}
	if slices.Contains(rule.PriorityLevels, task.Priority) {
		score += priorityMatch
	}
	return score
}

// DefaultRules returns the built-in rule set. Rule IDs are stable so a rules
// file can override or disable a built-in rule by naming its ID.
func DefaultRules() []domain.RoutingRule {
	return []domain.RoutingRule{
		{
			RuleID:                 "orchestration_priority",
			Name:                   "Orchestration Priority",
			Description:            "Route coordination and breakdown work to orchestration agents",
			TaskPatterns:           []string{"coordination", "orchestration", "management", "breakdown"},
			CapabilityRequirements: []string{"task_breakdown", "agent_routing", "dependency_management"},
			PriorityLevels:         []domain.PriorityLevel{domain.PriorityCritical, domain.PriorityHigh},
			PreferredAgents:        []string{"@tech-lead-orchestrator", "@project-analyst"},
			Weight:                 5,
			Enabled:                true,
		},
		{
			RuleID:                 "code_quality_routing",
			Name:                   "Code Quality Routing",
			Description:            "Route review and security work to quality specialists",
			TaskPatterns:           []string{"review", "quality", "security", "validation", "compliance"},
			CapabilityRequirements: []string{"security_validation", "quality_assessment", "standards_compliance"},
			PreferredAgents:        []string{"@code-reviewer", "@performance-optimizer"},
			AgentCategories:        []string{"core_development"},
			Weight:                 4,
			Enabled:                true,
		},
		{
			RuleID:                 "backend_development_routing",
			Name:                   "Backend Development Routing",
			Description:            "Route API and data work to backend specialists",
			TaskPatterns:           []string{"api", "backend", "database", "service", "async"},
			CapabilityRequirements: []string{"api_design", "database_operations", "async_programming"},
			PreferredAgents:        []string{"@api-architect", "@backend-developer"},
			AgentCategories:        []string{"universal_development"},
			Weight:                 3.5,
			Enabled:                true,
		},
		{
			RuleID:          "framework_specialist_routing",
			Name:            "Framework Specialist Routing",
			Description:     "Route framework-specific work to framework specialists",
			TaskPatterns:    []string{"django", "laravel", "rails", "react", "vue"},
			AgentCategories: []string{"framework_specialists"},
			Weight:          3,
			Enabled:         true,
		},
		{
			RuleID:       "load_balancing",
			Name:         "Load Balancing",
			Description:  "Spread general work across available agents",
			TaskPatterns: []string{"*"},
			Weight:       2,
			Enabled:      true,
		},
		{
			RuleID:                 "documentation_and_analysis",
			Name:                   "Documentation and Analysis",
			Description:            "Route documentation and exploration work to analysts",
			TaskPatterns:           []string{"documentation", "analysis", "exploration", "architecture"},
			CapabilityRequirements: []string{"technical_writing", "pattern_discovery", "architectural_analysis"},
			PreferredAgents:        []string{"@documentation-specialist", "@code-archaeologist"},
			Weight:                 3,
			Enabled:                true,
		},
	}
}

// ruleFile is the on-disk layout of a rules file.
type ruleFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

// ruleDoc mirrors domain.RoutingRule but leaves enabled optional so a rule
// without the key is on.
type ruleDoc struct {
	RuleID                 string                 `yaml:"rule_id"`
	Name                   string                 `yaml:"name"`
	Description            string                 `yaml:"description"`
	TaskPatterns           []string               `yaml:"task_patterns"`
	CapabilityRequirements []string               `yaml:"capability_requirements"`
	PriorityLevels         []domain.PriorityLevel `yaml:"priority_levels"`
	PreferredAgents        []string               `yaml:"preferred_agents"`
	ExcludedAgents         []string               `yaml:"excluded_agents"`
	AgentCategories        []string               `yaml:"agent_categories"`
	Weight                 float64                `yaml:"weight"`
	Enabled                *bool                  `yaml:"enabled"`
}

func (d ruleDoc) rule() domain.RoutingRule {
	return domain.RoutingRule{
		RuleID:                 d.RuleID,
		Name:                   d.Name,
		Description:            d.Description,
		TaskPatterns:           d.TaskPatterns,
		CapabilityRequirements: d.CapabilityRequirements,
		PriorityLevels:         d.PriorityLevels,
		PreferredAgents:        d.PreferredAgents,
		ExcludedAgents:         d.ExcludedAgents,
		AgentCategories:        d.AgentCategories,
		Weight:                 d.Weight,
		Enabled:                d.Enabled == nil || *d.Enabled,
	}
}

// DecodeRules reads a rules document. Unknown keys are rejected and every
// rule is validated; an empty document yields no rules.
func DecodeRules(r io.Reader) ([]domain.RoutingRule, error) {
	var f ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode routing rules: %w", err)
	}
	rules := make([]domain.RoutingRule, 0, len(f.Rules))
	for i, d := range f.Rules {
		rule := d.rule()
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("routing rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRulesFile decodes the rules file at path.
func LoadRulesFile(path string) ([]domain.RoutingRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routing rules: %w", err)
	}
	defer f.Close()
	rules, err := DecodeRules(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}
