package routing

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"agentcoord/internal/domain"
)

// bestFitCandidates bounds how many scored candidates best-fit considers.
const bestFitCandidates = 10

// AgentSource is the registry surface routing reads.
type AgentSource interface {
	Get(name string) (domain.AgentProfile, error)
	List() []domain.AgentProfile
	Available() []domain.AgentProfile
	ByPriority(level domain.PriorityLevel) []domain.AgentProfile
}

// CandidateSource ranks agents for a task and reports their workload.
type CandidateSource interface {
	FindSuitableAgents(task domain.TaskDefinition, limit int) []domain.AgentAssignment
	Workload(agent string) domain.Workload
}

// Env is the state a Strategy routes against. Rules holds only the enabled
// rules, in registration order. Loads may lack agents never sampled.
type Env struct {
	Agents     AgentSource
	Candidates CandidateSource
	Rules      []domain.RoutingRule
	Loads      map[string]domain.AgentLoad

	learning *learningTable
}

// Eligible returns the available agents not excluded by task, in
// registration order.
func (e *Env) Eligible(task domain.TaskDefinition) []domain.AgentProfile {
	return slices.DeleteFunc(e.Agents.Available(), func(a domain.AgentProfile) bool {
		return task.IsExcluded(a.Name)
	})
}

// Utilization is the sampled utilization of agent, or its registry workload
// when no sample exists yet.
func (e *Env) Utilization(agent domain.AgentProfile) float64 {
	if l, ok := e.Loads[agent.Name]; ok {
		return l.UtilizationPercentage
	}
	return agent.State.WorkloadPercentage
}

// SuccessRate is the learned success rate of agent on taskType, or prior.
func (e *Env) SuccessRate(agent, taskType string, prior float64) float64 {
	if e.learning == nil {
		return prior
	}
	return e.learning.rate(agent, taskType, prior)
}

// Strategy picks one agent for one task. Implementations fill the selection
// fields of the decision; the manager stamps IDs and time.
type Strategy interface {
	Name() domain.RoutingStrategy
	Route(ctx context.Context, task domain.TaskDefinition, env *Env) (domain.RoutingDecision, error)
}

func defaultStrategies() map[domain.RoutingStrategy]Strategy {
	bf := bestFit{}
	return map[domain.RoutingStrategy]Strategy{
		domain.StrategyRoundRobin:         newRoundRobin(),
		domain.StrategyLeastLoaded:        leastLoaded{},
		domain.StrategyBestFit:            bf,
		domain.StrategyPriorityBased:      priorityBased{fallback: bf},
		domain.StrategyCapabilityWeighted: capabilityWeighted{},
		domain.StrategyLearningOptimized:  learningOptimized{baseline: bf},
	}
}

func noAgent(op, detail string) error {
	return domain.NewSubSystemError(domain.SubSystemRouting, op, domain.ErrNoSuitableAgent, detail)
}

func names(agents []domain.AgentProfile, skip string, limit int) []string {
	var out []string
	for _, a := range agents {
		if a.Name == skip {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, a.Name)
	}
	return out
}

// roundRobin cycles the eligible agents in name order. Counters are kept per
// task category, taken from the "category" metadata key.
type roundRobin struct {
	mu       sync.Mutex
	counters map[string]int
}

func newRoundRobin() *roundRobin {
	return &roundRobin{counters: make(map[string]int)}
}

func (*roundRobin) Name() domain.RoutingStrategy { return domain.StrategyRoundRobin }

func (s *roundRobin) Route(_ context.Context, task domain.TaskDefinition, env *Env) (domain.RoutingDecision, error) {
	agents := env.Eligible(task)
	if len(agents) == 0 {
		return domain.RoutingDecision{}, noAgent("RoundRobin.Route", "no available agents")
	}
	slices.SortFunc(agents, func(a, b domain.AgentProfile) int { return cmp.Compare(a.Name, b.Name) })

	category := cmp.Or(task.Metadata["category"], "general")
	s.mu.Lock()
	n := s.counters[category]
	s.counters[category] = n + 1
	s.mu.Unlock()

	selected := agents[n%len(agents)]
	return domain.RoutingDecision{
		SelectedAgent:     selected.Name,
		Strategy:          domain.StrategyRoundRobin,
		ConfidenceScore:   70,
		DecisionFactors:   map[string]float64{"round_robin_selection": 70},
		AppliedRules:      []string{"round_robin"},
		AlternativeAgents: names(agents, selected.Name, 3),
	}, nil
}

type leastLoaded struct{}

func (leastLoaded) Name() domain.RoutingStrategy { return domain.StrategyLeastLoaded }

func (leastLoaded) Route(_ context.Context, task domain.TaskDefinition, env *Env) (domain.RoutingDecision, error) {
	agents := env.Eligible(task)
	if len(agents) == 0 {
		return domain.RoutingDecision{}, noAgent("LeastLoaded.Route", "no available agents")
	}
	slices.SortStableFunc(agents, func(a, b domain.AgentProfile) int {
		return cmp.Compare(env.Utilization(a), env.Utilization(b))
	})
	selected := agents[0]
	headroom := 100 - env.Utilization(selected)
	return domain.RoutingDecision{
		SelectedAgent:     selected.Name,
		Strategy:          domain.StrategyLeastLoaded,
		ConfidenceScore:   max(20, headroom),
		DecisionFactors:   map[string]float64{"load_utilization": headroom, "availability": 30},
		AppliedRules:      []string{"least_loaded"},
		AlternativeAgents: names(agents, selected.Name, 3),
	}, nil
}

// bestFit takes the coordinator's top candidate and explains it with every
// enabled rule that scores for it.
type bestFit struct{}

func (bestFit) Name() domain.RoutingStrategy { return domain.StrategyBestFit }

func (bestFit) Route(_ context.Context, task domain.TaskDefinition, env *Env) (domain.RoutingDecision, error) {
	candidates := env.Candidates.FindSuitableAgents(task, bestFitCandidates)
	if len(candidates) == 0 {
		agents := env.Eligible(task)
		if len(agents) == 0 {
			return domain.RoutingDecision{}, noAgent("BestFit.Route", "no suitable or available agents")
		}
		return domain.RoutingDecision{
			SelectedAgent:   agents[0].Name,
			Strategy:        domain.StrategyBestFit,
			ConfidenceScore: 30,
			DecisionFactors: map[string]float64{"fallback_assignment": 30},
			AppliedRules:    []string{"fallback"},
		}, nil
	}

	best := candidates[0]
	agent, err := env.Agents.Get(best.AgentName)
	if err != nil {
		agent = domain.AgentProfile{Name: best.AgentName}
	}

	factors := map[string]float64{"capability_match": best.Score}
	var applied []string
	for _, rule := range env.Rules {
		if s := EvaluateRule(rule, task, agent); s > 0 {
			factors[rule.Name] = s * rule.Weight
			applied = append(applied, rule.Name)
		}
	}
	var sum float64
	for _, v := range factors {
		sum += v
	}

	var alternatives []string
	for _, c := range candidates[1:min(4, len(candidates))] {
		alternatives = append(alternatives, c.AgentName)
	}
	return domain.RoutingDecision{
		SelectedAgent:     best.AgentName,
		Strategy:          domain.StrategyBestFit,
		ConfidenceScore:   min(100, sum/float64(len(factors))),
		DecisionFactors:   factors,
		AppliedRules:      applied,
		AlternativeAgents: alternatives,
	}, nil
}

// priorityBased picks the most reliable eligible agent whose priority level
// equals the task's, falling back when there is none.
type priorityBased struct {
	fallback Strategy
}

func (priorityBased) Name() domain.RoutingStrategy { return domain.StrategyPriorityBased }

func (s priorityBased) Route(ctx context.Context, task domain.TaskDefinition, env *Env) (domain.RoutingDecision, error) {
	var group []domain.AgentProfile
	for _, a := range env.Agents.ByPriority(task.Priority) {
		if a.IsAvailable() && !task.IsExcluded(a.Name) {
			group = append(group, a)
		}
	}
	if len(group) == 0 {
		d, err := s.fallback.Route(ctx, task, env)
		if err != nil {
			return d, err
		}
		if d.Metadata == nil {
			d.Metadata = make(map[string]string)
		}
		d.Metadata["fallback_from"] = string(domain.StrategyPriorityBased)
		return d, nil
	}

	selected := group[0]
	for _, a := range group[1:] {
		if a.Metrics.ReliabilityScore > selected.Metrics.ReliabilityScore {
			selected = a
		}
	}
	return domain.RoutingDecision{
		SelectedAgent:   selected.Name,
		Strategy:        domain.StrategyPriorityBased,
		ConfidenceScore: 85,
		DecisionFactors: map[string]float64{
			"priority_match":    85,
			"reliability_score": selected.Metrics.ReliabilityScore,
		},
		AppliedRules:      []string{"priority_based"},
		AlternativeAgents: names(group, selected.Name, 3),
	}, nil
}

type capabilityWeighted struct{}

func (capabilityWeighted) Name() domain.RoutingStrategy { return domain.StrategyCapabilityWeighted }

func (capabilityWeighted) Route(_ context.Context, task domain.TaskDefinition, env *Env) (domain.RoutingDecision, error) {
	agents := env.Eligible(task)
	if len(agents) == 0 {
		return domain.RoutingDecision{}, noAgent("CapabilityWeighted.Route", "no available agents")
	}

	type scored struct {
		name  string
		score float64
	}
	ranked := make([]scored, 0, len(agents))
	for _, a := range agents {
		ranked = append(ranked, scored{a.Name, weightedScore(a, task, env)})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	best := ranked[0]
	var alternatives []string
	for _, r := range ranked[1:min(4, len(ranked))] {
		alternatives = append(alternatives, r.name)
	}
	return domain.RoutingDecision{
		SelectedAgent:   best.name,
		Strategy:        domain.StrategyCapabilityWeighted,
		ConfidenceScore: min(100, best.score),
		DecisionFactors: map[string]float64{
			"capability_weighted_score": best.score,
			"total_candidates":          float64(len(agents)),
		},
		AppliedRules:      []string{"capability_weighted"},
		AlternativeAgents: alternatives,
	}, nil
}

// weightedScore blends proficiency on each matched requirement with sampled
// headroom and reliability, normalized by the weight actually used.
func weightedScore(agent domain.AgentProfile, task domain.TaskDefinition, env *Env) float64 {
	var score, weight float64
	for _, req := range task.Requirements {
		if c, ok := agent.Capability(req.Capability); ok {
			score += float64(c.Proficiency) / 10 * 100 * req.Weight
			weight += req.Weight
		}
	}
	if l, ok := env.Loads[agent.Name]; ok {
		score += max(0, 100-l.UtilizationPercentage) * 0.3
		weight += 0.3
	}
	score += agent.Metrics.ReliabilityScore * 0.2
	weight += 0.2
	if weight == 0 {
		return 50
	}
	return score / weight
}

// learningOptimized starts from the baseline pick and switches to another
// eligible agent whose learned success rate on this task type is clearly
// better.
type learningOptimized struct {
	baseline Strategy
}

func (learningOptimized) Name() domain.RoutingStrategy { return domain.StrategyLearningOptimized }

func (s learningOptimized) Route(ctx context.Context, task domain.TaskDefinition, env *Env) (domain.RoutingDecision, error) {
	base, err := s.baseline.Route(ctx, task, env)
	if err != nil {
		return base, err
	}
	taskType := ClassifyTaskType(task.Title, task.Description)

	selected := base.SelectedAgent
	rate := env.SuccessRate(selected, taskType, incumbentPrior)
	for _, a := range env.Eligible(task) {
		if a.Name == selected {
			continue
		}
		if r := env.SuccessRate(a.Name, taskType, challengerPrior); r > rate+switchMargin {
			selected, rate = a.Name, r
		}
	}

	var alternatives []string
	if selected != base.SelectedAgent {
		alternatives = []string{base.SelectedAgent}
	}
	return domain.RoutingDecision{
		SelectedAgent:   selected,
		Strategy:        domain.StrategyLearningOptimized,
		ConfidenceScore: min(100, rate),
		DecisionFactors: map[string]float64{
			"historical_success_rate": rate,
			"learning_optimization":   15,
		},
		AppliedRules:      []string{"learning_optimized"},
		AlternativeAgents: alternatives,
		Metadata:          map[string]string{"task_type": taskType},
	}, nil
}
