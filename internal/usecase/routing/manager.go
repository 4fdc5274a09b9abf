// Package routing selects an agent for a task with one of several pluggable
// strategies, nudged by declarative rules, and keeps the load table, learned
// success rates and decision trail those strategies read.
package routing

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/metrics"
	"agentcoord/internal/infra/tracer"
)

// ActivityAgent is the agent name routing decisions are logged under.
const ActivityAgent = "@routing-manager"

// Config tunes the manager.
type Config struct {
	DefaultStrategy   domain.RoutingStrategy
	LoadBalancingMode domain.LoadBalancingMode
	UseDefaultRules   bool
	DecisionHistory   int
	LearningRate      float64
}

// Manager routes tasks to agents.
type Manager struct {
	agents     AgentSource
	candidates CandidateSource
	cfg        Config
	learning   *learningTable

	mu              sync.RWMutex
	strategies      map[domain.RoutingStrategy]Strategy
	rules           map[string]domain.RoutingRule
	ruleOrder       []string
	fileRules       map[string]struct{}
	shadowed        map[string]domain.RoutingRule // rules overridden by a file rule
	loads           map[string]*domain.AgentLoad
	decisions       []domain.RoutingDecision // most recent last
	stats           decisionTotals
	lastAssignments map[string]time.Time

	bus      domain.EventBus
	activity domain.ActivityLog
	recorder *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type decisionTotals struct {
	count         int
	confidenceSum float64
	byStrategy    map[domain.RoutingStrategy]int
	byAgent       map[string]int
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus publishes routing.* events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithActivityLog records every decision.
func WithActivityLog(log domain.ActivityLog) Option {
	return func(m *Manager) { m.activity = log }
}

// WithRecorder records routing metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager. The built-in rules are installed when
// cfg.UseDefaultRules is set.
func New(agents AgentSource, candidates CandidateSource, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.DefaultStrategy = cmp.Or(cfg.DefaultStrategy, domain.StrategyBestFit)
	cfg.LoadBalancingMode = cmp.Or(cfg.LoadBalancingMode, domain.LoadBalancingAdaptive)
	if cfg.DecisionHistory <= 0 {
		cfg.DecisionHistory = 1000
	}
	m := &Manager{
		agents:          agents,
		candidates:      candidates,
		cfg:             cfg,
		learning:        newLearningTable(cfg.LearningRate),
		strategies:      defaultStrategies(),
		rules:           make(map[string]domain.RoutingRule),
		fileRules:       make(map[string]struct{}),
		shadowed:        make(map[string]domain.RoutingRule),
		loads:           make(map[string]*domain.AgentLoad),
		lastAssignments: make(map[string]time.Time),
		stats: decisionTotals{
			byStrategy: make(map[domain.RoutingStrategy]int),
			byAgent:    make(map[string]int),
		},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.UseDefaultRules {
		for _, r := range DefaultRules() {
			m.putRuleLocked(r)
		}
	}
	return m
}

// RegisterStrategy adds or replaces the strategy serving s.Name().
func (m *Manager) RegisterStrategy(s Strategy) {
	m.mu.Lock()
	m.strategies[s.Name()] = s
	m.mu.Unlock()
}

// Route picks an agent for task. An empty strategy uses the default; an
// unknown one falls back to it. A registered forceAgent bypasses every
// strategy. No candidate at all yields ErrNoSuitableAgent.
func (m *Manager) Route(ctx context.Context, task domain.TaskDefinition, strategy domain.RoutingStrategy, forceAgent string) (domain.RoutingDecision, error) {
	ctx, span := tracer.StartSpan(ctx, "routing.Route")
	strategy = cmp.Or(strategy, m.cfg.DefaultStrategy)
	span.SetAttributes(tracer.StringAttr("task_id", task.TaskID), tracer.StringAttr("strategy", string(strategy)))

	decision, err := m.decide(ctx, task, strategy, forceAgent)
	if err != nil {
		m.logger.Warn("routing failed", "task_id", task.TaskID, "strategy", string(strategy), "error", err)
		m.recorder.RoutingDecision(ctx, string(strategy), 0, false)
		tracer.End(span, err)
		return domain.RoutingDecision{}, err
	}

	decision.DecisionID = domain.NewID("route")
	decision.TaskID = task.TaskID
	decision.DecisionTime = m.now()
	m.remember(decision)

	span.SetAttributes(
		tracer.StringAttr("agent", decision.SelectedAgent),
		tracer.FloatAttr("confidence", decision.ConfidenceScore),
	)
	m.logger.Info("task routed",
		"task_id", task.TaskID,
		"agent", decision.SelectedAgent,
		"strategy", string(decision.Strategy),
		"confidence", decision.ConfidenceScore,
	)
	m.recorder.RoutingDecision(ctx, string(decision.Strategy), decision.ConfidenceScore, true)
	if m.bus != nil {
		m.bus.Publish(ctx, domain.NewEvent(domain.EventRoutingDecided, task.TaskID, decision))
	}
	m.logDecision(ctx, task, decision)
	tracer.End(span, nil)
	return decision, nil
}

func (m *Manager) decide(ctx context.Context, task domain.TaskDefinition, strategy domain.RoutingStrategy, forceAgent string) (domain.RoutingDecision, error) {
	if forceAgent != "" {
		if _, err := m.agents.Get(forceAgent); err == nil {
			return domain.RoutingDecision{
				SelectedAgent:   forceAgent,
				Strategy:        strategy,
				ConfidenceScore: 100,
				DecisionFactors: map[string]float64{"forced_assignment": 100},
				AppliedRules:    []string{"forced_assignment"},
			}, nil
		}
		m.logger.Warn("forced agent not registered, routing normally", "task_id", task.TaskID, "agent", forceAgent)
	}

	env, s := m.env(strategy)
	if s == nil {
		m.logger.Warn("unknown routing strategy, using default", "strategy", string(strategy), "default", string(m.cfg.DefaultStrategy))
		env, s = m.env(m.cfg.DefaultStrategy)
	}
	if s == nil {
		return domain.RoutingDecision{}, domain.NewSubSystemError(domain.SubSystemRouting, "Manager.Route", domain.ErrNoSuitableAgent,
			fmt.Sprintf("no strategy registered for %s", strategy))
	}
	d, err := s.Route(ctx, task, env)
	return d, domain.WrapOp("Manager.Route", err)
}

// env snapshots the state strategies read.
func (m *Manager) env(strategy domain.RoutingStrategy) (*Env, Strategy) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.strategies[strategy]
	env := &Env{
		Agents:     m.agents,
		Candidates: m.candidates,
		Loads:      make(map[string]domain.AgentLoad, len(m.loads)),
		learning:   m.learning,
	}
	for _, id := range m.ruleOrder {
		if r := m.rules[id]; r.Enabled {
			env.Rules = append(env.Rules, r.Clone())
		}
	}
	for name, l := range m.loads {
		snap := *l
		snap.LoadHistory = nil
		env.Loads[name] = snap
	}
	return env, s
}

func (m *Manager) remember(d domain.RoutingDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	if over := len(m.decisions) - m.cfg.DecisionHistory; over > 0 {
		m.decisions = slices.Delete(m.decisions, 0, over)
	}
	m.stats.count++
	m.stats.confidenceSum += d.ConfidenceScore
	m.stats.byStrategy[d.Strategy]++
	m.stats.byAgent[d.SelectedAgent]++
	m.lastAssignments[d.SelectedAgent] = d.DecisionTime
}

func (m *Manager) logDecision(ctx context.Context, task domain.TaskDefinition, d domain.RoutingDecision) {
	if m.activity == nil {
		return
	}
	err := m.activity.LogActivity(ctx, domain.Activity{
		AgentName:   ActivityAgent,
		Type:        domain.ActivityTaskAssignment,
		Description: fmt.Sprintf("Routed task '%s' to %s", task.Title, d.SelectedAgent),
		Metadata: map[string]any{
			"decision_id":        d.DecisionID,
			"task_id":            d.TaskID,
			"selected_agent":     d.SelectedAgent,
			"routing_strategy":   string(d.Strategy),
			"confidence_score":   d.ConfidenceScore,
			"applied_rules":      d.AppliedRules,
			"alternative_agents": d.AlternativeAgents,
		},
		Timestamp: d.DecisionTime,
		Success:   true,
	})
	if err != nil {
		m.logger.Warn("activity log write failed", "agent", ActivityAgent, "error", err)
	}
}

// RegisterRule validates rule and installs it, replacing a rule with the same
// ID. A missing ID is generated. It returns the installed rule.
func (m *Manager) RegisterRule(rule domain.RoutingRule) (domain.RoutingRule, error) {
	if err := rule.Validate(); err != nil {
		return domain.RoutingRule{}, domain.NewSubSystemError(domain.SubSystemRouting, "Manager.RegisterRule", domain.ErrInvalidInput, err.Error())
	}
	rule = rule.Clone()
	rule.RuleID = cmp.Or(rule.RuleID, domain.NewID("rule"))

	m.mu.Lock()
	m.putRuleLocked(rule)
	delete(m.fileRules, rule.RuleID)
	delete(m.shadowed, rule.RuleID)
	m.mu.Unlock()

	m.logger.Info("routing rule registered", "rule_id", rule.RuleID, "name", rule.Name, "weight", rule.Weight)
	return rule, nil
}

func (m *Manager) putRuleLocked(rule domain.RoutingRule) {
	if _, ok := m.rules[rule.RuleID]; !ok {
		m.ruleOrder = append(m.ruleOrder, rule.RuleID)
	}
	m.rules[rule.RuleID] = rule
}

// RemoveRule deletes a rule.
func (m *Manager) RemoveRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return domain.NewSubSystemError(domain.SubSystemRouting, "Manager.RemoveRule", domain.ErrNotFound, id)
	}
	m.deleteRuleLocked(id)
	delete(m.shadowed, id)
	return nil
}

func (m *Manager) deleteRuleLocked(id string) {
	delete(m.rules, id)
	delete(m.fileRules, id)
	m.ruleOrder = slices.DeleteFunc(m.ruleOrder, func(r string) bool { return r == id })
}

// SetRuleEnabled turns a rule on or off.
func (m *Manager) SetRuleEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return domain.NewSubSystemError(domain.SubSystemRouting, "Manager.SetRuleEnabled", domain.ErrNotFound, id)
	}
	r.Enabled = enabled
	m.rules[id] = r
	return nil
}

// Rules returns every rule in registration order.
func (m *Manager) Rules() []domain.RoutingRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RoutingRule, 0, len(m.ruleOrder))
	for _, id := range m.ruleOrder {
		out = append(out, m.rules[id].Clone())
	}
	return out
}

// ReplaceFileRules swaps the rules previously loaded from a rules file for
// rules. Rules without an ID get one derived from their position so a reload
// of an unchanged file is stable. A file rule whose ID matches a built-in or
// registered rule overrides it until a later reload drops the override.
func (m *Manager) ReplaceFileRules(rules []domain.RoutingRule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return domain.NewSubSystemError(domain.SubSystemRouting, "Manager.ReplaceFileRules", domain.ErrInvalidInput, err.Error())
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.fileRules {
		m.deleteRuleLocked(id)
		if prev, ok := m.shadowed[id]; ok {
			m.putRuleLocked(prev)
		}
	}
	clear(m.shadowed)
	for i, r := range rules {
		r = r.Clone()
		r.RuleID = cmp.Or(r.RuleID, fmt.Sprintf("file_rule_%d", i+1))
		if prev, ok := m.rules[r.RuleID]; ok {
			m.shadowed[r.RuleID] = prev
		}
		m.putRuleLocked(r)
		m.fileRules[r.RuleID] = struct{}{}
	}
	m.logger.Info("routing rules loaded from file", "rules", len(rules), "total", len(m.rules))
	return nil
}

// Decisions returns up to limit of the most recent decisions, newest first.
// A limit <= 0 returns the whole retained history.
func (m *Manager) Decisions(limit int) []domain.RoutingDecision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.decisions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.RoutingDecision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.decisions[i])
	}
	return out
}

// LastAssignment reports when agent was last selected.
func (m *Manager) LastAssignment(agent string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastAssignments[agent]
	return t, ok
}

// Statistics summarizes every decision made since start.
func (m *Manager) Statistics() domain.RoutingStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := domain.RoutingStats{
		TotalDecisions:    m.stats.count,
		StrategyCounts:    maps.Clone(m.stats.byStrategy),
		AgentCounts:       maps.Clone(m.stats.byAgent),
		TotalRules:        len(m.rules),
		DefaultStrategy:   m.cfg.DefaultStrategy,
		LoadBalancingMode: m.cfg.LoadBalancingMode,
	}
	if m.stats.count > 0 {
		st.AverageConfidence = m.stats.confidenceSum / float64(m.stats.count)
	}
	for _, r := range m.rules {
		if r.Enabled {
			st.ActiveRules++
		}
	}
	return st
}

// RecordOutcome folds a finished task into the learned success rates.
func (m *Manager) RecordOutcome(agent, title, description string, success bool) {
	taskType := ClassifyTaskType(title, description)
	rate := m.learning.record(agent, taskType, success)
	m.logger.Debug("routing success rate updated", "agent", agent, "task_type", taskType, "success_rate", rate)
}

// SuccessRates returns the learned rates keyed by agent, then task type.
func (m *Manager) SuccessRates() map[string]map[string]float64 {
	return m.learning.snapshot()
}

// SubscribeOutcomes feeds task.completed and task.failed events into the
// learned success rates. It returns a function that unsubscribes both.
func (m *Manager) SubscribeOutcomes(bus domain.EventBus) func() {
	handler := func(success bool) domain.EventHandler {
		return func(_ context.Context, ev domain.Event) {
			var p domain.TaskEventPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				m.logger.Warn("malformed task event", "event", string(ev.Type), "error", err)
				return
			}
			if p.Agent == "" {
				return
			}
			m.RecordOutcome(p.Agent, p.Title, p.Description, success)
		}
	}
	unsubCompleted := bus.Subscribe(string(domain.EventTaskCompleted), handler(true))
	unsubFailed := bus.Subscribe(string(domain.EventTaskFailed), handler(false))
	return func() {
		unsubCompleted()
		unsubFailed()
	}
}
