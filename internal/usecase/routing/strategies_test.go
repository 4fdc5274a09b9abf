package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoord/internal/domain"
)

func TestRoundRobinCyclesByName(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@c"), agent("@a"), agent("@b"))
	ctx := context.Background()

	var picks []string
	for range 4 {
		d, err := f.mgr.Route(ctx, dbTask("anything"), domain.StrategyRoundRobin, "")
		require.NoError(t, err)
		assert.InDelta(t, 70.0, d.ConfidenceScore, 0.001)
		picks = append(picks, d.SelectedAgent)
	}
	assert.Equal(t, []string{"@a", "@b", "@c", "@a"}, picks)
	assert.Equal(t, picks[0], picks[3])
}

func TestRoundRobinCountersPerCategory(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@a"), agent("@b"))
	ctx := context.Background()

	first, err := f.mgr.Route(ctx, dbTask("x"), domain.StrategyRoundRobin, "")
	require.NoError(t, err)

	docs := dbTask("y")
	docs.Metadata = map[string]string{"category": "docs"}
	other, err := f.mgr.Route(ctx, docs, domain.StrategyRoundRobin, "")
	require.NoError(t, err)
	assert.Equal(t, first.SelectedAgent, other.SelectedAgent, "new category starts at the first agent")
}

func TestRoundRobinSkipsExcluded(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@a"), agent("@b"))
	task := dbTask("x")
	task.ExcludedAgents = []string{"@a"}

	for range 3 {
		d, err := f.mgr.Route(context.Background(), task, domain.StrategyRoundRobin, "")
		require.NoError(t, err)
		assert.Equal(t, "@b", d.SelectedAgent)
		assert.Empty(t, d.AlternativeAgents)
	}
}

func TestLeastLoadedPicksIdleAgent(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@a", dbOps(8)), agent("@b"))
	ctx := context.Background()

	task, err := f.coord.Submit(ctx, domain.TaskSpec{Title: "busy work"})
	require.NoError(t, err)
	require.NoError(t, f.coord.Assign(ctx, task.TaskID, "@a"))
	require.NoError(t, f.mgr.SampleLoads(ctx))

	d, err := f.mgr.Route(ctx, dbTask("next"), domain.StrategyLeastLoaded, "")
	require.NoError(t, err)
	assert.Equal(t, "@b", d.SelectedAgent)
	assert.InDelta(t, 100.0, d.ConfidenceScore, 0.001)
	assert.InDelta(t, 100.0, d.DecisionFactors["load_utilization"], 0.001)
	assert.InDelta(t, 30.0, d.DecisionFactors["availability"], 0.001)
	assert.Equal(t, []string{"@a"}, d.AlternativeAgents)
}

func TestLeastLoadedConfidenceFloor(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@a"))
	f.mgr.loads["@a"] = &domain.AgentLoad{AgentName: "@a", UtilizationPercentage: 95}

	d, err := f.mgr.Route(context.Background(), dbTask("x"), domain.StrategyLeastLoaded, "")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, d.ConfidenceScore, 0.001)
}

func TestBestFitWithoutRules(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@db", dbOps(8)))

	d, err := f.mgr.Route(context.Background(), dbTask("migrate"), domain.StrategyBestFit, "")
	require.NoError(t, err)
	assert.Equal(t, "@db", d.SelectedAgent)
	assert.InDelta(t, 75.0, d.ConfidenceScore, 0.001)
	assert.Equal(t, map[string]float64{"capability_match": 75}, d.DecisionFactors)
	assert.Empty(t, d.AppliedRules)
}

func TestBestFitAveragesRuleFactors(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@db", dbOps(8)), agent("@alt", dbOps(4)))
	_, err := f.mgr.RegisterRule(domain.RoutingRule{Name: "Load Balancing", TaskPatterns: []string{"*"}, Weight: 2, Enabled: true})
	require.NoError(t, err)
	_, err = f.mgr.RegisterRule(domain.RoutingRule{Name: "Off", TaskPatterns: []string{"*"}, Weight: 10, Enabled: false})
	require.NoError(t, err)

	d, err := f.mgr.Route(context.Background(), dbTask("migrate"), domain.StrategyBestFit, "")
	require.NoError(t, err)
	assert.Equal(t, "@db", d.SelectedAgent)
	// (75 capability + 10*2 wildcard) / 2 factors
	assert.InDelta(t, 47.5, d.ConfidenceScore, 0.001)
	assert.Equal(t, []string{"Load Balancing"}, d.AppliedRules)
	assert.Equal(t, []string{"@alt"}, d.AlternativeAgents)
}

func TestBestFitConfidenceCapped(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@db", dbOps(8)))
	_, err := f.mgr.RegisterRule(domain.RoutingRule{
		Name: "Strong", TaskPatterns: []string{"migrate"}, PreferredAgents: []string{"@db"}, Weight: 10, Enabled: true,
	})
	require.NoError(t, err)

	d, err := f.mgr.Route(context.Background(), dbTask("migrate"), domain.StrategyBestFit, "")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, d.ConfidenceScore, 0.001)
}

func TestBestFitFallsBackToFirstAvailable(t *testing.T) {
	f := newFixture(t, fixtureOpts{minScore: 90}, agent("@a"), agent("@b"))

	d, err := f.mgr.Route(context.Background(), dbTask("migrate"), domain.StrategyBestFit, "")
	require.NoError(t, err)
	assert.Equal(t, "@a", d.SelectedAgent)
	assert.InDelta(t, 30.0, d.ConfidenceScore, 0.001)
	assert.Equal(t, []string{"fallback"}, d.AppliedRules)
}

func TestPriorityBasedPicksMostReliable(t *testing.T) {
	lo := agent("@lo")
	lo.PriorityLevel = domain.PriorityLow
	lo.Metrics.ReliabilityScore = 95
	hi1 := agent("@hi1")
	hi1.PriorityLevel = domain.PriorityHigh
	hi1.Metrics.ReliabilityScore = 50
	hi2 := agent("@hi2")
	hi2.PriorityLevel = domain.PriorityHigh
	hi2.Metrics.ReliabilityScore = 80
	f := newFixture(t, fixtureOpts{}, lo, hi1, hi2)

	task := dbTask("urgent")
	task.Priority = domain.PriorityHigh
	d, err := f.mgr.Route(context.Background(), task, domain.StrategyPriorityBased, "")
	require.NoError(t, err)
	assert.Equal(t, "@hi2", d.SelectedAgent)
	assert.InDelta(t, 85.0, d.ConfidenceScore, 0.001)
	assert.InDelta(t, 80.0, d.DecisionFactors["reliability_score"], 0.001)
	assert.Equal(t, []string{"@hi1"}, d.AlternativeAgents)
}

func TestPriorityBasedFallsBackToBestFit(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@db", dbOps(8)))
	task := dbTask("urgent")
	task.Priority = domain.PriorityCritical

	d, err := f.mgr.Route(context.Background(), task, domain.StrategyPriorityBased, "")
	require.NoError(t, err)
	assert.Equal(t, "@db", d.SelectedAgent)
	assert.Equal(t, domain.StrategyBestFit, d.Strategy)
	assert.Equal(t, string(domain.StrategyPriorityBased), d.Metadata["fallback_from"])
}

func TestCapabilityWeighted(t *testing.T) {
	a := agent("@a", dbOps(8))
	b := agent("@b", dbOps(6))
	b.Metrics.ReliabilityScore = 50
	f := newFixture(t, fixtureOpts{}, a, b)

	d, err := f.mgr.Route(context.Background(), dbTask("migrate"), domain.StrategyCapabilityWeighted, "")
	require.NoError(t, err)
	assert.Equal(t, "@a", d.SelectedAgent)
	// @a: 80 / 1.2; @b: (60 + 10) / 1.2
	assert.InDelta(t, 80/1.2, d.ConfidenceScore, 0.001)
	assert.InDelta(t, 2.0, d.DecisionFactors["total_candidates"], 0.001)
	assert.Equal(t, []string{"@b"}, d.AlternativeAgents)
}

func TestCapabilityWeightedUsesSampledLoad(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@a", dbOps(8)))
	require.NoError(t, f.mgr.SampleLoads(context.Background()))

	d, err := f.mgr.Route(context.Background(), dbTask("migrate"), domain.StrategyCapabilityWeighted, "")
	require.NoError(t, err)
	// (80 + 100*0.3) / 1.5
	assert.InDelta(t, 110/1.5, d.ConfidenceScore, 0.001)
}

func TestLearningOptimizedSwitchesOnClearImprovement(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@a", dbOps(8)), agent("@b", dbOps(8)))
	task := dbTask("optimize sql query")
	ctx := context.Background()

	for range 4 {
		f.mgr.RecordOutcome("@b", task.Title, "", true)
	}
	d, err := f.mgr.Route(ctx, task, domain.StrategyLearningOptimized, "")
	require.NoError(t, err)
	assert.Equal(t, "@a", d.SelectedAgent, "87.7 does not beat the 80 prior by more than 10")
	assert.InDelta(t, 80.0, d.ConfidenceScore, 0.001)
	assert.Equal(t, "database_operations", d.Metadata["task_type"])
	assert.Empty(t, d.AlternativeAgents)

	f.mgr.RecordOutcome("@b", task.Title, "", true)
	d, err = f.mgr.Route(ctx, task, domain.StrategyLearningOptimized, "")
	require.NoError(t, err)
	assert.Equal(t, "@b", d.SelectedAgent)
	assert.InDelta(t, 90.1696, d.ConfidenceScore, 0.001)
	assert.Equal(t, []string{"@a"}, d.AlternativeAgents)
	assert.InDelta(t, 15.0, d.DecisionFactors["learning_optimization"], 0.001)
}

func TestLearningOptimizedIgnoresUnavailable(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@a", dbOps(8)), agent("@b", dbOps(8)))
	for range 10 {
		f.mgr.RecordOutcome("@b", "sql", "", true)
	}
	f.reg.UpdateStatus("@b", domain.AgentOffline, "")

	d, err := f.mgr.Route(context.Background(), dbTask("sql"), domain.StrategyLearningOptimized, "")
	require.NoError(t, err)
	assert.Equal(t, "@a", d.SelectedAgent)
}

type fixedStrategy struct{ agent string }

func (fixedStrategy) Name() domain.RoutingStrategy { return "fixed" }

func (s fixedStrategy) Route(context.Context, domain.TaskDefinition, *Env) (domain.RoutingDecision, error) {
	return domain.RoutingDecision{SelectedAgent: s.agent, Strategy: "fixed", ConfidenceScore: 42}, nil
}

func TestRegisterStrategy(t *testing.T) {
	f := newFixture(t, fixtureOpts{}, agent("@a"))
	f.mgr.RegisterStrategy(fixedStrategy{agent: "@a"})

	d, err := f.mgr.Route(context.Background(), dbTask("x"), "fixed", "")
	require.NoError(t, err)
	assert.Equal(t, "@a", d.SelectedAgent)
	assert.Equal(t, 1, f.mgr.Statistics().StrategyCounts["fixed"])
}
