package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoord/internal/domain"
)

func agent(name, category string, caps ...domain.AgentCapability) domain.AgentProfile {
	return domain.AgentProfile{Name: name, Category: category, Capabilities: caps}
}

func capability(name string, proficiency int) domain.AgentCapability {
	return domain.AgentCapability{Name: name, Proficiency: proficiency}
}

func newTestRegistry(t *testing.T, profiles ...domain.AgentProfile) *Registry {
	t.Helper()
	r := New(nil)
	for _, p := range profiles {
		require.NoError(t, r.Register(p))
	}
	return r
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}
func (b *recordingBus) Subscribe(string, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()      { return func() {} }
func (b *recordingBus) Close()                                       {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

func TestRegisterDefaults(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"))

	got, err := r.Get("@a")
	require.NoError(t, err)
	assert.NotEmpty(t, got.AgentID)
	assert.Equal(t, domain.AgentAvailable, got.State.Status)
	assert.Equal(t, domain.PriorityMedium, got.PriorityLevel)
	assert.Equal(t, 3, got.MaxConcurrentTasks)
	assert.Equal(t, "@a", got.DisplayName)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"))

	err := r.Register(agent("@a", "core"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	assert.Equal(t, domain.CodeAgentDuplicate, domain.ErrorCodeOf(err))
}

func TestRegisterInvalid(t *testing.T) {
	r := New(nil)
	err := r.Register(agent("@bad", "core", capability("x", 11)))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, r.Len())
}

func TestGetNotFound(t *testing.T) {
	r := New(nil)
	_, err := r.Get("@ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
}

func TestGetReturnsCopy(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core", capability("go", 7)))

	got, _ := r.Get("@a")
	got.Capabilities[0].Proficiency = 1
	got.State.Status = domain.AgentOffline

	again, _ := r.Get("@a")
	assert.Equal(t, 7, again.Capabilities[0].Proficiency)
	assert.Equal(t, domain.AgentAvailable, again.State.Status)
}

func TestIndexesFollowRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t,
		agent("@z", "core", capability("db_ops", 5)),
		agent("@m", "ui", capability("db_ops", 8), capability("css", 6)),
		agent("@a", "core", capability("css", 9)),
	)

	assert.Equal(t, []string{"@z", "@m"}, names(r.ByCapability("db_ops")))
	assert.Equal(t, []string{"@m", "@a"}, names(r.ByCapability("css")))
	assert.Equal(t, []string{"@z", "@a"}, names(r.ByCategory("core")))
	assert.Empty(t, r.ByCapability("rust"))
	assert.Equal(t, []string{"@z", "@m", "@a"}, names(r.List()))
}

func TestUnregisterDropsIndexes(t *testing.T) {
	bus := &recordingBus{}
	r := New(nil, WithEventBus(bus))
	require.NoError(t, r.Register(agent("@a", "core", capability("go", 5))))

	require.NoError(t, r.Unregister("@a"))
	assert.Empty(t, r.ByCapability("go"))
	assert.Empty(t, r.ByCategory("core"))
	assert.ErrorIs(t, r.Unregister("@a"), domain.ErrNotFound)
	assert.Equal(t, []domain.EventType{domain.EventAgentRegistered, domain.EventAgentUnregistered}, bus.types())
}

func TestByPriorityAndAvailable(t *testing.T) {
	crit := agent("@crit", "core")
	crit.PriorityLevel = domain.PriorityCritical
	r := newTestRegistry(t, crit, agent("@med", "core"))
	r.UpdateStatus("@med", domain.AgentOffline, "")

	assert.Equal(t, []string{"@crit"}, names(r.ByPriority(domain.PriorityCritical)))
	assert.Equal(t, []string{"@crit"}, names(r.Available()))
}

func TestSearchDeduplicates(t *testing.T) {
	p := agent("@db-expert", "core", domain.AgentCapability{Name: "db_ops", Proficiency: 8, Description: "database tuning"})
	p.Tags = []string{"db"}
	r := newTestRegistry(t, p, agent("@writer", "docs", capability("technical_writing", 9)))

	got := r.Search("DB")
	assert.Equal(t, []string{"@db-expert"}, names(got))
	assert.Equal(t, []string{"@db-expert"}, names(r.Search("tuning")))
	assert.Equal(t, []string{"@writer"}, names(r.Search("writing")))
	assert.Empty(t, r.Search("  "))
}

func TestUpdateStatusWorkload(t *testing.T) {
	bus := &recordingBus{}
	r := New(nil, WithEventBus(bus))
	require.NoError(t, r.Register(agent("@a", "core")))

	for range 5 {
		r.UpdateStatus("@a", domain.AgentBusy, "task_1")
	}
	got, _ := r.Get("@a")
	assert.Equal(t, domain.AgentBusy, got.State.Status)
	assert.Equal(t, 100.0, got.State.WorkloadPercentage)
	assert.Equal(t, "task_1", got.State.CurrentTask)

	r.UpdateStatus("@a", domain.AgentAvailable, "task_1")
	got, _ = r.Get("@a")
	assert.Zero(t, got.State.WorkloadPercentage)
	assert.Empty(t, got.State.CurrentTask)

	// Only actual status changes publish.
	assert.Equal(t, []domain.EventType{
		domain.EventAgentRegistered, domain.EventAgentStatusChanged, domain.EventAgentStatusChanged,
	}, bus.types())
}

func TestUpdatesForUnknownAgentAreNoOps(t *testing.T) {
	r := New(nil)
	assert.NotPanics(t, func() {
		r.UpdateStatus("@ghost", domain.AgentBusy, "")
		r.SetWorkload("@ghost", 50, "")
		score := 90.0
		r.UpdateMetrics("@ghost", domain.MetricsUpdate{ReliabilityScore: &score})
	})
	assert.Equal(t, 0, r.Len())
}

func TestUpdateStatusIgnoresUnknownStatus(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"))
	r.UpdateStatus("@a", "sleeping", "")
	got, _ := r.Get("@a")
	assert.Equal(t, domain.AgentAvailable, got.State.Status)
}

func TestSetWorkload(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"), agent("@off", "core"))

	r.SetWorkload("@a", 100, "task_9")
	got, _ := r.Get("@a")
	assert.Equal(t, domain.AgentBusy, got.State.Status)

	r.SetWorkload("@a", 33.3, "")
	got, _ = r.Get("@a")
	assert.Equal(t, domain.AgentAvailable, got.State.Status)
	assert.InDelta(t, 33.3, got.State.WorkloadPercentage, 0.01)

	r.UpdateStatus("@off", domain.AgentMaintenance, "")
	r.SetWorkload("@off", 0, "")
	got, _ = r.Get("@off")
	assert.Equal(t, domain.AgentMaintenance, got.State.Status)
}

func TestUpdateMetricsPartial(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"))
	completed := 4
	r.UpdateMetrics("@a", domain.MetricsUpdate{TotalTasksCompleted: &completed})
	score := 150.0
	r.UpdateMetrics("@a", domain.MetricsUpdate{ReliabilityScore: &score})

	got, _ := r.Get("@a")
	assert.Equal(t, 4, got.Metrics.TotalTasksCompleted)
	assert.Equal(t, 100.0, got.Metrics.ReliabilityScore)
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"), agent("@b", "core"), agent("@c", "ui"))
	score := 60.0
	r.UpdateMetrics("@a", domain.MetricsUpdate{ReliabilityScore: &score})
	r.UpdateStatus("@b", domain.AgentBusy, "t")

	st := r.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Available)
	assert.Equal(t, 1, st.Busy)
	assert.Equal(t, map[string]int{"core": 2, "ui": 1}, st.CategoryDistribution)
	assert.InDelta(t, 20.0, st.AverageReliability, 0.001)

	assert.Zero(t, New(nil).Stats().AverageReliability)
}

func TestStatsBusyExcludesOfflineAndMaintenance(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"), agent("@b", "core"), agent("@c", "ui"), agent("@d", "ui"))
	r.UpdateStatus("@a", domain.AgentBusy, "t")
	r.UpdateStatus("@b", domain.AgentOffline, "")
	r.UpdateStatus("@c", domain.AgentMaintenance, "")

	st := r.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.Available)
	assert.Equal(t, 1, st.Busy)
}

func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core", capability("go", 5)))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				r.UpdateStatus("@a", domain.AgentBusy, "t")
				r.SetWorkload("@a", float64(i), "")
			} else {
				_ = r.ByCapability("go")
				_ = r.Stats()
				_ = r.Search("a")
			}
		}()
	}
	wg.Wait()
}

type stubSource struct {
	summaries []domain.ActivitySummary
	err       error
	window    time.Duration
}

func (s *stubSource) LoadRecentActivity(_ context.Context, since time.Duration) ([]domain.ActivitySummary, error) {
	s.window = since
	return s.summaries, s.err
}

func TestWarmStartDefaultReliability(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"), agent("@b", "core"))
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &stubSource{summaries: []domain.ActivitySummary{
		{AgentName: "@a", Count: 4, LastTimestamp: last},
		{AgentName: "@b", Count: 25, LastTimestamp: last},
		{AgentName: "@ghost", Count: 3},
	}}

	n, err := r.WarmStart(context.Background(), src, 7*24*time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 7*24*time.Hour, src.window)

	a, _ := r.Get("@a")
	assert.Equal(t, 40.0, a.Metrics.ReliabilityScore)
	assert.Equal(t, 4, a.Metrics.TotalTasksCompleted)
	assert.True(t, a.Metrics.LastActivity.Equal(last))

	b, _ := r.Get("@b")
	assert.Equal(t, 100.0, b.Metrics.ReliabilityScore)
}

func TestWarmStartCustomReliability(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"))
	src := &stubSource{summaries: []domain.ActivitySummary{{AgentName: "@a", Count: 2}}}

	_, err := r.WarmStart(context.Background(), src, time.Hour, func(s domain.ActivitySummary) float64 {
		return 50 + float64(s.Count)
	})
	require.NoError(t, err)
	a, _ := r.Get("@a")
	assert.Equal(t, 52.0, a.Metrics.ReliabilityScore)
}

func TestWarmStartSourceError(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core"))
	n, err := r.WarmStart(context.Background(), &stubSource{err: errors.New("db locked")}, time.Hour, nil)
	assert.Error(t, err)
	assert.Zero(t, n)

	n, err = r.WarmStart(context.Background(), nil, time.Hour, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func names(ps []domain.AgentProfile) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

func TestDefaultRoster(t *testing.T) {
	roster := DefaultRoster()
	require.Len(t, roster, 24)

	r := New(nil)
	n, err := r.Seed(roster)
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	st := r.Stats()
	assert.Equal(t, map[string]int{
		"orchestration":         3,
		"core_development":      4,
		"universal_development": 3,
		"framework_specialists": 14,
	}, st.CategoryDistribution)

	lead, err := r.Get("@tech-lead-orchestrator")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityCritical, lead.PriorityLevel)
	assert.Equal(t, 5, lead.MaxConcurrentTasks)
	c, ok := lead.Capability("task_breakdown")
	require.True(t, ok)
	assert.Equal(t, 10, c.Proficiency)

	assert.Len(t, r.ByCapability("django_framework"), 3)
	assert.Len(t, r.ByPriority(domain.PriorityCritical), 2)
}

func TestDecodeRosterRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeRoster(strings.NewReader("agents:\n  - name: \"@a\"\n    colour: blue\n"))
	assert.Error(t, err)
}

func TestDecodeRosterEmpty(t *testing.T) {
	agents, err := DecodeRoster(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestSeedReplacesExisting(t *testing.T) {
	r := newTestRegistry(t, agent("@a", "core", capability("go", 3)))
	_, err := r.Seed([]domain.AgentProfile{agent("@a", "ui", capability("css", 8))})
	require.NoError(t, err)

	assert.Empty(t, r.ByCapability("go"))
	assert.Equal(t, []string{"@a"}, names(r.ByCategory("ui")))
	assert.Equal(t, 1, r.Len())
}
