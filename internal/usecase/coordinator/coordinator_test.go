package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcoord/internal/domain"
	"agentcoord/internal/usecase/registry"
)

type memActivity struct {
	mu      sync.Mutex
	entries []domain.Activity
	err     error
}

func (m *memActivity) LogActivity(_ context.Context, a domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, a)
	return m.err
}

func (m *memActivity) types() []domain.ActivityType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ActivityType, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Type
	}
	return out
}

type memBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *memBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}
func (b *memBus) Subscribe(string, domain.EventHandler) func() { return func() {} }
func (b *memBus) SubscribeAll(domain.EventHandler) func()      { return func() {} }
func (b *memBus) Close()                                       {}

func (b *memBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	reg      *registry.Registry
	coord    *Coordinator
	bus      *memBus
	activity *memActivity
}

func newFixture(t *testing.T, agents ...domain.AgentProfile) *fixture {
	t.Helper()
	reg := registry.New(nil)
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	f := &fixture{reg: reg, bus: &memBus{}, activity: &memActivity{}}
	f.coord = New(reg, Config{CandidateLimit: 5, MinScore: 30}, nil,
		WithEventBus(f.bus), WithActivityLog(f.activity))
	return f
}

func dbAgent(name string, proficiency int) domain.AgentProfile {
	return domain.AgentProfile{
		Name:               name,
		Category:           "core",
		Capabilities:       []domain.AgentCapability{{Name: "db_ops", Proficiency: proficiency}},
		MaxConcurrentTasks: 2,
	}
}

func dbSpec(title string) domain.TaskSpec {
	return domain.TaskSpec{
		Title:        title,
		Requirements: []domain.TaskRequirement{domain.Requirement("db_ops", 5)},
	}
}

func TestFindSuitableAgentsSingleMatch(t *testing.T) {
	f := newFixture(t, dbAgent("@db", 8))
	task, err := f.coord.Submit(context.Background(), dbSpec("migrate schema"))
	require.NoError(t, err)

	got := f.coord.FindSuitableAgents(task, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "@db", got[0].AgentName)
	assert.GreaterOrEqual(t, got[0].Score, 30.0)
	assert.Equal(t, []string{"db_ops"}, got[0].MatchedCapabilities)
	assert.Contains(t, got[0].Reason, "Capabilities: db_ops")
}

func TestFindSuitableAgentsExcluded(t *testing.T) {
	f := newFixture(t, dbAgent("X", 9))
	spec := dbSpec("t")
	spec.ExcludedAgents = []string{"X"}
	task, err := f.coord.Submit(context.Background(), spec)
	require.NoError(t, err)

	assert.Empty(t, f.coord.FindSuitableAgents(task, 0))
}

func TestFindSuitableAgentsOrderingAndLimit(t *testing.T) {
	f := newFixture(t, dbAgent("@b", 5), dbAgent("@a", 5), dbAgent("@c", 9), dbAgent("@d", 1))
	task, _ := f.coord.Submit(context.Background(), dbSpec("t"))

	got := f.coord.FindSuitableAgents(task, 2)
	require.Len(t, got, 2)
	// @a, @b and @c all cap the capability score; ties break by name.
	assert.Equal(t, "@a", got[0].AgentName)
	assert.Equal(t, "@b", got[1].AgentName)
}

func TestCreateTaskAssignsImmediately(t *testing.T) {
	f := newFixture(t, dbAgent("@db", 8))
	task, err := f.coord.CreateTask(context.Background(), dbSpec("t"))
	require.NoError(t, err)

	assert.Equal(t, domain.TaskAssigned, task.Status)
	assert.Equal(t, []string{"@db"}, task.AssignedAgents)
	assert.False(t, task.AssignedAt.IsZero())

	w := f.coord.Workload("@db")
	assert.Equal(t, 1, w.Assigned)
	assert.Zero(t, w.Active)

	agent, _ := f.reg.Get("@db")
	assert.InDelta(t, 50.0, agent.State.WorkloadPercentage, 0.001)
	assert.Equal(t, domain.AgentAvailable, agent.State.Status)
	assert.Equal(t, 1, f.bus.count(domain.EventTaskAssigned))
	assert.Contains(t, f.activity.types(), domain.ActivityTaskAssignment)
}

func TestCreateTaskWithoutCandidateStaysQueued(t *testing.T) {
	f := newFixture(t, dbAgent("X", 9))
	spec := dbSpec("t")
	spec.ExcludedAgents = []string{"X"}
	task, err := f.coord.CreateTask(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, 1, f.coord.QueueStatus().Queued)
}

func TestCreateTaskInvalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CreateTask(context.Background(), domain.TaskSpec{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.CodeTaskInvalid, domain.ErrorCodeOf(err))
}

func TestSubmitDefaults(t *testing.T) {
	f := newFixture(t)
	task, err := f.coord.Submit(context.Background(), domain.TaskSpec{
		Title:        "t",
		Requirements: []domain.TaskRequirement{{Capability: "x"}},
		Dependencies: []domain.TaskDependency{{TaskID: "task_other"}},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^task_[0-9a-z]{26}$`, task.TaskID)
	assert.Equal(t, domain.PriorityMedium, task.Priority)
	assert.Equal(t, 5, task.ComplexityScore)
	assert.Equal(t, 1, task.MaxConcurrentAgents)
	assert.Equal(t, 1, task.Requirements[0].MinimumProficiency)
	assert.Equal(t, 1.0, task.Requirements[0].Weight)
	assert.Equal(t, domain.DependencyPrerequisite, task.Dependencies[0].Type)
	assert.Equal(t, domain.TaskPending, task.Dependencies[0].Status)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 8))
	task, _ := f.coord.Submit(ctx, dbSpec("t"))

	require.NoError(t, f.coord.Assign(ctx, task.TaskID, "@db"))
	require.NoError(t, f.coord.Start(ctx, task.TaskID, "@db"))
	assert.Equal(t, 1, f.coord.Workload("@db").Active)

	score := 9.0
	require.NoError(t, f.coord.Complete(ctx, task.TaskID, "@db", map[string]any{"rows": 3}, &score))

	got, err := f.coord.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 3, got.ResultData["rows"])
	require.NotNil(t, got.FeedbackScore)
	assert.Equal(t, 9.0, *got.FeedbackScore)

	agent, _ := f.reg.Get("@db")
	assert.Equal(t, 1, agent.Metrics.TotalTasksCompleted)
	assert.Equal(t, 100.0, agent.Metrics.SuccessRate)
	assert.False(t, agent.Metrics.LastActivity.IsZero())
	assert.Zero(t, agent.State.WorkloadPercentage)

	qs := f.coord.QueueStatus()
	assert.Equal(t, 1, qs.Completed)
	assert.Zero(t, qs.Active)
	assert.Zero(t, f.coord.Workload("@db").Assigned)
}

func TestCompleteTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 8))
	task, _ := f.coord.CreateTask(ctx, dbSpec("t"))
	require.NoError(t, f.coord.Start(ctx, task.TaskID, "@db"))
	require.NoError(t, f.coord.Complete(ctx, task.TaskID, "@db", nil, nil))

	err := f.coord.Complete(ctx, task.TaskID, "@db", nil, nil)
	assert.ErrorIs(t, err, domain.ErrAssignmentConflict)

	agent, _ := f.reg.Get("@db")
	assert.Equal(t, 1, agent.Metrics.TotalTasksCompleted)
	assert.Equal(t, 1, f.bus.count(domain.EventTaskCompleted))
}

func TestTransitionOrderingEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 8), dbAgent("@other", 8))
	task, _ := f.coord.Submit(ctx, dbSpec("t"))

	assert.ErrorIs(t, f.coord.Start(ctx, task.TaskID, "@db"), domain.ErrAssignmentConflict)
	assert.ErrorIs(t, f.coord.Complete(ctx, task.TaskID, "@db", nil, nil), domain.ErrAssignmentConflict)

	require.NoError(t, f.coord.Assign(ctx, task.TaskID, "@db"))
	assert.ErrorIs(t, f.coord.Assign(ctx, task.TaskID, "@other"), domain.ErrAssignmentConflict)
	assert.ErrorIs(t, f.coord.Complete(ctx, task.TaskID, "@db", nil, nil), domain.ErrAssignmentConflict)
	assert.ErrorIs(t, f.coord.Start(ctx, task.TaskID, "@other"), domain.ErrAssignmentConflict)

	assert.ErrorIs(t, f.coord.Start(ctx, "task_missing", "@db"), domain.ErrNotFound)
	err := f.coord.Assign(ctx, "task_missing", "@db")
	assert.Equal(t, domain.CodeTaskNotFound, domain.ErrorCodeOf(err))
	err = f.coord.Assign(ctx, task.TaskID, "@ghost")
	assert.Equal(t, domain.CodeAgentNotFound, domain.ErrorCodeOf(err))
}

func TestAssignExcludedAgentRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("X", 9))
	spec := dbSpec("t")
	spec.ExcludedAgents = []string{"X"}
	task, _ := f.coord.Submit(ctx, spec)

	assert.ErrorIs(t, f.coord.Assign(ctx, task.TaskID, "X"), domain.ErrAssignmentConflict)
}

func TestFailWithRetryRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@first", 9))
	task, _ := f.coord.CreateTask(ctx, dbSpec("t"))
	require.Equal(t, []string{"@first"}, task.AssignedAgents)
	require.NoError(t, f.coord.Start(ctx, task.TaskID, "@first"))

	require.NoError(t, f.coord.Fail(ctx, task.TaskID, "@first", "boom", true))
	got, _ := f.coord.Get(task.TaskID)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Empty(t, got.AssignedAgents)
	assert.True(t, got.StartedAt.IsZero())

	first, _ := f.reg.Get("@first")
	assert.Equal(t, 1, first.Metrics.TotalTasksFailed)
	assert.Zero(t, first.Metrics.SuccessRate)

	// The first agent goes offline; a new suitable agent appears.
	f.reg.UpdateStatus("@first", domain.AgentOffline, "")
	require.NoError(t, f.reg.Register(dbAgent("@second", 8)))

	assert.Equal(t, 1, f.coord.ProcessQueue(ctx))
	got, _ = f.coord.Get(task.TaskID)
	assert.Equal(t, domain.TaskAssigned, got.Status)
	assert.Equal(t, []string{"@second"}, got.AssignedAgents)
}

func TestFailWithoutRetryIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	task, _ := f.coord.CreateTask(ctx, dbSpec("t"))

	require.NoError(t, f.coord.Fail(ctx, task.TaskID, "@db", "disk full", false))
	got, _ := f.coord.Get(task.TaskID)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "disk full", got.ErrorMessage)
	assert.Equal(t, 1, f.coord.QueueStatus().Failed)
	assert.ErrorIs(t, f.coord.Fail(ctx, task.TaskID, "@db", "again", false), domain.ErrAssignmentConflict)
	assert.Contains(t, f.activity.types(), domain.ActivityErrorEvent)
}

func TestDependencyGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	parent, _ := f.coord.Submit(ctx, dbSpec("parent"))
	childSpec := dbSpec("child")
	childSpec.Dependencies = []domain.TaskDependency{{TaskID: parent.TaskID, Type: domain.DependencyPrerequisite}}
	child, err := f.coord.CreateTask(ctx, childSpec)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, child.Status)

	for range 3 {
		f.coord.ProcessQueue(ctx)
		got, _ := f.coord.Get(child.TaskID)
		if got.Status != domain.TaskPending {
			// Only the parent may be assigned while the prerequisite is open.
			t.Fatalf("child assigned before prerequisite completed: %s", got.Status)
		}
	}
	assert.ErrorIs(t, f.coord.Assign(ctx, child.TaskID, "@db"), domain.ErrDependencyUnmet)

	p, _ := f.coord.Get(parent.TaskID)
	require.Equal(t, domain.TaskAssigned, p.Status)
	require.NoError(t, f.coord.Start(ctx, parent.TaskID, "@db"))
	require.NoError(t, f.coord.Complete(ctx, parent.TaskID, "@db", nil, nil))

	got, _ := f.coord.Get(child.TaskID)
	assert.Equal(t, domain.TaskAssigned, got.Status, "completion should trigger assignment of the dependent")
	assert.Equal(t, domain.TaskCompleted, got.Dependencies[0].Status)
}

func TestDependencyOnFinishedTaskResolvedAtSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	parent, _ := f.coord.CreateTask(ctx, dbSpec("parent"))
	require.NoError(t, f.coord.Start(ctx, parent.TaskID, "@db"))
	require.NoError(t, f.coord.Complete(ctx, parent.TaskID, "@db", nil, nil))

	spec := dbSpec("child")
	spec.Dependencies = []domain.TaskDependency{{TaskID: parent.TaskID}}
	child, err := f.coord.CreateTask(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, child.Status)
}

func TestOptionalDependencyDoesNotGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	spec := dbSpec("t")
	spec.Dependencies = []domain.TaskDependency{{TaskID: "task_elsewhere", Type: domain.DependencyOptional}}
	task, err := f.coord.CreateTask(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, task.Status)
}

func TestProcessQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	agent := dbAgent("@db", 9)
	agent.MaxConcurrentTasks = 1
	f := newFixture(t)
	low := dbSpec("low")
	low.Priority = domain.PriorityLow
	crit := dbSpec("crit")
	crit.Priority = domain.PriorityCritical
	lowTask, _ := f.coord.Submit(ctx, low)
	critTask, _ := f.coord.Submit(ctx, crit)
	require.NoError(t, f.reg.Register(agent))

	// One slot: the critical task wins despite being queued second.
	assert.Equal(t, 1, f.coord.ProcessQueue(ctx))
	got, _ := f.coord.Get(critTask.TaskID)
	assert.Equal(t, domain.TaskAssigned, got.Status)
	got, _ = f.coord.Get(lowTask.TaskID)
	assert.Equal(t, domain.TaskPending, got.Status)

	qs := f.coord.QueueStatus()
	assert.Equal(t, 1, qs.Queued)
	assert.Equal(t, 1, qs.ByPriority[domain.PriorityLow])
	assert.Zero(t, qs.ByPriority[domain.PriorityCritical])
}

func TestCapacityMakesAgentBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	for i := range 3 {
		_, err := f.coord.CreateTask(ctx, dbSpec("t"+string(rune('a'+i))))
		require.NoError(t, err)
	}
	agent, _ := f.reg.Get("@db")
	assert.Equal(t, domain.AgentBusy, agent.State.Status)
	assert.Equal(t, 2, f.coord.Workload("@db").Assigned)
	assert.Equal(t, 1, f.coord.QueueStatus().Queued)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	task, _ := f.coord.CreateTask(ctx, dbSpec("t"))

	require.NoError(t, f.coord.Cancel(ctx, task.TaskID))
	got, _ := f.coord.Get(task.TaskID)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	assert.Zero(t, f.coord.Workload("@db").Assigned)
	assert.Equal(t, 1, f.coord.QueueStatus().Cancelled)
	assert.ErrorIs(t, f.coord.Cancel(ctx, task.TaskID), domain.ErrAssignmentConflict)
	assert.Equal(t, 1, f.bus.count(domain.EventTaskCancelled))
}

func TestRunningAverageCompletionTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	var clock atomic.Int64
	base := int64(1_700_000_000)
	clock.Store(base)
	f.coord.now = func() time.Time { return time.Unix(clock.Load(), 0) }

	for _, minutes := range []int64{10, 20} {
		task, err := f.coord.CreateTask(ctx, dbSpec("t"))
		require.NoError(t, err)
		require.NoError(t, f.coord.Start(ctx, task.TaskID, "@db"))
		clock.Add(minutes * 60)
		require.NoError(t, f.coord.Complete(ctx, task.TaskID, "@db", nil, nil))
	}
	agent, _ := f.reg.Get("@db")
	assert.InDelta(t, 15.0, agent.Metrics.AverageCompletionTime, 0.001)
	assert.Equal(t, 2, agent.Metrics.TotalTasksCompleted)
}

func TestActivityFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	f.activity.err = errors.New("db locked")

	task, err := f.coord.CreateTask(ctx, dbSpec("t"))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, task.Status)
}

func TestConcurrentTransitionsSameTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dbAgent("@db", 9))
	task, _ := f.coord.Submit(ctx, dbSpec("t"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.coord.Assign(ctx, task.TaskID, "@db") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, f.coord.Workload("@db").Assigned)
	assert.Zero(t, f.coord.locks.active())
}

func TestTaskLockerHonoursContext(t *testing.T) {
	l := newTaskLocker()
	unlock, err := l.Lock(context.Background(), "task_1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "task_1")
	assert.ErrorIs(t, err, context.Canceled)

	unlock()
	assert.Eventually(t, func() bool { return l.active() == 0 }, time.Second, 5*time.Millisecond)
}
