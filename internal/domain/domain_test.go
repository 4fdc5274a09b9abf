package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.False(t, PriorityLevel("bogus").Valid())
}

func TestTaskRequirementNormalize(t *testing.T) {
	r := TaskRequirement{Capability: "db", MinimumProficiency: 0, Weight: 50}.Normalize()
	assert.Equal(t, 1, r.MinimumProficiency)
	assert.Equal(t, 10.0, r.Weight)

	r = TaskRequirement{Capability: "db", MinimumProficiency: 12}.Normalize()
	assert.Equal(t, 10, r.MinimumProficiency)
	assert.Equal(t, 1.0, r.Weight)
}

func TestAgentProfileCloneIsDeep(t *testing.T) {
	a := AgentProfile{Name: "a", Capabilities: []AgentCapability{{Name: "x", Proficiency: 5}}, Tags: []string{"t"}}
	c := a.Clone()
	c.Capabilities[0].Proficiency = 9
	c.Tags[0] = "changed"
	assert.Equal(t, 5, a.Capabilities[0].Proficiency)
	assert.Equal(t, "t", a.Tags[0])
}

func TestAgentProfileValidate(t *testing.T) {
	assert.ErrorIs(t, AgentProfile{}.Validate(), ErrInvalidInput)
	bad := AgentProfile{Name: "a", Capabilities: []AgentCapability{{Name: "x", Proficiency: 11}}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidInput)
	ok := AgentProfile{Name: "a", Capabilities: []AgentCapability{{Name: "x", Proficiency: 10}}}
	assert.NoError(t, ok.Validate())
}

func TestMetricsUpdateApplyClamps(t *testing.T) {
	m := AgentMetrics{ReliabilityScore: 50, TotalTasksCompleted: 3}
	r := 140.0
	MetricsUpdate{ReliabilityScore: &r}.Apply(&m)
	assert.Equal(t, 100.0, m.ReliabilityScore)
	assert.Equal(t, 3, m.TotalTasksCompleted)
}

func TestAgentLoadRecordIsBounded(t *testing.T) {
	var l AgentLoad
	for i := range MaxLoadHistory + 25 {
		l.Record(float64(i))
	}
	require.Len(t, l.LoadHistory, MaxLoadHistory)
	assert.Equal(t, 25.0, l.LoadHistory[0])
	assert.Equal(t, float64(MaxLoadHistory+24), l.LoadHistory[MaxLoadHistory-1])
}

func TestRoutingRuleValidate(t *testing.T) {
	assert.NoError(t, RoutingRule{Name: "r", Weight: 1}.Validate())
	assert.ErrorIs(t, RoutingRule{Name: "r", Weight: 0}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, RoutingRule{Name: "r", Weight: 11}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, RoutingRule{Weight: 1}.Validate(), ErrInvalidInput)
}

func TestWorkflowDefinitionValidate(t *testing.T) {
	valid := WorkflowDefinition{
		Name: "wf",
		Type: WorkflowSequential,
		Steps: []WorkflowStep{
			{StepID: "a"},
			{StepID: "b", DependsOn: []string{"a"}},
		},
	}
	assert.NoError(t, valid.Validate())

	dup := valid.Clone()
	dup.Steps[1].StepID = "a"
	assert.ErrorIs(t, dup.Validate(), ErrInvalidInput)

	unknown := valid.Clone()
	unknown.Steps[1].DependsOn = []string{"zzz"}
	assert.ErrorIs(t, unknown.Validate(), ErrInvalidInput)

	cycle := valid.Clone()
	cycle.Steps[0].DependsOn = []string{"b"}
	err := cycle.Validate()
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "cycle")

	retries := valid.Clone()
	retries.Steps[0].MaxRetries = 11
	assert.ErrorIs(t, retries.Validate(), ErrInvalidInput)

	empty := WorkflowDefinition{Name: "x"}
	assert.ErrorIs(t, empty.Validate(), ErrInvalidInput)
}

func TestEventTypeMatches(t *testing.T) {
	assert.True(t, EventTaskCompleted.Matches("task.completed"))
	assert.True(t, EventTaskCompleted.Matches("task.*"))
	assert.True(t, EventWorkflowStepFailed.Matches("workflow.*"))
	assert.False(t, EventTaskCompleted.Matches("workflow.*"))
	assert.False(t, EventType("taskx.done").Matches("task.*"))
}

func TestCoordinationRequestNormalize(t *testing.T) {
	r := CoordinationRequest{Title: "t", Type: "bogus"}.Normalize()
	assert.Equal(t, CoordinationTask, r.Type)
	assert.Equal(t, PriorityMedium, r.Priority)
	assert.Equal(t, DefaultCoordinationTimeout, r.TimeoutMinutes)
	require.NotNil(t, r.MaxRetries)
	assert.Equal(t, DefaultCoordinationRetries, *r.MaxRetries)
	assert.NoError(t, r.Validate())

	r.TimeoutMinutes = 500
	assert.ErrorIs(t, r.Validate(), ErrInvalidInput)

	wf := CoordinationRequest{Title: "t", Type: CoordinationWorkflow}.Normalize()
	assert.ErrorIs(t, wf.Validate(), ErrInvalidInput)
}

func TestNewID(t *testing.T) {
	a, b := NewID("task"), NewID("task")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^task_[0-9a-z]{26}$`, a)
	assert.Len(t, NewAgentID(), 36)
}
