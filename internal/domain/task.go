package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// DependencyType controls how a dependency gates a task.
type DependencyType string

const (
	DependencyPrerequisite DependencyType = "prerequisite"
	DependencyOptional     DependencyType = "optional"
	DependencyBlocking     DependencyType = "blocking"
)

// TaskRequirement is one capability a task needs.
type TaskRequirement struct {
	Capability         string  `json:"capability" yaml:"capability"`
	MinimumProficiency int     `json:"minimum_proficiency" yaml:"minimum_proficiency"`
	Required           bool    `json:"required" yaml:"required"`
	Weight             float64 `json:"weight" yaml:"weight"`
}

// Requirement builds a required TaskRequirement with weight 1.
func Requirement(capability string, minProficiency int) TaskRequirement {
	return TaskRequirement{Capability: capability, MinimumProficiency: minProficiency, Required: true, Weight: 1}
}

// Normalize fills defaults and clamps values into their documented ranges.
func (r TaskRequirement) Normalize() TaskRequirement {
	if r.MinimumProficiency < 1 {
		r.MinimumProficiency = 1
	}
	if r.MinimumProficiency > 10 {
		r.MinimumProficiency = 10
	}
	if r.Weight == 0 {
		r.Weight = 1
	}
	r.Weight = clamp(r.Weight, 0.1, 10)
	return r
}

// TaskDependency links a task to another task it waits on.
type TaskDependency struct {
	TaskID string         `json:"task_id" yaml:"task_id"`
	Type   DependencyType `json:"dependency_type" yaml:"dependency_type"`
	Status TaskStatus     `json:"status" yaml:"status"`
}

// TaskDefinition is a unit of work owned by the task coordinator.
type TaskDefinition struct {
	TaskID                   string            `json:"task_id"`
	Title                    string            `json:"title"`
	Description              string            `json:"description"`
	Priority                 PriorityLevel     `json:"priority"`
	ComplexityScore          int               `json:"complexity_score"`
	Requirements             []TaskRequirement `json:"requirements"`
	PreferredAgents          []string          `json:"preferred_agents,omitempty"`
	ExcludedAgents           []string          `json:"excluded_agents,omitempty"`
	Dependencies             []TaskDependency  `json:"dependencies,omitempty"`
	EstimatedDurationMinutes int               `json:"estimated_duration_minutes,omitempty"`
	MaxConcurrentAgents      int               `json:"max_concurrent_agents"`
	Status                   TaskStatus        `json:"status"`
	AssignedAgents           []string          `json:"assigned_agents,omitempty"`
	CreatedAt                time.Time         `json:"created_at"`
	AssignedAt               time.Time         `json:"assigned_at,omitzero"`
	StartedAt                time.Time         `json:"started_at,omitzero"`
	CompletedAt              time.Time         `json:"completed_at,omitzero"`
	ResultData               map[string]any    `json:"result_data,omitempty"`
	FeedbackScore            *float64          `json:"feedback_score,omitempty"`
	ErrorMessage             string            `json:"error_message,omitempty"`
	Metadata                 map[string]string `json:"metadata,omitempty"`
}

// IsPreferred reports whether agent is on the preferred list.
func (t TaskDefinition) IsPreferred(agent string) bool {
	return slices.Contains(t.PreferredAgents, agent)
}

// IsExcluded reports whether agent is on the excluded list.
func (t TaskDefinition) IsExcluded(agent string) bool {
	return slices.Contains(t.ExcludedAgents, agent)
}

// IsAssignedTo reports whether agent currently holds the task.
func (t TaskDefinition) IsAssignedTo(agent string) bool {
	return slices.Contains(t.AssignedAgents, agent)
}

// RequiredCapabilities returns the capability names of all requirements.
func (t TaskDefinition) RequiredCapabilities() []string {
	out := make([]string, 0, len(t.Requirements))
	for _, r := range t.Requirements {
		out = append(out, r.Capability)
	}
	return out
}

// Text returns the lower-cased title and description for keyword matching.
func (t TaskDefinition) Text() string {
	return strings.ToLower(t.Title + " " + t.Description)
}

// Clone returns a deep copy of the task.
func (t TaskDefinition) Clone() TaskDefinition {
	c := t
	c.Requirements = slices.Clone(t.Requirements)
	c.PreferredAgents = slices.Clone(t.PreferredAgents)
	c.ExcludedAgents = slices.Clone(t.ExcludedAgents)
	c.Dependencies = slices.Clone(t.Dependencies)
	c.AssignedAgents = slices.Clone(t.AssignedAgents)
	c.ResultData = maps.Clone(t.ResultData)
	c.Metadata = maps.Clone(t.Metadata)
	if t.FeedbackScore != nil {
		f := *t.FeedbackScore
		c.FeedbackScore = &f
	}
	return c
}

// TaskSpec is the caller-supplied input for creating a task.
type TaskSpec struct {
	Title                    string            `json:"title" yaml:"title"`
	Description              string            `json:"description" yaml:"description"`
	Priority                 PriorityLevel     `json:"priority" yaml:"priority"`
	ComplexityScore          int               `json:"complexity_score" yaml:"complexity_score"`
	Requirements             []TaskRequirement `json:"requirements" yaml:"requirements"`
	PreferredAgents          []string          `json:"preferred_agents,omitempty" yaml:"preferred_agents,omitempty"`
	ExcludedAgents           []string          `json:"excluded_agents,omitempty" yaml:"excluded_agents,omitempty"`
	Dependencies             []TaskDependency  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	EstimatedDurationMinutes int               `json:"estimated_duration_minutes,omitempty" yaml:"estimated_duration_minutes,omitempty"`
	MaxConcurrentAgents      int               `json:"max_concurrent_agents,omitempty" yaml:"max_concurrent_agents,omitempty"`
	Metadata                 map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks a TaskSpec for malformed input.
func (s TaskSpec) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: task title is required", ErrInvalidInput)
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return fmt.Errorf("%w: unknown task priority %q", ErrInvalidInput, s.Priority)
	}
	if s.ComplexityScore < 0 || s.ComplexityScore > 10 {
		return fmt.Errorf("%w: complexity_score %d out of range 1-10", ErrInvalidInput, s.ComplexityScore)
	}
	for _, r := range s.Requirements {
		if r.Capability == "" {
			return fmt.Errorf("%w: requirement capability is required", ErrInvalidInput)
		}
	}
	for _, d := range s.Dependencies {
		if d.TaskID == "" {
			return fmt.Errorf("%w: dependency task_id is required", ErrInvalidInput)
		}
	}
	return nil
}

// AgentAssignment is one scored candidate for a task.
type AgentAssignment struct {
	TaskID              string   `json:"task_id"`
	AgentName           string   `json:"agent_name"`
	Score               float64  `json:"assignment_score"`
	Reason              string   `json:"reason"`
	MatchedCapabilities []string `json:"matched_capabilities,omitempty"`
}

// Workload is an agent's share of the coordinator's tasks. Assigned counts
// every non-terminal task held by the agent; Active counts those in progress.
type Workload struct {
	Agent    string   `json:"agent"`
	Assigned int      `json:"assigned_tasks"`
	Active   int      `json:"active_tasks"`
	Tasks    []string `json:"tasks"`
}

// QueueStatus summarizes the coordinator's task sets.
type QueueStatus struct {
	Queued     int                   `json:"queued"`
	Active     int                   `json:"active"`
	Completed  int                   `json:"completed"`
	Failed     int                   `json:"failed"`
	Cancelled  int                   `json:"cancelled"`
	ByPriority map[PriorityLevel]int `json:"by_priority"`
}
