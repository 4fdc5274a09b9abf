package domain

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
)

// WorkflowType selects how a workflow's steps are scheduled.
type WorkflowType string

const (
	WorkflowSequential  WorkflowType = "sequential"
	WorkflowParallel    WorkflowType = "parallel"
	WorkflowPipeline    WorkflowType = "pipeline"
	WorkflowConditional WorkflowType = "conditional"
	WorkflowReactive    WorkflowType = "reactive"
)

// Valid reports whether t is a known workflow type.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowSequential, WorkflowParallel, WorkflowPipeline, WorkflowConditional, WorkflowReactive:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the workflow has finished.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// StepStatus is the lifecycle state of a workflow step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Step conditions understood by conditional workflows.
const (
	ConditionPreviousStepSuccess = "previous_step_success"
	ConditionAgentAvailable      = "agent_available:"
)

// WorkflowStep is one unit of a workflow. TaskID refers to the coordinator
// task materialized for the step's current attempt.
type WorkflowStep struct {
	StepID                   string         `json:"step_id" yaml:"step_id"`
	Name                     string         `json:"name" yaml:"name"`
	Description              string         `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredCapabilities     []string       `json:"required_capabilities" yaml:"required_capabilities"`
	PreferredAgents          []string       `json:"preferred_agents,omitempty" yaml:"preferred_agents,omitempty"`
	DependsOn                []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Conditions               []string       `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	MaxRetries               int            `json:"max_retries" yaml:"max_retries"`
	EstimatedDurationMinutes int            `json:"estimated_duration_minutes,omitempty" yaml:"estimated_duration_minutes,omitempty"`
	Parameters               map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	Status        StepStatus     `json:"status" yaml:"-"`
	AssignedAgent string         `json:"assigned_agent,omitempty" yaml:"-"`
	TaskID        string         `json:"task_id,omitempty" yaml:"-"`
	RetryCount    int            `json:"retry_count" yaml:"-"`
	StartedAt     time.Time      `json:"started_at,omitzero" yaml:"-"`
	CompletedAt   time.Time      `json:"completed_at,omitzero" yaml:"-"`
	ResultData    map[string]any `json:"result_data,omitempty" yaml:"-"`
	ErrorMessage  string         `json:"error_message,omitempty" yaml:"-"`
}

// WorkflowDefinition is a named, reusable set of steps.
type WorkflowDefinition struct {
	WorkflowID           string         `json:"workflow_id" yaml:"workflow_id,omitempty"`
	Name                 string         `json:"name" yaml:"name"`
	Description          string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type                 WorkflowType   `json:"workflow_type" yaml:"workflow_type"`
	Priority             PriorityLevel  `json:"priority" yaml:"priority"`
	Category             string         `json:"category,omitempty" yaml:"category,omitempty"`
	TemplateName         string         `json:"template_name,omitempty" yaml:"-"`
	Steps                []WorkflowStep `json:"steps" yaml:"steps"`
	MaxConcurrentSteps   int            `json:"max_concurrent_steps" yaml:"max_concurrent_steps"`
	TimeoutMinutes       int            `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`
	AutoRetryFailedSteps bool           `json:"auto_retry_failed_steps" yaml:"auto_retry_failed_steps"`
	AllowPartialSuccess  bool           `json:"allow_partial_success" yaml:"allow_partial_success"`
	Tags                 []string       `json:"tags,omitempty" yaml:"tags,omitempty"`

	Status      WorkflowStatus `json:"status" yaml:"-"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	StartedAt   time.Time      `json:"started_at,omitzero" yaml:"-"`
	CompletedAt time.Time      `json:"completed_at,omitzero" yaml:"-"`
}

// Step returns a pointer to the step with the given id.
func (w *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].StepID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (w WorkflowDefinition) Clone() WorkflowDefinition {
	c := w
	c.Tags = slices.Clone(w.Tags)
	c.Steps = make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		s.RequiredCapabilities = slices.Clone(s.RequiredCapabilities)
		s.PreferredAgents = slices.Clone(s.PreferredAgents)
		s.DependsOn = slices.Clone(s.DependsOn)
		s.Conditions = slices.Clone(s.Conditions)
		s.Parameters = maps.Clone(s.Parameters)
		s.ResultData = maps.Clone(s.ResultData)
		c.Steps[i] = s
	}
	return c
}

// Validate checks step ids are unique, dependencies exist, the dependency
// graph is acyclic and numeric limits are in range.
func (w WorkflowDefinition) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalidInput)
	}
	if w.Type != "" && !w.Type.Valid() {
		return fmt.Errorf("%w: unknown workflow type %q", ErrInvalidInput, w.Type)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: workflow %s has no steps", ErrInvalidInput, w.Name)
	}
	if w.MaxConcurrentSteps < 0 || w.MaxConcurrentSteps > 10 {
		return fmt.Errorf("%w: max_concurrent_steps %d out of range 1-10", ErrInvalidInput, w.MaxConcurrentSteps)
	}
	if w.TimeoutMinutes < 0 {
		return fmt.Errorf("%w: timeout_minutes must be >= 0", ErrInvalidInput)
	}

	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.StepID == "" {
			return fmt.Errorf("%w: step %q has no step_id", ErrInvalidInput, s.Name)
		}
		if ids[s.StepID] {
			return fmt.Errorf("%w: duplicate step_id %q", ErrInvalidInput, s.StepID)
		}
		if s.MaxRetries < 0 || s.MaxRetries > 10 {
			return fmt.Errorf("%w: step %s: max_retries %d out of range 0-10", ErrInvalidInput, s.StepID, s.MaxRetries)
		}
		ids[s.StepID] = true
	}

	deps := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		for _, d := range s.DependsOn {
			if !ids[d] {
				return fmt.Errorf("%w: step %s depends on unknown step %q", ErrInvalidInput, s.StepID, d)
			}
		}
		deps[s.StepID] = s.DependsOn
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(w.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle through step %q", ErrInvalidInput, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range w.Steps {
		if err := visit(s.StepID); err != nil {
			return err
		}
	}
	return nil
}

// WorkflowExecution is the runtime record of one run of a workflow.
// StepExecutionTimes are in seconds.
type WorkflowExecution struct {
	ExecutionID        string             `json:"execution_id"`
	WorkflowID         string             `json:"workflow_id"`
	Status             WorkflowStatus     `json:"status"`
	CurrentSteps       []string           `json:"current_step_ids"`
	CompletedSteps     []string           `json:"completed_step_ids"`
	FailedSteps        []string           `json:"failed_step_ids"`
	SkippedSteps       []string           `json:"skipped_step_ids,omitempty"`
	StepAssignments    map[string]string  `json:"step_assignments"`
	StepExecutionTimes map[string]float64 `json:"step_execution_times"`
	StepAttempts       map[string]int     `json:"step_attempts"`
	StartedAt          time.Time          `json:"started_at"`
	CompletedAt        time.Time          `json:"completed_at,omitzero"`
	SuccessRate        float64            `json:"success_rate"`
	Error              string             `json:"error,omitempty"`
}

// Clone returns a deep copy of the execution.
func (e WorkflowExecution) Clone() WorkflowExecution {
	c := e
	c.CurrentSteps = slices.Clone(e.CurrentSteps)
	c.CompletedSteps = slices.Clone(e.CompletedSteps)
	c.FailedSteps = slices.Clone(e.FailedSteps)
	c.SkippedSteps = slices.Clone(e.SkippedSteps)
	c.StepAssignments = maps.Clone(e.StepAssignments)
	c.StepExecutionTimes = maps.Clone(e.StepExecutionTimes)
	c.StepAttempts = maps.Clone(e.StepAttempts)
	return c
}

// WorkflowStatusReport is the caller-facing view of a workflow.
type WorkflowStatusReport struct {
	WorkflowID         string             `json:"workflow_id"`
	Name               string             `json:"name"`
	Status             WorkflowStatus     `json:"status"`
	Progress           float64            `json:"progress"`
	TotalSteps         int                `json:"total_steps"`
	CompletedSteps     int                `json:"completed_steps"`
	FailedSteps        int                `json:"failed_steps"`
	SkippedSteps       int                `json:"skipped_steps"`
	CreatedAt          time.Time          `json:"created_at"`
	StartedAt          time.Time          `json:"started_at,omitzero"`
	CompletedAt        time.Time          `json:"completed_at,omitzero"`
	ExecutionID        string             `json:"execution_id,omitempty"`
	CurrentSteps       []string           `json:"current_steps,omitempty"`
	StepExecutionTimes map[string]float64 `json:"step_execution_times,omitempty"`
}

// EngineStats summarizes the workflow engine.
type EngineStats struct {
	TotalWorkflows     int     `json:"total_workflows"`
	ActiveExecutions   int     `json:"active_executions"`
	CompletedWorkflows int     `json:"completed_workflows"`
	FailedWorkflows    int     `json:"failed_workflows"`
	SuccessRate        float64 `json:"success_rate"`
	AvailableTemplates int     `json:"available_templates"`
}

// WorkflowQuery selects stored workflows. Zero values match everything.
type WorkflowQuery struct {
	Statuses []WorkflowStatus
	Name     string
	Limit    int
}

// Matches reports whether def satisfies the status and name filters.
func (q WorkflowQuery) Matches(def WorkflowDefinition) bool {
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, def.Status) {
		return false
	}
	return q.Name == "" || q.Name == def.Name
}

// WorkflowStore persists workflow definitions together with the history of
// their executions.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, def WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, q WorkflowQuery) ([]WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	SaveExecution(ctx context.Context, rec WorkflowExecution) error
	ListExecutions(ctx context.Context, workflowID string) ([]WorkflowExecution, error)
}
