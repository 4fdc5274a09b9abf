package domain

import (
	"fmt"
	"strings"
	"time"
)

// CoordinationType selects how a coordination request is carried out.
type CoordinationType string

const (
	CoordinationTask       CoordinationType = "task"
	CoordinationMultiAgent CoordinationType = "multi_agent"
	CoordinationReactive   CoordinationType = "reactive"
	CoordinationWorkflow   CoordinationType = "workflow"
)

// CoordinationStatus is the state of a coordination.
type CoordinationStatus string

const (
	CoordinationAccepted   CoordinationStatus = "accepted"
	CoordinationMonitoring CoordinationStatus = "monitoring"
	CoordinationInProgress CoordinationStatus = "in_progress"
	CoordinationCompleted  CoordinationStatus = "completed"
	CoordinationFailed     CoordinationStatus = "failed"
	CoordinationCancelled  CoordinationStatus = "cancelled"
	CoordinationNotFound   CoordinationStatus = "not_found"
)

// CoordinationRequest is the single entry point payload of the engine.
type CoordinationRequest struct {
	RequestID                string              `json:"request_id,omitempty"`
	Title                    string              `json:"title"`
	Description              string              `json:"description"`
	Type                     CoordinationType    `json:"coordination_type,omitempty"`
	Priority                 PriorityLevel       `json:"priority,omitempty"`
	RequiredCapabilities     []string            `json:"required_capabilities,omitempty"`
	PreferredAgents          []string            `json:"preferred_agents,omitempty"`
	ExcludedAgents           []string            `json:"excluded_agents,omitempty"`
	TimeoutMinutes           int                 `json:"timeout_minutes,omitempty"`
	MaxRetries               *int                `json:"max_retries,omitempty"`
	Metadata                 map[string]any      `json:"metadata,omitempty"`
	WorkflowTemplate         string              `json:"workflow_template,omitempty"`
	TemplateParameters       map[string]any      `json:"template_parameters,omitempty"`
	CustomWorkflow           *WorkflowDefinition `json:"custom_workflow,omitempty"`
	EstimatedDurationMinutes int                 `json:"estimated_duration_minutes,omitempty"`
	Strategy                 RoutingStrategy     `json:"strategy,omitempty"`
}

// Coordination request defaults and limits.
const (
	DefaultCoordinationTimeout = 60
	MaxCoordinationTimeout     = 480
	DefaultCoordinationRetries = 2
	MaxCoordinationRetries     = 10
)

// Normalize fills defaults. Unknown coordination types fall back to task.
func (r CoordinationRequest) Normalize() CoordinationRequest {
	switch r.Type {
	case CoordinationTask, CoordinationMultiAgent, CoordinationReactive, CoordinationWorkflow:
	default:
		r.Type = CoordinationTask
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if r.TimeoutMinutes == 0 {
		r.TimeoutMinutes = DefaultCoordinationTimeout
	}
	if r.MaxRetries == nil {
		n := DefaultCoordinationRetries
		r.MaxRetries = &n
	}
	return r
}

// Validate checks a normalized request.
func (r CoordinationRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: coordination title is required", ErrInvalidInput)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, r.Priority)
	}
	if r.TimeoutMinutes < 1 || r.TimeoutMinutes > MaxCoordinationTimeout {
		return fmt.Errorf("%w: timeout_minutes %d out of range 1-%d", ErrInvalidInput, r.TimeoutMinutes, MaxCoordinationTimeout)
	}
	if r.MaxRetries != nil && (*r.MaxRetries < 0 || *r.MaxRetries > MaxCoordinationRetries) {
		return fmt.Errorf("%w: max_retries %d out of range 0-%d", ErrInvalidInput, *r.MaxRetries, MaxCoordinationRetries)
	}
	if r.Type == CoordinationWorkflow && r.WorkflowTemplate == "" && r.CustomWorkflow == nil {
		return fmt.Errorf("%w: workflow coordination needs workflow_template or custom_workflow", ErrInvalidInput)
	}
	return nil
}

// CoordinationResponse is returned by the coordination entry point.
type CoordinationResponse struct {
	RequestID       string             `json:"request_id"`
	CoordinationID  string             `json:"coordination_id"`
	Status          CoordinationStatus `json:"status"`
	AssignedAgents  []string           `json:"assigned_agents"`
	TaskIDs         []string           `json:"task_ids"`
	WorkflowID      string             `json:"workflow_id,omitempty"`
	ExecutionID     string             `json:"execution_id,omitempty"`
	ConfidenceScore float64            `json:"confidence_score"`
	Plan            map[string]any     `json:"coordination_plan"`
	ResponseTime    time.Duration      `json:"response_time"`
	Error           string             `json:"error,omitempty"`
}

// CoordinationReport is the status view of one coordination.
type CoordinationReport struct {
	CoordinationID string             `json:"coordination_id"`
	Type           CoordinationType   `json:"coordination_type"`
	Status         CoordinationStatus `json:"status"`
	Progress       float64            `json:"progress"`
	AssignedAgents []string           `json:"assigned_agents,omitempty"`
	TaskIDs        []string           `json:"task_ids,omitempty"`
	WorkflowID     string             `json:"workflow_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// ServiceHealth reports whether the coordination service is wired and running.
type ServiceHealth struct {
	Running             bool            `json:"running"`
	Components          map[string]bool `json:"components_initialized"`
	ActiveCoordinations int             `json:"active_coordinations"`
	MonitoredTriggers   int             `json:"monitored_triggers"`
}
