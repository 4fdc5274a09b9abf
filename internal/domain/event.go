package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentRegistered    EventType = "agent.registered"
	EventAgentUnregistered  EventType = "agent.unregistered"
	EventAgentStatusChanged EventType = "agent.status_changed"

	EventTaskCreated   EventType = "task.created"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"

	EventRoutingDecided EventType = "routing.decided"
	EventRulesReloaded  EventType = "routing.rules_reloaded"

	EventWorkflowStarted       EventType = "workflow.started"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkflowCancelled     EventType = "workflow.cancelled"
	EventWorkflowStepStarted   EventType = "workflow.step.started"
	EventWorkflowStepCompleted EventType = "workflow.step.completed"
	EventWorkflowStepFailed    EventType = "workflow.step.failed"
	EventWorkflowStepSkipped   EventType = "workflow.step.skipped"

	EventCoordinationCreated   EventType = "coordination.created"
	EventCoordinationTriggered EventType = "coordination.triggered"
	EventCoordinationCancelled EventType = "coordination.cancelled"
)

// Matches reports whether t matches pattern. A pattern ending in ".*"
// matches every type under that prefix.
func (t EventType) Matches(pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(string(t), prefix+".")
	}
	return string(t) == pattern
}

// Event is the envelope published on the event bus.
type Event struct {
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event. A payload that cannot be
// marshaled is dropped and the event is still returned.
func NewEvent(t EventType, correlationID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), CorrelationID: correlationID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// AgentEventPayload describes an agent registry event.
type AgentEventPayload struct {
	Agent       string      `json:"agent"`
	Category    string      `json:"category,omitempty"`
	Status      AgentStatus `json:"status,omitempty"`
	CurrentTask string      `json:"current_task,omitempty"`
}

// TaskEventPayload describes a task lifecycle event.
type TaskEventPayload struct {
	TaskID          string        `json:"task_id"`
	Title           string        `json:"title"`
	Description     string        `json:"description,omitempty"`
	Agent           string        `json:"agent,omitempty"`
	Status          TaskStatus    `json:"status"`
	Priority        PriorityLevel `json:"priority,omitempty"`
	Error           string        `json:"error,omitempty"`
	Retry           bool          `json:"retry,omitempty"`
	DurationSeconds float64       `json:"duration_seconds,omitempty"`
}

// WorkflowEventPayload describes a workflow or step event.
type WorkflowEventPayload struct {
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Status      WorkflowStatus `json:"status,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	SuccessRate float64        `json:"success_rate,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// CoordinationEventPayload describes a coordination event.
type CoordinationEventPayload struct {
	CoordinationID string             `json:"coordination_id"`
	RequestID      string             `json:"request_id,omitempty"`
	Type           CoordinationType   `json:"coordination_type"`
	Status         CoordinationStatus `json:"status"`
	TaskIDs        []string           `json:"task_ids,omitempty"`
	WorkflowID     string             `json:"workflow_id,omitempty"`
	Trigger        EventType          `json:"trigger,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for an event type or a "prefix.*" pattern.
	// Returns an unsubscribe function.
	Subscribe(pattern string, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
