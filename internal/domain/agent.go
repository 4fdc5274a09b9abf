package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// AgentStatus is the live availability state of an agent.
type AgentStatus string

const (
	AgentAvailable   AgentStatus = "available"
	AgentBusy        AgentStatus = "busy"
	AgentOffline     AgentStatus = "offline"
	AgentMaintenance AgentStatus = "maintenance"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentOffline, AgentMaintenance:
		return true
	}
	return false
}

// PriorityLevel is shared by agents (how important the agent is) and tasks
// (how urgent the work is).
type PriorityLevel string

const (
	PriorityCritical PriorityLevel = "critical"
	PriorityHigh     PriorityLevel = "high"
	PriorityMedium   PriorityLevel = "medium"
	PriorityLow      PriorityLevel = "low"
)

// Priorities lists every priority level, most urgent first.
var Priorities = []PriorityLevel{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank orders priorities: critical is 0, low is 3. Unknown levels rank last.
func (p PriorityLevel) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is a known priority level.
func (p PriorityLevel) Valid() bool { return p.Rank() < 4 }

// ParsePriority converts a case-insensitive string to a PriorityLevel.
// An empty string yields medium.
func ParsePriority(s string) (PriorityLevel, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := PriorityLevel(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
	}
	return p, nil
}

// AgentCapability is a named skill held at a proficiency between 1 and 10.
type AgentCapability struct {
	Name        string `json:"name" yaml:"name"`
	Proficiency int    `json:"proficiency" yaml:"proficiency"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// AgentMetrics holds performance counters for one agent.
// AverageCompletionTime is expressed in minutes.
type AgentMetrics struct {
	ReliabilityScore      float64   `json:"reliability_score" yaml:"reliability_score"`
	SuccessRate           float64   `json:"success_rate" yaml:"success_rate"`
	AverageCompletionTime float64   `json:"average_completion_time" yaml:"average_completion_time"`
	TotalTasksCompleted   int       `json:"total_tasks_completed" yaml:"total_tasks_completed"`
	TotalTasksFailed      int       `json:"total_tasks_failed" yaml:"total_tasks_failed"`
	LastActivity          time.Time `json:"last_activity,omitzero" yaml:"last_activity,omitempty"`
}

// MetricsUpdate is a partial AgentMetrics; nil fields are left untouched.
type MetricsUpdate struct {
	ReliabilityScore      *float64
	SuccessRate           *float64
	AverageCompletionTime *float64
	TotalTasksCompleted   *int
	TotalTasksFailed      *int
	LastActivity          *time.Time
}

// Apply merges the non-nil fields of u into m.
func (u MetricsUpdate) Apply(m *AgentMetrics) {
	if u.ReliabilityScore != nil {
		m.ReliabilityScore = clamp(*u.ReliabilityScore, 0, 100)
	}
	if u.SuccessRate != nil {
		m.SuccessRate = clamp(*u.SuccessRate, 0, 100)
	}
	if u.AverageCompletionTime != nil {
		m.AverageCompletionTime = *u.AverageCompletionTime
	}
	if u.TotalTasksCompleted != nil {
		m.TotalTasksCompleted = *u.TotalTasksCompleted
	}
	if u.TotalTasksFailed != nil {
		m.TotalTasksFailed = *u.TotalTasksFailed
	}
	if u.LastActivity != nil {
		m.LastActivity = *u.LastActivity
	}
}

// AgentState is the live status block of an agent.
type AgentState struct {
	Status             AgentStatus `json:"status" yaml:"status"`
	CurrentTask        string      `json:"current_task,omitempty" yaml:"current_task,omitempty"`
	WorkloadPercentage float64     `json:"workload_percentage" yaml:"workload_percentage"`
}

// AgentProfile describes one agent. Other components refer to an agent by
// Name only; the registry owns the profile.
type AgentProfile struct {
	AgentID                  string            `json:"agent_id" yaml:"agent_id"`
	Name                     string            `json:"name" yaml:"name"`
	DisplayName              string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Category                 string            `json:"category" yaml:"category"`
	Role                     string            `json:"role,omitempty" yaml:"role,omitempty"`
	Capabilities             []AgentCapability `json:"capabilities" yaml:"capabilities"`
	Metrics                  AgentMetrics      `json:"metrics" yaml:"metrics"`
	State                    AgentState        `json:"state" yaml:"state"`
	MaxConcurrentTasks       int               `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	PriorityLevel            PriorityLevel     `json:"priority_level" yaml:"priority_level"`
	Tags                     []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	CollaborationPreferences []string          `json:"collaboration_preferences,omitempty" yaml:"collaboration_preferences,omitempty"`
	CreatedAt                time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt                time.Time         `json:"updated_at" yaml:"-"`
}

// Capability returns the named capability, if the agent has it.
func (a AgentProfile) Capability(name string) (AgentCapability, bool) {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return AgentCapability{}, false
}

// HasCapability reports whether the agent declares the named capability.
func (a AgentProfile) HasCapability(name string) bool {
	_, ok := a.Capability(name)
	return ok
}

// IsAvailable reports whether the agent can take new work right now.
func (a AgentProfile) IsAvailable() bool {
	return a.State.Status == AgentAvailable
}

// Clone returns a deep copy so callers never share slices with the registry.
func (a AgentProfile) Clone() AgentProfile {
	c := a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.Tags = slices.Clone(a.Tags)
	c.CollaborationPreferences = slices.Clone(a.CollaborationPreferences)
	return c
}

// Validate checks structural constraints on a profile before registration.
func (a AgentProfile) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: agent name is required", ErrInvalidInput)
	}
	if a.MaxConcurrentTasks < 0 {
		return fmt.Errorf("%w: agent %s: max_concurrent_tasks must be >= 0", ErrInvalidInput, a.Name)
	}
	if a.PriorityLevel != "" && !a.PriorityLevel.Valid() {
		return fmt.Errorf("%w: agent %s: unknown priority %q", ErrInvalidInput, a.Name, a.PriorityLevel)
	}
	for _, c := range a.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("%w: agent %s: capability name is required", ErrInvalidInput, a.Name)
		}
		if c.Proficiency < 1 || c.Proficiency > 10 {
			return fmt.Errorf("%w: agent %s: capability %s proficiency %d out of range 1-10",
				ErrInvalidInput, a.Name, c.Name, c.Proficiency)
		}
	}
	return nil
}

// RegistryStats summarizes the registry.
type RegistryStats struct {
	Total                int            `json:"total"`
	Available            int            `json:"available"`
	Busy                 int            `json:"busy"`
	CategoryDistribution map[string]int `json:"category_distribution"`
	AverageReliability   float64        `json:"average_reliability"`
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
