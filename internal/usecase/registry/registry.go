// Package registry holds the agent roster: profiles, live status and the
// capability and category indexes used by candidate selection.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"agentcoord/internal/domain"
)

const busyWorkloadStep = 25

// Registry stores agent profiles keyed by name. All reads return copies.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*domain.AgentProfile
	seq          map[string]int
	nextSeq      int
	byCapability map[string]map[string]struct{}
	byCategory   map[string]map[string]struct{}
	bus          domain.EventBus
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithEventBus publishes agent.* events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		agents:       make(map[string]*domain.AgentProfile),
		seq:          make(map[string]int),
		byCapability: make(map[string]map[string]struct{}),
		byCategory:   make(map[string]map[string]struct{}),
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a profile. Missing fields get defaults: a generated agent
// ID, available status, priority medium and three concurrent tasks.
func (r *Registry) Register(profile domain.AgentProfile) error {
	if err := profile.Validate(); err != nil {
		return domain.NewSubSystemError(domain.SubSystemRegistry, "Registry.Register", domain.ErrInvalidInput, err.Error())
	}

	p := profile.Clone()
	now := r.now()
	if p.AgentID == "" {
		p.AgentID = domain.NewAgentID()
	}
	if p.State.Status == "" {
		p.State.Status = domain.AgentAvailable
	}
	if p.PriorityLevel == "" {
		p.PriorityLevel = domain.PriorityMedium
	}
	if p.MaxConcurrentTasks == 0 {
		p.MaxConcurrentTasks = 3
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.agents[p.Name]; exists {
		r.mu.Unlock()
		return domain.NewSubSystemError(domain.SubSystemRegistry, "Registry.Register", domain.ErrDuplicate, p.Name)
	}
	r.agents[p.Name] = &p
	r.seq[p.Name] = r.nextSeq
	r.nextSeq++
	r.index(&p)
	r.mu.Unlock()

	r.logger.Debug("agent registered", "agent", p.Name, "category", p.Category)
	r.publish(domain.EventAgentRegistered, p)
	return nil
}

// Unregister removes an agent and its index entries.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	p, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return domain.NewSubSystemError(domain.SubSystemRegistry, "Registry.Unregister", domain.ErrNotFound, name)
	}
	r.unindex(p)
	delete(r.agents, name)
	delete(r.seq, name)
	snapshot := p.Clone()
	r.mu.Unlock()

	r.logger.Info("agent unregistered", "agent", name)
	r.publish(domain.EventAgentUnregistered, snapshot)
	return nil
}

// index must be called with r.mu held.
func (r *Registry) index(p *domain.AgentProfile) {
	addTo(r.byCategory, p.Category, p.Name)
	for _, c := range p.Capabilities {
		addTo(r.byCapability, c.Name, p.Name)
	}
}

// unindex must be called with r.mu held.
func (r *Registry) unindex(p *domain.AgentProfile) {
	removeFrom(r.byCategory, p.Category, p.Name)
	for _, c := range p.Capabilities {
		removeFrom(r.byCapability, c.Name, p.Name)
	}
}

func addTo(idx map[string]map[string]struct{}, key, name string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[name] = struct{}{}
}

func removeFrom(idx map[string]map[string]struct{}, key, name string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, name)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// Get returns a copy of the named agent.
func (r *Registry) Get(name string) (domain.AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.agents[name]
	if !ok {
		return domain.AgentProfile{}, domain.NewSubSystemError(domain.SubSystemRegistry, "Registry.Get", domain.ErrNotFound, name)
	}
	return p.Clone(), nil
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// List returns every agent in registration order.
func (r *Registry) List() []domain.AgentProfile {
	return r.filter(func(*domain.AgentProfile) bool { return true })
}

// ByCapability returns agents declaring the capability, in registration order.
func (r *Registry) ByCapability(capability string) []domain.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fromSet(r.byCapability[capability])
}

// ByCategory returns agents in the category, in registration order.
func (r *Registry) ByCategory(category string) []domain.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fromSet(r.byCategory[category])
}

// ByPriority returns agents whose priority level equals level.
func (r *Registry) ByPriority(level domain.PriorityLevel) []domain.AgentProfile {
	return r.filter(func(p *domain.AgentProfile) bool { return p.PriorityLevel == level })
}

// Available returns agents whose status is available.
func (r *Registry) Available() []domain.AgentProfile {
	return r.filter(func(p *domain.AgentProfile) bool { return p.IsAvailable() })
}

// Search matches query case-insensitively against name, display name,
// capability names and descriptions, and tags. Each agent appears once.
func (r *Registry) Search(query string) []domain.AgentProfile {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	return r.filter(func(p *domain.AgentProfile) bool {
		if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.DisplayName), q) {
			return true
		}
		for _, c := range p.Capabilities {
			if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(strings.ToLower(c.Description), q) {
				return true
			}
		}
		return slices.ContainsFunc(p.Tags, func(tag string) bool {
			return strings.Contains(strings.ToLower(tag), q)
		})
	})
}

// fromSet must be called with r.mu held.
func (r *Registry) fromSet(set map[string]struct{}) []domain.AgentProfile {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int { return r.seq[a] - r.seq[b] })
	out := make([]domain.AgentProfile, 0, len(names))
	for _, name := range names {
		out = append(out, r.agents[name].Clone())
	}
	return out
}

func (r *Registry) filter(keep func(*domain.AgentProfile) bool) []domain.AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.AgentProfile
	for _, p := range r.agents {
		if keep(p) {
			matched = append(matched, p)
		}
	}
	slices.SortFunc(matched, func(a, b *domain.AgentProfile) int { return r.seq[a.Name] - r.seq[b.Name] })
	out := make([]domain.AgentProfile, len(matched))
	for i, p := range matched {
		out[i] = p.Clone()
	}
	return out
}

// UpdateStatus sets an agent's status. Busy raises the workload by 25
// points; available resets it and clears the current task. An unknown
// agent or status is logged and ignored.
func (r *Registry) UpdateStatus(name string, status domain.AgentStatus, currentTask string) {
	if !status.Valid() {
		r.logger.Warn("ignoring unknown agent status", "agent", name, "status", string(status))
		return
	}

	r.mu.Lock()
	p, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("status update for unknown agent", "agent", name, "status", string(status))
		return
	}
	changed := p.State.Status != status
	p.State.Status = status
	p.State.CurrentTask = currentTask
	switch status {
	case domain.AgentBusy:
		p.State.WorkloadPercentage = min(100, p.State.WorkloadPercentage+busyWorkloadStep)
	case domain.AgentAvailable:
		p.State.WorkloadPercentage = 0
		p.State.CurrentTask = ""
	}
	p.UpdatedAt = r.now()
	snapshot := p.Clone()
	r.mu.Unlock()

	if changed {
		r.publish(domain.EventAgentStatusChanged, snapshot)
	}
}

// SetWorkload records the agent's workload percentage and current task as
// computed by the task coordinator. The status follows the workload: an
// agent at capacity is busy, an agent below it is available again. Offline
// and maintenance agents keep their status.
func (r *Registry) SetWorkload(name string, percentage float64, currentTask string) {
	r.mu.Lock()
	p, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("workload update for unknown agent", "agent", name)
		return
	}
	prev := p.State.Status
	p.State.WorkloadPercentage = max(0, min(100, percentage))
	p.State.CurrentTask = currentTask
	if prev == domain.AgentAvailable || prev == domain.AgentBusy {
		if p.State.WorkloadPercentage >= 100 {
			p.State.Status = domain.AgentBusy
		} else {
			p.State.Status = domain.AgentAvailable
		}
	}
	p.UpdatedAt = r.now()
	changed := p.State.Status != prev
	snapshot := p.Clone()
	r.mu.Unlock()

	if changed {
		r.publish(domain.EventAgentStatusChanged, snapshot)
	}
}

// UpdateMetrics merges a partial metrics update. An unknown agent is
// logged and ignored.
func (r *Registry) UpdateMetrics(name string, update domain.MetricsUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[name]
	if !ok {
		r.logger.Warn("metrics update for unknown agent", "agent", name)
		return
	}
	update.Apply(&p.Metrics)
	p.UpdatedAt = r.now()
}

// Stats summarizes the registry.
func (r *Registry) Stats() domain.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.RegistryStats{
		Total:                len(r.agents),
		CategoryDistribution: make(map[string]int, len(r.byCategory)),
	}
	var reliability float64
	for _, p := range r.agents {
		switch p.State.Status {
		case domain.AgentAvailable:
			stats.Available++
		case domain.AgentBusy:
			stats.Busy++
		}
		reliability += p.Metrics.ReliabilityScore
	}
	for cat, set := range r.byCategory {
		stats.CategoryDistribution[cat] = len(set)
	}
	if stats.Total > 0 {
		stats.AverageReliability = reliability / float64(stats.Total)
	}
	return stats
}

func (r *Registry) publish(t domain.EventType, p domain.AgentProfile) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(context.Background(), domain.NewEvent(t, p.Name, domain.AgentEventPayload{
		Agent:       p.Name,
		Category:    p.Category,
		Status:      p.State.Status,
		CurrentTask: p.State.CurrentTask,
	}))
}
