// Package coordinator owns task lifecycles: creation, candidate scoring,
// assignment and the pending → assigned → in_progress → terminal state
// machine, plus per-agent workload accounting.
package coordinator

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/metrics"
	"agentcoord/internal/infra/tracer"
)

const maxHistory = 1000

// AgentDirectory is the registry surface the coordinator depends on.
type AgentDirectory interface {
	Get(name string) (domain.AgentProfile, error)
	Available() []domain.AgentProfile
	SetWorkload(name string, percentage float64, currentTask string)
	UpdateMetrics(name string, update domain.MetricsUpdate)
}

// Config tunes candidate selection.
type Config struct {
	CandidateLimit int
	MinScore       float64
}

// Coordinator tracks every task from creation to a terminal state.
type Coordinator struct {
	agents AgentDirectory
	cfg    Config
	locks  *taskLocker

	mu          sync.Mutex
	tasks       map[string]*domain.TaskDefinition
	queue       []string // pending task IDs, FIFO
	active      map[string]struct{}
	history     []string // terminal task IDs, oldest first
	assignments map[string][]string

	bus      domain.EventBus
	activity domain.ActivityLog
	recorder *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventBus publishes task.* events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithActivityLog records assignments, completions and failures.
func WithActivityLog(log domain.ActivityLog) Option {
	return func(c *Coordinator) { c.activity = log }
}

// WithRecorder records task operation metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator over agents.
func New(agents AgentDirectory, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 5
	}
	c := &Coordinator{
		agents:      agents,
		cfg:         cfg,
		locks:       newTaskLocker(),
		tasks:       make(map[string]*domain.TaskDefinition),
		active:      make(map[string]struct{}),
		assignments: make(map[string][]string),
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTask submits a task and immediately tries to assign it to the best
// available candidate. A task nobody can take yet stays queued.
func (c *Coordinator) CreateTask(ctx context.Context, spec domain.TaskSpec) (domain.TaskDefinition, error) {
	ctx, span := tracer.StartSpan(ctx, "coordinator.CreateTask")
	task, err := c.Submit(ctx, spec)
	if err != nil {
		tracer.End(span, err)
		return domain.TaskDefinition{}, err
	}
	span.SetAttributes(tracer.StringAttr("task_id", task.TaskID))
	if c.tryAssign(ctx, task.TaskID) {
		task, err = c.Get(task.TaskID)
	}
	tracer.End(span, err)
	return task, err
}

// Submit queues a task without attempting assignment.
func (c *Coordinator) Submit(ctx context.Context, spec domain.TaskSpec) (domain.TaskDefinition, error) {
	if err := spec.Validate(); err != nil {
		c.recorder.TaskOp(ctx, "create", false)
		return domain.TaskDefinition{}, domain.NewSubSystemError(domain.SubSystemCoordinator, "Coordinator.Submit", domain.ErrInvalidInput, err.Error())
	}
	task := c.newTask(spec)

	c.mu.Lock()
	for i, dep := range task.Dependencies {
		if known, ok := c.tasks[dep.TaskID]; ok {
			task.Dependencies[i].Status = known.Status
		}
	}
	c.tasks[task.TaskID] = task
	c.queue = append(c.queue, task.TaskID)
	snapshot := task.Clone()
	c.mu.Unlock()

	c.logger.Info("task created", "task_id", snapshot.TaskID, "title", snapshot.Title, "priority", string(snapshot.Priority))
	c.recorder.TaskOp(ctx, "create", true)
	c.publish(ctx, domain.EventTaskCreated, snapshot, "", nil)
	return snapshot, nil
}

func (c *Coordinator) newTask(spec domain.TaskSpec) *domain.TaskDefinition {
	t := &domain.TaskDefinition{
		TaskID:                   domain.NewID("task"),
		Title:                    spec.Title,
		Description:              spec.Description,
		Priority:                 cmp.Or(spec.Priority, domain.PriorityMedium),
		ComplexityScore:          cmp.Or(spec.ComplexityScore, 5),
		PreferredAgents:          slices.Clone(spec.PreferredAgents),
		ExcludedAgents:           slices.Clone(spec.ExcludedAgents),
		Dependencies:             slices.Clone(spec.Dependencies),
		EstimatedDurationMinutes: spec.EstimatedDurationMinutes,
		MaxConcurrentAgents:      cmp.Or(spec.MaxConcurrentAgents, 1),
		Status:                   domain.TaskPending,
		CreatedAt:                c.now(),
		Metadata:                 spec.Metadata,
	}
	for _, r := range spec.Requirements {
		t.Requirements = append(t.Requirements, r.Normalize())
	}
	for i := range t.Dependencies {
		t.Dependencies[i].Type = cmp.Or(t.Dependencies[i].Type, domain.DependencyPrerequisite)
		t.Dependencies[i].Status = cmp.Or(t.Dependencies[i].Status, domain.TaskPending)
	}
	return t
}

// FindSuitableAgents scores every available, non-excluded agent and returns
// those at or above the minimum score, best first. Equal scores order by
// agent name. A limit <= 0 uses the configured candidate limit.
func (c *Coordinator) FindSuitableAgents(task domain.TaskDefinition, limit int) []domain.AgentAssignment {
	if limit <= 0 {
		limit = c.cfg.CandidateLimit
	}
	var out []domain.AgentAssignment
	for _, agent := range c.agents.Available() {
		if task.IsExcluded(agent.Name) {
			continue
		}
		score := Score(agent, task)
		if score < c.cfg.MinScore {
			continue
		}
		out = append(out, domain.AgentAssignment{
			TaskID:              task.TaskID,
			AgentName:           agent.Name,
			Score:               score,
			Reason:              Reason(agent, task, score),
			MatchedCapabilities: MatchedCapabilities(agent, task),
		})
	}
	slices.SortFunc(out, func(a, b domain.AgentAssignment) int {
		if a.Score != b.Score {
			return cmp.Compare(b.Score, a.Score)
		}
		return cmp.Compare(a.AgentName, b.AgentName)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// tryAssign assigns a pending task whose prerequisites are met to its best
// candidate. It reports whether the task was assigned.
func (c *Coordinator) tryAssign(ctx context.Context, taskID string) bool {
	task, err := c.Get(taskID)
	if err != nil || task.Status != domain.TaskPending || !prerequisitesMet(task) {
		return false
	}
	candidates := c.FindSuitableAgents(task, 0)
	if len(candidates) == 0 {
		c.logger.Debug("no suitable agent yet", "task_id", taskID)
		return false
	}
	if err := c.Assign(ctx, taskID, candidates[0].AgentName); err != nil {
		return false
	}
	return true
}

// Assign hands a pending task to agent.
func (c *Coordinator) Assign(ctx context.Context, taskID, agentName string) error {
	const op = "Coordinator.Assign"
	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return c.reject(ctx, "assign", domain.WrapOp(op, err))
	}
	defer unlock()

	agent, err := c.agents.Get(agentName)
	if err != nil {
		return c.reject(ctx, "assign", domain.WrapOp(op, err))
	}

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	switch {
	case !ok:
		c.mu.Unlock()
		return c.reject(ctx, "assign", notFound(op, taskID))
	case task.Status != domain.TaskPending:
		c.mu.Unlock()
		return c.reject(ctx, "assign", conflict(op, "task %s is %s", taskID, task.Status))
	case task.IsExcluded(agentName):
		c.mu.Unlock()
		return c.reject(ctx, "assign", conflict(op, "agent %s is excluded from task %s", agentName, taskID))
	case !prerequisitesMet(*task):
		c.mu.Unlock()
		return c.reject(ctx, "assign", domain.NewSubSystemError(domain.SubSystemCoordinator, op, domain.ErrDependencyUnmet, taskID))
	}

	c.queue = slices.DeleteFunc(c.queue, func(id string) bool { return id == taskID })
	task.Status = domain.TaskAssigned
	task.AssignedAgents = []string{agentName}
	task.AssignedAt = c.now()
	c.active[taskID] = struct{}{}
	c.assignments[agentName] = append(c.assignments[agentName], taskID)
	c.syncWorkloadLocked(agent)
	snapshot := task.Clone()
	c.mu.Unlock()

	c.logger.Info("task assigned", "task_id", taskID, "title", snapshot.Title, "agent", agentName)
	c.recorder.TaskOp(ctx, "assign", true)
	c.publish(ctx, domain.EventTaskAssigned, snapshot, agentName, nil)
	c.logActivity(ctx, domain.Activity{
		AgentName:   agentName,
		Type:        domain.ActivityTaskAssignment,
		Description: "task assigned: " + snapshot.Title,
		Metadata:    map[string]any{"task_id": taskID, "priority": string(snapshot.Priority)},
		Success:     true,
	})
	return nil
}

// Start marks an assigned task as in progress.
func (c *Coordinator) Start(ctx context.Context, taskID, agentName string) error {
	const op = "Coordinator.Start"
	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return c.reject(ctx, "start", domain.WrapOp(op, err))
	}
	defer unlock()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	switch {
	case !ok:
		c.mu.Unlock()
		return c.reject(ctx, "start", notFound(op, taskID))
	case task.Status != domain.TaskAssigned:
		c.mu.Unlock()
		return c.reject(ctx, "start", conflict(op, "task %s is %s", taskID, task.Status))
	case !task.IsAssignedTo(agentName):
		c.mu.Unlock()
		return c.reject(ctx, "start", conflict(op, "agent %s is not assigned to task %s", agentName, taskID))
	}
	task.Status = domain.TaskInProgress
	task.StartedAt = c.now()
	snapshot := task.Clone()
	c.mu.Unlock()

	c.logger.Info("task started", "task_id", taskID, "agent", agentName)
	c.recorder.TaskOp(ctx, "start", true)
	c.publish(ctx, domain.EventTaskStarted, snapshot, agentName, nil)
	return nil
}

// Complete finishes an in-progress task, updates the agent's metrics and
// retries assignment of queued tasks that were waiting on it.
func (c *Coordinator) Complete(ctx context.Context, taskID, agentName string, result map[string]any, feedback *float64) error {
	const op = "Coordinator.Complete"
	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return c.reject(ctx, "complete", domain.WrapOp(op, err))
	}

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	switch {
	case !ok:
		c.mu.Unlock()
		unlock()
		return c.reject(ctx, "complete", notFound(op, taskID))
	case task.Status != domain.TaskInProgress:
		c.mu.Unlock()
		unlock()
		return c.reject(ctx, "complete", conflict(op, "task %s is %s", taskID, task.Status))
	case !task.IsAssignedTo(agentName):
		c.mu.Unlock()
		unlock()
		return c.reject(ctx, "complete", conflict(op, "agent %s is not assigned to task %s", agentName, taskID))
	}

	task.Status = domain.TaskCompleted
	task.CompletedAt = c.now()
	task.ResultData = result
	task.FeedbackScore = feedback
	minutes := task.CompletedAt.Sub(task.StartedAt).Minutes()
	c.retireLocked(task)
	c.releaseLocked(taskID, agentName)
	c.recordOutcomeLocked(agentName, true, minutes, task.CompletedAt)
	ready := c.resolveDependentsLocked(taskID, domain.TaskCompleted)
	snapshot := task.Clone()
	c.mu.Unlock()
	unlock()

	c.logger.Info("task completed", "task_id", taskID, "agent", agentName, "minutes", minutes)
	c.recorder.TaskOp(ctx, "complete", true)
	c.publish(ctx, domain.EventTaskCompleted, snapshot, agentName, nil)
	c.logActivity(ctx, domain.Activity{
		AgentName:       agentName,
		Type:            domain.ActivityTaskCompletion,
		Description:     "task completed: " + snapshot.Title,
		Metadata:        map[string]any{"task_id": taskID, "completion_time_minutes": minutes},
		DurationSeconds: minutes * 60,
		Success:         true,
	})

	for _, id := range ready {
		c.tryAssign(ctx, id)
	}
	return nil
}

// Fail records a failed attempt. With retry the task returns to the queue
// as pending with its assignment cleared; without it the failure is final.
func (c *Coordinator) Fail(ctx context.Context, taskID, agentName, errMsg string, retry bool) error {
	const op = "Coordinator.Fail"
	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return c.reject(ctx, "fail", domain.WrapOp(op, err))
	}
	defer unlock()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	switch {
	case !ok:
		c.mu.Unlock()
		return c.reject(ctx, "fail", notFound(op, taskID))
	case task.Status != domain.TaskAssigned && task.Status != domain.TaskInProgress:
		c.mu.Unlock()
		return c.reject(ctx, "fail", conflict(op, "task %s is %s", taskID, task.Status))
	case !task.IsAssignedTo(agentName):
		c.mu.Unlock()
		return c.reject(ctx, "fail", conflict(op, "agent %s is not assigned to task %s", agentName, taskID))
	}

	now := c.now()
	var minutes float64
	if !task.StartedAt.IsZero() {
		minutes = now.Sub(task.StartedAt).Minutes()
	}
	delete(c.active, taskID)
	c.releaseLocked(taskID, agentName)
	c.recordOutcomeLocked(agentName, false, 0, now)

	if retry {
		task.Status = domain.TaskPending
		task.AssignedAgents = nil
		task.AssignedAt = time.Time{}
		task.StartedAt = time.Time{}
		task.CompletedAt = time.Time{}
		task.ErrorMessage = ""
		c.queue = append(c.queue, taskID)
	} else {
		task.Status = domain.TaskFailed
		task.CompletedAt = now
		task.ErrorMessage = errMsg
		c.retireLocked(task)
		c.resolveDependentsLocked(taskID, domain.TaskFailed)
	}
	snapshot := task.Clone()
	c.mu.Unlock()

	if retry {
		c.logger.Warn("task failed, re-queued for retry", "task_id", taskID, "agent", agentName, "error", errMsg)
	} else {
		c.logger.Warn("task failed permanently", "task_id", taskID, "agent", agentName, "error", errMsg)
	}
	c.recorder.TaskOp(ctx, "fail", true)
	c.publish(ctx, domain.EventTaskFailed, snapshot, agentName, &failure{msg: errMsg, retry: retry, minutes: minutes})
	c.logActivity(ctx, domain.Activity{
		AgentName:    agentName,
		Type:         domain.ActivityErrorEvent,
		Description:  "task failed: " + snapshot.Title,
		Metadata:     map[string]any{"task_id": taskID, "retry": retry},
		Success:      false,
		ErrorMessage: errMsg,
	})
	return nil
}

// Cancel moves a pending or active task to cancelled and releases its agent.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	const op = "Coordinator.Cancel"
	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return c.reject(ctx, "cancel", domain.WrapOp(op, err))
	}
	defer unlock()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return c.reject(ctx, "cancel", notFound(op, taskID))
	}
	if task.Status.IsTerminal() {
		c.mu.Unlock()
		return c.reject(ctx, "cancel", conflict(op, "task %s is already %s", taskID, task.Status))
	}
	c.queue = slices.DeleteFunc(c.queue, func(id string) bool { return id == taskID })
	for _, agent := range task.AssignedAgents {
		c.releaseLocked(taskID, agent)
	}
	task.Status = domain.TaskCancelled
	task.CompletedAt = c.now()
	c.retireLocked(task)
	c.resolveDependentsLocked(taskID, domain.TaskCancelled)
	snapshot := task.Clone()
	c.mu.Unlock()

	c.logger.Info("task cancelled", "task_id", taskID)
	c.recorder.TaskOp(ctx, "cancel", true)
	var agent string
	if len(snapshot.AssignedAgents) > 0 {
		agent = snapshot.AssignedAgents[0]
	}
	c.publish(ctx, domain.EventTaskCancelled, snapshot, agent, nil)
	return nil
}

// ProcessQueue tries to assign every queued task whose prerequisites are
// met, most urgent first and FIFO within a priority. It returns the number
// of tasks assigned.
func (c *Coordinator) ProcessQueue(ctx context.Context) int {
	c.mu.Lock()
	type queued struct {
		id   string
		rank int
		pos  int
	}
	pending := make([]queued, 0, len(c.queue))
	for i, id := range c.queue {
		pending = append(pending, queued{id: id, rank: c.tasks[id].Priority.Rank(), pos: i})
	}
	c.mu.Unlock()

	slices.SortFunc(pending, func(a, b queued) int {
		return cmp.Or(cmp.Compare(a.rank, b.rank), cmp.Compare(a.pos, b.pos))
	})

	assigned := 0
	for _, q := range pending {
		if ctx.Err() != nil {
			break
		}
		if c.tryAssign(ctx, q.id) {
			assigned++
		}
	}
	if len(pending) > 0 {
		c.logger.Debug("task queue processed", "queued", len(pending), "assigned", assigned)
	}
	return assigned
}

// Get returns a copy of the task from the queue, the active set or history.
func (c *Coordinator) Get(taskID string) (domain.TaskDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return domain.TaskDefinition{}, notFound("Coordinator.Get", taskID)
	}
	return task.Clone(), nil
}

// Workload reports the agent's non-terminal tasks.
func (c *Coordinator) Workload(agentName string) domain.Workload {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.assignments[agentName]
	w := domain.Workload{Agent: agentName, Assigned: len(ids), Tasks: slices.Clone(ids)}
	for _, id := range ids {
		if t, ok := c.tasks[id]; ok && t.Status == domain.TaskInProgress {
			w.Active++
		}
	}
	return w
}

// QueueStatus counts tasks per lifecycle set.
func (c *Coordinator) QueueStatus() domain.QueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	qs := domain.QueueStatus{
		Queued:     len(c.queue),
		Active:     len(c.active),
		ByPriority: make(map[domain.PriorityLevel]int, len(domain.Priorities)),
	}
	for _, p := range domain.Priorities {
		qs.ByPriority[p] = 0
	}
	for _, id := range c.queue {
		qs.ByPriority[c.tasks[id].Priority]++
	}
	for _, id := range c.history {
		switch c.tasks[id].Status {
		case domain.TaskCompleted:
			qs.Completed++
		case domain.TaskFailed:
			qs.Failed++
		case domain.TaskCancelled:
			qs.Cancelled++
		}
	}
	return qs
}

// retireLocked moves a terminal task from the active set to history,
// evicting the oldest entries beyond maxHistory.
func (c *Coordinator) retireLocked(task *domain.TaskDefinition) {
	delete(c.active, task.TaskID)
	c.history = append(c.history, task.TaskID)
	for len(c.history) > maxHistory {
		delete(c.tasks, c.history[0])
		c.history = c.history[1:]
	}
}

// releaseLocked drops the task from the agent's assignments and refreshes
// the agent's workload in the registry.
func (c *Coordinator) releaseLocked(taskID, agentName string) {
	ids := slices.DeleteFunc(c.assignments[agentName], func(id string) bool { return id == taskID })
	if len(ids) == 0 {
		delete(c.assignments, agentName)
	} else {
		c.assignments[agentName] = ids
	}
	if agent, err := c.agents.Get(agentName); err == nil {
		c.syncWorkloadLocked(agent)
	}
}

// syncWorkloadLocked pushes the agent's share of capacity to the registry.
func (c *Coordinator) syncWorkloadLocked(agent domain.AgentProfile) {
	ids := c.assignments[agent.Name]
	var pct float64
	switch {
	case len(ids) == 0:
	case agent.MaxConcurrentTasks <= 0:
		pct = 100
	default:
		pct = float64(len(ids)) / float64(agent.MaxConcurrentTasks) * 100
	}
	var current string
	if len(ids) > 0 {
		current = c.tasks[ids[len(ids)-1]].Title
	}
	c.agents.SetWorkload(agent.Name, pct, current)
}

// recordOutcomeLocked updates completion counters, the running mean
// completion time and the success rate.
func (c *Coordinator) recordOutcomeLocked(agentName string, success bool, minutes float64, at time.Time) {
	agent, err := c.agents.Get(agentName)
	if err != nil {
		return
	}
	m := agent.Metrics
	completed, failed := m.TotalTasksCompleted, m.TotalTasksFailed
	update := domain.MetricsUpdate{LastActivity: &at}
	if success {
		avg := (m.AverageCompletionTime*float64(completed) + minutes) / float64(completed+1)
		completed++
		update.AverageCompletionTime = &avg
		update.TotalTasksCompleted = &completed
	} else {
		failed++
		update.TotalTasksFailed = &failed
	}
	rate := float64(completed) / float64(completed+failed) * 100
	update.SuccessRate = &rate
	c.agents.UpdateMetrics(agentName, update)
}

// resolveDependentsLocked propagates a finished task's status into queued
// tasks depending on it and returns those whose prerequisites are now met.
func (c *Coordinator) resolveDependentsLocked(taskID string, status domain.TaskStatus) []string {
	var ready []string
	for _, id := range c.queue {
		t := c.tasks[id]
		touched := false
		for i := range t.Dependencies {
			if t.Dependencies[i].TaskID == taskID {
				t.Dependencies[i].Status = status
				touched = true
			}
		}
		if touched && prerequisitesMet(*t) {
			ready = append(ready, id)
		}
	}
	return ready
}

func prerequisitesMet(t domain.TaskDefinition) bool {
	for _, d := range t.Dependencies {
		if d.Type == domain.DependencyPrerequisite && d.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

func (c *Coordinator) reject(ctx context.Context, op string, err error) error {
	c.logger.Warn("task transition rejected", "operation", op, "error", err)
	c.recorder.TaskOp(ctx, op, false)
	return err
}

func notFound(op, taskID string) error {
	return domain.NewSubSystemError(domain.SubSystemCoordinator, op, domain.ErrNotFound, taskID)
}

func conflict(op, format string, args ...any) error {
	return domain.NewSubSystemError(domain.SubSystemCoordinator, op, domain.ErrAssignmentConflict, fmt.Sprintf(format, args...))
}

type failure struct {
	msg     string
	retry   bool
	minutes float64
}

func (c *Coordinator) publish(ctx context.Context, t domain.EventType, task domain.TaskDefinition, agent string, f *failure) {
	if c.bus == nil {
		return
	}
	payload := domain.TaskEventPayload{
		TaskID:      task.TaskID,
		Title:       task.Title,
		Description: task.Description,
		Agent:       agent,
		Status:      task.Status,
		Priority:    task.Priority,
	}
	if f != nil {
		payload.Error = f.msg
		payload.Retry = f.retry
		payload.DurationSeconds = f.minutes * 60
	} else if t == domain.EventTaskCompleted {
		payload.DurationSeconds = task.CompletedAt.Sub(task.StartedAt).Seconds()
	}
	c.bus.Publish(ctx, domain.NewEvent(t, task.TaskID, payload))
}

func (c *Coordinator) logActivity(ctx context.Context, a domain.Activity) {
	if c.activity == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = c.now()
	}
	if err := c.activity.LogActivity(ctx, a); err != nil {
		c.logger.Warn("activity log write failed", "agent", a.AgentName, "type", string(a.Type), "error", err)
	}
}
