// Package workflow runs multi-step workflows over the task coordinator.
// Each step becomes a coordinator task that is assigned, started, handed to
// the execution port and completed. Workflow types decide how steps are
// scheduled: in order, in dependency waves, through a bounded sliding
// window, or gated by conditions.
package workflow

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/metrics"
	"agentcoord/internal/infra/tracer"
)

// engineAgent is the activity log name used for workflow entries.
const engineAgent = "@workflow-engine"

// maxFinishedExecutions bounds how many finished executions stay queryable.
const maxFinishedExecutions = 200

// AgentSource is the registry surface the engine resolves agents from.
type AgentSource interface {
	Get(name string) (domain.AgentProfile, error)
	ByCapability(capability string) []domain.AgentProfile
	Available() []domain.AgentProfile
}

// TaskRunner is the coordinator surface used to drive step tasks.
type TaskRunner interface {
	Submit(ctx context.Context, spec domain.TaskSpec) (domain.TaskDefinition, error)
	Assign(ctx context.Context, taskID, agentName string) error
	Start(ctx context.Context, taskID, agentName string) error
	Complete(ctx context.Context, taskID, agentName string, result map[string]any, feedback *float64) error
	Fail(ctx context.Context, taskID, agentName, errMsg string, retry bool) error
	Cancel(ctx context.Context, taskID string) error
	Get(taskID string) (domain.TaskDefinition, error)
}

// Config tunes step scheduling and retries.
type Config struct {
	DefaultMaxConcurrentSteps int
	RetryBackoff              time.Duration
	MaxRetryBackoff           time.Duration
}

// Engine owns workflow definitions and their executions.
type Engine struct {
	agents   AgentSource
	tasks    TaskRunner
	executor domain.TaskExecutor
	cfg      Config

	mu         sync.Mutex
	workflows  map[string]*domain.WorkflowDefinition
	templates  map[string]domain.WorkflowDefinition
	latest     map[string]*execution // workflow ID -> most recent execution
	executions map[string]*execution // execution ID -> execution
	finished   []string              // finished execution IDs, oldest first
	completed  int
	failed     int

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	store    domain.WorkflowStore
	bus      domain.EventBus
	activity domain.ActivityLog
	recorder *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
	minute   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists workflow definitions on every status change.
func WithStore(store domain.WorkflowStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithEventBus publishes workflow.* events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithActivityLog records workflow starts and outcomes.
func WithActivityLog(log domain.ActivityLog) Option {
	return func(e *Engine) { e.activity = log }
}

// WithRecorder records workflow and step metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine with the built-in templates loaded.
func New(agents AgentSource, tasks TaskRunner, executor domain.TaskExecutor, cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DefaultMaxConcurrentSteps <= 0 {
		cfg.DefaultMaxConcurrentSteps = 3
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	templates, err := parseTemplates(builtinTemplates)
	if err != nil {
		return nil, domain.WrapOp("workflow.New", err)
	}
	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		agents:     agents,
		tasks:      tasks,
		executor:   executor,
		cfg:        cfg,
		workflows:  make(map[string]*domain.WorkflowDefinition),
		templates:  templates,
		latest:     make(map[string]*execution),
		executions: make(map[string]*execution),
		base:       base,
		stop:       stop,
		logger:     logger,
		now:        time.Now,
		minute:     time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterWorkflow validates and stores a custom definition. Missing step
// IDs are generated and missing settings take engine defaults.
func (e *Engine) RegisterWorkflow(ctx context.Context, def domain.WorkflowDefinition) (domain.WorkflowDefinition, error) {
	const op = "Engine.RegisterWorkflow"
	def = def.Clone()
	e.applyDefaults(&def)
	if err := def.Validate(); err != nil {
		return domain.WorkflowDefinition{}, domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrInvalidInput, err.Error())
	}
	resetSteps(&def)
	def.Status = domain.WorkflowPending
	def.CreatedAt = e.now()
	def.StartedAt = time.Time{}
	def.CompletedAt = time.Time{}

	e.mu.Lock()
	if _, ok := e.workflows[def.WorkflowID]; ok {
		e.mu.Unlock()
		return domain.WorkflowDefinition{}, domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrInvalidInput,
			fmt.Sprintf("workflow %s already registered", def.WorkflowID))
	}
	stored := def.Clone()
	e.workflows[def.WorkflowID] = &stored
	e.mu.Unlock()

	e.persist(ctx, def)
	e.logger.Info("workflow registered", "workflow_id", def.WorkflowID, "name", def.Name,
		"type", string(def.Type), "steps", len(def.Steps))
	return def, nil
}

func (e *Engine) applyDefaults(def *domain.WorkflowDefinition) {
	if def.WorkflowID == "" {
		def.WorkflowID = domain.NewID("wf")
	}
	if def.Type == "" {
		def.Type = domain.WorkflowSequential
	}
	if def.Priority == "" {
		def.Priority = domain.PriorityMedium
	}
	if def.MaxConcurrentSteps == 0 {
		def.MaxConcurrentSteps = e.cfg.DefaultMaxConcurrentSteps
	}
	for i := range def.Steps {
		if def.Steps[i].StepID == "" {
			def.Steps[i].StepID = fmt.Sprintf("step_%d", i+1)
		}
		if def.Steps[i].Name == "" {
			def.Steps[i].Name = def.Steps[i].StepID
		}
	}
}

// CreateFromTemplate instantiates a named template with optional
// parameters and registers the result.
func (e *Engine) CreateFromTemplate(ctx context.Context, name string, params map[string]any) (domain.WorkflowDefinition, error) {
	const op = "Engine.CreateFromTemplate"
	e.mu.Lock()
	tpl, ok := e.templates[name]
	e.mu.Unlock()
	if !ok {
		return domain.WorkflowDefinition{}, domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrNotFound, "template "+name)
	}

	def := tpl.Clone()
	def.WorkflowID = ""
	def.TemplateName = name
	if err := applyParameters(&def, params); err != nil {
		return domain.WorkflowDefinition{}, domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrInvalidInput, err.Error())
	}
	return e.RegisterWorkflow(ctx, def)
}

// Execute starts a run of workflow id in the background and returns its
// initial execution record. A workflow runs at most once at a time.
func (e *Engine) Execute(ctx context.Context, id string) (domain.WorkflowExecution, error) {
	const op = "Engine.Execute"
	_, span := tracer.StartSpan(ctx, "workflow.Execute")
	span.SetAttributes(tracer.StringAttr("workflow_id", id))

	e.mu.Lock()
	stored, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		err := domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrNotFound, id)
		tracer.End(span, err)
		return domain.WorkflowExecution{}, err
	}
	if prev := e.latest[id]; prev != nil && !prev.isDone() {
		e.mu.Unlock()
		err := domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrDuplicate, id)
		tracer.End(span, err)
		return domain.WorkflowExecution{}, err
	}
	if e.base.Err() != nil {
		e.mu.Unlock()
		err := domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrCancelled, "engine is shut down")
		tracer.End(span, err)
		return domain.WorkflowExecution{}, err
	}

	now := e.now()
	work := stored.Clone()
	resetSteps(&work)
	work.Status = domain.WorkflowInProgress
	work.StartedAt = now
	work.CompletedAt = time.Time{}
	x := newExecution(work, now)

	var runCtx context.Context
	if work.TimeoutMinutes > 0 {
		runCtx, x.cancel = context.WithTimeout(e.base, time.Duration(work.TimeoutMinutes)*e.minute)
	} else {
		runCtx, x.cancel = context.WithCancel(e.base)
	}

	stored.Status = domain.WorkflowInProgress
	stored.StartedAt = now
	stored.CompletedAt = time.Time{}
	persisted := stored.Clone()
	e.latest[id] = x
	e.executions[x.rec.ExecutionID] = x
	_, rec := x.snapshot()
	e.wg.Add(1)
	e.mu.Unlock()

	span.SetAttributes(tracer.StringAttr("execution_id", rec.ExecutionID), tracer.StringAttr("workflow_type", string(work.Type)))
	e.persist(ctx, persisted)
	e.persistExecution(ctx, rec)
	e.logger.Info("workflow started", "workflow_id", id, "execution_id", rec.ExecutionID,
		"type", string(work.Type), "steps", len(work.Steps))
	e.publish(ctx, domain.EventWorkflowStarted, work, rec, "")
	e.logActivity(ctx, domain.Activity{
		AgentName:   engineAgent,
		Type:        domain.ActivityWorkflowEvent,
		Description: "Workflow started: " + work.Name,
		Metadata:    map[string]any{"workflow_id": id, "execution_id": rec.ExecutionID, "workflow_type": string(work.Type)},
		Success:     true,
	})

	go e.run(trace.ContextWithSpan(runCtx, span), x, span)
	return rec, nil
}

func (e *Engine) run(ctx context.Context, x *execution, span trace.Span) {
	defer e.wg.Done()
	switch x.def.Type {
	case domain.WorkflowParallel:
		e.runParallel(ctx, x)
	case domain.WorkflowPipeline:
		e.runPipeline(ctx, x)
	case domain.WorkflowConditional:
		e.runConditional(ctx, x)
	default:
		e.runSequential(ctx, x)
	}
	e.finish(ctx, x, span)
}

// finish settles unfinished steps, decides the outcome and publishes it.
func (e *Engine) finish(ctx context.Context, x *execution, span trace.Span) {
	bg := context.WithoutCancel(ctx)
	now := e.now()
	var runErr error

	switch {
	case x.wasCancelled():
		runErr = domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.Execute", domain.ErrCancelled,
			"workflow "+x.rec.WorkflowID+" cancelled")
		x.settleRemaining("workflow cancelled", false, now)
	case ctx.Err() != nil:
		runErr = e.runContextError(ctx, x)
		x.settleRemaining(runErr.Error(), true, now)
	default:
		// Every mode settles its own steps; leftovers mean a step was dropped.
		x.settleRemaining("step never ran", true, now)
	}
	x.cancel()

	def, rec := x.snapshot()
	total := len(def.Steps)
	if total > 0 {
		rec.SuccessRate = float64(len(rec.CompletedSteps)) / float64(total) * 100
	}
	status := domain.WorkflowCompleted
	switch {
	case x.wasCancelled():
		status = domain.WorkflowCancelled
	case runErr != nil:
		status = domain.WorkflowFailed
	case len(rec.FailedSteps) > 0 && !(def.AllowPartialSuccess && len(rec.CompletedSteps) > 0):
		status = domain.WorkflowFailed
		runErr = domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.Execute", domain.ErrStepExecution,
			fmt.Sprintf("%d of %d steps failed", len(rec.FailedSteps), total))
	}
	rec.Status = status
	rec.CompletedAt = now
	rec.CurrentSteps = []string{}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	def.Status = status
	def.CompletedAt = now

	x.settle(status, rec.SuccessRate, rec.Error, now)

	e.mu.Lock()
	if stored, ok := e.workflows[def.WorkflowID]; ok {
		updated := def.Clone()
		updated.CreatedAt = stored.CreatedAt
		*stored = updated
	}
	switch status {
	case domain.WorkflowCompleted:
		e.completed++
	case domain.WorkflowFailed:
		e.failed++
	}
	e.finished = append(e.finished, rec.ExecutionID)
	for len(e.finished) > maxFinishedExecutions {
		evicted := e.finished[0]
		e.finished = e.finished[1:]
		if old := e.executions[evicted]; old != nil && e.latest[old.rec.WorkflowID] != old {
			delete(e.executions, evicted)
		}
	}
	e.mu.Unlock()

	e.persist(bg, def)
	e.persistExecution(bg, rec)
	duration := now.Sub(rec.StartedAt)
	e.recorder.WorkflowFinished(bg, string(def.Type), string(status), duration)

	evType := domain.EventWorkflowCompleted
	switch status {
	case domain.WorkflowFailed:
		evType = domain.EventWorkflowFailed
	case domain.WorkflowCancelled:
		evType = domain.EventWorkflowCancelled
	}
	e.publish(bg, evType, def, rec, rec.Error)
	e.logActivity(bg, domain.Activity{
		AgentName:   engineAgent,
		Type:        domain.ActivityWorkflowEvent,
		Description: fmt.Sprintf("Workflow %s: %s", status, def.Name),
		Metadata: map[string]any{
			"workflow_id":     def.WorkflowID,
			"execution_id":    rec.ExecutionID,
			"success_rate":    rec.SuccessRate,
			"completed_steps": len(rec.CompletedSteps),
			"failed_steps":    len(rec.FailedSteps),
		},
		DurationSeconds: duration.Seconds(),
		Success:         status == domain.WorkflowCompleted,
		ErrorMessage:    rec.Error,
	})

	if status == domain.WorkflowCompleted {
		e.logger.Info("workflow completed", "workflow_id", def.WorkflowID, "execution_id", rec.ExecutionID,
			"success_rate", rec.SuccessRate, "duration", duration)
	} else {
		e.logger.Warn("workflow finished unsuccessfully", "workflow_id", def.WorkflowID, "execution_id", rec.ExecutionID,
			"status", string(status), "success_rate", rec.SuccessRate, "error", rec.Error)
	}
	span.SetAttributes(tracer.StringAttr("status", string(status)), tracer.FloatAttr("success_rate", rec.SuccessRate))
	if status == domain.WorkflowCompleted {
		tracer.End(span, nil)
	} else {
		tracer.End(span, runErr)
	}
	close(x.done)
}

// Cancel stops the running execution of workflow id.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	const op = "Engine.Cancel"
	e.mu.Lock()
	_, known := e.workflows[id]
	x := e.latest[id]
	e.mu.Unlock()
	if !known {
		return domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrNotFound, id)
	}
	if x == nil || x.isDone() {
		return domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrInvalidInput, "workflow "+id+" is not running")
	}
	x.markCancelled()
	e.logger.Info("workflow cancellation requested", "workflow_id", id, "execution_id", x.rec.ExecutionID)
	return nil
}

// WaitExecution blocks until the execution finishes or ctx ends.
func (e *Engine) WaitExecution(ctx context.Context, executionID string) (domain.WorkflowExecution, error) {
	e.mu.Lock()
	x := e.executions[executionID]
	e.mu.Unlock()
	if x == nil {
		return domain.WorkflowExecution{}, domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.WaitExecution", domain.ErrNotFound, executionID)
	}
	select {
	case <-x.done:
		_, rec := x.snapshot()
		return rec, nil
	case <-ctx.Done():
		_, rec := x.snapshot()
		return rec, domain.WrapOp("Engine.WaitExecution", ctx.Err())
	}
}

// Execution returns the current record of an execution.
func (e *Engine) Execution(executionID string) (domain.WorkflowExecution, error) {
	e.mu.Lock()
	x := e.executions[executionID]
	e.mu.Unlock()
	if x == nil {
		return domain.WorkflowExecution{}, domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.Execution", domain.ErrNotFound, executionID)
	}
	_, rec := x.snapshot()
	return rec, nil
}

// Get returns the workflow definition with live step state while it runs.
func (e *Engine) Get(id string) (domain.WorkflowDefinition, error) {
	def, _, err := e.current(id)
	return def, err
}

func (e *Engine) current(id string) (domain.WorkflowDefinition, *domain.WorkflowExecution, error) {
	e.mu.Lock()
	stored, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return domain.WorkflowDefinition{}, nil, domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.Get", domain.ErrNotFound, id)
	}
	def := stored.Clone()
	x := e.latest[id]
	e.mu.Unlock()

	if x == nil {
		return def, nil, nil
	}
	live, rec := x.snapshot()
	if !x.isDone() {
		live.CreatedAt = def.CreatedAt
		def = live
	}
	return def, &rec, nil
}

// Status reports progress of workflow id.
func (e *Engine) Status(id string) (domain.WorkflowStatusReport, error) {
	def, rec, err := e.current(id)
	if err != nil {
		return domain.WorkflowStatusReport{}, err
	}
	report := domain.WorkflowStatusReport{
		WorkflowID:  def.WorkflowID,
		Name:        def.Name,
		Status:      def.Status,
		TotalSteps:  len(def.Steps),
		CreatedAt:   def.CreatedAt,
		StartedAt:   def.StartedAt,
		CompletedAt: def.CompletedAt,
	}
	for _, s := range def.Steps {
		switch s.Status {
		case domain.StepCompleted:
			report.CompletedSteps++
		case domain.StepFailed:
			report.FailedSteps++
		case domain.StepSkipped:
			report.SkippedSteps++
		}
	}
	if report.TotalSteps > 0 {
		done := report.CompletedSteps + report.FailedSteps + report.SkippedSteps
		report.Progress = float64(done) / float64(report.TotalSteps) * 100
	}
	if rec != nil {
		report.ExecutionID = rec.ExecutionID
		report.CurrentSteps = rec.CurrentSteps
		report.StepExecutionTimes = rec.StepExecutionTimes
	}
	return report, nil
}

// List returns every known workflow, oldest first.
func (e *Engine) List() []domain.WorkflowDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.WorkflowDefinition, 0, len(e.workflows))
	for _, def := range e.workflows {
		out = append(out, def.Clone())
	}
	slices.SortFunc(out, func(a, b domain.WorkflowDefinition) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.WorkflowID, b.WorkflowID)
	})
	return out
}

// Stats summarizes the engine.
func (e *Engine) Stats() domain.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := domain.EngineStats{
		TotalWorkflows:     len(e.workflows),
		CompletedWorkflows: e.completed,
		FailedWorkflows:    e.failed,
		AvailableTemplates: len(e.templates),
	}
	for _, x := range e.latest {
		if !x.isDone() {
			stats.ActiveExecutions++
		}
	}
	if finished := e.completed + e.failed; finished > 0 {
		stats.SuccessRate = float64(e.completed) / float64(finished) * 100
	}
	return stats
}

// Templates returns template names in sorted order.
func (e *Engine) Templates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.templates))
}

// Template returns a copy of the named template.
func (e *Engine) Template(name string) (domain.WorkflowDefinition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tpl, ok := e.templates[name]
	if !ok {
		return domain.WorkflowDefinition{}, false
	}
	return tpl.Clone(), true
}

// Restore reloads persisted workflows. A workflow that was still running
// when the previous process stopped is marked failed.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	defs, err := e.store.ListWorkflows(ctx, domain.WorkflowQuery{})
	if err != nil {
		return 0, domain.WrapOp("Engine.Restore", err)
	}

	now := e.now()
	restored := 0
	for _, def := range defs {
		if def.Status == domain.WorkflowInProgress {
			def.Status = domain.WorkflowFailed
			def.CompletedAt = now
			for i := range def.Steps {
				s := &def.Steps[i]
				if s.Status == domain.StepInProgress || s.Status == domain.StepPending {
					s.Status = domain.StepFailed
					s.ErrorMessage = "interrupted"
				}
			}
			e.persist(ctx, def)
			e.failInterruptedExecutions(ctx, def.WorkflowID, now)
			e.logger.Warn("interrupted workflow marked failed", "workflow_id", def.WorkflowID, "name", def.Name)
		}
		e.mu.Lock()
		if _, ok := e.workflows[def.WorkflowID]; !ok {
			d := def.Clone()
			e.workflows[def.WorkflowID] = &d
			restored++
		}
		e.mu.Unlock()
	}
	e.logger.Info("workflows restored", "count", restored)
	return restored, nil
}

// Shutdown cancels running executions and waits for them to settle.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return domain.WrapOp("Engine.Shutdown", ctx.Err())
	}
}

// failInterruptedExecutions closes out stored executions of workflowID that
// never reached a terminal status.
func (e *Engine) failInterruptedExecutions(ctx context.Context, workflowID string, now time.Time) {
	history, err := e.store.ListExecutions(ctx, workflowID)
	if err != nil {
		return
	}
	for _, rec := range history {
		if rec.Status.IsTerminal() {
			continue
		}
		rec.Status = domain.WorkflowFailed
		rec.CompletedAt = now
		rec.FailedSteps = append(rec.FailedSteps, rec.CurrentSteps...)
		rec.CurrentSteps = []string{}
		rec.Error = "interrupted"
		e.persistExecution(ctx, rec)
	}
}

// History returns the executions of a workflow, newest first. With a store
// it covers earlier processes; otherwise only the latest in-memory run.
func (e *Engine) History(ctx context.Context, workflowID string) ([]domain.WorkflowExecution, error) {
	const op = "Engine.History"
	e.mu.Lock()
	_, known := e.workflows[workflowID]
	x := e.latest[workflowID]
	e.mu.Unlock()
	if !known {
		return nil, domain.NewSubSystemError(domain.SubSystemWorkflow, op, domain.ErrNotFound, workflowID)
	}
	if e.store != nil {
		history, err := e.store.ListExecutions(ctx, workflowID)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		return history, nil
	}
	if x == nil {
		return []domain.WorkflowExecution{}, nil
	}
	_, rec := x.snapshot()
	return []domain.WorkflowExecution{rec}, nil
}

func (e *Engine) persistExecution(ctx context.Context, rec domain.WorkflowExecution) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveExecution(ctx, rec); err != nil {
		e.logger.Warn("workflow execution persist failed", "workflow_id", rec.WorkflowID, "execution_id", rec.ExecutionID, "error", err)
	}
}

func (e *Engine) persist(ctx context.Context, def domain.WorkflowDefinition) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveWorkflow(ctx, def); err != nil {
		e.logger.Warn("workflow persist failed", "workflow_id", def.WorkflowID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, t domain.EventType, def domain.WorkflowDefinition, rec domain.WorkflowExecution, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(t, def.WorkflowID, domain.WorkflowEventPayload{
		WorkflowID:  def.WorkflowID,
		ExecutionID: rec.ExecutionID,
		Name:        def.Name,
		Status:      rec.Status,
		SuccessRate: rec.SuccessRate,
		Error:       errMsg,
	}))
}

func (e *Engine) publishStep(ctx context.Context, t domain.EventType, x *execution, id, agent string, attempt int, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(context.WithoutCancel(ctx), domain.NewEvent(t, x.rec.WorkflowID, domain.WorkflowEventPayload{
		WorkflowID:  x.rec.WorkflowID,
		ExecutionID: x.rec.ExecutionID,
		Name:        x.def.Name,
		Status:      domain.WorkflowInProgress,
		StepID:      id,
		Agent:       agent,
		Attempt:     attempt,
		Error:       errMsg,
	}))
}

func (e *Engine) logActivity(ctx context.Context, a domain.Activity) {
	if e.activity == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = e.now()
	}
	if err := e.activity.LogActivity(ctx, a); err != nil {
		e.logger.Warn("activity log write failed", "agent", a.AgentName, "type", string(a.Type), "error", err)
	}
}
