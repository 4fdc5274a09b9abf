// Package coordination is the engine's single entry point. A request is
// carried out as one routed task, a set of per-capability subtasks, a
// standing reactive monitor, or a workflow, and is tracked until every
// piece of work it started has finished.
package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/tracer"
)

const maxHistory = 1000

// Router picks an agent for a task.
type Router interface {
	Route(ctx context.Context, task domain.TaskDefinition, strategy domain.RoutingStrategy, forceAgent string) (domain.RoutingDecision, error)
}

// Tasks is the coordinator surface used for routed tasks.
type Tasks interface {
	Submit(ctx context.Context, spec domain.TaskSpec) (domain.TaskDefinition, error)
	Assign(ctx context.Context, taskID, agentName string) error
	Cancel(ctx context.Context, taskID string) error
	Get(taskID string) (domain.TaskDefinition, error)
}

// Workflows is the workflow engine surface.
type Workflows interface {
	CreateFromTemplate(ctx context.Context, name string, params map[string]any) (domain.WorkflowDefinition, error)
	RegisterWorkflow(ctx context.Context, def domain.WorkflowDefinition) (domain.WorkflowDefinition, error)
	Execute(ctx context.Context, id string) (domain.WorkflowExecution, error)
	Cancel(ctx context.Context, id string) error
	Status(id string) (domain.WorkflowStatusReport, error)
}

type record struct {
	id         string
	req        domain.CoordinationRequest
	status     domain.CoordinationStatus
	agents     []string
	taskIDs    []string
	workflowID string
	createdAt  time.Time

	triggers    []string
	fired       int
	unsubscribe []func()
}

func (r *record) report() domain.CoordinationReport {
	return domain.CoordinationReport{
		CoordinationID: r.id,
		Type:           r.req.Type,
		Status:         r.status,
		AssignedAgents: slices.Clone(r.agents),
		TaskIDs:        slices.Clone(r.taskIDs),
		WorkflowID:     r.workflowID,
		CreatedAt:      r.createdAt,
	}
}

// Service carries out coordination requests.
type Service struct {
	router    Router
	tasks     Tasks
	workflows Workflows

	mu      sync.Mutex
	active  map[string]*record
	history []*record
	running bool

	bus      domain.EventBus
	activity domain.ActivityLog
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEventBus publishes coordination.* events on bus and enables reactive
// coordinations.
func WithEventBus(bus domain.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithActivityLog records coordination activity.
func WithActivityLog(log domain.ActivityLog) Option {
	return func(s *Service) { s.activity = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. Any collaborator may be nil; requests are then
// answered with a failed response.
func New(router Router, tasks Tasks, workflows Workflows, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		router:    router,
		tasks:     tasks,
		workflows: workflows,
		active:    make(map[string]*record),
		running:   true,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Coordinate carries out req. Only a malformed request or a stopped
// service is an error; a request that cannot be staffed yields a response
// with status failed.
func (s *Service) Coordinate(ctx context.Context, req domain.CoordinationRequest) (domain.CoordinationResponse, error) {
	const op = "Service.Coordinate"
	start := s.now()
	req = req.Normalize()
	if req.RequestID == "" {
		req.RequestID = domain.NewID("req")
	}

	ctx, span := tracer.StartSpan(ctx, "coordination.Coordinate")
	span.SetAttributes(tracer.StringAttr("request_id", req.RequestID), tracer.StringAttr("coordination_type", string(req.Type)))

	if err := req.Validate(); err != nil {
		err = domain.NewSubSystemError(domain.SubSystemCoordination, op, domain.ErrInvalidInput, err.Error())
		tracer.End(span, err)
		return domain.CoordinationResponse{}, err
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		err := domain.NewSubSystemError(domain.SubSystemCoordination, op, domain.ErrCancelled, "service is shut down")
		tracer.End(span, err)
		return domain.CoordinationResponse{}, err
	}

	rec := &record{id: domain.NewID("coord"), req: req, createdAt: start}
	var resp domain.CoordinationResponse
	switch {
	case s.router == nil || s.tasks == nil || s.workflows == nil:
		resp = failed(req, "service not fully initialized")
	case req.Type == domain.CoordinationMultiAgent:
		resp = s.coordinateMultiAgent(ctx, rec)
	case req.Type == domain.CoordinationReactive:
		resp = s.coordinateReactive(ctx, rec)
	case req.Type == domain.CoordinationWorkflow:
		resp = s.coordinateWorkflow(ctx, rec)
	default:
		resp = s.coordinateTask(ctx, rec)
	}
	resp.CoordinationID = rec.id
	resp.ResponseTime = s.now().Sub(start)
	rec.status = resp.Status

	s.mu.Lock()
	if resp.Status == domain.CoordinationFailed {
		s.retireLocked(rec)
	} else {
		s.active[rec.id] = rec
	}
	s.mu.Unlock()

	span.SetAttributes(tracer.StringAttr("coordination_id", rec.id), tracer.StringAttr("status", string(resp.Status)),
		tracer.FloatAttr("confidence", resp.ConfidenceScore))
	if resp.Status == domain.CoordinationFailed {
		s.logger.Warn("coordination failed", "request_id", req.RequestID, "coordination_id", rec.id,
			"type", string(req.Type), "error", resp.Error)
		tracer.End(span, fmt.Errorf("%w: %s", domain.ErrNoSuitableAgent, resp.Error))
		return resp, nil
	}
	s.logger.Info("coordination accepted", "request_id", req.RequestID, "coordination_id", rec.id,
		"type", string(req.Type), "status", string(resp.Status), "agents", resp.AssignedAgents, "confidence", resp.ConfidenceScore)
	s.publish(ctx, domain.EventCoordinationCreated, rec, "")
	tracer.End(span, nil)
	return resp, nil
}

func failed(req domain.CoordinationRequest, reason string) domain.CoordinationResponse {
	return domain.CoordinationResponse{
		RequestID:      req.RequestID,
		Status:         domain.CoordinationFailed,
		AssignedAgents: []string{},
		TaskIDs:        []string{},
		Plan:           map[string]any{"type": string(req.Type), "error": reason},
		Error:          reason,
	}
}

// Status reports the state of a coordination, refreshing it from the tasks
// or workflow it started. A coordination whose work has all finished moves
// to history.
func (s *Service) Status(id string) (domain.CoordinationReport, error) {
	s.mu.Lock()
	rec, active := s.active[id]
	if !active {
		rec = s.findHistoryLocked(id)
	}
	if rec == nil {
		s.mu.Unlock()
		return domain.CoordinationReport{}, domain.NewSubSystemError(domain.SubSystemCoordination, "Service.Status", domain.ErrNotFound, id)
	}
	report := rec.report()
	s.mu.Unlock()

	if !active || report.Status == domain.CoordinationMonitoring {
		return s.withProgress(report), nil
	}

	report = s.refresh(report)
	s.mu.Lock()
	if cur, ok := s.active[id]; ok && cur.status != domain.CoordinationCancelled {
		cur.status = report.Status
		if isTerminal(report.Status) {
			delete(s.active, id)
			s.retireLocked(cur)
		}
	}
	s.mu.Unlock()
	return report, nil
}

// refresh derives status and progress from the tasks or workflow of report.
func (s *Service) refresh(report domain.CoordinationReport) domain.CoordinationReport {
	if report.WorkflowID != "" {
		wf, err := s.workflows.Status(report.WorkflowID)
		if err != nil {
			s.logger.Warn("coordination workflow lookup failed", "coordination_id", report.CoordinationID,
				"workflow_id", report.WorkflowID, "error", err)
			return report
		}
		report.Progress = wf.Progress
		switch wf.Status {
		case domain.WorkflowCompleted:
			report.Status = domain.CoordinationCompleted
		case domain.WorkflowFailed:
			report.Status = domain.CoordinationFailed
		case domain.WorkflowCancelled:
			report.Status = domain.CoordinationCancelled
		default:
			report.Status = domain.CoordinationInProgress
		}
		return report
	}

	if len(report.TaskIDs) == 0 {
		return report
	}
	var terminal, completed, started int
	for _, id := range report.TaskIDs {
		task, err := s.tasks.Get(id)
		if err != nil {
			continue
		}
		switch {
		case task.Status == domain.TaskCompleted:
			completed++
			terminal++
		case task.Status.IsTerminal():
			terminal++
		case task.Status == domain.TaskInProgress:
			started++
		}
	}
	report.Progress = float64(terminal) / float64(len(report.TaskIDs)) * 100
	switch {
	case terminal == len(report.TaskIDs) && completed == terminal:
		report.Status = domain.CoordinationCompleted
	case terminal == len(report.TaskIDs):
		report.Status = domain.CoordinationFailed
	case terminal > 0 || started > 0:
		report.Status = domain.CoordinationInProgress
	}
	return report
}

func (s *Service) withProgress(report domain.CoordinationReport) domain.CoordinationReport {
	if report.Status == domain.CoordinationCompleted {
		report.Progress = 100
	}
	return report
}

func isTerminal(status domain.CoordinationStatus) bool {
	switch status {
	case domain.CoordinationCompleted, domain.CoordinationFailed, domain.CoordinationCancelled:
		return true
	}
	return false
}

// Cancel stops an active coordination: outstanding tasks are cancelled, a
// workflow is stopped and a reactive monitor stops listening.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewSubSystemError(domain.SubSystemCoordination, "Service.Cancel", domain.ErrNotFound, id)
	}
	delete(s.active, id)
	rec.status = domain.CoordinationCancelled
	unsubscribe := rec.unsubscribe
	rec.unsubscribe = nil
	taskIDs := slices.Clone(rec.taskIDs)
	workflowID := rec.workflowID
	s.retireLocked(rec)
	s.mu.Unlock()

	for _, stop := range unsubscribe {
		stop()
	}
	for _, taskID := range taskIDs {
		task, err := s.tasks.Get(taskID)
		if err != nil || task.Status.IsTerminal() {
			continue
		}
		if err := s.tasks.Cancel(ctx, taskID); err != nil {
			s.logger.Warn("coordination task cancel failed", "coordination_id", id, "task_id", taskID, "error", err)
		}
	}
	if workflowID != "" {
		if err := s.workflows.Cancel(ctx, workflowID); err != nil {
			s.logger.Debug("coordination workflow not cancelled", "coordination_id", id, "workflow_id", workflowID, "error", err)
		}
	}

	s.logger.Info("coordination cancelled", "coordination_id", id)
	s.publish(ctx, domain.EventCoordinationCancelled, rec, "")
	s.logActivity(ctx, domain.Activity{
		AgentName:   coordinatorAgent,
		Type:        domain.ActivityCoordinationEvent,
		Description: "coordination cancelled: " + rec.req.Title,
		Metadata:    map[string]any{"coordination_id": id, "request_id": rec.req.RequestID},
		Success:     true,
	})
	return nil
}

// Active returns reports for every coordination still in flight.
func (s *Service) Active() []domain.CoordinationReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CoordinationReport, 0, len(s.active))
	for _, rec := range s.active {
		out = append(out, rec.report())
	}
	slices.SortFunc(out, func(a, b domain.CoordinationReport) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Health reports which collaborators are wired and how much is in flight.
func (s *Service) Health() domain.ServiceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := domain.ServiceHealth{
		Running: s.running,
		Components: map[string]bool{
			"routing_manager":  s.router != nil,
			"task_coordinator": s.tasks != nil,
			"workflow_engine":  s.workflows != nil,
			"event_bus":        s.bus != nil,
			"activity_log":     s.activity != nil,
		},
		ActiveCoordinations: len(s.active),
	}
	for _, rec := range s.active {
		h.MonitoredTriggers += len(rec.unsubscribe)
	}
	return h
}

// Shutdown stops every reactive monitor and rejects new requests.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.running = false
	var stops []func()
	for _, rec := range s.active {
		stops = append(stops, rec.unsubscribe...)
		rec.unsubscribe = nil
	}
	s.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	s.logger.Info("coordination service stopped")
}

func (s *Service) findHistoryLocked(id string) *record {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].id == id {
			return s.history[i]
		}
	}
	return nil
}

func (s *Service) retireLocked(rec *record) {
	s.history = append(s.history, rec)
	if over := len(s.history) - maxHistory; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
}

func (s *Service) publish(ctx context.Context, t domain.EventType, rec *record, trigger domain.EventType) {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	payload := domain.CoordinationEventPayload{
		CoordinationID: rec.id,
		RequestID:      rec.req.RequestID,
		Type:           rec.req.Type,
		Status:         rec.status,
		TaskIDs:        slices.Clone(rec.taskIDs),
		WorkflowID:     rec.workflowID,
		Trigger:        trigger,
	}
	s.mu.Unlock()
	s.bus.Publish(ctx, domain.NewEvent(t, rec.id, payload))
}

func (s *Service) logActivity(ctx context.Context, a domain.Activity) {
	if s.activity == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now()
	}
	if err := s.activity.LogActivity(ctx, a); err != nil {
		s.logger.Warn("activity log write failed", "agent", a.AgentName, "type", string(a.Type), "error", err)
	}
}
