package coordination

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"agentcoord/internal/domain"
)

const coordinatorAgent = "@coordination-service"

// reactiveOrigin marks contexts derived from a reactive trigger so the
// events they cause do not fire triggers again.
type reactiveOrigin struct{}

func fromReactive(ctx context.Context) bool {
	_, ok := ctx.Value(reactiveOrigin{}).(string)
	return ok
}

// dispatch is one routed, submitted and assigned task.
type dispatch struct {
	agent      string
	taskID     string
	confidence float64
	strategy   domain.RoutingStrategy
}

type work struct {
	title       string
	description string
	caps        []string
	estimated   int
}

// dispatchTask routes w, submits the task with the chosen agent preferred
// and assigns it. A task that cannot be assigned right away stays queued
// for the coordinator's queue pass.
func (s *Service) dispatchTask(ctx context.Context, rec *record, w work) (dispatch, error) {
	req := rec.req
	reqs := make([]domain.TaskRequirement, 0, len(w.caps))
	for _, c := range w.caps {
		reqs = append(reqs, domain.Requirement(c, 1))
	}

	draft := domain.TaskDefinition{
		TaskID:                   domain.NewID("draft"),
		Title:                    w.title,
		Description:              w.description,
		Priority:                 req.Priority,
		Requirements:             reqs,
		PreferredAgents:          slices.Clone(req.PreferredAgents),
		ExcludedAgents:           slices.Clone(req.ExcludedAgents),
		EstimatedDurationMinutes: w.estimated,
		Status:                   domain.TaskPending,
	}
	decision, err := s.router.Route(ctx, draft, req.Strategy, "")
	if err != nil {
		return dispatch{}, err
	}

	task, err := s.tasks.Submit(ctx, domain.TaskSpec{
		Title:                    w.title,
		Description:              w.description,
		Priority:                 req.Priority,
		Requirements:             reqs,
		PreferredAgents:          []string{decision.SelectedAgent},
		ExcludedAgents:           slices.Clone(req.ExcludedAgents),
		EstimatedDurationMinutes: w.estimated,
		Metadata:                 taskMetadata(rec),
	})
	if err != nil {
		return dispatch{}, err
	}
	if err := s.tasks.Assign(ctx, task.TaskID, decision.SelectedAgent); err != nil {
		s.logger.Warn("coordination task left queued", "coordination_id", rec.id, "task_id", task.TaskID,
			"agent", decision.SelectedAgent, "error", err)
	}

	s.logActivity(ctx, domain.Activity{
		AgentName:   decision.SelectedAgent,
		Type:        domain.ActivityCoordinationEvent,
		Description: "coordinated task: " + w.title,
		Metadata: map[string]any{
			"coordination_id": rec.id,
			"request_id":      req.RequestID,
			"task_id":         task.TaskID,
			"strategy":        string(decision.Strategy),
			"confidence":      decision.ConfidenceScore,
		},
		Success: true,
	})
	return dispatch{
		agent:      decision.SelectedAgent,
		taskID:     task.TaskID,
		confidence: decision.ConfidenceScore,
		strategy:   decision.Strategy,
	}, nil
}

func taskMetadata(rec *record) map[string]string {
	md := map[string]string{
		"coordination_id": rec.id,
		"request_id":      rec.req.RequestID,
	}
	if rec.req.MaxRetries != nil {
		md["max_retries"] = strconv.Itoa(*rec.req.MaxRetries)
	}
	for k, v := range rec.req.Metadata {
		if _, taken := md[k]; taken {
			continue
		}
		md[k] = fmt.Sprint(v)
	}
	return md
}

func (s *Service) coordinateTask(ctx context.Context, rec *record) domain.CoordinationResponse {
	req := rec.req
	d, err := s.dispatchTask(ctx, rec, work{
		title:       req.Title,
		description: req.Description,
		caps:        req.RequiredCapabilities,
		estimated:   req.EstimatedDurationMinutes,
	})
	if err != nil {
		return failed(req, err.Error())
	}
	rec.agents = []string{d.agent}
	rec.taskIDs = []string{d.taskID}
	return domain.CoordinationResponse{
		RequestID:       req.RequestID,
		Status:          domain.CoordinationAccepted,
		AssignedAgents:  []string{d.agent},
		TaskIDs:         []string{d.taskID},
		ConfidenceScore: d.confidence,
		Plan: map[string]any{
			"type":     string(domain.CoordinationTask),
			"strategy": string(d.strategy),
			"agent":    d.agent,
			"task_id":  d.taskID,
		},
	}
}

// decompose splits a multi-agent request into one piece per required
// capability, sharing the timeout between them.
func decompose(req domain.CoordinationRequest) []work {
	if len(req.RequiredCapabilities) == 0 {
		return []work{{title: req.Title, description: req.Description, estimated: req.TimeoutMinutes}}
	}
	n := len(req.RequiredCapabilities)
	out := make([]work, 0, n)
	for i, c := range req.RequiredCapabilities {
		out = append(out, work{
			title:       fmt.Sprintf("%s - Part %d", req.Title, i+1),
			description: fmt.Sprintf("Subtask for %s: %s", c, req.Description),
			caps:        []string{c},
			estimated:   req.TimeoutMinutes / n,
		})
	}
	return out
}

func (s *Service) coordinateMultiAgent(ctx context.Context, rec *record) domain.CoordinationResponse {
	req := rec.req
	parts := decompose(req)
	var (
		total  float64
		agents []string
		errs   []string
	)
	for _, w := range parts {
		d, err := s.dispatchTask(ctx, rec, w)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", w.title, err))
			continue
		}
		total += d.confidence
		rec.taskIDs = append(rec.taskIDs, d.taskID)
		if !slices.Contains(agents, d.agent) {
			agents = append(agents, d.agent)
		}
	}
	if len(rec.taskIDs) == 0 {
		resp := failed(req, fmt.Sprintf("no subtask could be routed: %v", errs))
		resp.Plan["subtasks"] = len(parts)
		return resp
	}
	rec.agents = agents
	plan := map[string]any{
		"type":     string(domain.CoordinationMultiAgent),
		"subtasks": len(parts),
		"agents":   slices.Clone(agents),
	}
	if len(errs) > 0 {
		plan["unrouted"] = errs
	}
	return domain.CoordinationResponse{
		RequestID:       req.RequestID,
		Status:          domain.CoordinationAccepted,
		AssignedAgents:  slices.Clone(agents),
		TaskIDs:         slices.Clone(rec.taskIDs),
		ConfidenceScore: total / float64(len(parts)),
		Plan:            plan,
	}
}

// triggers reads metadata.triggers as a list of event patterns.
func triggers(md map[string]any) []string {
	switch v := md["triggers"].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func (s *Service) coordinateReactive(_ context.Context, rec *record) domain.CoordinationResponse {
	req := rec.req
	rec.triggers = triggers(req.Metadata)
	rec.status = domain.CoordinationMonitoring
	if s.bus != nil {
		for _, pattern := range rec.triggers {
			rec.unsubscribe = append(rec.unsubscribe, s.bus.Subscribe(pattern, s.onTrigger(rec)))
		}
	} else if len(rec.triggers) > 0 {
		s.logger.Warn("reactive coordination has no event bus", "coordination_id", rec.id, "triggers", rec.triggers)
	}
	return domain.CoordinationResponse{
		RequestID:       req.RequestID,
		Status:          domain.CoordinationMonitoring,
		AssignedAgents:  []string{},
		TaskIDs:         []string{},
		ConfidenceScore: 80,
		Plan: map[string]any{
			"type":               string(domain.CoordinationReactive),
			"monitoring_enabled": true,
			"trigger_conditions": slices.Clone(rec.triggers),
		},
	}
}

// onTrigger dispatches a task each time a watched event arrives.
func (s *Service) onTrigger(rec *record) domain.EventHandler {
	return func(ctx context.Context, event domain.Event) {
		if fromReactive(ctx) {
			return
		}
		s.mu.Lock()
		_, live := s.active[rec.id]
		if live {
			rec.fired++
		}
		n := rec.fired
		s.mu.Unlock()
		if !live {
			return
		}

		ctx = context.WithValue(ctx, reactiveOrigin{}, rec.id)
		d, err := s.dispatchTask(ctx, rec, work{
			title:       fmt.Sprintf("%s (trigger %d)", rec.req.Title, n),
			description: fmt.Sprintf("%s\nTriggered by %s", rec.req.Description, event.Type),
			caps:        rec.req.RequiredCapabilities,
			estimated:   rec.req.EstimatedDurationMinutes,
		})
		if err != nil {
			s.logger.Warn("reactive trigger not dispatched", "coordination_id", rec.id, "event", string(event.Type), "error", err)
			return
		}

		s.mu.Lock()
		rec.taskIDs = append(rec.taskIDs, d.taskID)
		if !slices.Contains(rec.agents, d.agent) {
			rec.agents = append(rec.agents, d.agent)
		}
		s.mu.Unlock()
		s.logger.Info("reactive coordination triggered", "coordination_id", rec.id, "event", string(event.Type),
			"task_id", d.taskID, "agent", d.agent)
		s.publish(ctx, domain.EventCoordinationTriggered, rec, event.Type)
	}
}

func (s *Service) coordinateWorkflow(ctx context.Context, rec *record) domain.CoordinationResponse {
	req := rec.req
	var (
		def domain.WorkflowDefinition
		err error
	)
	if req.CustomWorkflow != nil {
		custom := req.CustomWorkflow.Clone()
		if custom.TimeoutMinutes == 0 {
			custom.TimeoutMinutes = req.TimeoutMinutes
		}
		if custom.Priority == "" {
			custom.Priority = req.Priority
		}
		def, err = s.workflows.RegisterWorkflow(ctx, custom)
	} else {
		def, err = s.workflows.CreateFromTemplate(ctx, req.WorkflowTemplate, req.TemplateParameters)
	}
	if err != nil {
		return failed(req, err.Error())
	}
	exec, err := s.workflows.Execute(ctx, def.WorkflowID)
	if err != nil {
		return failed(req, err.Error())
	}
	rec.workflowID = def.WorkflowID
	return domain.CoordinationResponse{
		RequestID:       req.RequestID,
		Status:          domain.CoordinationAccepted,
		AssignedAgents:  []string{},
		TaskIDs:         []string{},
		WorkflowID:      def.WorkflowID,
		ExecutionID:     exec.ExecutionID,
		ConfidenceScore: 100,
		Plan: map[string]any{
			"type":          string(domain.CoordinationWorkflow),
			"workflow_id":   def.WorkflowID,
			"template":      def.TemplateName,
			"workflow_type": string(def.Type),
			"steps":         len(def.Steps),
			"execution_id":  exec.ExecutionID,
		},
	}
}
