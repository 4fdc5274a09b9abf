package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/tracer"
)

// runSequential runs steps in declared order. A step whose dependencies are
// not completed is skipped; a failed step aborts the run unless partial
// success is allowed.
func (e *Engine) runSequential(ctx context.Context, x *execution) {
	for _, id := range x.stepIDs() {
		if ctx.Err() != nil {
			return
		}
		if x.depsOf(id) != depsReady {
			e.skip(ctx, x, id, "dependencies not satisfied")
			continue
		}
		if err := e.runStep(ctx, x, id); err != nil && !x.def.AllowPartialSuccess {
			e.skipPending(ctx, x, "aborted after step "+id+" failed")
			return
		}
	}
}

// skipPending skips every step that has not started yet.
func (e *Engine) skipPending(ctx context.Context, x *execution, reason string) {
	for _, id := range x.stepIDs() {
		if x.status(id) == domain.StepPending {
			e.skip(ctx, x, id, reason)
		}
	}
}

// runParallel dispatches every ready step at once and waits for the wave
// to finish before looking for steps the wave unblocked. Waves are not
// bounded by max_concurrent_steps; only pipelines use a window.
func (e *Engine) runParallel(ctx context.Context, x *execution) {
	for ctx.Err() == nil {
		var wave []string
		for _, id := range x.stepIDs() {
			if x.status(id) != domain.StepPending {
				continue
			}
			switch x.depsOf(id) {
			case depsReady:
				wave = append(wave, id)
			case depsBroken:
				e.skip(ctx, x, id, "dependency failed")
			}
		}
		if len(wave) == 0 {
			return
		}

		var g errgroup.Group
		for _, id := range wave {
			g.Go(func() error { return e.runStep(ctx, x, id) })
		}
		if err := g.Wait(); err != nil {
			e.logger.Debug("parallel wave finished with failures", "workflow_id", x.rec.WorkflowID, "error", err)
		}
	}
}

// runPipeline keeps up to max_concurrent_steps steps in flight and starts
// the next ready step whenever a slot frees. It returns once nothing is in
// flight and no pending step can start.
func (e *Engine) runPipeline(ctx context.Context, x *execution) {
	sem := semaphore.NewWeighted(int64(x.def.MaxConcurrentSteps))
	finished := make(chan string, len(x.def.Steps))
	started := make(map[string]bool, len(x.def.Steps))
	running := 0

	defer func() {
		for ; running > 0; running-- {
			<-finished
		}
	}()

	for ctx.Err() == nil {
		// A skip can break dependents listed earlier, so rescan until stable.
		for progressed := true; progressed; {
			progressed = false
			for _, id := range x.stepIDs() {
				if started[id] {
					continue
				}
				state := x.depsOf(id)
				if state == depsBroken {
					started[id] = true
					progressed = true
					e.skip(ctx, x, id, "dependency failed")
					continue
				}
				if state != depsReady || !sem.TryAcquire(1) {
					continue
				}
				started[id] = true
				running++
				go func() {
					_ = e.runStep(ctx, x, id)
					// The slot is free before the loop hears about it.
					sem.Release(1)
					finished <- id
				}()
			}
		}
		if running == 0 {
			return
		}
		select {
		case <-finished:
			running--
		case <-ctx.Done():
		}
	}
}

// runConditional runs steps in order, skipping those whose conditions do
// not hold. Failures do not stop later steps.
func (e *Engine) runConditional(ctx context.Context, x *execution) {
	for _, id := range x.stepIDs() {
		if ctx.Err() != nil {
			return
		}
		if x.depsOf(id) != depsReady {
			e.skip(ctx, x, id, "dependencies not satisfied")
			continue
		}
		if ok, why := e.conditionsMet(x, x.step(id)); !ok {
			e.skip(ctx, x, id, why)
			continue
		}
		_ = e.runStep(ctx, x, id)
	}
}

func (e *Engine) conditionsMet(x *execution, step domain.WorkflowStep) (bool, string) {
	for _, cond := range step.Conditions {
		switch {
		case cond == domain.ConditionPreviousStepSuccess:
			if x.hasFailures() {
				return false, "condition previous_step_success not met"
			}
		case strings.HasPrefix(cond, domain.ConditionAgentAvailable):
			name := strings.TrimPrefix(cond, domain.ConditionAgentAvailable)
			agent, err := e.agents.Get(name)
			if err != nil || !agent.IsAvailable() {
				return false, "condition " + cond + " not met"
			}
		default:
			e.logger.Warn("unknown step condition", "workflow_id", x.rec.WorkflowID, "step_id", step.StepID, "condition", cond)
			return false, "unknown condition " + cond
		}
	}
	return true, ""
}

func (e *Engine) skip(ctx context.Context, x *execution, id, reason string) {
	x.markSkipped(id, reason)
	e.logger.Info("workflow step skipped", "workflow_id", x.rec.WorkflowID, "step_id", id, "reason", reason)
	e.publishStep(ctx, domain.EventWorkflowStepSkipped, x, id, "", 0, reason)
}

// runStep drives one step to completion or failure, retrying failed
// attempts with exponential backoff when the workflow allows it.
func (e *Engine) runStep(ctx context.Context, x *execution, id string) error {
	ctx, span := tracer.StartSpan(ctx, "workflow.Step")
	span.SetAttributes(tracer.StringAttr("workflow_id", x.rec.WorkflowID), tracer.StringAttr("step_id", id))

	step := x.step(id)
	attempts := 1
	if x.def.AutoRetryFailedSteps {
		attempts += step.MaxRetries
	}

	x.markStarted(id, e.now())
	e.publishStep(ctx, domain.EventWorkflowStepStarted, x, id, "", 1, "")

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if werr := e.backoff(ctx, attempt-1); werr != nil {
				err = werr
				break
			}
		}
		x.recordAttempt(id, attempt)

		var (
			agent  string
			result map[string]any
		)
		result, agent, err = e.attempt(ctx, x, step)
		e.recorder.StepAttempt(ctx, string(x.def.Type), err == nil)
		if err == nil {
			x.markCompleted(id, result, e.now())
			e.logger.Info("workflow step completed", "workflow_id", x.rec.WorkflowID, "step_id", id, "agent", agent, "attempt", attempt)
			e.publishStep(ctx, domain.EventWorkflowStepCompleted, x, id, agent, attempt, "")
			tracer.End(span, nil)
			return nil
		}
		e.logger.Warn("workflow step attempt failed",
			"workflow_id", x.rec.WorkflowID, "step_id", id, "agent", agent,
			"attempt", attempt, "max_attempts", attempts, "error", err)
		if ctx.Err() != nil || !domain.IsRetryableError(err) {
			break
		}
	}

	if ctx.Err() != nil {
		err = e.runContextError(ctx, x)
	}
	x.markFailed(id, err.Error(), e.now())
	failed := x.step(id)
	e.publishStep(ctx, domain.EventWorkflowStepFailed, x, id, failed.AssignedAgent, failed.RetryCount+1, err.Error())
	stepErr := domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.runStep", domain.ErrStepExecution,
		fmt.Sprintf("step %s: %v", id, err))
	tracer.End(span, stepErr)
	return stepErr
}

// attempt resolves an agent and pushes one coordinator task for the step
// through assign, start, execute and complete.
func (e *Engine) attempt(ctx context.Context, x *execution, step domain.WorkflowStep) (map[string]any, string, error) {
	agent, err := e.resolveAgent(step)
	if err != nil {
		return nil, "", err
	}

	task, err := e.tasks.Submit(ctx, e.stepTaskSpec(x, step, agent.Name))
	if err != nil {
		return nil, agent.Name, err
	}
	x.assign(step.StepID, task.TaskID, agent.Name)
	// Settling bookkeeping must survive cancellation of the run.
	bg := context.WithoutCancel(ctx)

	if err := e.tasks.Assign(ctx, task.TaskID, agent.Name); err != nil {
		// A queue pass may have claimed the task first; adopt its agent.
		adopted, ok := e.adopt(task.TaskID)
		if !ok {
			_ = e.tasks.Cancel(bg, task.TaskID)
			return nil, agent.Name, err
		}
		agent = adopted
		x.assign(step.StepID, task.TaskID, agent.Name)
	}
	if err := e.tasks.Start(ctx, task.TaskID, agent.Name); err != nil {
		_ = e.tasks.Fail(bg, task.TaskID, agent.Name, err.Error(), false)
		return nil, agent.Name, err
	}

	task, err = e.tasks.Get(task.TaskID)
	if err != nil {
		return nil, agent.Name, err
	}
	res, err := e.executor.Execute(ctx, task, agent)
	if err != nil {
		_ = e.tasks.Fail(bg, task.TaskID, agent.Name, err.Error(), false)
		return nil, agent.Name, err
	}
	if err := e.tasks.Complete(bg, task.TaskID, agent.Name, res.Data, res.FeedbackScore); err != nil {
		return nil, agent.Name, err
	}
	return res.Data, agent.Name, nil
}

func (e *Engine) adopt(taskID string) (domain.AgentProfile, bool) {
	cur, err := e.tasks.Get(taskID)
	if err != nil || cur.Status != domain.TaskAssigned || len(cur.AssignedAgents) == 0 {
		return domain.AgentProfile{}, false
	}
	agent, err := e.agents.Get(cur.AssignedAgents[0])
	if err != nil {
		return domain.AgentProfile{}, false
	}
	return agent, true
}

func (e *Engine) stepTaskSpec(x *execution, step domain.WorkflowStep, agent string) domain.TaskSpec {
	reqs := make([]domain.TaskRequirement, 0, len(step.RequiredCapabilities))
	for _, c := range step.RequiredCapabilities {
		reqs = append(reqs, domain.Requirement(c, 1))
	}
	desc := step.Description
	if desc == "" {
		desc = step.Name
	}
	return domain.TaskSpec{
		Title:                    step.Name,
		Description:              desc,
		Priority:                 x.def.Priority,
		Requirements:             reqs,
		PreferredAgents:          []string{agent},
		EstimatedDurationMinutes: step.EstimatedDurationMinutes,
		Metadata: map[string]string{
			"workflow_id":  x.rec.WorkflowID,
			"execution_id": x.rec.ExecutionID,
			"step_id":      step.StepID,
			"category":     x.def.Category,
		},
	}
}

// resolveAgent picks a preferred agent that is available and has every
// required capability, otherwise the most reliable available agent holding
// any of them. A step without capabilities may go to any available agent.
func (e *Engine) resolveAgent(step domain.WorkflowStep) (domain.AgentProfile, error) {
	for _, name := range step.PreferredAgents {
		agent, err := e.agents.Get(name)
		if err != nil || !agent.IsAvailable() {
			continue
		}
		if hasAll(agent, step.RequiredCapabilities) {
			return agent, nil
		}
	}

	var candidates []domain.AgentProfile
	if len(step.RequiredCapabilities) == 0 {
		candidates = e.agents.Available()
	} else {
		seen := make(map[string]bool)
		for _, c := range step.RequiredCapabilities {
			for _, agent := range e.agents.ByCapability(c) {
				if !seen[agent.Name] {
					seen[agent.Name] = true
					candidates = append(candidates, agent)
				}
			}
		}
	}

	var (
		best  domain.AgentProfile
		found bool
	)
	for _, agent := range candidates {
		if !agent.IsAvailable() {
			continue
		}
		if !found || agent.Metrics.ReliabilityScore > best.Metrics.ReliabilityScore {
			best, found = agent, true
		}
	}
	if !found {
		return domain.AgentProfile{}, domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.resolveAgent",
			domain.ErrNoSuitableAgent, "step "+step.StepID)
	}
	return best, nil
}

func hasAll(agent domain.AgentProfile, caps []string) bool {
	for _, c := range caps {
		if !agent.HasCapability(c) {
			return false
		}
	}
	return true
}

// backoff waits base*2^(n-1), capped, before retry n.
func (e *Engine) backoff(ctx context.Context, n int) error {
	d := e.cfg.RetryBackoff
	for i := 1; i < n && d < e.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	d = min(d, e.cfg.MaxRetryBackoff)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runContextError explains why a run's context ended.
func (e *Engine) runContextError(ctx context.Context, x *execution) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.Execute", domain.ErrTimeout,
			fmt.Sprintf("workflow %s exceeded %d minutes", x.rec.WorkflowID, x.def.TimeoutMinutes))
	}
	return domain.NewSubSystemError(domain.SubSystemWorkflow, "Engine.Execute", domain.ErrCancelled,
		"workflow "+x.rec.WorkflowID+" cancelled")
}
