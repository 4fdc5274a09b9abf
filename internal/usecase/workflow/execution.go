package workflow

import (
	"context"
	"slices"
	"sync"
	"time"

	"agentcoord/internal/domain"
)

// execution is one in-flight run. def is the run's private working copy of
// the workflow; the engine copies it back when the run ends.
type execution struct {
	mu  sync.Mutex
	def domain.WorkflowDefinition
	rec domain.WorkflowExecution

	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func newExecution(def domain.WorkflowDefinition, now time.Time) *execution {
	return &execution{
		def: def,
		rec: domain.WorkflowExecution{
			ExecutionID:        domain.NewID("exec"),
			WorkflowID:         def.WorkflowID,
			Status:             domain.WorkflowInProgress,
			CurrentSteps:       []string{},
			CompletedSteps:     []string{},
			FailedSteps:        []string{},
			StepAssignments:    map[string]string{},
			StepExecutionTimes: map[string]float64{},
			StepAttempts:       map[string]int{},
			StartedAt:          now,
		},
		done: make(chan struct{}),
	}
}

type depState int

const (
	depsReady depState = iota
	depsWaiting
	depsBroken
)

// depsOf classifies the dependencies of step id. A dependency that failed
// or was skipped can never be satisfied.
func (x *execution) depsOf(id string) depState {
	x.mu.Lock()
	defer x.mu.Unlock()
	step := x.def.Step(id)
	state := depsReady
	for _, dep := range step.DependsOn {
		switch x.def.Step(dep).Status {
		case domain.StepCompleted:
		case domain.StepFailed, domain.StepSkipped:
			return depsBroken
		default:
			state = depsWaiting
		}
	}
	return state
}

func (x *execution) step(id string) domain.WorkflowStep {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := *x.def.Step(id)
	s.RequiredCapabilities = slices.Clone(s.RequiredCapabilities)
	s.PreferredAgents = slices.Clone(s.PreferredAgents)
	return s
}

func (x *execution) status(id string) domain.StepStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.def.Step(id).Status
}

func (x *execution) stepIDs() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, len(x.def.Steps))
	for i, s := range x.def.Steps {
		ids[i] = s.StepID
	}
	return ids
}

func (x *execution) hasFailures() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.rec.FailedSteps) > 0
}

func (x *execution) markStarted(id string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.def.Step(id)
	s.Status = domain.StepInProgress
	s.StartedAt = now
	s.ErrorMessage = ""
	x.rec.CurrentSteps = append(x.rec.CurrentSteps, id)
}

func (x *execution) recordAttempt(id string, attempt int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.def.Step(id).RetryCount = attempt - 1
	x.rec.StepAttempts[id] = attempt
}

func (x *execution) assign(id, taskID, agent string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.def.Step(id)
	s.TaskID = taskID
	s.AssignedAgent = agent
	x.rec.StepAssignments[id] = agent
}

func (x *execution) markCompleted(id string, result map[string]any, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.def.Step(id)
	s.Status = domain.StepCompleted
	s.CompletedAt = now
	s.ResultData = result
	x.rec.CurrentSteps = slices.DeleteFunc(x.rec.CurrentSteps, func(c string) bool { return c == id })
	x.rec.CompletedSteps = append(x.rec.CompletedSteps, id)
	x.rec.StepExecutionTimes[id] = now.Sub(s.StartedAt).Seconds()
}

func (x *execution) markFailed(id, msg string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.failLocked(id, msg, now)
}

func (x *execution) failLocked(id, msg string, now time.Time) {
	s := x.def.Step(id)
	s.Status = domain.StepFailed
	s.CompletedAt = now
	s.ErrorMessage = msg
	x.rec.CurrentSteps = slices.DeleteFunc(x.rec.CurrentSteps, func(c string) bool { return c == id })
	x.rec.FailedSteps = append(x.rec.FailedSteps, id)
	if !s.StartedAt.IsZero() {
		x.rec.StepExecutionTimes[id] = now.Sub(s.StartedAt).Seconds()
	}
}

func (x *execution) markSkipped(id, reason string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.def.Step(id)
	s.Status = domain.StepSkipped
	s.ErrorMessage = reason
	x.rec.SkippedSteps = append(x.rec.SkippedSteps, id)
}

// settleRemaining closes out every step the run never finished. Pending
// steps are skipped unless failPending is set; steps still marked in
// progress always fail.
func (x *execution) settleRemaining(reason string, failPending bool, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.def.Steps {
		s := &x.def.Steps[i]
		switch {
		case s.Status == domain.StepInProgress, s.Status == domain.StepPending && failPending:
			x.failLocked(s.StepID, reason, now)
		case s.Status == domain.StepPending:
			s.Status = domain.StepSkipped
			s.ErrorMessage = reason
			x.rec.SkippedSteps = append(x.rec.SkippedSteps, s.StepID)
		}
	}
}

func (x *execution) snapshot() (domain.WorkflowDefinition, domain.WorkflowExecution) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.def.Clone(), x.rec.Clone()
}

// settle records the outcome once every step has stopped.
func (x *execution) settle(status domain.WorkflowStatus, successRate float64, errMsg string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.def.Status = status
	x.def.CompletedAt = now
	x.rec.Status = status
	x.rec.CompletedAt = now
	x.rec.CurrentSteps = []string{}
	x.rec.SuccessRate = successRate
	x.rec.Error = errMsg
}

func (x *execution) isDone() bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

func (x *execution) markCancelled() {
	x.mu.Lock()
	x.cancelled = true
	x.mu.Unlock()
	x.cancel()
}

func (x *execution) wasCancelled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancelled
}

// resetSteps prepares a definition for a fresh run.
func resetSteps(def *domain.WorkflowDefinition) {
	for i := range def.Steps {
		s := &def.Steps[i]
		s.Status = domain.StepPending
		s.AssignedAgent = ""
		s.TaskID = ""
		s.RetryCount = 0
		s.StartedAt = time.Time{}
		s.CompletedAt = time.Time{}
		s.ResultData = nil
		s.ErrorMessage = ""
	}
}
