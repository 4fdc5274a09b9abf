package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"agentcoord/internal/domain"
	"agentcoord/internal/infra/tracer"
)

// TaskRunner is the coordinator surface the worker drives.
type TaskRunner interface {
	Start(ctx context.Context, taskID, agentName string) error
	Complete(ctx context.Context, taskID, agentName string, result map[string]any, feedback *float64) error
	Fail(ctx context.Context, taskID, agentName, errMsg string, retry bool) error
	Get(taskID string) (domain.TaskDefinition, error)
}

// AgentSource resolves agent profiles for execution.
type AgentSource interface {
	Get(name string) (domain.AgentProfile, error)
}

// Worker executes coordination tasks once they are assigned. Tasks owned by
// a workflow are left to the workflow engine. A failed task is handed back
// to the queue until it has used the request's retries. Cancelling a task
// interrupts its execution.
type Worker struct {
	tasks    TaskRunner
	agents   AgentSource
	executor domain.TaskExecutor
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	running  map[string]context.CancelCauseFunc
	stop     []func()

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker. Call Subscribe to start receiving tasks.
func NewWorker(tasks TaskRunner, agents AgentSource, executor domain.TaskExecutor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Worker{
		tasks:    tasks,
		agents:   agents,
		executor: executor,
		logger:   logger,
		attempts: make(map[string]int),
		running:  make(map[string]context.CancelCauseFunc),
		base:     base,
		cancel:   cancel,
	}
}

// errInterrupted is the cancel cause of an execution whose task was
// cancelled.
var errInterrupted = errors.New("task cancelled during execution")

// Subscribe listens for task.assigned events to run tasks and for
// task.cancelled events to interrupt them.
func (w *Worker) Subscribe(bus domain.EventBus) {
	assigned := bus.Subscribe(string(domain.EventTaskAssigned), func(ctx context.Context, ev domain.Event) {
		var p domain.TaskEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.TaskID == "" || p.Agent == "" {
			return
		}
		w.Run(ctx, p.TaskID, p.Agent)
	})
	cancelled := bus.Subscribe(string(domain.EventTaskCancelled), func(_ context.Context, ev domain.Event) {
		var p domain.TaskEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.TaskID == "" {
			return
		}
		w.Interrupt(p.TaskID)
	})
	w.mu.Lock()
	w.stop = append(w.stop, assigned, cancelled)
	w.mu.Unlock()
}

// Interrupt cancels the context of a running execution of taskID. It
// reports whether one was running.
func (w *Worker) Interrupt(taskID string) bool {
	w.mu.Lock()
	cancel, ok := w.running[taskID]
	w.mu.Unlock()
	if ok {
		cancel(errInterrupted)
		w.logger.Info("task execution interrupted", "task_id", taskID)
	}
	return ok
}

// Run executes one assigned task on agentName and reports the outcome to
// the coordinator.
func (w *Worker) Run(ctx context.Context, taskID, agentName string) {
	task, err := w.tasks.Get(taskID)
	if err != nil || task.Status != domain.TaskAssigned {
		return
	}
	if task.Metadata["workflow_id"] != "" || task.Metadata["coordination_id"] == "" {
		return
	}
	agent, err := w.agents.Get(agentName)
	if err != nil {
		w.logger.Warn("worker agent lookup failed", "task_id", taskID, "agent", agentName, "error", err)
		return
	}

	if w.base.Err() != nil {
		return
	}
	w.wg.Add(1)
	defer w.wg.Done()
	runCtx, cancel := context.WithCancelCause(w.base)
	w.mu.Lock()
	w.running[taskID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, taskID)
		w.mu.Unlock()
		cancel(nil)
	}()
	if origin := ctx.Value(reactiveOrigin{}); origin != nil {
		runCtx = context.WithValue(runCtx, reactiveOrigin{}, origin)
	}
	runCtx, span := tracer.StartSpan(runCtx, "coordination.Worker.Run")
	span.SetAttributes(tracer.StringAttr("task_id", taskID), tracer.StringAttr("agent", agentName))

	if err := w.tasks.Start(runCtx, taskID, agentName); err != nil {
		w.logger.Debug("worker could not start task", "task_id", taskID, "agent", agentName, "error", err)
		tracer.End(span, err)
		return
	}

	start := time.Now()
	result, err := w.executor.Execute(runCtx, task, agent)
	if err == nil {
		w.forget(taskID)
		err = w.tasks.Complete(runCtx, taskID, agentName, result.Data, result.FeedbackScore)
		if err != nil {
			w.logger.Warn("worker could not complete task", "task_id", taskID, "error", err)
		} else {
			w.logger.Info("task executed", "task_id", taskID, "agent", agentName, "duration", time.Since(start))
		}
		tracer.End(span, err)
		return
	}

	if errors.Is(context.Cause(runCtx), errInterrupted) {
		// The coordinator already holds the task as cancelled.
		w.forget(taskID)
		tracer.End(span, err)
		return
	}

	retry := w.shouldRetry(task, err)
	w.logger.Warn("task execution failed", "task_id", taskID, "agent", agentName, "retry", retry, "error", err)
	if ferr := w.tasks.Fail(context.WithoutCancel(runCtx), taskID, agentName, err.Error(), retry); ferr != nil {
		w.logger.Warn("worker could not fail task", "task_id", taskID, "error", ferr)
	}
	tracer.End(span, err)
}

func (w *Worker) shouldRetry(task domain.TaskDefinition, err error) bool {
	if !domain.IsRetryableError(err) || errors.Is(w.base.Err(), context.Canceled) {
		w.forget(task.TaskID)
		return false
	}
	limit := domain.DefaultCoordinationRetries
	if v, convErr := strconv.Atoi(task.Metadata["max_retries"]); convErr == nil {
		limit = v
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[task.TaskID]++
	if w.attempts[task.TaskID] > limit {
		delete(w.attempts, task.TaskID)
		return false
	}
	return true
}

func (w *Worker) forget(taskID string) {
	w.mu.Lock()
	delete(w.attempts, taskID)
	w.mu.Unlock()
}

// Shutdown stops receiving tasks, interrupts running executions and waits
// for them to report.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	stop := w.stop
	w.stop = nil
	w.mu.Unlock()
	for _, unsubscribe := range stop {
		unsubscribe()
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return domain.WrapOp("Worker.Shutdown", ctx.Err())
	}
}
