// Package scheduling runs the engine's background jobs: cron-style entries
// for periodic maintenance and supervised loops that re-arm themselves with
// a backoff after failures.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction names a registered job handler.
type ScheduledAction string

const (
	ActionQueueProcess  ScheduledAction = "queue_process"
	ActionActivityPrune ScheduledAction = "activity_prune"
	ActionRuleReload    ScheduledAction = "rule_reload"
)

// jobTimeout bounds a single run of any job.
const jobTimeout = 5 * time.Minute

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduledTask binds a registered action to a schedule. Schedule is a
// five-field cron expression, a descriptor such as "@hourly", or a Go
// duration such as "15s".
type ScheduledTask struct {
	Name     string
	Schedule string
	Action   ScheduledAction
}

// JobStatus is a snapshot of one job.
type JobStatus struct {
	Name      string        `json:"name"`
	Kind      string        `json:"kind"` // "cron" or "loop"
	Schedule  string        `json:"schedule"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitzero"`
	LastError string        `json:"last_error,omitempty"`
	Duration  time.Duration `json:"last_duration"`
	NextRun   time.Time     `json:"next_run,omitzero"`
}

type job struct {
	status JobStatus
	entry  cron.EntryID
}

type loop struct {
	name     string
	interval time.Duration
	backoff  time.Duration
	fn       func(ctx context.Context) error
}

// Scheduler owns the engine's periodic work. Stop cancels and awaits
// everything Start launched.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	actions map[ScheduledAction]func(ctx context.Context) error
	jobs    map[string]*job
	loops   []loop
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	logger  *slog.Logger
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[ScheduledAction]func(ctx context.Context) error),
		jobs:    make(map[string]*job),
		logger:  logger,
	}
}

// RegisterAction installs the handler run by tasks naming action.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.actions[action] = fn
	s.mu.Unlock()
}

// AddTask schedules a registered action. Task names are unique.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: task %q: %w", task.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: task %q: no handler for action %q", task.Name, task.Action)
	}
	if _, dup := s.jobs[task.Name]; dup {
		return fmt.Errorf("scheduler: task %q already scheduled", task.Name)
	}

	j := &job{status: JobStatus{Name: task.Name, Kind: "cron", Schedule: task.Schedule}}
	j.entry = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(j, fn) }))
	s.jobs[task.Name] = j
	s.logger.Info("scheduled task added", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// Remove unschedules a cron task. Supervised loops run until Stop.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok || j.status.Kind != "cron" {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return nil
}

// Supervise registers a loop that runs fn as soon as the scheduler starts,
// then every interval. After an error or panic the next run waits backoff
// instead, which is raised to interval when shorter.
func (s *Scheduler) Supervise(name string, interval, backoff time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: loop %q: interval must be positive", name)
	}
	backoff = max(backoff, interval)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("scheduler: task %q already scheduled", name)
	}
	l := loop{name: name, interval: interval, backoff: backoff, fn: fn}
	s.loops = append(s.loops, l)
	s.jobs[name] = &job{status: JobStatus{Name: name, Kind: "loop", Schedule: interval.String()}}
	if s.started {
		s.spawn(l)
	}
	s.logger.Info("supervised loop added", "name", name, "interval", interval, "backoff", backoff)
	return nil
}

// spawn requires s.mu.
func (s *Scheduler) spawn(l loop) {
	ctx := s.ctx
	j := s.jobs[l.name]
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			wait := l.interval
			if err := s.execute(ctx, j, l.fn); err != nil {
				wait = l.backoff
				s.logger.Warn("supervised loop failed", "task", l.name, "error", err, "retry_in", wait)
			}
			s.mu.Lock()
			j.status.NextRun = time.Now().Add(wait)
			s.mu.Unlock()
			timer.Reset(wait)
		}
	}()
}

// fire is the cron callback.
func (s *Scheduler) fire(j *job, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := s.execute(ctx, j, fn); err != nil {
		s.logger.Warn("scheduled task failed", "task", j.status.Name, "error", err)
		return
	}
	s.logger.Debug("scheduled task completed", "task", j.status.Name)
}

// execute runs fn under jobTimeout, turns a panic into an error and
// records the outcome on j.
func (s *Scheduler) execute(ctx context.Context, j *job, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: task %q panicked: %v", j.status.Name, r)
		}
		s.mu.Lock()
		j.status.Runs++
		j.status.LastRun = start
		j.status.Duration = time.Since(start)
		j.status.LastError = ""
		if err != nil {
			j.status.Failures++
			j.status.LastError = err.Error()
		}
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	return fn(runCtx)
}

// Jobs returns a snapshot of every job ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.status
		if st.Kind == "cron" && s.started {
			st.NextRun = s.cron.Entry(j.entry).Next
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Start launches cron entries and loops. A second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	for _, l := range s.loops {
		s.spawn(l)
	}
	return nil
}

// Stop cancels running jobs and blocks until they return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	// Unlocked: a job finishing up records its status under s.mu.
	<-s.cron.Stop().Done()
	s.wg.Wait()
	return nil
}

// parseSchedule accepts cron syntax first and falls back to a positive
// duration, which also allows sub-second intervals.
func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if sched, err := cronParser.Parse(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("%q is neither a cron expression nor a duration", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration %q must be positive", spec)
	}
	return every(d), nil
}

// every fires at a fixed interval from the previous activation.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
