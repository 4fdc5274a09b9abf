package scheduling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func counter(n *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func jobNamed(t *testing.T, s *Scheduler, name string) JobStatus {
	t.Helper()
	for _, j := range s.Jobs() {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("job %q not listed", name)
	return JobStatus{}
}

func TestStartStopIdempotent(t *testing.T) {
	s := NewScheduler(nil)
	for range 2 {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	for range 2 {
		if err := s.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
}

func TestQueuePassFiresOnDuration(t *testing.T) {
	var passes atomic.Int32
	s := NewScheduler(nil)
	s.RegisterAction(ActionQueueProcess, counter(&passes))
	if err := s.AddTask(ScheduledTask{Name: "queue_process", Schedule: "40ms", Action: ActionQueueProcess}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(180 * time.Millisecond)
	s.Stop()

	if n := passes.Load(); n < 2 {
		t.Errorf("queue pass ran %d times, want at least 2", n)
	}
	st := jobNamed(t, s, "queue_process")
	if st.Kind != "cron" || st.Runs != int(passes.Load()) || st.Failures != 0 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.LastRun.IsZero() {
		t.Error("LastRun not recorded")
	}
}

func TestAddTaskErrors(t *testing.T) {
	s := NewScheduler(nil)
	s.RegisterAction(ActionRuleReload, func(context.Context) error { return nil })

	cases := map[string]ScheduledTask{
		"unknown action": {Name: "a", Schedule: "1m", Action: "nope"},
		"bad schedule":   {Name: "b", Schedule: "sometimes", Action: ActionRuleReload},
		"empty schedule": {Name: "c", Schedule: "", Action: ActionRuleReload},
		"negative":       {Name: "d", Schedule: "-5m", Action: ActionRuleReload},
		"zero duration":  {Name: "e", Schedule: "0s", Action: ActionRuleReload},
	}
	for name, task := range cases {
		if err := s.AddTask(task); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	ok := ScheduledTask{Name: "rule_reload", Schedule: "@hourly", Action: ActionRuleReload}
	if err := s.AddTask(ok); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(ok); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestParseScheduleForms(t *testing.T) {
	for _, spec := range []string{"*/5 * * * *", "0 3 * * 1-5", "@daily", "@every 1h", "15s", "1h30m", "100ms"} {
		if _, err := parseSchedule(spec); err != nil {
			t.Errorf("parseSchedule(%q): %v", spec, err)
		}
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, _ := parseSchedule("250ms")
	if got := sched.Next(base); !got.Equal(base.Add(250 * time.Millisecond)) {
		t.Errorf("Next = %v, want base+250ms", got)
	}
}

func TestFailingTaskRecordsErrorAndSiblingsContinue(t *testing.T) {
	var healthy atomic.Int32
	s := NewScheduler(nil)
	s.RegisterAction(ActionActivityPrune, func(context.Context) error { panic("disk gone") })
	s.RegisterAction(ActionQueueProcess, counter(&healthy))
	s.AddTask(ScheduledTask{Name: "activity_prune", Schedule: "20ms", Action: ActionActivityPrune})
	s.AddTask(ScheduledTask{Name: "queue_process", Schedule: "20ms", Action: ActionQueueProcess})

	s.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	if healthy.Load() < 1 {
		t.Error("queue pass should keep running next to a panicking job")
	}
	st := jobNamed(t, s, "activity_prune")
	if st.Failures == 0 || st.Failures != st.Runs {
		t.Errorf("expected every run to fail, got %+v", st)
	}
	if st.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestRemoveStopsTask(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(nil)
	s.RegisterAction(ActionRuleReload, counter(&runs))
	s.AddTask(ScheduledTask{Name: "rule_reload", Schedule: "30ms", Action: ActionRuleReload})
	if err := s.Remove("rule_reload"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("rule_reload"); err == nil {
		t.Error("expected error removing a missing task")
	}

	s.Start(context.Background())
	time.Sleep(90 * time.Millisecond)
	s.Stop()
	if runs.Load() != 0 {
		t.Error("removed task fired")
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("Jobs() = %v, want empty", s.Jobs())
	}
}

func TestSuperviseRunsAtStartThenEveryInterval(t *testing.T) {
	var samples atomic.Int32
	s := NewScheduler(nil)
	if err := s.Supervise("load_sampler", 30*time.Millisecond, 0, counter(&samples)); err != nil {
		t.Fatalf("Supervise: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(15 * time.Millisecond)
	if n := samples.Load(); n != 1 {
		t.Errorf("after start: %d samples, want 1", n)
	}
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if n := samples.Load(); n < 3 {
		t.Errorf("got %d samples, want at least 3", n)
	}
	st := jobNamed(t, s, "load_sampler")
	if st.Kind != "loop" || st.NextRun.IsZero() {
		t.Errorf("unexpected loop status %+v", st)
	}
}

func TestSuperviseBacksOffAfterError(t *testing.T) {
	var stamps [2]time.Time
	var n atomic.Int32
	done := make(chan struct{})

	s := NewScheduler(nil)
	s.Supervise("load_sampler", 10*time.Millisecond, 80*time.Millisecond, func(context.Context) error {
		i := n.Add(1)
		if i <= 2 {
			stamps[i-1] = time.Now()
		}
		if i == 2 {
			close(done)
		}
		return errors.New("registry unavailable")
	})

	s.Start(context.Background())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second sample never ran")
	}
	s.Stop()

	if gap := stamps[1].Sub(stamps[0]); gap < 70*time.Millisecond {
		t.Errorf("gap after failure = %v, want about 80ms", gap)
	}
}

func TestSuperviseSurvivesPanic(t *testing.T) {
	var n atomic.Int32
	s := NewScheduler(nil)
	s.Supervise("load_sampler", 10*time.Millisecond, 10*time.Millisecond, func(context.Context) error {
		if n.Add(1) == 1 {
			panic("first sample")
		}
		return nil
	})

	s.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	s.Stop()

	if n.Load() < 2 {
		t.Error("loop ended after a panic")
	}
	if st := jobNamed(t, s, "load_sampler"); st.Failures != 1 {
		t.Errorf("Failures = %d, want 1", st.Failures)
	}
}

func TestSuperviseEndsOnStop(t *testing.T) {
	var n atomic.Int32
	s := NewScheduler(nil)
	s.Supervise("load_sampler", 10*time.Millisecond, 10*time.Millisecond, counter(&n))
	s.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	s.Stop()

	stopped := n.Load()
	time.Sleep(50 * time.Millisecond)
	if n.Load() != stopped {
		t.Error("loop kept running after Stop")
	}
}

func TestSuperviseAddedAfterStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := NewScheduler(nil)
	s.Start(context.Background())
	defer s.Stop()

	s.Supervise("late", time.Hour, time.Hour, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("loop added after Start never ran")
	}
}

func TestSuperviseValidation(t *testing.T) {
	s := NewScheduler(nil)
	noop := func(context.Context) error { return nil }
	if err := s.Supervise("bad", 0, time.Second, noop); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := s.Supervise("load_sampler", time.Second, 0, noop); err != nil {
		t.Fatalf("Supervise: %v", err)
	}
	if err := s.Supervise("load_sampler", time.Second, 0, noop); err == nil {
		t.Error("expected duplicate name error")
	}
}
