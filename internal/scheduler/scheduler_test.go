package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/executor"
	"github.com/ikido/herdctl/internal/logx"
)

// fakeTriggerer records admissions and simulates running counts.
type fakeTriggerer struct {
	mu       sync.Mutex
	running  map[string]int
	admitted []string
}

func newFakeTriggerer() *fakeTriggerer {
	return &fakeTriggerer{running: make(map[string]int)}
}

func (f *fakeTriggerer) Trigger(agent, schedule string, opts executor.TriggerOptions) (*executor.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admitted = append(f.admitted, agent+"/"+schedule)
	return &executor.TriggerResult{JobID: "job-x", Agent: agent, Schedule: schedule}, nil
}

func (f *fakeTriggerer) RunningCount(agent string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[agent]
}

func (f *fakeTriggerer) setRunning(agent string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[agent] = n
}

func schedulerConfig(schedules ...config.ScheduleConfig) *config.Config {
	agent := config.AgentConfig{
		Name:      "a1",
		Workspace: "/tmp/a1",
		Schedules: schedules,
	}
	config.ApplyAgentDefaults(&agent)
	return &config.Config{
		Scheduler: config.SchedulerConfig{TickInterval: time.Second},
		Agents:    []config.AgentConfig{agent},
	}
}

func TestIntervalWithConcurrencyCap(t *testing.T) {
	cfg := schedulerConfig(config.ScheduleConfig{
		Name: "fast", Type: config.ScheduleInterval, Every: time.Second,
	})
	exec := newFakeTriggerer()
	s, err := New(cfg, exec, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

	// t=0: admitted; the simulated job runs for 3 ticks.
	s.Tick(base)
	exec.setRunning("a1", 1)
	// t=1, t=2: at cap, dropped.
	s.Tick(base.Add(1 * time.Second))
	s.Tick(base.Add(2 * time.Second))
	// t=3: slot free again, admitted; job runs past t=4.
	exec.setRunning("a1", 0)
	s.Tick(base.Add(3 * time.Second))
	exec.setRunning("a1", 1)
	// t=4: dropped.
	s.Tick(base.Add(4 * time.Second))

	status := s.Status()
	if status.TriggerCount != 2 {
		t.Errorf("triggerCount = %d, want 2", status.TriggerCount)
	}
	if status.SkippedConcurrency != 3 {
		t.Errorf("skippedDueToConcurrency = %d, want 3", status.SkippedConcurrency)
	}
	if len(exec.admitted) != 2 {
		t.Errorf("admitted = %v", exec.admitted)
	}
	if status.CheckCount != 5 {
		t.Errorf("checkCount = %d", status.CheckCount)
	}
}

func TestIntervalCadence(t *testing.T) {
	cfg := schedulerConfig(config.ScheduleConfig{
		Name: "slow", Type: config.ScheduleInterval, Every: 3 * time.Second,
	})
	exec := newFakeTriggerer()
	s, _ := New(cfg, exec, nil, logx.Nop())

	base := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		s.Tick(base.Add(time.Duration(i) * time.Second))
	}
	// Due immediately at t=0, then t=3 and t=6.
	if len(exec.admitted) != 3 {
		t.Errorf("admitted %d times, want 3", len(exec.admitted))
	}
}

func TestCronFiresOncePerMinute(t *testing.T) {
	cfg := schedulerConfig(config.ScheduleConfig{
		Name: "minutely", Type: config.ScheduleCron, Cron: "* * * * *",
	})
	exec := newFakeTriggerer()
	s, _ := New(cfg, exec, nil, logx.Nop())

	base := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	// Sixty one-second ticks inside the same minute, then one in the next.
	for i := 0; i < 60; i++ {
		s.Tick(base.Add(time.Duration(i) * time.Second))
	}
	s.Tick(base.Add(60 * time.Second))

	if len(exec.admitted) != 2 {
		t.Errorf("cron fired %d times across two minutes, want 2", len(exec.admitted))
	}
}

func TestPassiveSchedulesNeverFire(t *testing.T) {
	cfg := schedulerConfig(
		config.ScheduleConfig{Name: "wh", Type: config.ScheduleWebhook},
		config.ScheduleConfig{Name: "chat", Type: config.ScheduleChat},
	)
	exec := newFakeTriggerer()
	s, _ := New(cfg, exec, nil, logx.Nop())

	base := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Tick(base.Add(time.Duration(i) * time.Second))
	}
	if len(exec.admitted) != 0 {
		t.Errorf("passive schedules fired: %v", exec.admitted)
	}
}

func TestConfigOrderOnSameTick(t *testing.T) {
	cfg := schedulerConfig(
		config.ScheduleConfig{Name: "first", Type: config.ScheduleInterval, Every: time.Second},
		config.ScheduleConfig{Name: "second", Type: config.ScheduleInterval, Every: time.Second},
	)
	// Both schedules allowed to run concurrently.
	cfg.Agents[0].MaxConcurrent = 2
	exec := newFakeTriggerer()
	s, _ := New(cfg, exec, nil, logx.Nop())

	s.Tick(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
	if len(exec.admitted) != 2 || exec.admitted[0] != "a1/first" || exec.admitted[1] != "a1/second" {
		t.Errorf("fire order = %v", exec.admitted)
	}
}

func TestDisabledScheduleExcluded(t *testing.T) {
	cfg := schedulerConfig(
		config.ScheduleConfig{Name: "off", Type: config.ScheduleInterval, Every: time.Second, Disabled: true},
	)
	exec := newFakeTriggerer()
	s, _ := New(cfg, exec, nil, logx.Nop())
	s.Tick(time.Now())
	if len(exec.admitted) != 0 {
		t.Errorf("disabled schedule fired: %v", exec.admitted)
	}
}

func TestInvalidCronRejectedAtBuild(t *testing.T) {
	cfg := schedulerConfig(config.ScheduleConfig{Name: "bad", Type: config.ScheduleCron, Cron: "nope"})
	if _, err := New(cfg, newFakeTriggerer(), nil, logx.Nop()); err == nil {
		t.Error("invalid cron must fail construction")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := schedulerConfig()
	s, _ := New(cfg, newFakeTriggerer(), nil, logx.Nop())

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err == nil {
		t.Error("second start must fail")
	}
	s.Stop()
	s.Stop() // idempotent

	if s.Status().Running {
		t.Error("status must report stopped")
	}
	if err := s.Start(); err != nil {
		t.Errorf("restart after stop: %v", err)
	}
	s.Stop()
}
