package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/ikido/herdctl/internal/backend"
	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/executor"
	"github.com/ikido/herdctl/internal/logx"
)

type stubBackend struct{ text string }

func (s *stubBackend) Name() string { return "stub" }
func (s *stubBackend) Invoke(ctx context.Context, req backend.Request) (*backend.Result, error) {
	return &backend.Result{Text: s.text, SessionID: req.SessionID}, nil
}

func fleetConfig(t *testing.T) *config.Config {
	t.Helper()
	agent := config.AgentConfig{
		Name:      "watcher",
		Workspace: t.TempDir(),
		Schedules: []config.ScheduleConfig{
			{Name: "check", Type: config.ScheduleInterval, Every: time.Hour, Prompt: "look around"},
			{Name: "hook-in", Type: config.ScheduleWebhook},
		},
	}
	config.ApplyAgentDefaults(&agent)
	return &config.Config{
		StateDir:  t.TempDir(),
		Scheduler: config.SchedulerConfig{TickInterval: time.Hour},
		Agents:    []config.AgentConfig{agent},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(Options{
		Config:       fleetConfig(t),
		Backend:      &stubBackend{text: "observed"},
		GraceTimeout: 2 * time.Second,
	})
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestInitializeIsGuarded(t *testing.T) {
	m := newTestManager(t)
	if err := m.Initialize(); err == nil {
		t.Error("second initialize must fail")
	}
}

func TestLifecycleAndStatus(t *testing.T) {
	m := newTestManager(t)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	status := m.GetFleetStatus()
	if status.State != StateRunning {
		t.Errorf("state = %s", status.State)
	}
	if status.Agents.Total != 1 || status.Agents.Idle != 1 {
		t.Errorf("agent counts: %+v", status.Agents)
	}
	if status.Schedules.Total != 2 || status.Schedules.Running != 1 {
		t.Errorf("schedule counts: %+v", status.Schedules)
	}
	if !status.Scheduler.Running {
		t.Error("scheduler must be running")
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := m.GetFleetStatus().State; got != StateStopped {
		t.Errorf("state after stop = %s", got)
	}
	// Stop is idempotent.
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestManualTrigger(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Trigger("watcher", "check", executor.TriggerOptions{Origin: executor.OriginManual})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := m.Await(context.Background(), res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Outcome != executor.OutcomeCompleted || snap.Output != "observed" {
		t.Errorf("snapshot: %+v", snap)
	}

	if _, err := m.Trigger("ghost", "", executor.TriggerOptions{}); !errs.HasCode(err, errs.CodeAgentNotFound) {
		t.Errorf("expected AGENT_NOT_FOUND, got %v", err)
	}
}

func TestAgentInfo(t *testing.T) {
	m := newTestManager(t)

	infos := m.GetAgentInfo()
	if len(infos) != 1 || infos[0].Name != "watcher" {
		t.Fatalf("infos = %+v", infos)
	}
	if len(infos[0].Schedules) != 2 {
		t.Errorf("schedules = %+v", infos[0].Schedules)
	}

	info, err := m.GetAgentInfoByName("watcher")
	if err != nil || info.MaxConcurrent != 1 {
		t.Errorf("info = %+v err = %v", info, err)
	}
	if _, err := m.GetAgentInfoByName("ghost"); !errs.HasCode(err, errs.CodeAgentNotFound) {
		t.Errorf("expected AGENT_NOT_FOUND, got %v", err)
	}
}

func TestStreamLogsWithHistory(t *testing.T) {
	m := newTestManager(t)

	res, err := m.Trigger("watcher", "check", executor.TriggerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Await(context.Background(), res.JobID); err != nil {
		t.Fatal(err)
	}

	ch, cancel := m.StreamLogs(logx.LevelDebug, true)
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.JobID == res.JobID && e.Message == "job finished" {
				return
			}
		case <-deadline:
			t.Fatal("job lifecycle entries not replayed from history")
		}
	}
}

func TestStreamJobOutputViaManager(t *testing.T) {
	m := newTestManager(t)
	res, err := m.Trigger("watcher", "check", executor.TriggerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Await(context.Background(), res.JobID); err != nil {
		t.Fatal(err)
	}

	ch, err := m.StreamJobOutput(res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for range ch {
		n++
	}
	if n == 0 {
		t.Error("expected buffered job entries")
	}
}
