package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/executor"
	"github.com/ikido/herdctl/internal/history"
	"github.com/ikido/herdctl/internal/logx"
)

// DefaultTickInterval is the evaluation cadence when none is configured.
const DefaultTickInterval = time.Second

// Triggerer is the narrow executor surface the scheduler consumes.
type Triggerer interface {
	Trigger(agentName, scheduleName string, opts executor.TriggerOptions) (*executor.TriggerResult, error)
	RunningCount(agentName string) int
}

// entry is one active (agent, schedule) pair, kept in configuration order.
type entry struct {
	agent *config.AgentConfig
	sched *config.ScheduleConfig
	cron  *CronExpr

	lastFired  time.Time
	lastMinute time.Time
}

// dueNow evaluates the schedule cadence against the tick time. The first
// evaluation of an interval schedule is due immediately; cron schedules fire
// at the next matching wall-clock minute, at most once per minute.
func (en *entry) dueNow(now time.Time) bool {
	switch en.sched.Type {
	case config.ScheduleInterval:
		return en.lastFired.IsZero() || now.Sub(en.lastFired) >= en.sched.Every
	case config.ScheduleCron:
		minute := now.Truncate(time.Minute)
		if !en.lastMinute.IsZero() && !minute.After(en.lastMinute) {
			return false
		}
		return en.cron.Matches(now)
	}
	// webhook/chat schedules never fire from the scheduler.
	return false
}

// Status is the scheduler health snapshot.
type Status struct {
	Running            bool          `json:"running"`
	CheckCount         int64         `json:"checkCount"`
	TriggerCount       int64         `json:"triggerCount"`
	SkippedConcurrency int64         `json:"skippedDueToConcurrency"`
	LastCheckAt        time.Time     `json:"lastCheckAt"`
	CheckInterval      time.Duration `json:"checkIntervalMs"`
	LastError          string        `json:"lastError,omitempty"`
}

// Scheduler drives schedule-based trigger emission.
type Scheduler struct {
	tickInterval time.Duration
	exec         Triggerer
	history      *history.Service
	logger       logx.Logger
	now          func() time.Time

	mu      sync.Mutex
	entries []*entry
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}

	checkCount   int64
	triggerCount int64
	skipped      int64
	lastCheckAt  time.Time
	lastError    string
}

// New builds a Scheduler over every enabled schedule in cfg, in configuration
// order. Webhook and chat entries are kept but never come due.
func New(cfg *config.Config, exec Triggerer, hist *history.Service, logger logx.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logx.Nop()
	}
	tick := cfg.Scheduler.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	s := &Scheduler{
		tickInterval: tick,
		exec:         exec,
		history:      hist,
		logger:       logger,
		now:          time.Now,
	}

	for i := range cfg.Agents {
		agent := &cfg.Agents[i]
		for j := range agent.Schedules {
			sched := &agent.Schedules[j]
			if sched.Disabled {
				continue
			}
			en := &entry{agent: agent, sched: sched}
			if sched.Type == config.ScheduleCron {
				cron, err := ParseCron(sched.Cron)
				if err != nil {
					return nil, errs.Wrap(errs.CodeConfigInvalid, err,
						fmt.Sprintf("agent %q schedule %q", agent.Name, sched.Name))
				}
				en.cron = cron
			}
			s.entries = append(s.entries, en)
		}
	}
	return s, nil
}

// Start begins periodic evaluation. Fails only if already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	s.logger.Info("scheduler started", "tick", s.tickInterval, "schedules", len(s.entries))
	return nil
}

// Stop halts evaluation. Idempotent; in-flight jobs are not touched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()

	cancel()
	<-stopped
	s.logger.Info("scheduler stopped")
}

// Status returns the health snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:            s.running,
		CheckCount:         s.checkCount,
		TriggerCount:       s.triggerCount,
		SkippedConcurrency: s.skipped,
		LastCheckAt:        s.lastCheckAt,
		CheckInterval:      s.tickInterval,
		LastError:          s.lastError,
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Tick(t)
		}
	}
}

// Tick evaluates every schedule once. A failure inside a tick is recorded
// and logged; the loop never aborts.
func (s *Scheduler) Tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.lastError = fmt.Sprint(r)
			s.mu.Unlock()
			s.logger.Error("scheduler tick panicked", "error", r)
		}
	}()

	s.mu.Lock()
	s.checkCount++
	s.lastCheckAt = now
	entries := s.entries
	s.mu.Unlock()

	for _, en := range entries {
		if !en.dueNow(now) {
			continue
		}
		s.fire(en, now)
	}
}

// fire emits one trigger for a due schedule, dropping it when the agent is
// at its concurrency cap.
func (s *Scheduler) fire(en *entry, now time.Time) {
	if en.sched.Type == config.ScheduleCron {
		// Consume this minute whether or not admission succeeds.
		en.lastMinute = now.Truncate(time.Minute)
	}

	if s.exec.RunningCount(en.agent.Name) >= en.agent.MaxConcurrent {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.logger.Warn("trigger dropped: concurrency limit",
			"agent", en.agent.Name, "schedule", en.sched.Name)
		_ = s.history.UpsertScheduleRun(en.agent.Name, en.sched.Name, "skipped_concurrency", now)
		return
	}

	_, err := s.exec.Trigger(en.agent.Name, en.sched.Name, executor.TriggerOptions{
		Origin: executor.OriginScheduler,
	})
	if err != nil {
		if errs.HasCode(err, errs.CodeConcurrencyLimitReached) {
			// Lost the admission race; same drop semantics.
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			_ = s.history.UpsertScheduleRun(en.agent.Name, en.sched.Name, "skipped_concurrency", now)
			return
		}
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		s.logger.Error("trigger failed", "agent", en.agent.Name, "schedule", en.sched.Name, "error", err)
		return
	}

	if en.sched.Type == config.ScheduleInterval {
		en.lastFired = now
	}
	s.mu.Lock()
	s.triggerCount++
	s.mu.Unlock()
	s.logger.Info("trigger emitted", "agent", en.agent.Name, "schedule", en.sched.Name)
	_ = s.history.UpsertScheduleRun(en.agent.Name, en.sched.Name, "dispatched", now)
}
