// Package executor turns triggers into jobs: it drives the backend, streams
// output, dispatches hooks, and records terminal outcomes.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/backend"
	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/history"
	"github.com/ikido/herdctl/internal/hook"
	"github.com/ikido/herdctl/internal/logx"
)

// Options wires an Executor.
type Options struct {
	Config *config.Config
	// Backend serves agents with no explicit backend selection.
	Backend backend.Backend
	// Backends maps an agent's backend name to its implementation.
	Backends map[string]backend.Backend
	Pipeline *hook.Pipeline
	History  *history.Service
	Logger   logx.Logger
	Now      func() time.Time
}

// TriggerOptions carries optional per-trigger inputs.
type TriggerOptions struct {
	Prompt       string
	Origin       Origin
	SessionID    string
	MetadataSeed map[string]any
}

// Executor admits triggers and owns jobs until they are terminal.
type Executor struct {
	cfg      *config.Config
	backend  backend.Backend
	backends map[string]backend.Backend
	pipeline *hook.Pipeline
	history  *history.Service
	logger   logx.Logger
	now      func() time.Time

	jobCtx      context.Context
	cancelJobs  context.CancelFunc
	hookCtx     context.Context
	cancelHooks context.CancelFunc

	mu      sync.Mutex
	running map[string]int
	jobs    map[string]*Job
	wg      sync.WaitGroup
}

// New creates an Executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logx.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	hookCtx, cancelHooks := context.WithCancel(context.Background())
	return &Executor{
		cfg:         opts.Config,
		backend:     opts.Backend,
		backends:    opts.Backends,
		pipeline:    opts.Pipeline,
		history:     opts.History,
		logger:      logger,
		now:         now,
		jobCtx:      jobCtx,
		cancelJobs:  cancelJobs,
		hookCtx:     hookCtx,
		cancelHooks: cancelHooks,
		running:     make(map[string]int),
		jobs:        make(map[string]*Job),
	}
}

// Trigger admits a new job for the agent. Admission is synchronous: the
// concurrency gate is checked here, and the job handle is returned before
// the backend starts.
func (e *Executor) Trigger(agentName, scheduleName string, opts TriggerOptions) (*TriggerResult, error) {
	agent, ok := e.cfg.Agent(agentName)
	if !ok {
		return nil, errs.Newf(errs.CodeAgentNotFound, "agent %q", agentName)
	}

	prompt := opts.Prompt
	if scheduleName != "" {
		sched, ok := agent.Schedule(scheduleName)
		if !ok {
			return nil, errs.Newf(errs.CodeScheduleNotFound, "agent %q has no schedule %q", agentName, scheduleName)
		}
		if prompt == "" {
			prompt = sched.Prompt
		}
	}
	if prompt == "" {
		prompt = agent.DefaultPrompt
	}

	origin := opts.Origin
	if origin == "" {
		origin = OriginManual
	}

	e.mu.Lock()
	if e.running[agentName] >= agent.MaxConcurrent {
		e.mu.Unlock()
		return nil, errs.Newf(errs.CodeConcurrencyLimitReached,
			"agent %q already has %d running job(s)", agentName, agent.MaxConcurrent)
	}
	e.running[agentName]++

	job := newJob(NewJobID(e.now()), Trigger{
		Agent:        agentName,
		Schedule:     scheduleName,
		Prompt:       prompt,
		Origin:       origin,
		SessionID:    opts.SessionID,
		MetadataSeed: opts.MetadataSeed,
	}, e.now())
	e.jobs[job.ID] = job
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(job, agent, opts.SessionID)

	return &TriggerResult{JobID: job.ID, Agent: agentName, Schedule: scheduleName}, nil
}

// RunningCount returns the agent's current running job count.
func (e *Executor) RunningCount(agentName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[agentName]
}

// RunningTotal returns the fleet-wide running job count.
func (e *Executor) RunningTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.running {
		total += n
	}
	return total
}

// Job returns a snapshot by id.
func (e *Executor) Job(jobID string) (Snapshot, bool) {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// Jobs returns snapshots of every job from this daemon lifetime.
func (e *Executor) Jobs() []Snapshot {
	e.mu.Lock()
	jobs := make([]*Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// Await blocks until the job is terminal or ctx is done.
func (e *Executor) Await(ctx context.Context, jobID string) (Snapshot, error) {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown job %q", jobID)
	}
	select {
	case <-job.Done():
		return job.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// StreamJobOutput returns the job's log entries: the buffered backlog first,
// then live entries until the job reaches a terminal outcome, at which point
// the channel is closed.
func (e *Executor) StreamJobOutput(jobID string) (<-chan logx.Entry, error) {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job %q", jobID)
	}

	backlog, live := job.attach(256)
	out := make(chan logx.Entry, len(backlog)+256)
	go func() {
		defer close(out)
		for _, entry := range backlog {
			out <- entry
		}
		if live == nil {
			return
		}
		for entry := range live {
			out <- entry
		}
	}()
	return out, nil
}

// CancelAll cancels every in-flight job. Hooks keep their own context so
// cancelled jobs still dispatch their hooks.
func (e *Executor) CancelAll() { e.cancelJobs() }

// AbortHooks cancels hook execution; called when the graceful shutdown
// deadline has elapsed.
func (e *Executor) AbortHooks() { e.cancelHooks() }

// Wait blocks until all jobs (including hook dispatch) finish, or the
// timeout elapses. Reports whether everything drained.
func (e *Executor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// run drives one job through its state machine.
func (e *Executor) run(job *Job, agent *config.AgentConfig, sessionID string) {
	defer e.wg.Done()

	logger := logx.WithJob(logx.WithAgent(e.logger, job.Agent), job.ID)

	e.jobLog(job, logx.LevelInfo, "job created", "origin", string(job.Origin), "schedule", job.Schedule)

	// created -> starting: working-directory preparation.
	job.setState(StateStarting)
	e.jobLog(job, logx.LevelDebug, "job starting")

	metaPath := e.metadataPath(agent)
	if metaPath != "" {
		// A previous run's file must not leak into this job.
		_ = os.Remove(metaPath)
	}
	if agent.Workspace != "" {
		if err := os.MkdirAll(agent.Workspace, 0o755); err != nil {
			e.finish(job, agent, OutcomeFailed, "", "prepare workspace: "+err.Error(), nil, "")
			return
		}
	}

	runCtx, cancel := context.WithTimeout(e.jobCtx, agent.SessionTimeout)
	defer cancel()

	be := e.backendFor(agent)
	if be == nil {
		e.finish(job, agent, OutcomeFailed, "", fmt.Sprintf("no backend %q configured", agent.Backend), nil, "")
		return
	}

	// starting -> running: backend accepted the prompt.
	job.setState(StateRunning)
	e.jobLog(job, logx.LevelInfo, "job running", "backend", be.Name())

	res, err := be.Invoke(runCtx, backend.Request{
		Prompt:       job.Prompt,
		SessionID:    sessionID,
		Workdir:      agent.Workspace,
		Model:        agent.Model,
		AllowedTools: agent.AllowedTools,
		DeniedTools:  agent.DeniedTools,
	})

	var outcome Outcome
	var output, errMsg, backendSession string
	var usage *backend.Usage

	switch {
	case err == nil:
		outcome = OutcomeCompleted
		output = res.Text
		if strings.TrimSpace(output) == "" {
			output = ""
		}
		backendSession = res.SessionID
		usage = res.Usage
	case errs.HasCode(err, errs.CodeBackendTimeout) || runCtx.Err() == context.DeadlineExceeded:
		outcome = OutcomeTimeout
		errMsg = "session timeout elapsed"
	case e.jobCtx.Err() != nil || runCtx.Err() == context.Canceled:
		outcome = OutcomeCancelled
		errMsg = "job cancelled"
	default:
		outcome = OutcomeFailed
		errMsg = err.Error()
	}

	metadata := e.readMetadata(job, logger, metaPath)
	if metadata == nil {
		// Keep the trigger's metadata seed when the agent wrote nothing.
		metadata = job.Snapshot().Metadata
	}

	e.finishWith(job, agent, outcome, output, errMsg, metadata, backendSession, usage)
}

func (e *Executor) finish(job *Job, agent *config.AgentConfig, outcome Outcome, output, errMsg string, metadata map[string]any, backendSession string) {
	e.finishWith(job, agent, outcome, output, errMsg, metadata, backendSession, nil)
}

// backendFor resolves the agent's backend, falling back to the default.
func (e *Executor) backendFor(agent *config.AgentConfig) backend.Backend {
	if agent.Backend != "" {
		if be, ok := e.backends[agent.Backend]; ok {
			return be
		}
		return nil
	}
	return e.backend
}

// finishWith runs hook dispatch and records the terminal outcome.
// after_run hooks see the provisional event; a non-continue_on_error hook
// failure escalates a completed job to failed before on_error dispatch.
func (e *Executor) finishWith(job *Job, agent *config.AgentConfig, outcome Outcome, output, errMsg string, metadata map[string]any, backendSession string, usage *backend.Usage) {
	completedAt := e.now()

	hc := e.hookContext(job, agent, outcome, completedAt, output, errMsg, metadata)
	if e.pipeline != nil && len(agent.Hooks.AfterRun) > 0 {
		afterRes := e.pipeline.Execute(e.hookCtx, agent.Hooks.AfterRun, hc)
		e.jobLog(job, logx.LevelDebug, "after_run hooks finished",
			"total", afterRes.TotalHooks, "failed", afterRes.FailedHooks, "skipped", afterRes.SkippedHooks)
		if afterRes.ShouldFailJob && outcome == OutcomeCompleted {
			outcome = OutcomeFailed
			errMsg = "hook with continue_on_error=false failed"
			e.jobLog(job, logx.LevelWarn, "job escalated to failed by hook")
		}
	}

	e.jobLog(job, logx.LevelInfo, "job finished", "outcome", string(outcome))
	job.setBackendResult(backendSession, usage)

	// Release the concurrency slot before the done channel closes so a
	// waiter observing the terminal job can immediately re-admit.
	e.mu.Lock()
	if e.running[job.Agent] > 0 {
		e.running[job.Agent]--
	}
	e.mu.Unlock()

	job.finalize(outcome, completedAt, output, errMsg, metadata)

	if outcome == OutcomeFailed && e.pipeline != nil && len(agent.Hooks.OnError) > 0 {
		hc = e.hookContext(job, agent, outcome, completedAt, output, errMsg, metadata)
		errRes := e.pipeline.Execute(e.hookCtx, agent.Hooks.OnError, hc)
		e.jobLog(job, logx.LevelDebug, "on_error hooks finished",
			"total", errRes.TotalHooks, "failed", errRes.FailedHooks, "skipped", errRes.SkippedHooks)
	}

	snap := job.Snapshot()
	if err := e.history.RecordJob(history.JobRecord{
		ID:          snap.ID,
		Agent:       snap.Agent,
		Schedule:    snap.Schedule,
		Origin:      string(snap.Origin),
		Outcome:     string(snap.Outcome),
		StartedAt:   snap.StartedAt,
		CompletedAt: snap.CompletedAt,
		DurationMs:  snap.DurationMs,
		Output:      snap.Output,
		Error:       snap.Error,
	}); err != nil {
		e.logger.Warn("record job history", "job", snap.ID, "error", err)
	}
}

func (e *Executor) hookContext(job *Job, agent *config.AgentConfig, outcome Outcome, completedAt time.Time, output, errMsg string, metadata map[string]any) *hook.Context {
	snap := job.Snapshot()
	return &hook.Context{
		Event: hookEvent(outcome),
		Job: hook.JobInfo{
			ID:           job.ID,
			AgentID:      job.Agent,
			ScheduleName: job.Schedule,
			StartedAt:    snap.StartedAt,
			CompletedAt:  completedAt,
			DurationMs:   completedAt.Sub(snap.StartedAt).Milliseconds(),
		},
		Result: hook.ResultInfo{
			Success: outcome == OutcomeCompleted,
			Output:  output,
			Error:   errMsg,
		},
		Agent:    hook.AgentInfo{ID: agent.Name, Name: agent.Name},
		Metadata: metadata,
	}
}

func hookEvent(outcome Outcome) hook.Event {
	switch outcome {
	case OutcomeCompleted:
		return hook.EventCompleted
	case OutcomeFailed:
		return hook.EventFailed
	case OutcomeTimeout:
		return hook.EventTimeout
	case OutcomeCancelled:
		return hook.EventCancelled
	}
	return hook.EventFailed
}

func (e *Executor) metadataPath(agent *config.AgentConfig) string {
	if agent.MetadataFile == "" {
		return ""
	}
	if filepath.IsAbs(agent.MetadataFile) {
		return agent.MetadataFile
	}
	return filepath.Join(agent.Workspace, agent.MetadataFile)
}

// readMetadata decodes the agent-written metadata file. An absent file means
// no metadata; a decode error downgrades to empty metadata with a warning
// and never fails the job.
func (e *Executor) readMetadata(job *Job, logger logx.Logger, path string) map[string]any {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		logger.Warn("metadata file unparseable, ignoring", "file", path, "error", err)
		e.jobLog(job, logx.LevelWarn, "metadata file unparseable", "file", path)
		return map[string]any{}
	}
	return metadata
}

// jobLog writes a structured entry to the job's transient buffer and to the
// injected logger, which fans into the daemon-wide stream.
func (e *Executor) jobLog(job *Job, level logx.Level, msg string, args ...any) {
	entry := logx.Entry{
		Time:    e.now(),
		Level:   level,
		Source:  "executor",
		Agent:   job.Agent,
		JobID:   job.ID,
		Message: msg,
	}
	job.record(entry)
	logger := logx.WithJob(logx.WithAgent(e.logger, job.Agent), job.ID)
	switch level {
	case logx.LevelDebug:
		logger.Debug(msg, args...)
	case logx.LevelWarn:
		logger.Warn(msg, args...)
	case logx.LevelError:
		logger.Error(msg, args...)
	default:
		logger.Info(msg, args...)
	}
}
