// Package fleet is the public façade: it owns the agents, scheduler,
// executor, session stores, and connectors for one daemon.
package fleet

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/backend"
	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/connector"
	"github.com/ikido/herdctl/internal/connector/discord"
	slackconn "github.com/ikido/herdctl/internal/connector/slack"
	"github.com/ikido/herdctl/internal/connector/whatsapp"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/executor"
	"github.com/ikido/herdctl/internal/history"
	"github.com/ikido/herdctl/internal/hook"
	"github.com/ikido/herdctl/internal/logx"
	"github.com/ikido/herdctl/internal/scheduler"
	"github.com/ikido/herdctl/internal/session"
)

// DefaultGraceTimeout bounds the in-flight job drain during Stop.
const DefaultGraceTimeout = 30 * time.Second

// Options configures a Manager.
type Options struct {
	Config *config.Config
	// Backend overrides the default backend (tests, embedding callers).
	Backend backend.Backend
	// Backends maps agent backend names to implementations. Entries are
	// created with NewExecBackend for names not present.
	Backends     map[string]backend.Backend
	GraceTimeout time.Duration
	Logger       logx.Logger
}

// Manager owns the whole fleet.
type Manager struct {
	cfg    *config.Config
	stream *logx.Stream
	logger logx.Logger
	grace  time.Duration

	mu          sync.Mutex
	state       LifecycleState
	startedAt   time.Time
	lastError   string
	initialized bool

	exec       *executor.Executor
	sched      *scheduler.Scheduler
	hist       *history.Service
	connectors []connector.Connector
	stores     map[string]*session.Store

	backend  backend.Backend
	backends map[string]backend.Backend
}

// New creates an uninitialized Manager.
func New(opts Options) *Manager {
	stream := logx.NewStream()
	logger := opts.Logger
	if logger == nil {
		logger = logx.New(stream, "fleet")
	}
	grace := opts.GraceTimeout
	if grace <= 0 {
		grace = DefaultGraceTimeout
	}
	return &Manager{
		cfg:      opts.Config,
		stream:   stream,
		logger:   logger,
		grace:    grace,
		state:    StateInitializing,
		backend:  opts.Backend,
		backends: opts.Backends,
		stores:   make(map[string]*session.Store),
	}
}

// Initialize constructs agents, stores, executor, scheduler, and connectors.
// Idempotent only if not yet initialized.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return fmt.Errorf("fleet already initialized")
	}

	if err := os.MkdirAll(m.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	hist, err := history.New(m.cfg.HistoryDB())
	if err != nil {
		// History is best-effort; run without it.
		m.logger.Warn("job history disabled", "error", err)
		hist = nil
	}
	m.hist = hist

	if m.backend == nil {
		m.backend = backend.NewExecBackend("claude", nil, logx.New(m.stream, "backend"))
	}
	if m.backends == nil {
		m.backends = make(map[string]backend.Backend)
	}
	for i := range m.cfg.Agents {
		name := m.cfg.Agents[i].Backend
		if name == "" {
			continue
		}
		if _, ok := m.backends[name]; !ok {
			m.backends[name] = backend.NewExecBackend(name, nil, logx.New(m.stream, "backend"))
		}
	}

	pipeline := hook.NewPipeline(nil, logx.New(m.stream, "hooks"))
	m.exec = executor.New(executor.Options{
		Config:   m.cfg,
		Backend:  m.backend,
		Backends: m.backends,
		Pipeline: pipeline,
		History:  m.hist,
		Logger:   logx.New(m.stream, "executor"),
	})

	sched, err := scheduler.New(m.cfg, m.exec, m.hist, logx.New(m.stream, "scheduler"))
	if err != nil {
		m.setErrorLocked(err)
		return err
	}
	m.sched = sched

	m.buildConnectorsLocked()

	m.initialized = true
	m.logger.Info("fleet initialized",
		"agents", len(m.cfg.Agents), "connectors", len(m.connectors))
	return nil
}

// buildConnectorsLocked constructs one connector per enabled platform that
// has at least one attachment. A connector that cannot be constructed is
// logged and skipped; it never takes the fleet down.
func (m *Manager) buildConnectorsLocked() {
	events := func(ev connector.Event) {
		m.logger.Debug("connector event", "platform", ev.Platform, "kind", string(ev.Kind))
		if ev.Kind == connector.EventError {
			m.mu.Lock()
			m.lastError = fmt.Sprint(ev.Fields["error"])
			m.mu.Unlock()
		}
	}

	for _, platform := range []string{"discord", "slack", "whatsapp"} {
		router, ok := m.routerFor(platform)
		if !ok {
			continue
		}

		var conn connector.Connector
		var err error
		logger := logx.New(m.stream, platform)

		switch platform {
		case "discord":
			if !m.cfg.Connectors.Discord.Enabled {
				continue
			}
			conn, err = discord.New(discord.Options{
				Token:   resolveToken(m.cfg.Connectors.Discord.BotTokenEnv, "DISCORD_BOT_TOKEN"),
				Router:  router,
				Trigger: m,
				Logger:  logger,
				Events:  events,
			})
		case "slack":
			if !m.cfg.Connectors.Slack.Enabled {
				continue
			}
			conn, err = slackconn.New(slackconn.Options{
				BotToken: resolveToken(m.cfg.Connectors.Slack.BotTokenEnv, "SLACK_BOT_TOKEN"),
				AppToken: resolveToken(m.cfg.Connectors.Slack.AppTokenEnv, "SLACK_APP_TOKEN"),
				Router:   router,
				Trigger:  m,
				Logger:   logger,
				Events:   events,
			})
		case "whatsapp":
			if !m.cfg.Connectors.WhatsApp.Enabled {
				continue
			}
			dbPath := m.cfg.Connectors.WhatsApp.DBPath
			if dbPath == "" {
				dbPath = m.cfg.StateDir + "/whatsapp/device.db"
			}
			conn, err = whatsapp.New(whatsapp.Options{
				DBPath:  dbPath,
				Router:  router,
				Trigger: m,
				Logger:  logger,
				Events:  events,
			})
		}

		if err != nil {
			m.logger.Error("connector disabled", "platform", platform, "error", err)
			continue
		}
		m.connectors = append(m.connectors, conn)
	}
}

// routerFor builds the conversation routing map for one platform from every
// agent's chat attachments. Reports ok=false when nothing is attached.
func (m *Manager) routerFor(platform string) (*connector.Router, bool) {
	routes := make(map[string]connector.Route)
	for i := range m.cfg.Agents {
		agent := &m.cfg.Agents[i]
		for _, att := range agent.Chat {
			if att.Platform != platform {
				continue
			}
			routes[att.ChannelID] = connector.Route{
				Agent: agent.Name,
				Attachment: connector.AttachmentOptions{
					Mode:                   string(att.Mode),
					ContextMessages:        att.ContextMessages,
					PrioritizeUserMessages: att.PrioritizesUserMessages(),
					IncludeBotMessages:     att.IncludeBotMessages,
				},
				Sessions: m.storeFor(platform, agent),
			}
		}
	}
	if len(routes) == 0 {
		return nil, false
	}
	return connector.NewRouter(routes), true
}

// storeFor returns the per-(platform, agent) session store, creating it once.
func (m *Manager) storeFor(platform string, agent *config.AgentConfig) *session.Store {
	key := platform + "/" + agent.Name
	if store, ok := m.stores[key]; ok {
		return store
	}
	store := session.NewStore(m.cfg.SessionsDir(platform), platform, agent.Name,
		agent.SessionExpiryHours, logx.New(m.stream, "sessions"))
	m.stores[key] = store
	return store
}

func resolveToken(envName, fallback string) string {
	if envName == "" {
		envName = fallback
	}
	return os.Getenv(envName)
}

// Start starts the scheduler and all connectors.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return fmt.Errorf("fleet not initialized")
	}
	sched := m.sched
	connectors := m.connectors
	m.mu.Unlock()

	if err := sched.Start(); err != nil {
		return err
	}
	for _, conn := range connectors {
		if err := conn.Start(ctx); err != nil {
			// A broken connector degrades only itself.
			m.logger.Error("connector start failed", "platform", conn.Platform(), "error", err)
			m.setError(err)
		}
	}

	m.mu.Lock()
	m.state = StateRunning
	m.startedAt = time.Now()
	m.mu.Unlock()
	m.logger.Info("fleet started")
	return nil
}

// Stop shuts the fleet down: scheduler first (no new triggers), then a
// bounded drain of in-flight jobs, then cancellation, then connectors.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state == StateStopped || m.state == StateStopping {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	sched := m.sched
	exec := m.exec
	connectors := m.connectors
	hist := m.hist
	m.mu.Unlock()

	m.logger.Info("fleet stopping")
	if sched != nil {
		sched.Stop()
	}

	if exec != nil {
		if !exec.Wait(m.grace) {
			m.logger.Warn("grace window elapsed, cancelling remaining jobs")
			exec.CancelAll()
			// Cancelled jobs still dispatch hooks inside this window.
			if !exec.Wait(m.grace / 2) {
				m.logger.Warn("jobs still draining, aborting hooks")
				exec.AbortHooks()
				exec.Wait(2 * time.Second)
			}
		}
	}

	for _, conn := range connectors {
		if err := conn.Stop(); err != nil {
			m.logger.Warn("connector stop failed", "platform", conn.Platform(), "error", err)
		}
	}

	if hist != nil {
		_ = hist.Close()
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	m.logger.Info("fleet stopped")
	return nil
}

// Trigger manually triggers an agent. Same error taxonomy as the executor.
func (m *Manager) Trigger(agentName, scheduleName string, opts executor.TriggerOptions) (*executor.TriggerResult, error) {
	m.mu.Lock()
	exec := m.exec
	m.mu.Unlock()
	if exec == nil {
		return nil, fmt.Errorf("fleet not initialized")
	}
	return exec.Trigger(agentName, scheduleName, opts)
}

// Await blocks until the job is terminal.
func (m *Manager) Await(ctx context.Context, jobID string) (executor.Snapshot, error) {
	m.mu.Lock()
	exec := m.exec
	m.mu.Unlock()
	if exec == nil {
		return executor.Snapshot{}, fmt.Errorf("fleet not initialized")
	}
	return exec.Await(ctx, jobID)
}

// StreamJobOutput streams one job's log entries until it is terminal.
func (m *Manager) StreamJobOutput(jobID string) (<-chan logx.Entry, error) {
	m.mu.Lock()
	exec := m.exec
	m.mu.Unlock()
	if exec == nil {
		return nil, fmt.Errorf("fleet not initialized")
	}
	return exec.StreamJobOutput(jobID)
}

// StreamLogs multiplexes the daemon-wide log stream. The cancel func
// releases the subscription.
func (m *Manager) StreamLogs(level logx.Level, includeHistory bool) (<-chan logx.Entry, func()) {
	live, cancel := m.stream.Subscribe(level, 256)
	if !includeHistory {
		return live, cancel
	}

	backlog := m.stream.History(level, 0)
	out := make(chan logx.Entry, len(backlog)+256)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for _, e := range backlog {
			out <- e
		}
		for {
			select {
			case e, ok := <-live:
				if !ok {
					return
				}
				out <- e
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}
}

// GetFleetStatus returns the aggregated snapshot.
func (m *Manager) GetFleetStatus() Status {
	m.mu.Lock()
	state := m.state
	startedAt := m.startedAt
	lastError := m.lastError
	exec := m.exec
	sched := m.sched
	m.mu.Unlock()

	status := Status{State: state, LastError: lastError}
	if !startedAt.IsZero() {
		status.Uptime = time.Since(startedAt)
	}
	if sched != nil {
		status.Scheduler = sched.Status()
		if status.LastError == "" {
			status.LastError = status.Scheduler.LastError
		}
	}

	status.Agents.Total = len(m.cfg.Agents)
	for i := range m.cfg.Agents {
		agent := &m.cfg.Agents[i]
		status.Schedules.Total += len(agent.Schedules)
		if exec == nil {
			continue
		}
		if n := exec.RunningCount(agent.Name); n > 0 {
			status.Agents.Running++
			status.RunningJobs += n
		} else {
			status.Agents.Idle++
		}
	}
	for i := range m.cfg.Agents {
		for _, s := range m.cfg.Agents[i].Schedules {
			if !s.Disabled && (s.Type == config.ScheduleInterval || s.Type == config.ScheduleCron) {
				status.Schedules.Running++
			}
		}
	}
	return status
}

// GetAgentInfo returns snapshots for every agent.
func (m *Manager) GetAgentInfo() []AgentInfo {
	out := make([]AgentInfo, 0, len(m.cfg.Agents))
	for i := range m.cfg.Agents {
		out = append(out, m.agentInfo(&m.cfg.Agents[i]))
	}
	return out
}

// GetAgentInfoByName returns one agent's snapshot.
func (m *Manager) GetAgentInfoByName(name string) (AgentInfo, error) {
	agent, ok := m.cfg.Agent(name)
	if !ok {
		return AgentInfo{}, errs.Newf(errs.CodeAgentNotFound, "agent %q", name)
	}
	return m.agentInfo(agent), nil
}

func (m *Manager) agentInfo(agent *config.AgentConfig) AgentInfo {
	m.mu.Lock()
	exec := m.exec
	m.mu.Unlock()

	info := AgentInfo{
		Name:          agent.Name,
		Backend:       agent.Backend,
		Model:         agent.Model,
		Workspace:     agent.Workspace,
		MaxConcurrent: agent.MaxConcurrent,
		ChatChannels:  len(agent.Chat),
	}
	if exec != nil {
		info.RunningJobs = exec.RunningCount(agent.Name)
	}
	for _, s := range agent.Schedules {
		info.Schedules = append(info.Schedules, ScheduleInfo{
			Name:     s.Name,
			Type:     s.Type,
			Every:    s.Every,
			Cron:     s.Cron,
			Disabled: s.Disabled,
		})
	}
	return info
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *Manager) setErrorLocked(err error) {
	m.lastError = err.Error()
}
