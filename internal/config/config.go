// Package config provides configuration types and loading for herdctl.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Fleet      string           `json:"fleet,omitempty" envconfig:"FLEET"`
	StateDir   string           `json:"stateDir" envconfig:"STATE_DIR"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Connectors ConnectorsConfig `json:"connectors"`
	Agents     []AgentConfig    `json:"agents"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	TickInterval time.Duration `json:"tickInterval"`
}

// ---------------------------------------------------------------------------
// Connectors – chat platform connections (one bot identity each)
// ---------------------------------------------------------------------------

// ConnectorsConfig contains all connector configurations.
type ConnectorsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// DiscordConfig configures the Discord connector.
type DiscordConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"DISCORD_ENABLED"`
	BotTokenEnv string `json:"botTokenEnv" envconfig:"DISCORD_BOT_TOKEN_ENV"`
}

// SlackConfig configures the Slack connector (socket mode).
type SlackConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	BotTokenEnv string `json:"botTokenEnv" envconfig:"SLACK_BOT_TOKEN_ENV"`
	AppTokenEnv string `json:"appTokenEnv" envconfig:"SLACK_APP_TOKEN_ENV"`
}

// WhatsAppConfig configures the WhatsApp connector.
type WhatsAppConfig struct {
	Enabled bool   `json:"enabled" envconfig:"WHATSAPP_ENABLED"`
	DBPath  string `json:"dbPath" envconfig:"WHATSAPP_DB_PATH"`
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// AgentConfig describes one managed agent. Immutable for the daemon lifetime.
type AgentConfig struct {
	Name          string   `json:"name"`
	Backend       string   `json:"backend,omitempty"`
	Model         string   `json:"model,omitempty"`
	Workspace     string   `json:"workspace"`
	Repo          string   `json:"repo,omitempty"`
	AllowedTools  []string `json:"allowedTools,omitempty"`
	DeniedTools   []string `json:"deniedTools,omitempty"`
	DefaultPrompt string   `json:"defaultPrompt,omitempty"`
	MetadataFile  string   `json:"metadataFile,omitempty"`

	// MaxConcurrent caps simultaneously running jobs. Default 1.
	MaxConcurrent int `json:"maxConcurrent,omitempty"`
	// SessionTimeout bounds a single job run. Default 30m.
	SessionTimeout time.Duration `json:"sessionTimeout,omitempty"`
	// SessionExpiryHours controls chat session expiry. Default 24.
	SessionExpiryHours int `json:"sessionExpiryHours,omitempty"`

	Schedules []ScheduleConfig       `json:"schedules,omitempty"`
	Hooks     HooksConfig            `json:"hooks,omitempty"`
	Chat      []ChatAttachmentConfig `json:"chat,omitempty"`
}

// ScheduleType tags the schedule variant.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleWebhook  ScheduleType = "webhook"
	ScheduleChat     ScheduleType = "chat"
)

// ScheduleConfig declares one trigger cadence for an agent.
type ScheduleConfig struct {
	Name     string        `json:"name"`
	Type     ScheduleType  `json:"type"`
	Every    time.Duration `json:"every,omitempty"` // interval schedules
	Cron     string        `json:"cron,omitempty"`  // cron schedules
	Prompt   string        `json:"prompt,omitempty"`
	Disabled bool          `json:"disabled,omitempty"`
}

// HooksConfig groups hooks by lifecycle point.
type HooksConfig struct {
	AfterRun []HookConfig `json:"after_run,omitempty"`
	OnError  []HookConfig `json:"on_error,omitempty"`
}

// HookType tags the hook variant.
type HookType string

const (
	HookSubprocess       HookType = "subprocess"
	HookHTTP             HookType = "http"
	HookChatNotification HookType = "chat-notification"
)

// HookConfig declares one post-job action.
type HookConfig struct {
	Name string   `json:"name,omitempty"`
	Type HookType `json:"type"`

	// subprocess
	Command string `json:"command,omitempty"`

	// http
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// chat-notification
	Channel     string `json:"channel,omitempty"`
	BotTokenEnv string `json:"bot_token_env,omitempty"`

	// Filters.
	OnEvents []string `json:"on_events,omitempty"`
	When     string   `json:"when,omitempty"`

	// ContinueOnError defaults to true; a nil pointer means unset.
	ContinueOnError *bool         `json:"continue_on_error,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// ContinuesOnError resolves the default for ContinueOnError.
func (h HookConfig) ContinuesOnError() bool {
	if h.ContinueOnError == nil {
		return true
	}
	return *h.ContinueOnError
}

// ChannelMode controls when a chat message triggers the agent.
type ChannelMode string

const (
	ModeMention ChannelMode = "mention"
	ModeAuto    ChannelMode = "auto"
)

// ChatAttachmentConfig binds an agent to one conversation on a platform.
type ChatAttachmentConfig struct {
	Platform               string      `json:"platform"`
	ChannelID              string      `json:"channelId"`
	Mode                   ChannelMode `json:"mode,omitempty"`
	ContextMessages        int         `json:"contextMessages,omitempty"`
	PrioritizeUserMessages *bool       `json:"prioritizeUserMessages,omitempty"`
	IncludeBotMessages     bool        `json:"includeBotMessages,omitempty"`
}

// PrioritizesUserMessages resolves the default (true).
func (c ChatAttachmentConfig) PrioritizesUserMessages() bool {
	if c.PrioritizeUserMessages == nil {
		return true
	}
	return *c.PrioritizeUserMessages
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

const (
	// ConfigDir is the default state/config directory name.
	ConfigDir = ".herdctl"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"

	DefaultMaxConcurrent      = 1
	DefaultSessionTimeout     = 30 * time.Minute
	DefaultSessionExpiryHours = 24
	DefaultContextMessages    = 10
)

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir: filepath.Join(home, ConfigDir),
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
		},
	}
}

// ApplyAgentDefaults fills zero values on an agent config.
func ApplyAgentDefaults(a *AgentConfig) {
	if a.MaxConcurrent <= 0 {
		a.MaxConcurrent = DefaultMaxConcurrent
	}
	if a.SessionTimeout <= 0 {
		a.SessionTimeout = DefaultSessionTimeout
	}
	if a.SessionExpiryHours <= 0 {
		a.SessionExpiryHours = DefaultSessionExpiryHours
	}
	for i := range a.Chat {
		if a.Chat[i].ContextMessages <= 0 {
			a.Chat[i].ContextMessages = DefaultContextMessages
		}
	}
}

// Agent returns the agent config by name.
func (c *Config) Agent(name string) (*AgentConfig, bool) {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// Schedule returns an agent's schedule by name.
func (a *AgentConfig) Schedule(name string) (*ScheduleConfig, bool) {
	for i := range a.Schedules {
		if a.Schedules[i].Name == name {
			return &a.Schedules[i], true
		}
	}
	return nil, false
}

// PIDFile returns the daemon PID file path under the state dir.
func (c *Config) PIDFile() string {
	return filepath.Join(c.StateDir, "herdctl.pid")
}

// SessionsDir returns the per-platform session directory.
func (c *Config) SessionsDir(platform string) string {
	return filepath.Join(c.StateDir, fmt.Sprintf("%s-sessions", platform))
}

// HistoryDB returns the sqlite job history path.
func (c *Config) HistoryDB() string {
	return filepath.Join(c.StateDir, "herdctl.db")
}
