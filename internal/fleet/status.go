package fleet

import (
	"time"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/scheduler"
)

// LifecycleState is the fleet-level daemon state.
type LifecycleState string

const (
	StateInitializing LifecycleState = "initializing"
	StateRunning      LifecycleState = "running"
	StateStopping     LifecycleState = "stopping"
	StateStopped      LifecycleState = "stopped"
	StateError        LifecycleState = "error"
)

// AgentCounts aggregates agent states.
type AgentCounts struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Running int `json:"running"`
	Error   int `json:"error"`
}

// ScheduleCounts aggregates schedule states.
type ScheduleCounts struct {
	Total   int `json:"total"`
	Running int `json:"running"`
}

// Status is the read-only fleet snapshot.
type Status struct {
	State       LifecycleState   `json:"state"`
	Uptime      time.Duration    `json:"uptime"`
	Agents      AgentCounts      `json:"agents"`
	Schedules   ScheduleCounts   `json:"schedules"`
	RunningJobs int              `json:"runningJobs"`
	Scheduler   scheduler.Status `json:"scheduler"`
	LastError   string           `json:"lastError,omitempty"`
}

// ScheduleInfo is one schedule in an agent snapshot.
type ScheduleInfo struct {
	Name     string              `json:"name"`
	Type     config.ScheduleType `json:"type"`
	Every    time.Duration       `json:"every,omitempty"`
	Cron     string              `json:"cron,omitempty"`
	Disabled bool                `json:"disabled,omitempty"`
}

// AgentInfo is the read-only per-agent snapshot.
type AgentInfo struct {
	Name          string         `json:"name"`
	Backend       string         `json:"backend,omitempty"`
	Model         string         `json:"model,omitempty"`
	Workspace     string         `json:"workspace"`
	MaxConcurrent int            `json:"maxConcurrent"`
	RunningJobs   int            `json:"runningJobs"`
	Schedules     []ScheduleInfo `json:"schedules,omitempty"`
	ChatChannels  int            `json:"chatChannels,omitempty"`
}
