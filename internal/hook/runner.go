package hook

import (
	"context"
	"fmt"
	"time"

	"github.com/ikido/herdctl/internal/config"
)

// Default per-hook timeouts.
const (
	DefaultSubprocessTimeout = 30 * time.Second
	DefaultHTTPTimeout       = 10 * time.Second
	DefaultNotifyTimeout     = 10 * time.Second
)

// Result is the outcome of one hook execution.
type Result struct {
	Name     string          `json:"name,omitempty"`
	Type     config.HookType `json:"type"`
	Success  bool            `json:"success"`
	Skipped  bool            `json:"skipped,omitempty"`
	SkipWhy  string          `json:"skipReason,omitempty"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Code     string          `json:"code,omitempty"`
	Duration time.Duration   `json:"durationMs"`
}

// Runner executes one hook kind. Implementations are stateless; per-hook
// settings arrive with each call.
type Runner interface {
	Run(ctx context.Context, cfg config.HookConfig, hc *Context) Result
}

// runnerFor dispatches on the hook type tag.
func (p *Pipeline) runnerFor(kind config.HookType) (Runner, error) {
	switch kind {
	case config.HookSubprocess:
		return p.subprocess, nil
	case config.HookHTTP:
		return p.http, nil
	case config.HookChatNotification:
		return p.notify, nil
	}
	return nil, fmt.Errorf("unknown hook type %q", kind)
}

func hookTimeout(cfg config.HookConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	if cfg.Type == config.HookSubprocess {
		return DefaultSubprocessTimeout
	}
	return DefaultHTTPTimeout
}

func hookLabel(cfg config.HookConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return string(cfg.Type)
}
