package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/ikido/herdctl/internal/errs"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("HERDCTL_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("HERDCTL_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.CodeConfigNotFound, err, path)
		}
		return nil, errs.Wrap(errs.CodeConfigInvalid, err, "read config")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.CodeConfigInvalid, err, "parse config")
	}

	if err := envconfig.Process("HERDCTL", cfg); err != nil {
		return nil, errs.Wrap(errs.CodeConfigInvalid, err, "process environment")
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultConfig().StateDir
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = DefaultConfig().Scheduler.TickInterval
	}
	for i := range cfg.Agents {
		ApplyAgentDefaults(&cfg.Agents[i])
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to its file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Validate checks structural invariants the loader guarantees to the rest of
// the daemon.
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Agents))
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if strings.TrimSpace(a.Name) == "" {
			return errs.Newf(errs.CodeConfigInvalid, "agent %d: name required", i)
		}
		if seen[a.Name] {
			return errs.Newf(errs.CodeConfigInvalid, "duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true

		schedNames := make(map[string]bool, len(a.Schedules))
		for j := range a.Schedules {
			s := &a.Schedules[j]
			if strings.TrimSpace(s.Name) == "" {
				return errs.Newf(errs.CodeConfigInvalid, "agent %q: schedule %d: name required", a.Name, j)
			}
			if schedNames[s.Name] {
				return errs.Newf(errs.CodeConfigInvalid, "agent %q: duplicate schedule name %q", a.Name, s.Name)
			}
			schedNames[s.Name] = true

			switch s.Type {
			case ScheduleInterval:
				if s.Every <= 0 {
					return errs.Newf(errs.CodeConfigInvalid, "agent %q: schedule %q: interval requires every > 0", a.Name, s.Name)
				}
			case ScheduleCron:
				if strings.TrimSpace(s.Cron) == "" {
					return errs.Newf(errs.CodeConfigInvalid, "agent %q: schedule %q: cron expression required", a.Name, s.Name)
				}
			case ScheduleWebhook, ScheduleChat:
				// Passive; nothing to check.
			default:
				return errs.Newf(errs.CodeConfigInvalid, "agent %q: schedule %q: unknown type %q", a.Name, s.Name, s.Type)
			}
		}

		for _, h := range append(append([]HookConfig{}, a.Hooks.AfterRun...), a.Hooks.OnError...) {
			switch h.Type {
			case HookSubprocess:
				if strings.TrimSpace(h.Command) == "" {
					return errs.Newf(errs.CodeConfigInvalid, "agent %q: subprocess hook requires command", a.Name)
				}
			case HookHTTP:
				if strings.TrimSpace(h.URL) == "" {
					return errs.Newf(errs.CodeConfigInvalid, "agent %q: http hook requires url", a.Name)
				}
			case HookChatNotification:
				if strings.TrimSpace(h.Channel) == "" {
					return errs.Newf(errs.CodeConfigInvalid, "agent %q: chat-notification hook requires channel", a.Name)
				}
			default:
				return errs.Newf(errs.CodeConfigInvalid, "agent %q: unknown hook type %q", a.Name, h.Type)
			}
		}

		for _, att := range a.Chat {
			if strings.TrimSpace(att.Platform) == "" || strings.TrimSpace(att.ChannelID) == "" {
				return errs.Newf(errs.CodeConfigInvalid, "agent %q: chat attachment requires platform and channelId", a.Name)
			}
		}
	}
	return nil
}
