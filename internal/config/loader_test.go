package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ikido/herdctl/internal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromDefaultsAndValidation(t *testing.T) {
	path := writeConfig(t, `{
		"agents": [
			{
				"name": "watcher",
				"workspace": "/tmp/watcher",
				"schedules": [
					{"name": "often", "type": "interval", "every": 60000000000},
					{"name": "nightly", "type": "cron", "cron": "0 3 * * *"},
					{"name": "hook-in", "type": "webhook"}
				]
			}
		]
	}`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}

	agent, ok := cfg.Agent("watcher")
	if !ok {
		t.Fatal("agent not found")
	}
	if agent.MaxConcurrent != 1 {
		t.Errorf("default maxConcurrent = %d, want 1", agent.MaxConcurrent)
	}
	if agent.SessionTimeout != DefaultSessionTimeout {
		t.Errorf("default session timeout = %s", agent.SessionTimeout)
	}
	if agent.SessionExpiryHours != 24 {
		t.Errorf("default expiry = %d", agent.SessionExpiryHours)
	}
	if cfg.Scheduler.TickInterval != time.Second {
		t.Errorf("default tick = %s", cfg.Scheduler.TickInterval)
	}

	sched, ok := agent.Schedule("often")
	if !ok || sched.Every != time.Minute {
		t.Errorf("interval schedule not parsed: %+v", sched)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if !errs.HasCode(err, errs.CodeConfigNotFound) {
		t.Errorf("expected CONFIG_NOT_FOUND, got %v", err)
	}
}

func TestLoadFromInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"agents": [`)
	_, err := LoadFrom(path)
	if !errs.HasCode(err, errs.CodeConfigInvalid) {
		t.Errorf("expected CONFIG_INVALID, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"duplicate agents", `{"agents":[{"name":"a","workspace":"/w"},{"name":"a","workspace":"/w"}]}`},
		{"nameless agent", `{"agents":[{"workspace":"/w"}]}`},
		{"interval without every", `{"agents":[{"name":"a","workspace":"/w","schedules":[{"name":"s","type":"interval"}]}]}`},
		{"cron without expr", `{"agents":[{"name":"a","workspace":"/w","schedules":[{"name":"s","type":"cron"}]}]}`},
		{"unknown schedule type", `{"agents":[{"name":"a","workspace":"/w","schedules":[{"name":"s","type":"lunar"}]}]}`},
		{"duplicate schedules", `{"agents":[{"name":"a","workspace":"/w","schedules":[{"name":"s","type":"webhook"},{"name":"s","type":"chat"}]}]}`},
		{"subprocess hook without command", `{"agents":[{"name":"a","workspace":"/w","hooks":{"after_run":[{"type":"subprocess"}]}}]}`},
		{"http hook without url", `{"agents":[{"name":"a","workspace":"/w","hooks":{"after_run":[{"type":"http"}]}}]}`},
		{"notification hook without channel", `{"agents":[{"name":"a","workspace":"/w","hooks":{"on_error":[{"type":"chat-notification"}]}}]}`},
		{"unknown hook type", `{"agents":[{"name":"a","workspace":"/w","hooks":{"after_run":[{"type":"carrier-pigeon"}]}}]}`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		if _, err := LoadFrom(path); !errs.HasCode(err, errs.CodeConfigInvalid) {
			t.Errorf("%s: expected CONFIG_INVALID, got %v", tc.name, err)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"stateDir": "/from/file", "agents": []}`)
	t.Setenv("HERDCTL_STATE_DIR", "/from/env")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/from/env" {
		t.Errorf("stateDir = %q, want env override", cfg.StateDir)
	}
}

func TestHookConfigDefaults(t *testing.T) {
	h := HookConfig{Type: HookSubprocess, Command: "true"}
	if !h.ContinuesOnError() {
		t.Error("continue_on_error defaults to true")
	}
	f := false
	h.ContinueOnError = &f
	if h.ContinuesOnError() {
		t.Error("explicit false must win")
	}

	att := ChatAttachmentConfig{}
	if !att.PrioritizesUserMessages() {
		t.Error("prioritizeUserMessages defaults to true")
	}
}

func TestConfigPaths(t *testing.T) {
	cfg := &Config{StateDir: "/var/lib/herd"}
	if got := cfg.PIDFile(); got != "/var/lib/herd/herdctl.pid" {
		t.Errorf("pid file = %q", got)
	}
	if got := cfg.SessionsDir("discord"); got != "/var/lib/herd/discord-sessions" {
		t.Errorf("sessions dir = %q", got)
	}
}
