package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logx"
)

// SubprocessRunner spawns a shell command with the HookContext JSON on its
// standard input.
type SubprocessRunner struct {
	logger logx.Logger
}

// NewSubprocessRunner creates a subprocess runner.
func NewSubprocessRunner(logger logx.Logger) *SubprocessRunner {
	if logger == nil {
		logger = logx.Nop()
	}
	return &SubprocessRunner{logger: logger}
}

// Run executes cfg.Command via the shell. Exit code 0 is success with
// captured stdout; non-zero is failure carrying "Exit code N" and stderr.
func (r *SubprocessRunner) Run(ctx context.Context, cfg config.HookConfig, hc *Context) Result {
	res := Result{Name: hookLabel(cfg), Type: cfg.Type}
	start := time.Now()

	payload, err := hc.JSON()
	if err != nil {
		res.Error = fmt.Sprintf("encode hook context: %v", err)
		res.Duration = time.Since(start)
		return res
	}

	timeout := hookTimeout(cfg)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cfg.Command)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res.Duration = time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			res.Code = errs.CodeHookTimeout
			res.Error = fmt.Sprintf("hook timed out after %s", timeout)
			return res
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = errs.CodeHookExitNonzero
			res.Error = fmt.Sprintf("Exit code %d", exitErr.ExitCode())
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				res.Error += ": " + msg
			}
			return res
		}
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Output = stdout.String()
	return res
}
