package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logx"
)

// ExecBackend shells out to an agent CLI. The request is written as JSON to
// the process stdin; the process prints a JSON Result on stdout.
type ExecBackend struct {
	binary string
	args   []string
	logger logx.Logger
}

// NewExecBackend creates a subprocess backend for the given binary.
func NewExecBackend(binary string, args []string, logger logx.Logger) *ExecBackend {
	if logger == nil {
		logger = logx.Nop()
	}
	return &ExecBackend{binary: binary, args: args, logger: logger}
}

func (b *ExecBackend) Name() string { return "exec:" + b.binary }

// Invoke runs the binary in the request workdir. Context cancellation kills
// the process; a deadline maps to BACKEND_TIMEOUT, any other failure to
// BACKEND_ERROR.
func (b *ExecBackend) Invoke(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBackendError, err, "encode request")
	}

	cmd := exec.CommandContext(ctx, b.binary, b.args...)
	cmd.Dir = req.Workdir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Debug("invoking backend", "binary", b.binary, "workdir", req.Workdir, "session", req.SessionID)

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errs.Wrap(errs.CodeBackendTimeout, ctx.Err(), b.binary)
		}
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("exit code %d", exitErr.ExitCode())
			}
			return nil, errs.New(errs.CodeBackendError, msg)
		}
		return nil, errs.Wrap(errs.CodeBackendError, err, b.binary)
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		// A backend that prints plain text instead of JSON is still usable.
		res = Result{Text: stdout.String(), SessionID: req.SessionID}
	}
	return &res, nil
}
