package hook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logx"
)

// envVarPattern matches ${VAR} placeholders in header values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// HTTPRunner delivers the HookContext JSON to a URL.
type HTTPRunner struct {
	client *http.Client
	logger logx.Logger
	getenv func(string) string
}

// NewHTTPRunner creates an HTTP runner. client may be nil to use a default.
func NewHTTPRunner(client *http.Client, logger logx.Logger) *HTTPRunner {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &HTTPRunner{client: client, logger: logger, getenv: os.Getenv}
}

// ExpandHeader substitutes every ${VAR} occurrence with the environment
// value; unset variables become the empty string.
func (r *HTTPRunner) ExpandHeader(value string) string {
	return envVarPattern.ReplaceAllStringFunc(value, func(m string) string {
		name := m[2 : len(m)-1]
		return r.getenv(name)
	})
}

// Run issues the request (method default POST; PUT/PATCH allowed). A 2xx
// status is success; anything else fails with the status and response body.
func (r *HTTPRunner) Run(ctx context.Context, cfg config.HookConfig, hc *Context) Result {
	res := Result{Name: hookLabel(cfg), Type: cfg.Type}
	start := time.Now()

	payload, err := hc.JSON()
	if err != nil {
		res.Error = fmt.Sprintf("encode hook context: %v", err)
		res.Duration = time.Since(start)
		return res
	}

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	switch method {
	case "", http.MethodPost:
		method = http.MethodPost
	case http.MethodPut, http.MethodPatch:
	default:
		res.Error = fmt.Sprintf("unsupported http method %q", cfg.Method)
		res.Duration = time.Since(start)
		return res
	}

	timeout := hookTimeout(cfg)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range cfg.Headers {
		req.Header.Set(name, r.ExpandHeader(value))
	}

	resp, err := r.client.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			res.Code = errs.CodeHookTimeout
			res.Error = fmt.Sprintf("hook timed out after %s", timeout)
			return res
		}
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Code = errs.HookHTTPCode(resp.StatusCode)
		res.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return res
	}

	res.Success = true
	res.Output = string(body)
	return res
}
