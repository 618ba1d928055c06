package hook

import (
	"context"
	"net/http"
	"time"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/logx"
)

// PipelineResult summarizes one Execute invocation.
type PipelineResult struct {
	Success         bool          `json:"success"`
	TotalHooks      int           `json:"totalHooks"`
	SuccessfulHooks int           `json:"successfulHooks"`
	FailedHooks     int           `json:"failedHooks"`
	SkippedHooks    int           `json:"skippedHooks"`
	ShouldFailJob   bool          `json:"shouldFailJob"`
	TotalDuration   time.Duration `json:"totalDurationMs"`
	Results         []Result      `json:"results"`
}

// Pipeline executes an ordered hook list against a job-completion event.
type Pipeline struct {
	subprocess Runner
	http       Runner
	notify     Runner
	logger     logx.Logger
}

// NewPipeline wires the three runner kinds. httpClient may be nil.
func NewPipeline(httpClient *http.Client, logger logx.Logger) *Pipeline {
	if logger == nil {
		logger = logx.Nop()
	}
	return &Pipeline{
		subprocess: NewSubprocessRunner(logger),
		http:       NewHTTPRunner(httpClient, logger),
		notify:     NewNotifyRunner(logger),
		logger:     logger,
	}
}

// WithRunners overrides runners; used by tests and by callers that need a
// different notification transport.
func (p *Pipeline) WithRunners(subprocess, httpRunner, notify Runner) *Pipeline {
	if subprocess != nil {
		p.subprocess = subprocess
	}
	if httpRunner != nil {
		p.http = httpRunner
	}
	if notify != nil {
		p.notify = notify
	}
	return p
}

// Execute runs hooks strictly in configuration order. A hook is skipped when
// the event is outside its on_events set or its when-path resolves falsy.
// A failing hook with continue_on_error=false sets ShouldFailJob and stops
// the remaining hooks.
func (p *Pipeline) Execute(ctx context.Context, hooks []config.HookConfig, hc *Context) PipelineResult {
	out := PipelineResult{Success: true, TotalHooks: len(hooks)}
	start := time.Now()

	for i, cfg := range hooks {
		if len(cfg.OnEvents) > 0 && !eventIn(hc.Event, cfg.OnEvents) {
			out.SkippedHooks++
			out.Results = append(out.Results, Result{
				Name:    hookLabel(cfg),
				Type:    cfg.Type,
				Skipped: true,
				SkipWhy: "event not in on_events",
			})
			continue
		}
		if cfg.When != "" {
			val, ok := hc.Lookup(cfg.When)
			if !ok || !Truthy(val) {
				out.SkippedHooks++
				out.Results = append(out.Results, Result{
					Name:    hookLabel(cfg),
					Type:    cfg.Type,
					Skipped: true,
					SkipWhy: "when condition not met",
				})
				continue
			}
		}

		var res Result
		if runner, err := p.runnerFor(cfg.Type); err != nil {
			res = Result{Name: hookLabel(cfg), Type: cfg.Type, Error: err.Error()}
		} else {
			res = runner.Run(ctx, cfg, hc)
		}
		out.Results = append(out.Results, res)

		if res.Success {
			out.SuccessfulHooks++
			p.logger.Debug("hook succeeded", "hook", res.Name, "event", string(hc.Event), "duration", res.Duration)
			continue
		}

		out.FailedHooks++
		out.Success = false
		p.logger.Warn("hook failed", "hook", res.Name, "event", string(hc.Event), "error", res.Error, "code", res.Code)

		if !cfg.ContinuesOnError() {
			out.ShouldFailJob = true
			// Remaining hooks count as skipped for the summary.
			for _, rest := range hooks[i+1:] {
				out.SkippedHooks++
				out.Results = append(out.Results, Result{
					Name:    hookLabel(rest),
					Type:    rest.Type,
					Skipped: true,
					SkipWhy: "pipeline aborted",
				})
			}
			break
		}
	}

	out.TotalDuration = time.Since(start)
	return out
}

func eventIn(event Event, set []string) bool {
	for _, e := range set {
		if Event(e) == event {
			return true
		}
	}
	return false
}
