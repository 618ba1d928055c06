package hook

import (
	"context"
	"testing"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/logx"
)

// recordingRunner notes which hooks ran and returns a canned result.
type recordingRunner struct {
	ran  []string
	fail map[string]bool
}

func (r *recordingRunner) Run(ctx context.Context, cfg config.HookConfig, hc *Context) Result {
	r.ran = append(r.ran, cfg.Name)
	if r.fail[cfg.Name] {
		return Result{Name: cfg.Name, Type: cfg.Type, Error: "boom"}
	}
	return Result{Name: cfg.Name, Type: cfg.Type, Success: true}
}

func testPipeline(rec *recordingRunner) *Pipeline {
	return NewPipeline(nil, logx.Nop()).WithRunners(rec, rec, rec)
}

func subHook(name string, mutate ...func(*config.HookConfig)) config.HookConfig {
	h := config.HookConfig{Name: name, Type: config.HookSubprocess, Command: "true"}
	for _, m := range mutate {
		m(&h)
	}
	return h
}

func TestPipelineRunsInOrder(t *testing.T) {
	rec := &recordingRunner{}
	p := testPipeline(rec)

	res := p.Execute(context.Background(), []config.HookConfig{
		subHook("one"), subHook("two"), subHook("three"),
	}, sampleContext())

	if !res.Success || res.SuccessfulHooks != 3 || res.TotalHooks != 3 {
		t.Errorf("summary: %+v", res)
	}
	want := []string{"one", "two", "three"}
	for i, name := range want {
		if rec.ran[i] != name {
			t.Fatalf("order = %v, want %v", rec.ran, want)
		}
	}
}

func TestOnEventsFilter(t *testing.T) {
	rec := &recordingRunner{}
	p := testPipeline(rec)

	hooks := []config.HookConfig{
		subHook("onFail", func(h *config.HookConfig) { h.OnEvents = []string{"failed", "timeout"} }),
		subHook("always"),
	}

	res := p.Execute(context.Background(), hooks, sampleContext()) // completed
	if res.SkippedHooks != 1 || res.SuccessfulHooks != 1 {
		t.Errorf("summary: %+v", res)
	}
	if len(rec.ran) != 1 || rec.ran[0] != "always" {
		t.Errorf("ran = %v", rec.ran)
	}

	hc := sampleContext()
	hc.Event = EventFailed
	rec.ran = nil
	res = p.Execute(context.Background(), hooks, hc)
	if res.SuccessfulHooks != 2 || len(rec.ran) != 2 {
		t.Errorf("failed event should run both: %+v ran=%v", res, rec.ran)
	}
}

func TestWhenFilter(t *testing.T) {
	rec := &recordingRunner{}
	p := testPipeline(rec)

	hooks := []config.HookConfig{
		subHook("notify", func(h *config.HookConfig) { h.When = "metadata.shouldNotify" }),
		subHook("never", func(h *config.HookConfig) { h.When = "metadata.missing.path" }),
		subHook("falsy", func(h *config.HookConfig) { h.When = "metadata.zero" }),
	}

	res := p.Execute(context.Background(), hooks, sampleContext())
	if res.SuccessfulHooks != 1 || res.SkippedHooks != 2 {
		t.Errorf("summary: %+v", res)
	}
	if len(rec.ran) != 1 || rec.ran[0] != "notify" {
		t.Errorf("ran = %v", rec.ran)
	}
}

func TestContinueOnErrorDefaultKeepsGoing(t *testing.T) {
	rec := &recordingRunner{fail: map[string]bool{"bad": true}}
	p := testPipeline(rec)

	res := p.Execute(context.Background(), []config.HookConfig{
		subHook("bad"), subHook("after"),
	}, sampleContext())

	if res.Success {
		t.Error("a failed hook must mark the pipeline unsuccessful")
	}
	if res.ShouldFailJob {
		t.Error("default continue_on_error must not escalate")
	}
	if len(rec.ran) != 2 {
		t.Errorf("remaining hooks must still run: %v", rec.ran)
	}
}

func TestContinueOnErrorFalseShortCircuits(t *testing.T) {
	rec := &recordingRunner{fail: map[string]bool{"critical": true}}
	p := testPipeline(rec)

	f := false
	res := p.Execute(context.Background(), []config.HookConfig{
		subHook("critical", func(h *config.HookConfig) { h.ContinueOnError = &f }),
		subHook("after"),
	}, sampleContext())

	if !res.ShouldFailJob {
		t.Error("continue_on_error=false failure must escalate")
	}
	if len(rec.ran) != 1 {
		t.Errorf("pipeline must short-circuit: ran=%v", rec.ran)
	}
	if res.SkippedHooks != 1 || res.FailedHooks != 1 {
		t.Errorf("summary: %+v", res)
	}
}
