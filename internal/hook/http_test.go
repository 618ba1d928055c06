package hook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/logx"
)

func TestHTTPDeliversContext(t *testing.T) {
	var gotMethod, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("HOOK_TOKEN", "s3cret")

	r := NewHTTPRunner(nil, logx.Nop())
	res := r.Run(context.Background(), config.HookConfig{
		Type:    config.HookHTTP,
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer ${HOOK_TOKEN}"},
	}, sampleContext())

	if !res.Success {
		t.Fatalf("hook failed: %s", res.Error)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("default method = %s, want POST", gotMethod)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("header substitution failed: %q", gotAuth)
	}
	var hc Context
	if err := json.Unmarshal(gotBody, &hc); err != nil || hc.Job.ID == "" {
		t.Errorf("body is not the context JSON: %v", err)
	}
}

func TestHTTPNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broke"))
	}))
	defer srv.Close()

	r := NewHTTPRunner(nil, logx.Nop())
	res := r.Run(context.Background(), config.HookConfig{Type: config.HookHTTP, URL: srv.URL}, sampleContext())

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Code != "HOOK_HTTP_502" {
		t.Errorf("code = %s", res.Code)
	}
}

func TestHTTPAlternateMethods(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Method
	}))
	defer srv.Close()

	r := NewHTTPRunner(nil, logx.Nop())
	for _, method := range []string{"PUT", "PATCH"} {
		res := r.Run(context.Background(), config.HookConfig{Type: config.HookHTTP, URL: srv.URL, Method: method}, sampleContext())
		if !res.Success || got != method {
			t.Errorf("method %s: success=%v got=%s", method, res.Success, got)
		}
	}

	res := r.Run(context.Background(), config.HookConfig{Type: config.HookHTTP, URL: srv.URL, Method: "DELETE"}, sampleContext())
	if res.Success {
		t.Error("DELETE must be rejected")
	}
}

func TestExpandHeader(t *testing.T) {
	r := NewHTTPRunner(nil, logx.Nop())
	r.getenv = func(name string) string {
		if name == "A" {
			return "1"
		}
		return ""
	}

	cases := []struct{ in, want string }{
		{"x-${A}-${A}", "x-1-1"},
		{"${MISSING}", ""},
		{"plain", "plain"},
		{"${A}${MISSING}tail", "1tail"},
	}
	for _, tc := range cases {
		if got := r.ExpandHeader(tc.in); got != tc.want {
			t.Errorf("ExpandHeader(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
