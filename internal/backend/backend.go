// Package backend defines the LLM-invocation substrate the executor drives.
// The substrate itself is external; the core only consumes this interface.
package backend

import (
	"context"
)

// Request carries one prompt invocation.
type Request struct {
	Prompt       string   `json:"prompt"`
	SessionID    string   `json:"sessionId,omitempty"`
	Workdir      string   `json:"workdir"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty"`
}

// Usage is the backend's token accounting for one invocation.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Window int `json:"window,omitempty"`
}

// Result is the backend's final answer for one invocation. SessionID is an
// opaque identifier the caller stores verbatim; two backends' ids are not
// assumed interchangeable.
type Result struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

// Backend invokes the agent substrate for a single prompt.
type Backend interface {
	// Name identifies the backend implementation.
	Name() string
	// Invoke blocks until the backend finishes or ctx is done.
	Invoke(ctx context.Context, req Request) (*Result, error)
}
