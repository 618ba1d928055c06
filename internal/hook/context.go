// Package hook runs configured post-job actions: subprocess, http, and
// chat-notification hooks behind a common runner interface.
package hook

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is the terminal outcome a hook fires for.
type Event string

const (
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
	EventTimeout   Event = "timeout"
	EventCancelled Event = "cancelled"
)

// JobInfo describes the finished job inside a HookContext.
type JobInfo struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId"`
	ScheduleName string    `json:"scheduleName,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	CompletedAt  time.Time `json:"completedAt"`
	DurationMs   int64     `json:"durationMs"`
}

// ResultInfo carries the job outcome inside a HookContext.
type ResultInfo struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// AgentInfo identifies the owning agent inside a HookContext.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Context is the immutable payload delivered to every hook. Its JSON shape
// is wire contract: subprocess hooks receive it on stdin, http hooks as the
// request body.
type Context struct {
	Event    Event          `json:"event"`
	Job      JobInfo        `json:"job"`
	Result   ResultInfo     `json:"result"`
	Agent    AgentInfo      `json:"agent"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JSON renders the wire form.
func (c *Context) JSON() ([]byte, error) {
	return json.Marshal(c)
}

// Lookup resolves a dot-path against the context. The root is the full
// context, so "metadata.shouldNotify" descends Metadata["shouldNotify"].
// Missing intermediate keys resolve to ok=false.
func (c *Context) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, false
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, false
	}

	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Truthy applies the metadata truthiness rules: nil, false, empty string,
// zero numbers, and empty containers are false; everything else is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	}
	return true
}
