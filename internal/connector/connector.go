// Package connector bridges chat platforms and agents: it routes incoming
// conversations to the right agent, carries conversation context, and
// persists per-conversation sessions.
package connector

import (
	"context"
	"time"

	"github.com/ikido/herdctl/internal/executor"
	"github.com/ikido/herdctl/internal/session"
)

// Triggerer is the narrow fleet surface a connector borrows. Connectors
// never hold the whole fleet manager.
type Triggerer interface {
	Trigger(agentName, scheduleName string, opts executor.TriggerOptions) (*executor.TriggerResult, error)
	Await(ctx context.Context, jobID string) (executor.Snapshot, error)
}

// Connector is one long-running platform connection carrying one or more
// agent attachments.
type Connector interface {
	// Platform returns the platform name (e.g. "discord").
	Platform() string
	// Start connects and begins routing messages.
	Start(ctx context.Context) error
	// Stop disconnects. Idempotent.
	Stop() error
}

// ConnStatus is the driver-reported connection state.
type ConnStatus struct {
	Connected   bool   `json:"connected"`
	BotIdentity string `json:"botIdentity"`
}

// HistoryMessage is one prior message used for conversation context.
type HistoryMessage struct {
	SenderID  string
	SenderBot bool
	Text      string
	Timestamp time.Time
}

// Message is one incoming platform event, normalized by the driver. Reply
// and StartIndicator are closures bound to the originating conversation.
type Message struct {
	Platform        string
	ConversationKey string
	SenderID        string
	SenderIsBot     bool
	IsSelf          bool
	IsDM            bool
	Mentioned       bool
	Text            string
	Timestamp       time.Time

	// Reply writes text back to the originating conversation.
	Reply func(text string) error
	// StartIndicator shows a "working" signal; the returned func stops it.
	StartIndicator func() (stop func())
	// History fetches up to limit prior messages in this conversation, in
	// any order; the pipeline sorts them by timestamp.
	History func(ctx context.Context, limit int) ([]HistoryMessage, error)
}

// Route binds a conversation key to an agent and its session store.
type Route struct {
	Agent      string
	Attachment AttachmentOptions
	Sessions   *session.Store
}

// AttachmentOptions is the resolved per-conversation behavior.
type AttachmentOptions struct {
	Mode                   string // "mention" or "auto"
	ContextMessages        int
	PrioritizeUserMessages bool
	IncludeBotMessages     bool
}

// Router is the immutable conversationKey -> route map for one connector.
// Changes require a reconnect.
type Router struct {
	routes map[string]Route
}

// NewRouter builds a router from the configured attachments.
func NewRouter(routes map[string]Route) *Router {
	if routes == nil {
		routes = make(map[string]Route)
	}
	return &Router{routes: routes}
}

// Lookup resolves the route for a conversation key.
func (r *Router) Lookup(key string) (Route, bool) {
	route, ok := r.routes[key]
	return route, ok
}

// Stores returns every attached session store (one per agent).
func (r *Router) Stores() []*session.Store {
	seen := make(map[*session.Store]bool)
	var out []*session.Store
	for _, route := range r.routes {
		if route.Sessions != nil && !seen[route.Sessions] {
			seen[route.Sessions] = true
			out = append(out, route.Sessions)
		}
	}
	return out
}
