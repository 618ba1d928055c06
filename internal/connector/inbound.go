package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/executor"
	"github.com/ikido/herdctl/internal/logx"
	"github.com/ikido/herdctl/internal/session"
)

// commandPrefix introduces in-channel maintenance commands.
const commandPrefix = "!"

// busyReply is sent when a conversation already has a job in flight.
const busyReply = "I'm still working on the previous message. Please wait a moment."

// Inbound implements the platform-agnostic incoming message pipeline.
// Drivers normalize platform events into Message values and hand them here.
type Inbound struct {
	platform string
	router   *Router
	trigger  Triggerer
	logger   logx.Logger
	events   EventSink

	// Strip removes addressing artefacts (mention sigils) from text.
	Strip func(text string) string
	// Status reports the driver connection state for !status.
	Status func() ConnStatus

	RateLimits RateLimitState

	mu           sync.Mutex
	busy         map[string]bool
	messageCount int64
	startedAt    time.Time
}

// NewInbound creates the pipeline for one connector.
func NewInbound(platform string, router *Router, trigger Triggerer, logger logx.Logger, events EventSink) *Inbound {
	if logger == nil {
		logger = logx.Nop()
	}
	return &Inbound{
		platform:  platform,
		router:    router,
		trigger:   trigger,
		logger:    logger,
		events:    events,
		Strip:     func(s string) string { return s },
		Status:    func() ConnStatus { return ConnStatus{} },
		busy:      make(map[string]bool),
		startedAt: time.Now(),
	}
}

// Handle runs one message through the pipeline. Blocking work (the job
// itself) happens on a separate goroutine; Handle returns once the message
// is classified.
func (in *Inbound) Handle(ctx context.Context, msg Message) {
	// Never react to bots or to ourselves.
	if msg.IsSelf || msg.SenderIsBot {
		in.ignored(msg, IgnoreBotSender)
		return
	}

	route, ok := in.router.Lookup(msg.ConversationKey)
	if !ok {
		in.ignored(msg, IgnoreNotConfigured)
		return
	}

	// Channel mode: mention-only channels need the bot addressed; DMs
	// default to auto.
	mode := route.Attachment.Mode
	if mode == "" {
		if msg.IsDM {
			mode = "auto"
		} else {
			mode = "mention"
		}
	}
	if mode == "mention" && !msg.IsDM && !msg.Mentioned {
		in.ignored(msg, IgnoreNotMentioned)
		return
	}

	text := strings.TrimSpace(in.Strip(msg.Text))
	if text == "" {
		in.ignored(msg, IgnoreEmptyPrompt)
		return
	}

	if cmd, ok := parseCommand(text); ok {
		in.runCommand(cmd, msg, route)
		return
	}

	in.mu.Lock()
	if in.busy[msg.ConversationKey] {
		in.mu.Unlock()
		in.ignored(msg, IgnoreBusy)
		if msg.Reply != nil {
			_ = msg.Reply(busyReply)
		}
		return
	}
	in.busy[msg.ConversationKey] = true
	in.messageCount++
	in.mu.Unlock()

	in.emit(EventMessage, map[string]any{
		"conversation": msg.ConversationKey,
		"sender":       msg.SenderID,
		"agent":        route.Agent,
	})

	go in.process(ctx, msg, route, text)
}

// process resolves context and session, triggers the agent, and replies.
func (in *Inbound) process(ctx context.Context, msg Message, route Route, text string) {
	defer func() {
		in.mu.Lock()
		delete(in.busy, msg.ConversationKey)
		in.mu.Unlock()
	}()

	var stop func()
	if msg.StartIndicator != nil {
		stop = msg.StartIndicator()
	}
	if stop != nil {
		defer stop()
	}

	contextMsgs := in.buildContext(ctx, msg, route.Attachment)

	rec, isNew, err := route.Sessions.GetOrCreate(msg.ConversationKey)
	if err != nil {
		in.logger.Error("session resolution failed", "conversation", msg.ConversationKey, "error", err)
		in.replyError(msg, err)
		return
	}
	if isNew {
		in.emit(EventSessionLifecycle, map[string]any{"event": SessionCreated, "conversation": msg.ConversationKey})
	} else {
		in.emit(EventSessionLifecycle, map[string]any{"event": SessionResumed, "conversation": msg.ConversationKey})
	}

	prompt := BuildPrompt(contextMsgs, text)

	res, err := in.trigger.Trigger(route.Agent, "", executor.TriggerOptions{
		Prompt:    prompt,
		Origin:    executor.OriginChat,
		SessionID: rec.SessionID,
	})
	if err != nil {
		if errs.HasCode(err, errs.CodeConcurrencyLimitReached) {
			if msg.Reply != nil {
				_ = msg.Reply(busyReply)
			}
			return
		}
		in.logger.Error("chat trigger failed", "agent", route.Agent, "error", err)
		in.replyError(msg, err)
		return
	}

	snap, err := in.trigger.Await(ctx, res.JobID)
	if err != nil {
		in.replyError(msg, err)
		return
	}

	in.bookkeepSession(route.Sessions, msg.ConversationKey, snap)

	switch snap.Outcome {
	case executor.OutcomeCompleted:
		reply := snap.Output
		if strings.TrimSpace(reply) == "" {
			reply = "(no output)"
		}
		if msg.Reply != nil {
			_ = msg.Reply(reply)
		}
	case executor.OutcomeTimeout:
		if msg.Reply != nil {
			_ = msg.Reply("That took too long and timed out. Please try again.")
		}
	case executor.OutcomeCancelled:
		if msg.Reply != nil {
			_ = msg.Reply("The daemon is shutting down; your request was cancelled.")
		}
	default:
		in.replyError(msg, fmt.Errorf("%s", snap.Error))
	}
}

// bookkeepSession updates the durable session record after a job.
func (in *Inbound) bookkeepSession(store *session.Store, key string, snap executor.Snapshot) {
	if snap.SessionID != "" {
		if err := store.Set(key, snap.SessionID); err != nil {
			in.logger.Warn("persist session id", "conversation", key, "error", err)
		}
	} else if err := store.Touch(key); err != nil {
		in.logger.Warn("touch session", "conversation", key, "error", err)
	}
	if err := store.IncrementMessageCount(key); err != nil {
		in.logger.Warn("bump session counter", "conversation", key, "error", err)
	}
	if snap.Usage != nil {
		if err := store.UpdateContextUsage(key, snap.Usage.Input, snap.Usage.Output, snap.Usage.Window); err != nil {
			in.logger.Warn("record context usage", "conversation", key, "error", err)
		}
	}
}

// buildContext fetches prior conversation messages and applies the context
// policy from the attachment.
func (in *Inbound) buildContext(ctx context.Context, msg Message, att AttachmentOptions) []HistoryMessage {
	if msg.History == nil || att.ContextMessages <= 0 {
		return nil
	}
	// Fetch extra so dropped entries don't starve the cap.
	raw, err := msg.History(ctx, att.ContextMessages*3)
	if err != nil {
		in.logger.Warn("fetch conversation history", "conversation", msg.ConversationKey, "error", err)
		return nil
	}
	return SelectContext(raw, att, in.Strip)
}

// SelectContext strips, filters, and caps prior messages. With
// PrioritizeUserMessages, non-bot messages win slots before bot messages;
// the result is always sorted oldest first.
func SelectContext(raw []HistoryMessage, att AttachmentOptions, strip func(string) string) []HistoryMessage {
	if strip == nil {
		strip = func(s string) string { return s }
	}

	cleaned := make([]HistoryMessage, 0, len(raw))
	for _, m := range raw {
		m.Text = strings.TrimSpace(strip(m.Text))
		if m.Text == "" {
			continue
		}
		if m.SenderBot && !att.IncludeBotMessages {
			continue
		}
		cleaned = append(cleaned, m)
	}

	limit := att.ContextMessages
	if limit <= 0 || len(cleaned) <= limit {
		sortByTime(cleaned)
		return cleaned
	}

	if att.PrioritizeUserMessages {
		// Newest-first pass keeping users ahead of bots, then re-sort.
		byRecency := make([]HistoryMessage, len(cleaned))
		copy(byRecency, cleaned)
		sort.SliceStable(byRecency, func(i, j int) bool {
			return byRecency[i].Timestamp.After(byRecency[j].Timestamp)
		})

		picked := make([]HistoryMessage, 0, limit)
		for _, m := range byRecency {
			if !m.SenderBot {
				picked = append(picked, m)
				if len(picked) == limit {
					break
				}
			}
		}
		if len(picked) < limit {
			for _, m := range byRecency {
				if m.SenderBot {
					picked = append(picked, m)
					if len(picked) == limit {
						break
					}
				}
			}
		}
		sortByTime(picked)
		return picked
	}

	// Recency-only: most recent up to the cap, oldest first.
	sortByTime(cleaned)
	return cleaned[len(cleaned)-limit:]
}

func sortByTime(msgs []HistoryMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// BuildPrompt renders conversation context ahead of the user's message.
func BuildPrompt(contextMsgs []HistoryMessage, text string) string {
	if len(contextMsgs) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range contextMsgs {
		fmt.Fprintf(&b, "%s: %s\n", m.SenderID, m.Text)
	}
	b.WriteString("\nCurrent message: ")
	b.WriteString(text)
	return b.String()
}

func (in *Inbound) replyError(msg Message, err error) {
	if msg.Reply == nil {
		return
	}
	_ = msg.Reply(errs.UserMessage(err))
}

func (in *Inbound) ignored(msg Message, reason string) {
	in.logger.Debug("message ignored", "conversation", msg.ConversationKey, "reason", reason)
	in.emit(EventMessageIgnored, map[string]any{
		"conversation": msg.ConversationKey,
		"reason":       reason,
	})
}

func (in *Inbound) emit(kind EventKind, fields map[string]any) {
	if in.events == nil {
		return
	}
	in.events(Event{Kind: kind, Platform: in.platform, Time: time.Now(), Fields: fields})
}
