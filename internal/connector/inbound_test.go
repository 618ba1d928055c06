package connector

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ikido/herdctl/internal/executor"
	"github.com/ikido/herdctl/internal/logx"
	"github.com/ikido/herdctl/internal/session"
)

// fakeFleet satisfies Triggerer with a canned job result.
type fakeFleet struct {
	mu       sync.Mutex
	prompts  []string
	sessions []string
	snapshot executor.Snapshot
	err      error
	block    chan struct{}
}

func (f *fakeFleet) Trigger(agent, schedule string, opts executor.TriggerOptions) (*executor.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, opts.Prompt)
	f.sessions = append(f.sessions, opts.SessionID)
	return &executor.TriggerResult{JobID: "job-1", Agent: agent}, nil
}

func (f *fakeFleet) Await(ctx context.Context, jobID string) (executor.Snapshot, error) {
	if f.block != nil {
		<-f.block
	}
	return f.snapshot, nil
}

type replyRecorder struct {
	mu      sync.Mutex
	replies []string
	done    chan struct{}
}

func newReplyRecorder() *replyRecorder {
	return &replyRecorder{done: make(chan struct{}, 8)}
}

func (r *replyRecorder) record(text string) error {
	r.mu.Lock()
	r.replies = append(r.replies, text)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *replyRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply arrived")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replies[len(r.replies)-1]
}

func testRoute(t *testing.T, opts AttachmentOptions) (Route, *session.Store) {
	t.Helper()
	store := session.NewStore(t.TempDir(), "discord", "watcher", 24, logx.Nop())
	return Route{Agent: "watcher", Attachment: opts, Sessions: store}, store
}

func testInbound(t *testing.T, fleet *fakeFleet, route Route, key string) *Inbound {
	t.Helper()
	router := NewRouter(map[string]Route{key: route})
	return NewInbound("discord", router, fleet, logx.Nop(), nil)
}

func baseMessage(key, text string, reply *replyRecorder) Message {
	m := Message{
		Platform:        "discord",
		ConversationKey: key,
		SenderID:        "alice",
		Text:            text,
		Timestamp:       time.Now(),
	}
	if reply != nil {
		m.Reply = reply.record
	}
	return m
}

func TestRoutedMessageTriggersAndReplies(t *testing.T) {
	fleet := &fakeFleet{snapshot: executor.Snapshot{Outcome: executor.OutcomeCompleted, Output: "hi there", SessionID: "be-sess"}}
	route, store := testRoute(t, AttachmentOptions{Mode: "auto"})
	in := testInbound(t, fleet, route, "chan-1")

	reply := newReplyRecorder()
	in.Handle(context.Background(), baseMessage("chan-1", "hello agent", reply))

	if got := reply.wait(t); got != "hi there" {
		t.Errorf("reply = %q", got)
	}
	if len(fleet.prompts) != 1 || fleet.prompts[0] != "hello agent" {
		t.Errorf("prompts = %v", fleet.prompts)
	}
	if !strings.HasPrefix(fleet.sessions[0], "discord-watcher-") {
		t.Errorf("session id not resolved: %v", fleet.sessions)
	}

	// The backend-assigned session id must be persisted.
	rec, ok, _ := store.Get("chan-1")
	if !ok || rec.SessionID != "be-sess" || rec.MessageCount != 1 {
		t.Errorf("session bookkeeping: %+v ok=%v", rec, ok)
	}
}

func TestUnroutedConversationIgnored(t *testing.T) {
	fleet := &fakeFleet{snapshot: executor.Snapshot{Outcome: executor.OutcomeCompleted}}
	route, _ := testRoute(t, AttachmentOptions{Mode: "auto"})

	var events []Event
	router := NewRouter(map[string]Route{"chan-1": route})
	in := NewInbound("discord", router, fleet, logx.Nop(), func(ev Event) { events = append(events, ev) })

	in.Handle(context.Background(), baseMessage("other-chan", "hello", nil))

	if len(fleet.prompts) != 0 {
		t.Error("unrouted message must not trigger")
	}
	if len(events) != 1 || events[0].Kind != EventMessageIgnored || events[0].Fields["reason"] != IgnoreNotConfigured {
		t.Errorf("events = %+v", events)
	}
}

func TestBotAndSelfSendersIgnored(t *testing.T) {
	fleet := &fakeFleet{}
	route, _ := testRoute(t, AttachmentOptions{Mode: "auto"})
	in := testInbound(t, fleet, route, "chan-1")

	msg := baseMessage("chan-1", "hi", nil)
	msg.SenderIsBot = true
	in.Handle(context.Background(), msg)

	msg = baseMessage("chan-1", "hi", nil)
	msg.IsSelf = true
	in.Handle(context.Background(), msg)

	if len(fleet.prompts) != 0 {
		t.Error("bot/self messages must be ignored")
	}
}

func TestMentionModeRequiresMention(t *testing.T) {
	fleet := &fakeFleet{snapshot: executor.Snapshot{Outcome: executor.OutcomeCompleted, Output: "ok"}}
	route, _ := testRoute(t, AttachmentOptions{Mode: "mention"})
	in := testInbound(t, fleet, route, "chan-1")

	in.Handle(context.Background(), baseMessage("chan-1", "not for you", nil))
	if len(fleet.prompts) != 0 {
		t.Error("unmentioned message must be ignored in mention mode")
	}

	reply := newReplyRecorder()
	msg := baseMessage("chan-1", "hey bot", reply)
	msg.Mentioned = true
	in.Handle(context.Background(), msg)
	reply.wait(t)
	if len(fleet.prompts) != 1 {
		t.Error("mentioned message must trigger")
	}

	// DMs default to auto even in unset mode.
	route2, _ := testRoute(t, AttachmentOptions{})
	in2 := testInbound(t, fleet, route2, "dm-1")
	reply2 := newReplyRecorder()
	dm := baseMessage("dm-1", "direct", reply2)
	dm.IsDM = true
	in2.Handle(context.Background(), dm)
	reply2.wait(t)
}

func TestEmptyAfterStripIgnored(t *testing.T) {
	fleet := &fakeFleet{}
	route, _ := testRoute(t, AttachmentOptions{Mode: "auto"})
	in := testInbound(t, fleet, route, "chan-1")
	in.Strip = func(s string) string { return strings.ReplaceAll(s, "<@bot>", "") }

	in.Handle(context.Background(), baseMessage("chan-1", "<@bot>", nil))
	if len(fleet.prompts) != 0 {
		t.Error("empty-after-strip must be ignored")
	}
}

func TestBusyConversationDropsWithReply(t *testing.T) {
	fleet := &fakeFleet{
		snapshot: executor.Snapshot{Outcome: executor.OutcomeCompleted, Output: "done"},
		block:    make(chan struct{}),
	}
	route, _ := testRoute(t, AttachmentOptions{Mode: "auto"})
	in := testInbound(t, fleet, route, "chan-1")

	first := newReplyRecorder()
	in.Handle(context.Background(), baseMessage("chan-1", "long task", first))

	// Wait until the first message holds the conversation.
	deadline := time.Now().Add(time.Second)
	for {
		in.mu.Lock()
		busy := in.busy["chan-1"]
		in.mu.Unlock()
		if busy || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := newReplyRecorder()
	in.Handle(context.Background(), baseMessage("chan-1", "another", second))
	if got := second.wait(t); !strings.Contains(got, "still working") {
		t.Errorf("busy reply = %q", got)
	}

	close(fleet.block)
	first.wait(t)
}

func TestCommands(t *testing.T) {
	fleet := &fakeFleet{}
	route, store := testRoute(t, AttachmentOptions{Mode: "auto"})
	in := testInbound(t, fleet, route, "chan-1")
	in.Status = func() ConnStatus { return ConnStatus{Connected: true, BotIdentity: "herdbot"} }

	reply := newReplyRecorder()
	in.Handle(context.Background(), baseMessage("chan-1", "!help", reply))
	if got := reply.wait(t); !strings.Contains(got, "!reset") {
		t.Errorf("help = %q", got)
	}

	// reset with no session
	in.Handle(context.Background(), baseMessage("chan-1", "/reset", reply))
	if got := reply.wait(t); !strings.Contains(got, "No active session") {
		t.Errorf("reset = %q", got)
	}

	// reset with a session
	if _, _, err := store.GetOrCreate("chan-1"); err != nil {
		t.Fatal(err)
	}
	in.Handle(context.Background(), baseMessage("chan-1", "!reset", reply))
	if got := reply.wait(t); !strings.Contains(got, "Session cleared") {
		t.Errorf("reset = %q", got)
	}
	if _, ok, _ := store.Get("chan-1"); ok {
		t.Error("session must be gone after reset")
	}

	in.Handle(context.Background(), baseMessage("chan-1", "!status", reply))
	got := reply.wait(t)
	if !strings.Contains(got, "connected") || !strings.Contains(got, "herdbot") {
		t.Errorf("status = %q", got)
	}

	if len(fleet.prompts) != 0 {
		t.Error("commands must not trigger jobs")
	}
}

func TestSelectContextPolicies(t *testing.T) {
	base := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	raw := []HistoryMessage{
		{SenderID: "u1", Text: "one", Timestamp: base.Add(1 * time.Minute)},
		{SenderID: "bot", SenderBot: true, Text: "beep", Timestamp: base.Add(2 * time.Minute)},
		{SenderID: "u2", Text: "two", Timestamp: base.Add(3 * time.Minute)},
		{SenderID: "bot", SenderBot: true, Text: "boop", Timestamp: base.Add(4 * time.Minute)},
		{SenderID: "u3", Text: "three", Timestamp: base.Add(5 * time.Minute)},
		{SenderID: "u4", Text: "   ", Timestamp: base.Add(6 * time.Minute)},
	}

	// Bot messages excluded by default.
	got := SelectContext(raw, AttachmentOptions{ContextMessages: 10}, nil)
	if len(got) != 3 {
		t.Errorf("default policy kept %d, want 3 user messages", len(got))
	}

	// Prioritize users: cap 3 with bots included still prefers users,
	// sorted oldest first.
	got = SelectContext(raw, AttachmentOptions{ContextMessages: 3, PrioritizeUserMessages: true, IncludeBotMessages: true}, nil)
	if len(got) != 3 {
		t.Fatalf("got %d", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Text != want {
			t.Errorf("prioritized[%d] = %q, want %q", i, got[i].Text, want)
		}
	}

	// Recency-only keeps the most recent, oldest first.
	got = SelectContext(raw, AttachmentOptions{ContextMessages: 2, IncludeBotMessages: true}, nil)
	if len(got) != 2 || got[0].Text != "boop" || got[1].Text != "three" {
		t.Errorf("recency = %+v", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	if got := BuildPrompt(nil, "just this"); got != "just this" {
		t.Errorf("no-context prompt = %q", got)
	}
	ctx := []HistoryMessage{{SenderID: "u1", Text: "earlier"}}
	got := BuildPrompt(ctx, "now")
	if !strings.Contains(got, "u1: earlier") || !strings.Contains(got, "Current message: now") {
		t.Errorf("prompt = %q", got)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("short", 100); len(got) != 1 {
		t.Errorf("short text split: %v", got)
	}
	long := strings.Repeat("line\n", 100)
	chunks := SplitMessage(long, 120)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks")
	}
	for _, c := range chunks {
		if len([]rune(c)) > 120 {
			t.Errorf("chunk exceeds limit: %d", len([]rune(c)))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks must reassemble to the original")
	}
}

func TestErrorOutcomesReply(t *testing.T) {
	route, _ := testRoute(t, AttachmentOptions{Mode: "auto"})

	fleet := &fakeFleet{snapshot: executor.Snapshot{Outcome: executor.OutcomeTimeout, Error: "session timeout elapsed"}}
	in := testInbound(t, fleet, route, "chan-1")
	reply := newReplyRecorder()
	in.Handle(context.Background(), baseMessage("chan-1", "slow", reply))
	if got := reply.wait(t); !strings.Contains(got, "timed out") {
		t.Errorf("timeout reply = %q", got)
	}
}
