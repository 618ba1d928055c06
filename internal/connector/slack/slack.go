// Package slack attaches agents to Slack over one socket-mode connection.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ikido/herdctl/internal/connector"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logx"
)

// indicatorEmoji marks a conversation the bot is working on.
const indicatorEmoji = "hourglass_flowing_sand"

// Options configures the Slack connector.
type Options struct {
	BotToken string
	AppToken string
	Router   *connector.Router
	Trigger  connector.Triggerer
	Logger   logx.Logger
	Events   connector.EventSink
}

// Connector is one Slack bot identity routing conversations to agents.
type Connector struct {
	router  *connector.Router
	inbound *connector.Inbound
	logger  logx.Logger
	events  connector.EventSink

	botToken string
	appToken string

	mu        sync.Mutex
	api       *slack.Client
	client    *socketmode.Client
	connected bool
	botID     string
	botName   string
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// New creates the connector. Both tokens must already be resolved.
func New(opts Options) (*Connector, error) {
	if strings.TrimSpace(opts.BotToken) == "" || strings.TrimSpace(opts.AppToken) == "" {
		return nil, errs.New(errs.CodeChatMissingToken, "slack bot and app tokens are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.Nop()
	}
	c := &Connector{
		router:   opts.Router,
		logger:   logger,
		events:   opts.Events,
		botToken: opts.BotToken,
		appToken: opts.AppToken,
	}
	c.inbound = connector.NewInbound("slack", opts.Router, opts.Trigger, logger, opts.Events)
	c.inbound.Strip = c.stripMentions
	c.inbound.Status = c.connStatus
	return c, nil
}

func (c *Connector) Platform() string { return "slack" }

// Start authenticates, opens the socket-mode connection, and begins routing.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errs.New(errs.CodeChatAlreadyConnected, "slack connector already started")
	}
	c.mu.Unlock()

	api := slack.New(c.botToken, slack.OptionAppLevelToken(c.appToken))

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "invalid_auth") {
			return errs.Wrap(errs.CodeChatInvalidToken, err, "slack")
		}
		return errs.Wrap(errs.CodeChatConnectionFailed, err, "slack auth test")
	}

	runCtx, cancel := context.WithCancel(ctx)
	client := socketmode.New(api)

	c.mu.Lock()
	c.api = api
	c.client = client
	c.connected = true
	c.botID = auth.UserID
	c.botName = auth.User
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.mu.Unlock()

	go c.eventLoop(runCtx, client)
	go func() {
		defer close(c.stopped)
		if err := client.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("slack socket mode ended", "error", err)
			c.emit(connector.EventError, map[string]any{"error": err.Error()})
		}
	}()

	for _, store := range c.router.Stores() {
		if n, err := store.CleanupExpired(); err == nil && n > 0 {
			c.logger.Info("expired sessions reaped", "count", n)
		}
	}

	c.logger.Info("slack connected", "bot", auth.User)
	return nil
}

// Stop disconnects. Idempotent.
func (c *Connector) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	stopped := c.stopped
	c.cancel = nil
	c.connected = false
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-stopped
	return nil
}

func (c *Connector) connStatus() connector.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connector.ConnStatus{Connected: c.connected, BotIdentity: c.botName}
}

func (c *Connector) eventLoop(ctx context.Context, client *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				c.emit(connector.EventReady, map[string]any{"bot": c.botName})
			case socketmode.EventTypeConnecting:
				c.emit(connector.EventReconnecting, nil)
			case socketmode.EventTypeConnectionError:
				c.emit(connector.EventDisconnect, map[string]any{"reason": "connection error"})
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || apiEvent.Type != slackevents.CallbackEvent {
					continue
				}
				c.handleCallback(ctx, apiEvent)
			}
		}
	}
}

func (c *Connector) handleCallback(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev == nil || ev.SubType != "" {
			return
		}
		c.handleMessage(ctx, ev.User, ev.BotID != "", ev.Channel, ev.ChannelType, ev.TimeStamp, ev.Text, false)
	case *slackevents.AppMentionEvent:
		// Plain channel messages already arrive as MessageEvent; mention
		// events only matter where the message event is not delivered.
	}
}

func (c *Connector) handleMessage(ctx context.Context, userID string, fromBot bool, channelID, channelType, ts, text string, mentioned bool) {
	c.mu.Lock()
	botID := c.botID
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return
	}

	if !mentioned && botID != "" {
		mentioned = strings.Contains(text, "<@"+botID+">")
	}

	msg := connector.Message{
		Platform:        "slack",
		ConversationKey: channelID,
		SenderID:        userID,
		SenderIsBot:     fromBot,
		IsSelf:          userID == botID,
		IsDM:            channelType == "im",
		Mentioned:       mentioned,
		Text:            text,
		Timestamp:       slackTime(ts),
		Reply: func(reply string) error {
			for _, chunk := range connector.SplitMessage(reply, 4000) {
				if _, _, err := api.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false)); err != nil {
					c.noteRateLimit(err)
					return err
				}
			}
			return nil
		},
		StartIndicator: func() func() {
			ref := slack.ItemRef{Channel: channelID, Timestamp: ts}
			_ = api.AddReactionContext(ctx, indicatorEmoji, ref)
			var once sync.Once
			return func() {
				once.Do(func() { _ = api.RemoveReactionContext(ctx, indicatorEmoji, ref) })
			}
		},
		History: func(ctx context.Context, limit int) ([]connector.HistoryMessage, error) {
			return c.fetchHistory(ctx, api, channelID, ts, limit)
		},
	}
	c.inbound.Handle(ctx, msg)
}

func (c *Connector) fetchHistory(ctx context.Context, api *slack.Client, channelID, beforeTS string, limit int) ([]connector.HistoryMessage, error) {
	resp, err := api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Latest:    beforeTS,
		Limit:     limit,
		Inclusive: false,
	})
	if err != nil {
		c.noteRateLimit(err)
		return nil, err
	}
	out := make([]connector.HistoryMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, connector.HistoryMessage{
			SenderID:  m.User,
			SenderBot: m.BotID != "",
			Text:      m.Text,
			Timestamp: slackTime(m.Timestamp),
		})
	}
	return out, nil
}

// noteRateLimit records Slack rate-limit errors; the client itself retries.
func (c *Connector) noteRateLimit(err error) {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		c.inbound.RateLimits.Record(rle.RetryAfter)
		c.logger.Warn("slack rate limited", "retryAfter", rle.RetryAfter)
		c.emit(connector.EventRateLimit, map[string]any{"retryAfter": rle.RetryAfter.String()})
	}
}

// stripMentions removes the bot's mention sigil from text.
func (c *Connector) stripMentions(text string) string {
	c.mu.Lock()
	botID := c.botID
	c.mu.Unlock()
	if botID != "" {
		text = strings.ReplaceAll(text, fmt.Sprintf("<@%s>", botID), "")
	}
	return strings.TrimSpace(text)
}

// slackTime parses a "seconds.micros" Slack timestamp.
func slackTime(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micro int64
	if len(parts) == 2 {
		if m, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			micro = m
		}
	}
	return time.Unix(sec, micro*1000)
}

func (c *Connector) emit(kind connector.EventKind, fields map[string]any) {
	if c.events == nil {
		return
	}
	c.events(connector.Event{Kind: kind, Platform: "slack", Time: time.Now(), Fields: fields})
}
