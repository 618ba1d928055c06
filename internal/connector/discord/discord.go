// Package discord attaches agents to Discord through one gateway session.
package discord

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ikido/herdctl/internal/connector"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logx"
)

// discordMessageLimit is the platform's outbound message size cap.
const discordMessageLimit = 2000

// roleMentionPattern matches role mention sigils.
var roleMentionPattern = regexp.MustCompile(`<@&\d+>`)

// Options configures the Discord connector.
type Options struct {
	Token   string
	Router  *connector.Router
	Trigger connector.Triggerer
	Logger  logx.Logger
	Events  connector.EventSink
}

// Connector is one Discord bot identity routing conversations to agents.
type Connector struct {
	router  *connector.Router
	inbound *connector.Inbound
	logger  logx.Logger
	events  connector.EventSink
	token   string

	mu        sync.Mutex
	session   *discordgo.Session
	connected bool
	botID     string
	botName   string
	ctx       context.Context
}

// New creates the connector. The token must already be resolved.
func New(opts Options) (*Connector, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errs.New(errs.CodeChatMissingToken, "discord bot token is empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.Nop()
	}
	c := &Connector{
		router: opts.Router,
		logger: logger,
		events: opts.Events,
		token:  opts.Token,
	}
	c.inbound = connector.NewInbound("discord", opts.Router, opts.Trigger, logger, opts.Events)
	c.inbound.Strip = c.stripMentions
	c.inbound.Status = c.connStatus
	return c, nil
}

func (c *Connector) Platform() string { return "discord" }

// Start opens the gateway session and begins routing messages.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errs.New(errs.CodeChatAlreadyConnected, "discord connector already started")
	}
	c.mu.Unlock()

	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return errs.Wrap(errs.CodeChatConnectionFailed, err, "create discord session")
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	session.AddHandler(c.onReady)
	session.AddHandler(c.onMessage)
	session.AddHandler(c.onDisconnect)
	session.AddHandler(c.onResumed)
	session.AddHandler(c.onRateLimit)

	if err := session.Open(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "authentication") {
			return errs.Wrap(errs.CodeChatInvalidToken, err, "discord")
		}
		return errs.Wrap(errs.CodeChatConnectionFailed, err, "discord")
	}

	c.mu.Lock()
	c.session = session
	c.connected = true
	c.ctx = ctx
	c.mu.Unlock()

	for _, store := range c.router.Stores() {
		if n, err := store.CleanupExpired(); err == nil && n > 0 {
			c.logger.Info("expired sessions reaped", "count", n)
		}
	}

	return nil
}

// Stop disconnects. Idempotent.
func (c *Connector) Stop() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.connected = false
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

func (c *Connector) connStatus() connector.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connector.ConnStatus{Connected: c.connected, BotIdentity: c.botName}
}

func (c *Connector) onReady(s *discordgo.Session, r *discordgo.Ready) {
	c.mu.Lock()
	c.botID = r.User.ID
	c.botName = r.User.Username
	c.mu.Unlock()
	c.logger.Info("discord connected", "bot", r.User.Username)
	c.emit(connector.EventReady, map[string]any{"bot": r.User.Username})
}

func (c *Connector) onDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	c.logger.Warn("discord disconnected")
	c.emit(connector.EventDisconnect, map[string]any{"reason": "gateway closed"})
}

func (c *Connector) onResumed(s *discordgo.Session, r *discordgo.Resumed) {
	c.logger.Info("discord reconnected")
	c.emit(connector.EventReconnected, nil)
}

func (c *Connector) onRateLimit(s *discordgo.Session, rl *discordgo.RateLimit) {
	c.inbound.RateLimits.Record(rl.RetryAfter)
	c.logger.Warn("discord rate limited", "retryAfter", rl.RetryAfter)
	c.emit(connector.EventRateLimit, map[string]any{"retryAfter": rl.RetryAfter.String()})
}

func (c *Connector) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	c.mu.Lock()
	botID := c.botID
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	msg := connector.Message{
		Platform:        "discord",
		ConversationKey: m.ChannelID,
		SenderID:        m.Author.Username,
		SenderIsBot:     m.Author.Bot,
		IsSelf:          m.Author.ID == botID,
		IsDM:            m.GuildID == "",
		Mentioned:       c.wasMentioned(m, botID),
		Text:            m.Content,
		Timestamp:       m.Timestamp,
		Reply: func(text string) error {
			for _, chunk := range connector.SplitMessage(text, discordMessageLimit) {
				if _, err := s.ChannelMessageSend(m.ChannelID, chunk); err != nil {
					return err
				}
			}
			return nil
		},
		StartIndicator: func() func() {
			return c.startTyping(s, m.ChannelID)
		},
		History: func(ctx context.Context, limit int) ([]connector.HistoryMessage, error) {
			return c.fetchHistory(s, m.ChannelID, m.ID, limit)
		},
	}
	c.inbound.Handle(ctx, msg)
}

// wasMentioned reports a direct mention or a mention of a role the bot holds.
func (c *Connector) wasMentioned(m *discordgo.MessageCreate, botID string) bool {
	for _, u := range m.Mentions {
		if u.ID == botID {
			return true
		}
	}
	if len(m.MentionRoles) == 0 || m.GuildID == "" {
		return false
	}
	botRoles := c.botRoleSet(m.GuildID)
	for _, role := range m.MentionRoles {
		if botRoles[role] {
			return true
		}
	}
	return false
}

func (c *Connector) botRoleSet(guildID string) map[string]bool {
	c.mu.Lock()
	session := c.session
	botID := c.botID
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	member, err := session.State.Member(guildID, botID)
	if err != nil || member == nil {
		member, err = session.GuildMember(guildID, botID)
		if err != nil || member == nil {
			return nil
		}
	}
	set := make(map[string]bool, len(member.Roles))
	for _, role := range member.Roles {
		set[role] = true
	}
	return set
}

// stripMentions removes the bot's own mention sigils and role mention
// sigils from text.
func (c *Connector) stripMentions(text string) string {
	c.mu.Lock()
	botID := c.botID
	c.mu.Unlock()
	if botID != "" {
		text = strings.ReplaceAll(text, fmt.Sprintf("<@%s>", botID), "")
		text = strings.ReplaceAll(text, fmt.Sprintf("<@!%s>", botID), "")
	}
	text = roleMentionPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// startTyping keeps the typing indicator alive until stop is called.
// Discord's indicator expires after roughly ten seconds, so it is refreshed
// on a ticker.
func (c *Connector) startTyping(s *discordgo.Session, channelID string) func() {
	stop := make(chan struct{})
	go func() {
		_ = s.ChannelTyping(channelID)
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = s.ChannelTyping(channelID)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func (c *Connector) fetchHistory(s *discordgo.Session, channelID, beforeID string, limit int) ([]connector.HistoryMessage, error) {
	if limit > 100 {
		limit = 100
	}
	msgs, err := s.ChannelMessages(channelID, limit, beforeID, "", "")
	if err != nil {
		return nil, err
	}
	out := make([]connector.HistoryMessage, 0, len(msgs))
	// Discord returns newest first; the pipeline re-sorts.
	for _, m := range msgs {
		out = append(out, connector.HistoryMessage{
			SenderID:  m.Author.Username,
			SenderBot: m.Author.Bot,
			Text:      m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return out, nil
}

func (c *Connector) emit(kind connector.EventKind, fields map[string]any) {
	if c.events == nil {
		return
	}
	c.events(connector.Event{Kind: kind, Platform: "discord", Time: time.Now(), Fields: fields})
}
