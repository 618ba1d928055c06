// Package whatsapp attaches agents to WhatsApp through a linked device.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/ikido/herdctl/internal/connector"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logx"
)

// whatsappMessageLimit keeps outbound chunks well under the platform cap.
const whatsappMessageLimit = 4096

// waLogger adapts the whatsmeow logger onto the daemon logger.
type waLogger struct {
	logger logx.Logger
}

func (l waLogger) Errorf(msg string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf("whatsmeow: "+msg, args...))
}
func (l waLogger) Warnf(msg string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf("whatsmeow: "+msg, args...))
}
func (l waLogger) Infof(msg string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf("whatsmeow: "+msg, args...))
}
func (l waLogger) Debugf(msg string, args ...interface{}) {}
func (l waLogger) Sub(module string) waLog.Logger         { return l }

// Options configures the WhatsApp connector.
type Options struct {
	DBPath  string
	Router  *connector.Router
	Trigger connector.Triggerer
	Logger  logx.Logger
	Events  connector.EventSink
}

// Connector is one linked WhatsApp device routing conversations to agents.
type Connector struct {
	router  *connector.Router
	inbound *connector.Inbound
	logger  logx.Logger
	events  connector.EventSink
	dbPath  string

	mu        sync.Mutex
	client    *whatsmeow.Client
	connected bool
	identity  string
	ctx       context.Context

	typingMu   sync.Mutex
	typingStop map[string]chan struct{}
}

// New creates the connector.
func New(opts Options) (*Connector, error) {
	if strings.TrimSpace(opts.DBPath) == "" {
		return nil, errs.New(errs.CodeChatConnectionFailed, "whatsapp database path not provided")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.Nop()
	}
	c := &Connector{
		router:     opts.Router,
		logger:     logger,
		events:     opts.Events,
		dbPath:     opts.DBPath,
		typingStop: make(map[string]chan struct{}),
	}
	c.inbound = connector.NewInbound("whatsapp", opts.Router, opts.Trigger, logger, opts.Events)
	c.inbound.Status = c.connStatus
	return c, nil
}

func (c *Connector) Platform() string { return "whatsapp" }

// Start connects the linked device. The device must already be paired (see
// Pair).
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errs.New(errs.CodeChatAlreadyConnected, "whatsapp connector already started")
	}
	c.mu.Unlock()

	client, err := c.openClient(ctx, waLogger{logger: c.logger})
	if err != nil {
		return err
	}
	if client.Store.ID == nil {
		return errs.New(errs.CodeChatInvalidToken, "whatsapp not paired - run 'herdctl whatsapp pair' first")
	}

	client.AddEventHandler(c.handleEvent)
	if err := client.Connect(); err != nil {
		return errs.Wrap(errs.CodeChatConnectionFailed, err, "whatsapp connect")
	}

	c.mu.Lock()
	c.client = client
	c.connected = true
	c.identity = client.Store.ID.User
	c.ctx = ctx
	c.mu.Unlock()

	for _, store := range c.router.Stores() {
		if n, err := store.CleanupExpired(); err == nil && n > 0 {
			c.logger.Info("expired sessions reaped", "count", n)
		}
	}

	c.logger.Info("whatsapp connected", "identity", client.Store.ID.User)
	c.emit(connector.EventReady, map[string]any{"identity": client.Store.ID.User})
	return nil
}

// Stop disconnects. Idempotent.
func (c *Connector) Stop() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	c.stopAllTyping()
	client.Disconnect()
	return nil
}

func (c *Connector) openClient(ctx context.Context, logger waLog.Logger) (*whatsmeow.Client, error) {
	if err := os.MkdirAll(filepath.Dir(c.dbPath), 0o700); err != nil {
		return nil, errs.Wrap(errs.CodeChatConnectionFailed, err, "create whatsapp db directory")
	}
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+c.dbPath+"?_foreign_keys=on", logger)
	if err != nil {
		return nil, errs.Wrap(errs.CodeChatConnectionFailed, err, "open whatsapp store")
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeChatConnectionFailed, err, "get whatsapp device")
	}
	return whatsmeow.NewClient(device, logger), nil
}

func (c *Connector) connStatus() connector.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connector.ConnStatus{Connected: c.connected, BotIdentity: c.identity}
}

func (c *Connector) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.mu.Lock()
		client := c.client
		ctx := c.ctx
		c.mu.Unlock()
		if client != nil {
			// Required for the composing indicator to be visible.
			_ = client.SendPresence(ctx, types.PresenceAvailable)
		}
	case *events.Disconnected:
		c.emit(connector.EventDisconnect, map[string]any{"reason": "stream closed"})
	case *events.Message:
		c.handleMessage(v)
	}
}

func (c *Connector) handleMessage(msg *events.Message) {
	c.mu.Lock()
	client := c.client
	ctx := c.ctx
	c.mu.Unlock()
	if client == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	content := extractText(msg)
	if content == "" {
		return
	}

	chat := msg.Info.Chat
	if !msg.Info.IsFromMe && !msg.Info.IsGroup {
		// Read receipt so the sender's phone shows delivery.
		_ = client.MarkRead(ctx, []types.MessageID{msg.Info.ID}, msg.Info.Timestamp, chat, msg.Info.Sender)
	}

	m := connector.Message{
		Platform:        "whatsapp",
		ConversationKey: chat.String(),
		SenderID:        msg.Info.Sender.User,
		SenderIsBot:     false,
		IsSelf:          msg.Info.IsFromMe,
		IsDM:            !msg.Info.IsGroup,
		Mentioned:       false,
		Text:            strings.TrimSpace(content),
		Timestamp:       msg.Info.Timestamp,
		Reply: func(text string) error {
			c.stopTyping(chat.String())
			for _, chunk := range connector.SplitMessage(text, whatsappMessageLimit) {
				body := chunk
				if _, err := client.SendMessage(ctx, chat, &waProto.Message{Conversation: &body}); err != nil {
					return err
				}
			}
			return nil
		},
		StartIndicator: func() func() {
			c.startTyping(ctx, client, chat)
			return func() { c.stopTyping(chat.String()) }
		},
		// WhatsApp exposes no history fetch; context building is skipped.
		History: nil,
	}
	c.inbound.Handle(ctx, m)
}

func extractText(msg *events.Message) string {
	if msg.Message == nil {
		return ""
	}
	if msg.Message.Conversation != nil {
		return *msg.Message.Conversation
	}
	if msg.Message.ExtendedTextMessage != nil && msg.Message.ExtendedTextMessage.Text != nil {
		return *msg.Message.ExtendedTextMessage.Text
	}
	return ""
}

// startTyping begins (or resets) a continuous composing presence for a chat.
func (c *Connector) startTyping(ctx context.Context, client *whatsmeow.Client, jid types.JID) {
	key := jid.String()
	c.typingMu.Lock()
	if stop, ok := c.typingStop[key]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	c.typingStop[key] = stop
	c.typingMu.Unlock()

	go func() {
		_ = client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		timeout := time.NewTimer(5 * time.Minute)
		defer timeout.Stop()

		for {
			select {
			case <-stop:
				_ = client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
				return
			case <-timeout.C:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
			}
		}
	}()
}

func (c *Connector) stopTyping(key string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if stop, ok := c.typingStop[key]; ok {
		close(stop)
		delete(c.typingStop, key)
	}
}

func (c *Connector) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	for _, stop := range c.typingStop {
		close(stop)
	}
	c.typingStop = make(map[string]chan struct{})
}

func (c *Connector) emit(kind connector.EventKind, fields map[string]any) {
	if c.events == nil {
		return
	}
	c.events(connector.Event{Kind: kind, Platform: "whatsapp", Time: time.Now(), Fields: fields})
}

// Pair displays a terminal QR code to link this daemon as a WhatsApp device.
// Run once before starting the connector.
func Pair(ctx context.Context, dbPath string, logger logx.Logger) error {
	c, err := New(Options{DBPath: dbPath, Router: connector.NewRouter(nil), Logger: logger})
	if err != nil {
		return err
	}

	client, err := c.openClient(ctx, waLogger{logger: c.logger})
	if err != nil {
		return err
	}
	if client.Store.ID != nil {
		fmt.Printf("Already paired as %s\n", client.Store.ID.User)
		return nil
	}

	connected := make(chan struct{}, 1)
	client.AddEventHandler(func(evt interface{}) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	qrChan, _ := client.GetQRChannel(ctx)
	if err := client.Connect(); err != nil {
		return errs.Wrap(errs.CodeChatConnectionFailed, err, "whatsapp connect")
	}
	defer client.Disconnect()

	fmt.Println("Scan the QR code with WhatsApp on your phone:")
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			fmt.Println()
		case "success":
			fmt.Println("Pairing successful, finishing setup...")
		case "timeout":
			return errs.New(errs.CodeChatConnectionFailed, "QR code timed out")
		}
	}

	select {
	case <-connected:
	case <-time.After(30 * time.Second):
		return errs.New(errs.CodeChatConnectionFailed, "timed out waiting for connection after pairing")
	}

	if client.Store.ID != nil {
		fmt.Printf("Paired as %s\n", client.Store.ID.User)
	}
	return nil
}
