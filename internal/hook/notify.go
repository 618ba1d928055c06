package hook

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logx"
)

// Embed colors per terminal event.
const (
	colorCompleted = 0x2ECC71 // green
	colorFailed    = 0xE74C3C // red
	colorTimeout   = 0xF39C12 // amber
	colorCancelled = 0x95A5A6 // gray
)

// notifyOutputLimit bounds the output field in notification payloads.
const notifyOutputLimit = 1000

// footerTag is the fixed product tag on every notification.
const footerTag = "herdctl"

// embedSender is the slice of the Discord client the runner needs.
// *discordgo.Session satisfies it.
type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// NotifyRunner posts a job-event embed to a chat channel. The bot token is
// resolved from the env var named in the hook config.
type NotifyRunner struct {
	logger logx.Logger
	getenv func(string) string
	dial   func(token string) (embedSender, error)
}

// NewNotifyRunner creates a chat-notification runner.
func NewNotifyRunner(logger logx.Logger) *NotifyRunner {
	if logger == nil {
		logger = logx.Nop()
	}
	return &NotifyRunner{
		logger: logger,
		getenv: os.Getenv,
		dial: func(token string) (embedSender, error) {
			return discordgo.New("Bot " + token)
		},
	}
}

// Run posts the embed. Token resolution failure is HOOK_TOKEN_MISSING.
func (r *NotifyRunner) Run(ctx context.Context, cfg config.HookConfig, hc *Context) Result {
	res := Result{Name: hookLabel(cfg), Type: cfg.Type}
	start := time.Now()

	envName := cfg.BotTokenEnv
	if envName == "" {
		envName = "DISCORD_BOT_TOKEN"
	}
	token := r.getenv(envName)
	if token == "" {
		res.Code = errs.CodeHookTokenMissing
		res.Error = fmt.Sprintf("bot token env %s is not set", envName)
		res.Duration = time.Since(start)
		return res
	}

	sender, err := r.dial(token)
	if err != nil {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	timeout := hookTimeout(cfg)
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err = sender.ChannelMessageSendEmbed(cfg.Channel, BuildEmbed(hc), discordgo.WithContext(sendCtx))
	res.Duration = time.Since(start)
	if err != nil {
		if sendCtx.Err() == context.DeadlineExceeded {
			res.Code = errs.CodeHookTimeout
			res.Error = fmt.Sprintf("hook timed out after %s", timeout)
			return res
		}
		res.Error = err.Error()
		return res
	}

	res.Success = true
	return res
}

// BuildEmbed renders the notification embed for a terminal job event.
func BuildEmbed(hc *Context) *discordgo.MessageEmbed {
	var title string
	var color int
	switch hc.Event {
	case EventCompleted:
		title, color = "Job Completed", colorCompleted
	case EventFailed:
		title, color = "Job Failed", colorFailed
	case EventTimeout:
		title, color = "Job Timed Out", colorTimeout
	case EventCancelled:
		title, color = "Job Cancelled", colorCancelled
	default:
		title, color = "Job Finished", colorCancelled
	}

	agent := hc.Agent.Name
	if agent == "" {
		agent = hc.Agent.ID
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Agent", Value: agent, Inline: true},
		{Name: "Job", Value: hc.Job.ID, Inline: true},
		{Name: "Duration", Value: (time.Duration(hc.Job.DurationMs) * time.Millisecond).String(), Inline: true},
	}
	if out := hc.Result.Output; out != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Output",
			Value: TruncateOutput(out, notifyOutputLimit),
		})
	}
	if hc.Event != EventCompleted && hc.Result.Error != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Error",
			Value: TruncateOutput(hc.Result.Error, notifyOutputLimit),
		})
	}

	return &discordgo.MessageEmbed{
		Title:     title,
		Color:     color,
		Fields:    fields,
		Timestamp: hc.Job.CompletedAt.Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: footerTag},
	}
}

// TruncateOutput caps s at limit runes, appending an ellipsis when cut.
func TruncateOutput(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
