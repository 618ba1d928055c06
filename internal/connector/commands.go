package connector

import (
	"fmt"
	"strings"
	"time"
)

// parseCommand recognizes "!cmd" and "/cmd" maintenance commands.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, commandPrefix) && !strings.HasPrefix(text, "/") {
		return "", false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", false
	}
	cmd := strings.ToLower(fields[0])
	switch cmd {
	case "help", "reset", "status":
		return cmd, true
	}
	return "", false
}

const helpText = "Commands:\n" +
	"  !help   - show this message\n" +
	"  !reset  - clear this conversation's session\n" +
	"  !status - show connection and session status"

// runCommand dispatches a maintenance command and replies in-channel.
func (in *Inbound) runCommand(cmd string, msg Message, route Route) {
	var reply string

	switch cmd {
	case "help":
		reply = helpText

	case "reset":
		was, err := route.Sessions.Clear(msg.ConversationKey)
		switch {
		case err != nil:
			in.logger.Error("session reset failed", "conversation", msg.ConversationKey, "error", err)
			reply = "Could not reset the session. Please try again."
		case was:
			in.emit(EventSessionLifecycle, map[string]any{
				"event":        SessionCleared,
				"conversation": msg.ConversationKey,
			})
			reply = "Session cleared. The next message starts fresh."
		default:
			reply = "No active session to clear."
		}

	case "status":
		status := in.Status()
		active := 0
		for _, store := range in.router.Stores() {
			if n, err := store.ActiveCount(); err == nil {
				active += n
			}
		}
		in.mu.Lock()
		count := in.messageCount
		uptime := time.Since(in.startedAt).Round(time.Second)
		in.mu.Unlock()

		conn := "disconnected"
		if status.Connected {
			conn = "connected"
		}
		reply = fmt.Sprintf("Status: %s\nBot: %s\nActive sessions: %d\nMessages handled: %d\nUptime: %s",
			conn, status.BotIdentity, active, count, uptime)
	}

	in.emit(EventCommandExecuted, map[string]any{
		"command":      cmd,
		"user":         msg.SenderID,
		"conversation": msg.ConversationKey,
	})
	if msg.Reply != nil {
		_ = msg.Reply(reply)
	}
}
