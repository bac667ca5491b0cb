package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/astarte-agent/internal/metrics"
)

// command returns "start", "help" or "reset" when body is one of the
// bot commands, optionally addressed as "/cmd@botname".
func (e *Engine) command(body string) string {
	text := strings.TrimSpace(body)
	if !strings.HasPrefix(text, "/") || strings.ContainsAny(text, " \n\t") {
		return ""
	}
	name, target, addressed := strings.Cut(text[1:], "@")
	if addressed && !strings.EqualFold(target, e.botUsername) {
		return ""
	}
	switch name = strings.ToLower(name); name {
	case "start", "help", "reset":
		return name
	}
	return ""
}

func (e *Engine) runCommand(ctx context.Context, in Inbound, cmd string) (*Reply, error) {
	persona, _ := e.settings(ctx)
	reply := &Reply{Outcome: OutcomeCommand, Responded: true}

	switch cmd {
	case "start":
		reply.Text = fmt.Sprintf("Hello! I'm %s. Send me a message and I'll do my best to help!", persona.BotName)
	case "help":
		reply.Text = fmt.Sprintf("I'm %s, your AI assistant.\n\n"+
			"Commands:\n"+
			"/start - Start the bot\n"+
			"/help - Show this help\n"+
			"/reset - Clear conversation history\n\n"+
			"I can remember things using notes and memory. Just ask!\n"+
			"In groups, mention me or reply to my messages.", persona.BotName)
	case "reset":
		res, err := e.Reset(ctx, in.Chat)
		if err != nil {
			return nil, err
		}
		reply.Text = fmt.Sprintf("Conversation history cleared (%d messages removed).", res.Turns)
	}
	metrics.TurnsTotal.WithLabelValues(OutcomeCommand).Inc()
	e.logger.Info("command handled", "chat", in.Chat, "command", cmd)
	return reply, nil
}
