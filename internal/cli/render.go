package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"convsync/internal/chat"
)

// formatMessage renders one cache entry as a single terminal line.
func formatMessage(m chat.Message, viewer int64) string {
	who := fmt.Sprintf("user-%d", m.SenderID)
	if m.SenderID == viewer {
		who = "me"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.TimeOnly), who, m.Content)
	if m.Type != "" && m.Type != chat.ContentText {
		line += fmt.Sprintf(" <%s>", strings.ToLower(string(m.Type)))
	}
	switch {
	case m.Pending():
		line += " (sending)"
	case m.Failed():
		line += fmt.Sprintf(" (failed, /retry %s)", m.ClientID)
	}
	return line
}

func formatSummary(s chat.Summary, viewer int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d", s.ConversationID)
	if s.Unread > 0 {
		fmt.Fprintf(&b, " [%d unread]", s.Unread)
	}
	if s.LastMessage != nil {
		b.WriteString("  ")
		b.WriteString(formatMessage(*s.LastMessage, viewer))
	}
	return b.String()
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdRetry
	cmdRead
	cmdHistory
	cmdQuit
	cmdHelp
)

type command struct {
	kind     commandKind
	text     string
	typ      chat.ContentType
	clientID string
}

const chatHelp = `/retry <id>   resend a failed message
/read         mark the conversation read
/history      print the cached conversation
/image <url>  send an image
/file <url>   send a file
/quit         leave`

// parseCommand turns one input line into a chat command. Plain text is a
// send; a leading slash introduces a command.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSend, text: line, typ: chat.ContentText}, nil
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "retry":
		if arg == "" {
			return command{}, fmt.Errorf("usage: /retry <id>")
		}
		return command{kind: cmdRetry, clientID: arg}, nil
	case "read":
		return command{kind: cmdRead}, nil
	case "history":
		return command{kind: cmdHistory}, nil
	case "image", "file":
		if arg == "" {
			return command{}, fmt.Errorf("usage: /%s <url>", name)
		}
		return command{kind: cmdSend, text: arg, typ: chat.ContentType(strings.ToUpper(name))}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	}
	return command{}, fmt.Errorf("unknown command /%s, try /help", name)
}

func parseConversationID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", arg)
	}
	return id, nil
}
