package telegram

import (
	"strings"
	"unicode"
)

// CommandType names one slash command understood by the adapter.
type CommandType string

const (
	CommandStop       CommandType = "stop"
	CommandStatus     CommandType = "status"
	CommandRetry      CommandType = "retry"
	CommandNew        CommandType = "new"
	CommandHelp       CommandType = "help"
	CommandSession    CommandType = "session"
	CommandLastResult CommandType = "lastresult"
	CommandWhoami     CommandType = "whoami"
)

// ParsedCommand is a recognized slash command with its optional payload.
// Only /new and /session carry a payload; the rest ignore trailing text.
type ParsedCommand struct {
	Type    CommandType
	Payload string
}

// ParseCommand interprets text as a slash command. Bare text and commands
// the bot does not know return ok=false; such updates fall through to the
// plain-text path or are dropped. A "@botname" suffix on the command part
// is stripped, matching how Telegram addresses bots in group chats.
// ParseCommand 解析斜杠命令；普通文本与未知命令返回 ok=false。
func ParseCommand(text string) (ParsedCommand, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ParsedCommand{}, false
	}

	name, payload := text, ""
	if idx := strings.IndexFunc(text, unicode.IsSpace); idx >= 0 {
		name, payload = text[:idx], strings.TrimSpace(text[idx:])
	}
	name = strings.ToLower(name[1:])
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}

	switch name {
	case "stop":
		return ParsedCommand{Type: CommandStop}, true
	case "status":
		return ParsedCommand{Type: CommandStatus}, true
	case "retry":
		return ParsedCommand{Type: CommandRetry}, true
	case "new":
		return ParsedCommand{Type: CommandNew, Payload: payload}, true
	case "session":
		return ParsedCommand{Type: CommandSession, Payload: payload}, true
	case "help":
		return ParsedCommand{Type: CommandHelp}, true
	case "lastresult":
		return ParsedCommand{Type: CommandLastResult}, true
	case "whoami":
		return ParsedCommand{Type: CommandWhoami}, true
	}
	return ParsedCommand{}, false
}
