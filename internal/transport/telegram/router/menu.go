package router

import (
	"strings"

	kit "timerbot/internal/transport"
)

// Telegram accepts at most 100 menu entries named [a-z0-9_]{1,32}.
const (
	maxMenuEntries  = 100
	maxCommandBytes = 32
)

// commandName folds s into a Telegram command name: lower case, runs of
// other characters become one underscore.
func commandName(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	name := strings.Join(words, "_")
	if len(name) > maxCommandBytes {
		name = strings.TrimRight(name[:maxCommandBytes], "_")
	}
	return name
}

func buildMenuCommands(cmds []Command) []kit.BotCommand {
	var out []kit.BotCommand
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly {
			continue
		}
		if len(out) == maxMenuEntries {
			break
		}
		desc := strings.Join(strings.Fields(c.Description), " ")
		if desc == "" {
			desc = c.Name
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}
