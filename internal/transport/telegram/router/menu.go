package router

import (
	"strings"
	"unicode"

	kit "interflow/internal/transport"
)

// sanitizeTelegramCommand maps an arbitrary command name or alias onto
// Telegram's allowed command alphabet, [a-z0-9_]{1,32}. Separator runs
// collapse to one underscore and everything else is dropped.
func sanitizeTelegramCommand(s string) string {
	const maxLen = 32

	var b strings.Builder
	b.Grow(len(s))
	sep := false // a separator is pending and will be written before the next kept rune
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', unicode.IsSpace(r):
			sep = true
		}
		// Anything else vanishes without leaving an underscore behind,
		// so "héllo" stays one word.
	}

	out := b.String()
	if out == "" {
		return ""
	}
	// A leading digit is not a valid command start, so give it a prefix.
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxLen {
		out = strings.TrimRight(out[:maxLen], "_")
	}
	return out
}

// buildTelegramMenuCommands turns the registry into the /menu autocomplete
// list. Aliases are left out (they stay reachable, just not advertised) and
// Telegram's 100-command / 256-char-description caps are honored.
func buildTelegramMenuCommands(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	seen := map[string]bool{}
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		desc := strings.TrimSpace(c.Description)
		desc = strings.ReplaceAll(desc, "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}

		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
