package router

import (
	"cmp"
	"html"
	"slices"
	"strings"
)

// helpText renders the /help reply in Telegram HTML parse mode. With no
// argument it lists every registered command; with one it shows that
// command's detail page. Aliases resolve to the same page.
func (m *CommandManager) helpText(args []string) string {
	if len(args) == 0 {
		return m.renderHelpIndex()
	}

	word := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(args[0], "/")))
	m.mu.RLock()
	c := m.cmds[word]
	if c == nil {
		c = m.alias[word]
	}
	m.mu.RUnlock()

	if c == nil {
		return "❓ <b>Unknown command</b>\nType <code>/help</code> for the command list."
	}
	return renderHelpDetail(*c)
}

// renderHelpIndex lists public commands first and owner-only ones below,
// alphabetical within each group.
func (m *CommandManager) renderHelpIndex() string {
	cmds := m.commandsSnapshot()
	slices.SortStableFunc(cmds, func(a, b Command) int {
		if a.Access != b.Access {
			return cmp.Compare(a.Access, b.Access)
		}
		return cmp.Compare(a.Name, b.Name)
	})

	var b strings.Builder
	b.WriteString("📚 <b>Commands</b>\n")
	b.WriteString("Type <code>/help &lt;cmd&gt;</code> for details.\n")
	for _, c := range cmds {
		b.WriteString("• ")
		if c.Access == AccessOwnerOnly {
			b.WriteString("🔒 ")
		}
		b.WriteString("<code>/")
		b.WriteString(html.EscapeString(c.Name))
		b.WriteString("</code>")
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(" — ")
			b.WriteString(html.EscapeString(d))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderHelpDetail(c Command) string {
	var b strings.Builder
	b.WriteString("📚 <b>Help</b> <code>/")
	b.WriteString(html.EscapeString(c.Name))
	b.WriteString("</code>\n")

	if d := strings.TrimSpace(c.Description); d != "" {
		b.WriteString(html.EscapeString(d))
		b.WriteByte('\n')
	}
	if c.Access == AccessOwnerOnly {
		b.WriteString("🔒 <i>Owner only</i>\n")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		b.WriteString("<b>Usage</b>\n<code>")
		b.WriteString(html.EscapeString(u))
		b.WriteString("</code>\n")
	}
	if short := aliasShortcuts(c); len(short) > 0 {
		b.WriteString("<b>Shortcut</b>\n")
		for _, s := range short {
			b.WriteString("• <code>/")
			b.WriteString(html.EscapeString(s))
			b.WriteString("</code>\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// aliasShortcuts returns the command's advertised aliases, sanitized the
// same way registration sanitizes them, deduplicated and sorted.
func aliasShortcuts(c Command) []string {
	out := make([]string, 0, len(c.Aliases))
	for _, a := range c.Aliases {
		a = sanitizeTelegramCommand(a)
		if a != "" && a != c.Name && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return out
}
