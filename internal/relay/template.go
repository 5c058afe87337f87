package relay

import (
	"fmt"
	"strings"
	"time"

	kit "interflow/internal/transport"
)

// DefaultFormat is installed when the operator leaves default_format empty.
const DefaultFormat = "[{platform} | {pool_name}] {sender_name}:\n{message}"

// safeFormat is the last-resort rendering used when both the pool's own
// format and the configured default fail to render.
const safeFormat = "[{pool_name}] {sender_name}: {message}"

// TemplateError reports why a format string could not be rendered.
type TemplateError struct {
	Placeholder string // offending placeholder; empty for syntax problems
	Pos         int    // byte offset into the format string
	Reason      string
}

func (e *TemplateError) Error() string {
	if e.Placeholder != "" {
		return fmt.Sprintf("template: %s %q at offset %d", e.Reason, e.Placeholder, e.Pos)
	}
	return fmt.Sprintf("template: %s at offset %d", e.Reason, e.Pos)
}

// formatValues builds the complete placeholder set for one message in one
// pool. Every supported placeholder is always present, so a render can only
// fail on syntax or on a name outside this set.
func formatValues(msg kit.Message, poolName string, at time.Time) map[string]string {
	return map[string]string{
		"sender_name": msg.SenderName,
		"sender_id":   msg.SenderID,
		"group_name":  msg.GroupName,
		"pool_name":   poolName,
		"platform":    msg.Platform,
		"message":     msg.Text,
		"time":        at.Format("15:04:05"),
		"date":        at.Format("2006-01-02"),
	}
}

// messageTime resolves the timestamp placeholders: the message's own unix
// time when the platform supplied one, otherwise now.
func messageTime(msg kit.Message, now func() time.Time) time.Time {
	if msg.Timestamp > 0 {
		return time.Unix(msg.Timestamp, 0)
	}
	return now()
}

// renderTemplate substitutes {name} placeholders from vals. Doubled braces
// escape literals: "{{" renders "{" and "}}" renders "}". Unterminated or
// stray braces and names outside vals produce a *TemplateError.
func renderTemplate(format string, vals map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(format) + 32)
	for i := 0; i < len(format); {
		switch format[i] {
		case '{':
			if i+1 < len(format) && format[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			j := strings.IndexByte(format[i+1:], '}')
			if j < 0 {
				return "", &TemplateError{Pos: i, Reason: "unterminated placeholder"}
			}
			name := format[i+1 : i+1+j]
			v, ok := vals[name]
			if !ok {
				return "", &TemplateError{Pos: i, Placeholder: name, Reason: "unknown placeholder"}
			}
			b.WriteString(v)
			i += j + 2
		case '}':
			if i+1 < len(format) && format[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", &TemplateError{Pos: i, Reason: "stray '}'"}
		default:
			b.WriteByte(format[i])
			i++
		}
	}
	return b.String(), nil
}

// renderWithFallback renders the first format that works, trying the pool's
// own format, then the configured default, then safeFormat. The returned
// error is the first render failure (nil when the preferred format worked);
// text is always usable.
func renderWithFallback(poolFormat, defaultFormat string, vals map[string]string) (string, error) {
	candidates := make([]string, 0, 3)
	if strings.TrimSpace(poolFormat) != "" {
		candidates = append(candidates, poolFormat)
	}
	if strings.TrimSpace(defaultFormat) != "" {
		candidates = append(candidates, defaultFormat)
	}
	candidates = append(candidates, safeFormat)

	var firstErr error
	for _, f := range candidates {
		out, err := renderTemplate(f, vals)
		if err == nil {
			return out, firstErr
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	// safeFormat only names known placeholders, so this is unreachable
	// unless the constant itself is edited into something invalid.
	return vals["sender_name"] + ": " + vals["message"], firstErr
}
