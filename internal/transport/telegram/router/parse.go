package router

import (
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

var reqSeq atomic.Uint64

// newReqID returns a short token for correlating the log lines of one
// command: base36 timestamp, process-local sequence, two random chars.
func newReqID() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(time.Now().UnixNano(), 36))
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatUint(reqSeq.Add(1), 36))
	sb.WriteString(randSuffix(2))
	return sb.String()
}

func randSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// tokenizeCommandLine splits command text into shell-style tokens: quotes
// group words, backslash escapes the next rune, unquoted whitespace
// separates. A blank line yields nil.
func tokenizeCommandLine(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		quote  rune // active quote rune, 0 outside quotes
		escape bool
	)
	emit := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.TrimSpace(s) {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case r == '\\':
			escape = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
		case unicode.IsSpace(r):
			emit()
		default:
			cur.WriteRune(r)
		}
	}
	emit()
	return out
}

// parseFlags separates positional args from flags.
//
// Long flags take --k=v, --k v, or stand alone as booleans. Short flags
// take -k=v and -k v; a run like -abc sets the booleans a, b and c.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}

	// valueAt reports whether args[i+1] exists and is not itself a flag.
	valueAt := func(i int) (string, bool) {
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			return args[i+1], true
		}
		return "", false
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--") && len(arg) > 2:
			name := arg[2:]
			if k, v, ok := strings.Cut(name, "="); ok {
				flags[k] = v
				continue
			}
			if v, ok := valueAt(i); ok {
				flags[name] = v
				i++
				continue
			}
			bools[name] = true
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			name := arg[1:]
			if k, v, ok := strings.Cut(name, "="); ok {
				flags[k] = v
				continue
			}
			if len(name) > 1 {
				// a run of short booleans
				for _, r := range name {
					bools[string(r)] = true
				}
				continue
			}
			if v, ok := valueAt(i); ok {
				flags[name] = v
				i++
				continue
			}
			bools[name] = true
		default:
			pos = append(pos, arg)
		}
	}
	return pos, flags, bools
}
