package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "interflow/internal/transport"
)

const (
	notifyQueueLen = 256

	// Chat platforms cap message length; clip before the transport does.
	maxNotifyLen = 3500
	maxStackLen  = 900
	maxFieldLen  = 600
)

// notifySink mirrors qualifying log lines into a chat channel through a
// kit.Sender. Delivery runs on its own worker so a slow or broken chat
// connection can never stall the log path.
type notifySink struct {
	sender kit.Sender
	queue  chan notifyLine
	once   sync.Once
	wg     sync.WaitGroup

	mu        sync.Mutex
	channelID string
	limiter   *rate.Limiter
	minLevel  zerolog.Level
	cancel    context.CancelFunc
}

type notifyLine struct {
	channelID string
	text      string
}

func (n *notifySink) configure(cfg NotifyConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	n.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if c := strings.TrimSpace(cfg.ChannelID); c != "" {
		n.channelID = c
	}
}

func (n *notifySink) setTarget(channelID string) {
	n.mu.Lock()
	n.channelID = strings.TrimSpace(channelID)
	n.mu.Unlock()
}

func (n *notifySink) target() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channelID
}

// start launches the delivery worker on first use. Later calls are no-ops.
func (n *notifySink) start() {
	n.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		n.mu.Lock()
		n.cancel = cancel
		n.mu.Unlock()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.run(ctx)
		}()
	})
}

func (n *notifySink) stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.wg.Wait()
	}
}

func (n *notifySink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-n.queue:
			if n.sender == nil {
				continue
			}
			_ = n.sender.Send(ctx, line.channelID, kit.Outgoing{Text: line.text, DisablePreview: true})
		}
	}
}

// notifyWriter adapts the sink to zerolog's leveled writer interface.
type notifyWriter struct{ sink *notifySink }

func (w *notifyWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel always reports success: a dropped chat mirror must not bubble
// an error into the other log sinks.
func (w *notifyWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	n := w.sink
	if n == nil {
		return len(p), nil
	}
	n.mu.Lock()
	channelID := n.channelID
	lim := n.limiter
	floor := n.minLevel
	n.mu.Unlock()

	if channelID == "" || n.sender == nil || lim == nil {
		return len(p), nil
	}
	if level < floor || !lim.Allow() {
		return len(p), nil
	}

	text := renderNotifyLine(p)
	if text == "" {
		return len(p), nil
	}
	// Never block the log path on chat delivery.
	select {
	case n.queue <- notifyLine{channelID: channelID, text: text}:
	default:
	}
	return len(p), nil
}

// renderNotifyLine turns one zerolog JSON line into a compact chat
// message: "[LEVEL] message" with a "- key=value" line per field.
func renderNotifyLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		// not JSON, forward the raw line
		return clip(strings.TrimSpace(string(p)), maxNotifyLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		switch k {
		case "time", "level", "message", "msg":
		case "stack":
			b.WriteString("\n- stack=\n")
			b.WriteString(clip(fmt.Sprint(v), maxStackLen))
		default:
			b.WriteString("\n- " + k + "=" + clip(fmt.Sprint(v), maxFieldLen))
		}
	}
	return clip(b.String(), maxNotifyLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
