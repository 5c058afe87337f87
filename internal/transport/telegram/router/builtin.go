package router

import (
	"context"
	"fmt"
	"html"
	"runtime"
	"strings"
	"time"
)

// BuiltinCommands returns the operator command set. Handlers pull everything
// they need from the request, so the registry itself is stateless.
func BuiltinCommands() []Command {
	return []Command{
		{
			Name:        "reload",
			Description: "reload config and rebuild the pool index",
			Usage:       "/reload",
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      cmdReload,
		},
		{
			Name:        "pools",
			Aliases:     []string{"list"},
			Description: "list configured pools",
			Usage:       "/pools",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      cmdPools,
		},
		{
			Name:        "chatid",
			Aliases:     []string{"id"},
			Description: "show this chat's channel id",
			Usage:       "/chatid",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      cmdChatID,
		},
		{
			Name:        "stats",
			Description: "forwarding and ledger counters",
			Usage:       "/stats [sup]",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      cmdStats,
		},
	}
}

func cmdReload(ctx context.Context, req *Request) error {
	ps := req.Services
	if ps == nil || ps.Relay == nil {
		return req.Reply(ctx, "relay service is unavailable")
	}

	if ps.ReloadConfig != nil {
		if err := ps.ReloadConfig(ctx); err != nil {
			return req.ReplyHTML(ctx, "⚠️ reload failed:\n<code>"+html.EscapeString(err.Error())+"</code>")
		}
	} else {
		// No config plumbing (tests, partial wiring): re-derive the index
		// from the pools the engine already holds.
		ps.Relay.Rebuild()
	}

	pools, channels := ps.Relay.IndexSize()
	return req.Reply(ctx, fmt.Sprintf("✅ config reloaded: %d active pools, %d channels indexed", pools, channels))
}

func cmdPools(ctx context.Context, req *Request) error {
	ps := req.Services
	if ps == nil || ps.Relay == nil {
		return req.Reply(ctx, "relay service is unavailable")
	}

	pools := ps.Relay.Pools()
	if len(pools) == 0 {
		return req.Reply(ctx, "no pools configured. Add a pools entry to the config file to start forwarding.")
	}

	var b strings.Builder
	b.WriteString("📦 <b>Pools</b>\n")
	for i, p := range pools {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = "(unnamed)"
		}
		status := "enabled"
		if !p.Enabled {
			status = "disabled"
		}
		format := strings.TrimSpace(p.Format)
		if format == "" {
			format = "(default)"
		}
		fmt.Fprintf(&b, "\n%d. <b>%s</b> [%s]\n", i+1, html.EscapeString(name), status)
		fmt.Fprintf(&b, "   channels: %d\n", len(p.Channels))
		fmt.Fprintf(&b, "   format: %s\n", html.EscapeString(format))
		for _, ch := range p.Channels {
			fmt.Fprintf(&b, "   • <code>%s</code>\n", html.EscapeString(ch))
		}
	}
	return req.ReplyHTML(ctx, strings.TrimRight(b.String(), "\n"))
}

func cmdChatID(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("🆔 this chat's channel id:\n")
	b.WriteString("<code>" + html.EscapeString(req.ChannelID) + "</code>\n\n")
	b.WriteString("Add it to a pool's <code>channels</code> list to forward this chat.")
	return req.ReplyHTML(ctx, b.String())
}

func cmdStats(ctx context.Context, req *Request) error {
	ps := req.Services
	if ps == nil || ps.Relay == nil {
		return req.Reply(ctx, "relay service is unavailable")
	}

	supDetail := false
	for _, a := range req.Args {
		if strings.EqualFold(a, "sup") || strings.EqualFold(a, "supervisor") || strings.EqualFold(a, "detail") {
			supDetail = true
		}
	}
	if req.BoolFlags != nil && (req.BoolFlags["sup"] || req.BoolFlags["detail"]) {
		supDetail = true
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	// Plain text (no parse mode) so odd error strings can't break rendering.
	var b strings.Builder
	b.Grow(2048)
	b.WriteString("📊 stats\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	if !ps.StartedAt.IsZero() {
		fmt.Fprintf(&b, "uptime: %s\n", durRel(time.Since(ps.StartedAt)))
	}
	fmt.Fprintf(&b, "goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "mem: alloc=%s sys=%s gc=%d\n", fmtBytes(m.Alloc), fmtBytes(m.Sys), m.NumGC)
	b.WriteString("\n")

	rs := ps.Relay.Stats()
	pools, channels := ps.Relay.IndexSize()
	b.WriteString("🔁 relay\n")
	fmt.Fprintf(&b, "  index:      %d pools / %d channels\n", pools, channels)
	fmt.Fprintf(&b, "  accepted:   %d\n", rs.Accepted)
	fmt.Fprintf(&b, "  forwarded:  %d\n", rs.Forwarded)
	fmt.Fprintf(&b, "  failed:     %d\n", rs.Failed)
	fmt.Fprintf(&b, "  exhausted:  %d\n", rs.Exhausted)
	if rs.LoopDrops > 0 {
		fmt.Fprintf(&b, "  loop_drops: %d\n", rs.LoopDrops)
	}
	if rs.QueueDrops > 0 {
		fmt.Fprintf(&b, "  queue_drops: %d\n", rs.QueueDrops)
	}
	fmt.Fprintf(&b, "  unrouted:   %d\n", rs.Unrouted)
	b.WriteString("\n")

	writeLedgerStats(ctx, &b, ps.Ledger)

	b.WriteString("🧵 supervisor\n")
	if ps.AppSupervisor != nil {
		c := ps.AppSupervisor.Counters()
		fmt.Fprintf(&b, "  app: active=%d started=%d\n", c.Active, c.Started)
	} else {
		b.WriteString("  app: n/a\n")
	}
	extra := ps.RuntimeSupervisors.Snapshot()
	for _, name := range ps.RuntimeSupervisors.Names() {
		sup := extra[name]
		if sup == nil {
			continue
		}
		c := sup.Counters()
		fmt.Fprintf(&b, "  %s: active=%d started=%d\n", name, c.Active, c.Started)
	}

	if supDetail {
		b.WriteString("\n🧵 supervisor detail\n")
		if ps.AppSupervisor != nil {
			b.WriteString("\n  app tasks\n")
			writeSupDetails(&b, ps.AppSupervisor.Snapshot(), 12)
		}
		for _, name := range ps.RuntimeSupervisors.Names() {
			sup := extra[name]
			if sup == nil {
				continue
			}
			b.WriteString("\n  " + name + " tasks\n")
			writeSupDetails(&b, sup.Snapshot(), 12)
		}
	}

	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func writeLedgerStats(ctx context.Context, b *strings.Builder, lp LedgerPort) {
	if lp == nil || !lp.Enabled() {
		b.WriteString("🗃 ledger: disabled\n\n")
		return
	}

	st, err := lp.Stats(ctx)
	if err != nil {
		fmt.Fprintf(b, "🗃 ledger: error: %s\n\n", shorten(err.Error(), 96))
		return
	}

	b.WriteString("🗃 ledger\n")
	fmt.Fprintf(b, "  total:     %d\n", st.Total)
	fmt.Fprintf(b, "  forwarded: %d\n", st.ByStatus[StatusForwarded])
	fmt.Fprintf(b, "  failed:    %d\n", st.ByStatus[StatusFailed])
	fmt.Fprintf(b, "  exhausted: %d\n", st.ByStatus[StatusExhausted])
	if n := st.ByStatus[StatusSkipped]; n > 0 {
		fmt.Fprintf(b, "  skipped:   %d\n", n)
	}

	recent, err := lp.Recent(ctx, 32)
	if err == nil {
		shown := 0
		for _, rec := range recent {
			if rec.Status != StatusFailed && rec.Status != StatusExhausted {
				continue
			}
			if shown == 0 {
				b.WriteString("  recent failures:\n")
			}
			line := fmt.Sprintf("  - %s ago pool=%s target=%s attempts=%d", durRel(time.Since(rec.At)), rec.Pool, rec.Target, rec.Attempts)
			if rec.Error != "" {
				line += ": " + shorten(rec.Error, 96)
			}
			b.WriteString(line + "\n")
			shown++
			if shown >= 5 {
				break
			}
		}
	}
	b.WriteString("\n")
}

func writeSupDetails(b *strings.Builder, snap SupervisorSnapshot, limit int) {
	if limit <= 0 {
		limit = 10
	}
	n := 0
	for _, g := range snap.Tasks {
		// Hide the host tasks GoRestart runs its loops under.
		if strings.HasSuffix(g.Name, ".restart") {
			continue
		}
		if g.Active == 0 && g.Started == 0 {
			continue
		}
		line := fmt.Sprintf("    - %s active=%d started=%d restarts=%d panics=%d", g.Name, g.Active, g.Started, g.Restarts, g.Panics)
		if g.LastErr != "" {
			when := ""
			if !g.LastErrAt.IsZero() {
				when = fmt.Sprintf(" (%s ago)", durRel(time.Since(g.LastErrAt)))
			}
			line += ", last_err=" + shorten(g.LastErr, 96) + when
		}
		b.WriteString(line + "\n")
		n++
		if n >= limit {
			break
		}
	}
	if n == 0 {
		b.WriteString("    (no data)\n")
	}
}

func shorten(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
