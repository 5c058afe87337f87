package config

import (
	"reflect"
	"sort"
	"strings"

	logx "interflow/pkg/logx"
)

// SummarizeConfigChange compares two configs and returns the sorted names
// of changed sections, structured log fields describing the new values,
// and the names of pools that were added, removed, or edited. Secrets
// never make it into the fields; tokens are reported as set/unset booleans
// and a rotation between two non-empty values is not a change at all.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	poolChanged := diffPools(oldCfg.Relay.Pools, newCfg.Relay.Pools)

	sections := []struct {
		name string
		diff func(o, n *Config) (bool, []logx.Field)
	}{
		{"telegram", diffTelegram},
		{"discord", diffDiscord},
		{"logging", diffLogging},
		{"pprof", diffPprof},
		{"relay", func(o, n *Config) (bool, []logx.Field) { return diffRelay(o, n, poolChanged) }},
		{"ledger", diffLedger},
	}

	changed := make([]string, 0, len(sections))
	attrs := make([]logx.Field, 0, 16)
	for _, s := range sections {
		hit, fields := s.diff(oldCfg, newCfg)
		if !hit {
			continue
		}
		changed = append(changed, s.name)
		attrs = append(attrs, fields...)
	}

	sort.Strings(changed)
	return changed, attrs, poolChanged
}

// tokenFlipped reports a set/unset transition between two secret values.
func tokenFlipped(a, b string) bool {
	return (strings.TrimSpace(a) != "") != (strings.TrimSpace(b) != "")
}

func diffTelegram(o, n *Config) (bool, []logx.Field) {
	ot, nt := o.Telegram, n.Telegram
	hit := tokenFlipped(ot.Token, nt.Token) ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.MessagesPerSec != nt.MessagesPerSec ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs)
	if !hit {
		return false, nil
	}
	return true, []logx.Field{
		logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		logx.Int("telegram.messages_per_sec", nt.MessagesPerSec),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
	}
}

func diffDiscord(o, n *Config) (bool, []logx.Field) {
	od, nd := o.Discord, n.Discord
	if od.Enabled == nd.Enabled && !tokenFlipped(od.Token, nd.Token) {
		return false, nil
	}
	return true, []logx.Field{
		logx.Bool("discord.enabled", nd.Enabled),
		logx.Bool("discord.token_set", strings.TrimSpace(nd.Token) != ""),
	}
}

func diffLogging(o, n *Config) (bool, []logx.Field) {
	ol, nl := o.Logging, n.Logging
	hit := ol.Level != nl.Level ||
		ol.Console != nl.Console ||
		ol.File.Enabled != nl.File.Enabled ||
		strings.TrimSpace(ol.File.Path) != strings.TrimSpace(nl.File.Path) ||
		ol.Notify != nl.Notify
	if !hit {
		return false, nil
	}
	return true, []logx.Field{
		logx.String("logx.level", nl.Level),
		logx.Bool("logx.console", nl.Console),
		logx.Bool("logx.file_enabled", nl.File.Enabled),
		logx.Bool("logx.notify_enabled", nl.Notify.Enabled),
	}
}

func diffPprof(o, n *Config) (bool, []logx.Field) {
	op, np := o.Pprof, n.Pprof
	hit := op.Enabled != np.Enabled ||
		strings.TrimSpace(op.Addr) != strings.TrimSpace(np.Addr) ||
		strings.TrimSpace(op.Prefix) != strings.TrimSpace(np.Prefix) ||
		op.AllowInsecure != np.AllowInsecure ||
		strings.TrimSpace(op.ReadTimeout) != strings.TrimSpace(np.ReadTimeout) ||
		strings.TrimSpace(op.WriteTimeout) != strings.TrimSpace(np.WriteTimeout) ||
		strings.TrimSpace(op.IdleTimeout) != strings.TrimSpace(np.IdleTimeout) ||
		op.MutexProfileFraction != np.MutexProfileFraction ||
		op.BlockProfileRate != np.BlockProfileRate ||
		op.MemProfileRate != np.MemProfileRate ||
		tokenFlipped(op.Token, np.Token)
	if !hit {
		return false, nil
	}
	return true, []logx.Field{
		logx.Bool("pprof.enabled", np.Enabled),
		logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
		logx.Bool("pprof.token_set", strings.TrimSpace(np.Token) != ""),
		logx.Bool("pprof.allow_insecure", np.AllowInsecure),
	}
}

func diffRelay(o, n *Config, poolChanged []string) (bool, []logx.Field) {
	or, nr := o.Relay, n.Relay
	hit := or.Workers != nr.Workers ||
		or.QueueSize != nr.QueueSize ||
		!boolPtrEqual(or.ForwardImage, nr.ForwardImage) ||
		!boolPtrEqual(or.ForwardFile, nr.ForwardFile) ||
		!boolPtrEqual(or.ForwardVideo, nr.ForwardVideo) ||
		!boolPtrEqual(or.ForwardVoice, nr.ForwardVoice) ||
		strings.TrimSpace(or.DefaultFormat) != strings.TrimSpace(nr.DefaultFormat) ||
		or.Retry != nr.Retry ||
		len(poolChanged) > 0
	if !hit {
		return false, nil
	}
	return true, []logx.Field{
		logx.Int("relay.workers", nr.Workers),
		logx.Int("relay.queue_size", nr.QueueSize),
		logx.Int("relay.pool_count", len(nr.Pools)),
		logx.Int("relay.pools_changed", len(poolChanged)),
		logx.Bool("relay.default_format_set", strings.TrimSpace(nr.DefaultFormat) != ""),
	}
}

func diffLedger(o, n *Config) (bool, []logx.Field) {
	ol, nl := o.Ledger, n.Ledger
	hit := strings.TrimSpace(ol.Driver) != strings.TrimSpace(nl.Driver) ||
		(strings.TrimSpace(ol.Path) != "") != (strings.TrimSpace(nl.Path) != "") ||
		strings.TrimSpace(ol.BusyTimeout) != strings.TrimSpace(nl.BusyTimeout) ||
		ol.Retention != nl.Retention
	if !hit {
		return false, nil
	}
	return true, []logx.Field{
		logx.String("ledger.driver", strings.TrimSpace(nl.Driver)),
		logx.Bool("ledger.path_set", strings.TrimSpace(nl.Path) != ""),
		logx.String("ledger.retention_max_age", strings.TrimSpace(nl.Retention.MaxAge)),
	}
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// diffPools names pools that were added, removed, or edited. Duplicate
// names compare positionally within their name group, and reordering
// whole pools is not an edit.
func diffPools(oldP, newP []PoolConfig) []string {
	byName := func(pools []PoolConfig) map[string][]PoolConfig {
		m := map[string][]PoolConfig{}
		for _, p := range pools {
			m[p.Name] = append(m[p.Name], p)
		}
		return m
	}
	oldM := byName(oldP)
	newM := byName(newP)

	names := map[string]struct{}{}
	for k := range oldM {
		names[k] = struct{}{}
	}
	for k := range newM {
		names[k] = struct{}{}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		if !reflect.DeepEqual(oldM[name], newM[name]) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
