package app

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"interflow/internal/observability/pprof"
)

// mapPprofConfig turns the raw config section into a validated service
// config. It never starts the server; Reconfigure decides that.
func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	if cfg == nil {
		return pprof.Config{}, nil
	}
	pc := cfg.Pprof

	out := pprof.Config{
		Enabled:       pc.Enabled,
		AllowInsecure: pc.AllowInsecure,
		Token:         strings.TrimSpace(pc.Token),
		Addr:          strings.TrimSpace(pc.Addr),
		Prefix:        strings.TrimSpace(pc.Prefix),

		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// WriteTimeout stays 0 (no limit) unless set: profile streaming is slow.
	if out.WriteTimeout, err = parseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	for _, rate := range []struct {
		name  string
		value int
	}{
		{"pprof.mutex_profile_fraction", pc.MutexProfileFraction},
		{"pprof.block_profile_rate", pc.BlockProfileRate},
		{"pprof.mem_profile_rate", pc.MemProfileRate},
	} {
		if rate.value < 0 {
			return out, fmt.Errorf("%s must be >= 0", rate.name)
		}
	}

	if !out.Enabled {
		return out, nil
	}
	if _, _, err := net.SplitHostPort(out.Addr); err != nil {
		return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
	}
	// A public bind needs either a token or an explicit opt-in.
	if !out.AllowInsecure && out.Token == "" && !isLoopbackAddr(out.Addr) {
		return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return out, nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
