package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"interflow/internal/ledger"
)

// mapLedgerConfig validates and converts the ledger section. The bool reports
// whether a store should be opened at all; driver "" or "none" disables the
// journal without being an error.
func mapLedgerConfig(cfg *Config) (ledger.Config, bool, error) {
	if cfg == nil {
		return ledger.Config{}, false, nil
	}
	lc := cfg.Ledger
	driver := strings.TrimSpace(lc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return ledger.Config{}, false, nil
	}
	path := strings.TrimSpace(lc.Path)

	out := ledger.Config{Path: path}

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return ledger.Config{}, false, fmt.Errorf("ledger.path is required when ledger.driver=file")
		}
		out.Driver = "file"
	case "sqlite", "sqlite3":
		if path == "" {
			return ledger.Config{}, false, fmt.Errorf("ledger.path is required when ledger.driver=sqlite")
		}
		out.Driver = dl
		busy, err := parseDurationOrDefault("ledger.busy_timeout", lc.BusyTimeout, 1*time.Second)
		if err != nil {
			return ledger.Config{}, false, err
		}
		out.BusyTimeout = busy
	default:
		return ledger.Config{}, false, fmt.Errorf("unknown ledger.driver: %s", driver)
	}

	// Omitted max_age means 30 days; an explicit "0s" disables pruning.
	maxAgeRaw := strings.TrimSpace(lc.Retention.MaxAge)
	if maxAgeRaw == "" {
		out.RetentionMaxAge = 720 * time.Hour
	} else {
		maxAge, err := parseDurationField("ledger.retention.max_age", maxAgeRaw)
		if err != nil {
			return ledger.Config{}, false, err
		}
		out.RetentionMaxAge = maxAge
	}

	spec := strings.TrimSpace(lc.Retention.Schedule)
	if spec == "" {
		spec = "@daily"
	}
	// Reject bad cron specs here so a broken hot-reload never reaches the service.
	if _, err := cron.ParseStandard(spec); err != nil {
		return ledger.Config{}, false, fmt.Errorf("ledger.retention.schedule: invalid %q: %w", spec, err)
	}
	out.RetentionSchedule = spec

	return out, true, nil
}
