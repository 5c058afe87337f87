package ledger

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("ledger disabled")

// Config configures the outcome ledger.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the ledger is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// RetentionMaxAge drops records older than this. 0 disables pruning.
	RetentionMaxAge time.Duration
	// RetentionSchedule is a cron spec for the prune job ("@daily" when empty).
	RetentionSchedule string
}

// Outcome status values. These mirror what the relay reports.
const (
	StatusForwarded = "forwarded"
	StatusFailed    = "failed"
	StatusExhausted = "exhausted"
	StatusSkipped   = "skipped"
)

// Record is one delivery outcome.
// Keep it compact and schema-stable; it never carries message text.
type Record struct {
	At       time.Time `json:"at"`
	JobID    string    `json:"job,omitempty"`
	Pool     string    `json:"pool,omitempty"`
	Source   string    `json:"source,omitempty"`
	Target   string    `json:"target,omitempty"`
	Platform string    `json:"platform,omitempty"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"err,omitempty"`
}

// Stats summarizes the journal, rendered by the /stats command.
type Stats struct {
	Total    uint64            `json:"total"`
	ByStatus map[string]uint64 `json:"by_status"`
}
