package relay

import (
	"time"
)

// Pool is one forwarding group. Channels holds canonical "platform:chat"
// ids in the order the operator wrote them; that order decides delivery
// order inside the pool.
type Pool struct {
	Name     string
	Enabled  bool
	Channels []string
	Format   string // per-pool format override; empty means use the default
}

func (p Pool) clone() *Pool {
	cp := p
	cp.Channels = append([]string(nil), p.Channels...)
	return &cp
}

// RetryConfig bounds delivery attempts per target.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // wait after the first failure, doubled each retry (default 1s)
}

type Config struct {
	Workers       int
	QueueSize     int
	DefaultFormat string
	Media         MediaToggles
	Retry         RetryConfig
	Pools         []Pool
}

// Stats is a point-in-time counter snapshot for the /stats command.
type Stats struct {
	Accepted   uint64 `json:"accepted"`
	LoopDrops  uint64 `json:"loop_drops"`
	Unrouted   uint64 `json:"unrouted"`
	QueueDrops uint64 `json:"queue_drops"`
	Forwarded  uint64 `json:"forwarded"`
	Failed     uint64 `json:"failed"`
	Exhausted  uint64 `json:"exhausted"`
}

// Event bus topics published by the relay. The ledger subscribes to these.
const (
	TopicForwarded = "relay.forwarded"
	TopicFailed    = "relay.failed"
	TopicExhausted = "relay.exhausted"
	TopicSkipped   = "relay.skipped"
)

// OutcomeEvent is the Data payload for all relay.* topics.
type OutcomeEvent struct {
	Job      string    `json:"job"`
	Pool     string    `json:"pool,omitempty"`
	Source   string    `json:"source"`
	Target   string    `json:"target,omitempty"`
	Platform string    `json:"platform,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
