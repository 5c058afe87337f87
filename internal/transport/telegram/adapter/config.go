package adapter

import "time"

// Config configures the Telegram adapter.
type Config struct {
	Token string

	// PollTimeout is the long-poll timeout (default 10s).
	PollTimeout time.Duration

	// MessagesPerSec caps outgoing sends. Telegram starts throttling
	// around 30 msg/s; default is 25.
	MessagesPerSec int
}

func (c Config) pollTimeout() time.Duration {
	if c.PollTimeout <= 0 {
		return 10 * time.Second
	}
	return c.PollTimeout
}

func (c Config) messagesPerSec() int {
	if c.MessagesPerSec <= 0 {
		return 25
	}
	return c.MessagesPerSec
}
