// Package notify is the async operator alert pipeline: a bounded queue,
// a small worker pool, rate limiting, retry with backoff, and a dedup
// window so a flapping gateway doesn't page anyone twice a second.
package notify

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Severity orders notifications; higher values get a louder prefix.
type Severity int

const (
	SevInfo     Severity = 5
	SevWarn     Severity = 7
	SevCritical Severity = 9
)

// Notification is one operator alert, fanned out to every configured channel.
type Notification struct {
	Severity Severity
	Text     string
}

// Config mirrors config.NotifyConfig with parsed durations.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
}

// Event is the bus payload for notification pipeline observability.
type Event struct {
	Channel string    `json:"channel,omitempty"`
	Key     string    `json:"key,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
