package queue

import (
	"errors"
	"time"

	"smsqd/internal/campaign"
)

// Config controls the dispatch engine.
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	MaxRetries   int

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

var (
	ErrStopped         = errors.New("queue stopped")
	ErrInvalid         = errors.New("invalid request")
	ErrSenderNotOwned  = errors.New("sender id is not approved for this user")
	ErrEmptyList       = errors.New("contact list has no contacts")
	ErrBodyBlacklisted = errors.New("message body matches a blocked keyword")
	ErrBlacklisted     = errors.New("recipient number is blacklisted")
)

// CampaignEvent is the bus payload for campaign lifecycle events.
type CampaignEvent struct {
	CampaignID string            `json:"campaign_id"`
	UserID     string            `json:"user_id"`
	Status     campaign.Status   `json:"status"`
	Progress   int               `json:"progress"`
	Counters   campaign.Counters `json:"counters"`
	Reason     string            `json:"reason,omitempty"`
	At         time.Time         `json:"at"`
}

// MessageEvent is the bus payload for per-message outcomes.
type MessageEvent struct {
	MessageID   string                 `json:"message_id"`
	CampaignID  string                 `json:"campaign_id,omitempty"`
	UserID      string                 `json:"user_id"`
	ProviderID  string                 `json:"provider_id"`
	PhoneNumber string                 `json:"phone_number"`
	Status      campaign.MessageStatus `json:"status"`
	Error       string                 `json:"error,omitempty"`
	At          time.Time              `json:"at"`
}
