// Package campaign holds the pure delivery-pipeline domain: campaign and
// message records, the campaign state machine, and counter/progress math.
// It performs no I/O; persistence lives in internal/store.
package campaign

import (
	"time"
)

// Campaign is a bulk SMS send job targeting a contact list.
//
// Counter invariant: SentCount+FailedCount+DeliveredCount <= ContactCount.
// Progress is derived (see Counters.Progress) and clamped to [0,100].
type Campaign struct {
	ID            string
	UserID        string
	Name          string
	Status        Status
	ContactListID string
	ProviderID    string
	SenderID      string
	Body          string

	Counters Counters

	ActualCost  float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Counters are the campaign aggregate counters, recomputed from message
// statuses after every delivery outcome.
type Counters struct {
	Contacts  int
	Sent      int
	Delivered int
	Failed    int
	Blocked   int
}

// Processed counts contacts with a terminal outcome, including those
// blocked before a message was ever created.
func (c Counters) Processed() int {
	return c.Sent + c.Delivered + c.Failed + c.Blocked
}

// Progress returns the campaign progress percentage in [0,100].
// A campaign with zero contacts reports 0.
func (c Counters) Progress() int {
	if c.Contacts <= 0 {
		return 0
	}
	p := c.Processed()
	if p > c.Contacts {
		p = c.Contacts
	}
	pct := int(float64(p)/float64(c.Contacts)*100 + 0.5)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Done reports whether every contact has reached a terminal outcome.
func (c Counters) Done() bool {
	return c.Contacts > 0 && c.Processed() >= c.Contacts
}

// AllFailed reports whether the campaign finished without a single
// successful delivery. Used to decide completed vs failed.
func (c Counters) AllFailed() bool {
	return c.Done() && c.Sent == 0 && c.Delivered == 0
}

// MessageStatus is the per-message delivery state.
// Status names follow the gateway vocabulary (queued/sent/delivered/...).
type MessageStatus string

const (
	MessageQueued      MessageStatus = "queued"
	MessageProcessing  MessageStatus = "processing"
	MessageSent        MessageStatus = "sent"
	MessageDelivered   MessageStatus = "delivered"
	MessageFailed      MessageStatus = "failed"
	MessageUndelivered MessageStatus = "undelivered"
	MessageBlocked     MessageStatus = "blocked"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case MessageQueued, MessageProcessing, MessageSent, MessageDelivered,
		MessageFailed, MessageUndelivered, MessageBlocked:
		return true
	}
	return false
}

// Terminal reports whether the queue will never touch this message again.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageSent, MessageDelivered, MessageFailed, MessageUndelivered, MessageBlocked:
		return true
	}
	return false
}

// Message is one outbound SMS. CampaignID is empty for ad hoc sends.
// Sender is the resolved "from" identity, copied from the campaign (or the
// ad hoc request) at enqueue time so dispatch needs no joins.
// Mutated only by the queue service and delivery callbacks.
type Message struct {
	ID          string
	CampaignID  string
	UserID      string
	ContactID   string
	PhoneNumber string
	Body        string
	Sender      string
	Status      MessageStatus
	ProviderID  string
	RetryCount  int
	MaxRetries  int
	Cost        float64
	ErrorText   string
	LeaseUntil  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Retryable reports whether a failed attempt may be attempted again.
func (m Message) Retryable() bool {
	return m.RetryCount < m.MaxRetries
}
