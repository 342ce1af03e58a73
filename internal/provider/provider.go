// Package provider abstracts SMS gateways behind a single Sender interface
// and carries the per-gateway throughput controls (rate limits, circuit
// breaker) the dispatch engine relies on.
package provider

import (
	"context"
	"errors"
	"fmt"

	"smsqd/internal/store"
)

// OutboundMessage is one SMS handed to a gateway.
type OutboundMessage struct {
	To   string
	From string // sender ID or originating number
	Body string
}

// Result reports a successful gateway submission.
type Result struct {
	// ProviderRef is the gateway's message identifier, used to correlate
	// delivery receipts.
	ProviderRef string
	// Cost is the per-message price reported by the gateway, 0 when the
	// gateway does not price synchronously.
	Cost float64
}

// Sender submits a single message to an SMS gateway.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (Result, error)
}

// PermanentError marks a send failure that retrying cannot fix (invalid
// number, rejected content). The dispatch engine fails these immediately
// instead of burning retry attempts.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return "permanent send failure: " + e.Reason }

// Permanent reports whether err is a non-retryable gateway rejection.
func Permanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// New builds a Sender for a stored provider record.
func New(p store.Provider) (Sender, error) {
	switch p.Kind {
	case store.ProviderTwilio:
		return newTwilioSender(p)
	case store.ProviderHTTP:
		return newHTTPSender(p)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}
