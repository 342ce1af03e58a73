// Package webhook ingests payment gateway events. Every delivery is
// signature-checked and recorded; duplicate deliveries for the same
// (payment intent, event type) pair are detected at the database level and
// skipped, so retried webhooks can never double-apply.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"smsqd/internal/metrics"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

var (
	ErrBadSignature = errors.New("webhook signature verification failed")
	ErrIgnored      = errors.New("webhook event type not handled")
)

// Config mirrors config.WebhookConfig with parsed durations.
type Config struct {
	SigningSecret string
	Tolerance     time.Duration
	Retention     time.Duration
}

type Service struct {
	st  *store.Store
	met *metrics.Metrics
	log logx.Logger
	cfg Config
}

func New(cfg Config, st *store.Store, met *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Service{st: st, met: met, log: log, cfg: cfg}
}

func (s *Service) Retention() time.Duration { return s.cfg.Retention }

// Result reports how one delivery was handled.
type Result struct {
	EventID         string `json:"event_id"`
	EventType       string `json:"event_type"`
	PaymentIntentID string `json:"payment_intent_id"`
	Duplicate       bool   `json:"duplicate"`
}

// handled lists the event types that carry a payment intent we act on.
func handled(t stripe.EventType) bool {
	switch t {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.created":
		return true
	}
	return false
}

// Process verifies, dedups, and records one webhook delivery.
func (s *Service) Process(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	event, err := stripewebhook.ConstructEventWithTolerance(payload, sigHeader, s.cfg.SigningSecret, s.cfg.Tolerance)
	if err != nil {
		if s.met != nil {
			s.met.WebhookEvents.WithLabelValues("invalid").Inc()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if !handled(event.Type) {
		return Result{EventID: event.ID, EventType: string(event.Type)}, ErrIgnored
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil || intent.ID == "" {
		return Result{EventID: event.ID, EventType: string(event.Type)},
			fmt.Errorf("event %s carries no payment intent", event.ID)
	}

	duplicate, err := s.st.RecordWebhookEvent(ctx, uuid.NewString(), event.ID, intent.ID, string(event.Type))
	if err != nil {
		return Result{}, err
	}

	status := "processed"
	if duplicate {
		status = "skipped"
	}
	if s.met != nil {
		s.met.WebhookEvents.WithLabelValues(status).Inc()
	}
	s.log.Info("webhook delivery recorded",
		logx.String("event_id", event.ID),
		logx.String("event_type", string(event.Type)),
		logx.String("payment_intent", intent.ID),
		logx.Bool("duplicate", duplicate),
	)

	return Result{
		EventID:         event.ID,
		EventType:       string(event.Type),
		PaymentIntentID: intent.ID,
		Duplicate:       duplicate,
	}, nil
}

// Integrity summarizes processed vs skipped deliveries for the admin view.
func (s *Service) Integrity(ctx context.Context) (store.WebhookIntegrity, error) {
	return s.st.WebhookIntegrityStats(ctx)
}
