package store

import (
	"context"
	"time"
)

// WebhookEvent records one ingested payment webhook delivery.
type WebhookEvent struct {
	ID              string    `json:"id"`
	EventID         string    `json:"event_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	EventType       string    `json:"event_type"`
	Status          string    `json:"status"` // processed | skipped
	CreatedAt       time.Time `json:"created_at"`
}

const (
	WebhookProcessed = "processed"
	WebhookSkipped   = "skipped"
)

// RecordWebhookEvent stores an event and reports whether it was a duplicate.
//
// The first event for a (payment intent, event type) pair is recorded as
// processed; any later delivery of the same pair is recorded as skipped.
// The partial unique index on processed rows makes this race-free: two
// concurrent deliveries cannot both insert a processed row.
func (s *Store) RecordWebhookEvent(ctx context.Context, id, eventID, paymentIntentID, eventType string) (duplicate bool, err error) {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, event_id, payment_intent_id, event_type, status, created_at)
		 VALUES (?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		id, eventID, paymentIntentID, eventType, WebhookProcessed, now)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	// Duplicate: keep an audit row so the integrity view can count it.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, event_id, payment_intent_id, event_type, status, created_at)
		 VALUES (?,?,?,?,?,?)`,
		id+"-dup", eventID, paymentIntentID, eventType, WebhookSkipped, now)
	return true, err
}

// WebhookIntegrity summarizes processed vs duplicate deliveries.
type WebhookIntegrity struct {
	Processed         int     `json:"processed"`
	Skipped           int     `json:"skipped"`
	DuplicatesBlocked float64 `json:"duplicates_blocked_pct"`
}

func (s *Store) WebhookIntegrityStats(ctx context.Context) (WebhookIntegrity, error) {
	var st WebhookIntegrity
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhook_events GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch status {
		case WebhookProcessed:
			st.Processed = n
		case WebhookSkipped:
			st.Skipped = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if total := st.Processed + st.Skipped; total > 0 {
		st.DuplicatesBlocked = float64(st.Skipped) / float64(total) * 100
	}
	return st, nil
}

// PruneWebhookEvents drops events older than the retention cutoff.
func (s *Store) PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE created_at < ?`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
