package webhook

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"smsqd/internal/metrics"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

const testSecret = "whsec_test"

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "wh.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(Config{SigningSecret: testSecret}, st, metrics.New(), logx.Nop())
}

func signedPayload(t *testing.T, eventID, eventType, intentID string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(
		`{"id":%q,"api_version":%q,"type":%q,"data":{"object":{"id":%q,"object":"payment_intent"}}}`,
		eventID, stripe.APIVersion, eventType, intentID))
	now := time.Now()
	sig := stripewebhook.ComputeSignature(now, payload, testSecret)
	header := fmt.Sprintf("t=%d,v1=%x", now.Unix(), sig)
	return payload, header
}

func TestProcessRecordsAndDedups(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	payload, header := signedPayload(t, "evt_1", "payment_intent.succeeded", "pi_123")
	res, err := s.Process(ctx, payload, header)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, "pi_123", res.PaymentIntentID)

	// Stripe retries the delivery with a new event ID.
	payload, header = signedPayload(t, "evt_2", "payment_intent.succeeded", "pi_123")
	res, err = s.Process(ctx, payload, header)
	require.NoError(t, err)
	require.True(t, res.Duplicate, "same intent and type is a duplicate")

	// A different event type for the same intent processes normally.
	payload, header = signedPayload(t, "evt_3", "payment_intent.payment_failed", "pi_123")
	res, err = s.Process(ctx, payload, header)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	stats, err := s.Integrity(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Processed)
	require.Equal(t, 1, stats.Skipped)
}

func TestProcessRejectsBadSignature(t *testing.T) {
	s := newService(t)
	payload, _ := signedPayload(t, "evt_1", "payment_intent.succeeded", "pi_123")

	_, err := s.Process(context.Background(), payload, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, ErrBadSignature)

	stats, err := s.Integrity(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Processed, "invalid deliveries are never recorded")
}

func TestProcessIgnoresUnhandledTypes(t *testing.T) {
	s := newService(t)
	payload, header := signedPayload(t, "evt_1", "customer.created", "cus_1")

	res, err := s.Process(context.Background(), payload, header)
	require.ErrorIs(t, err, ErrIgnored)
	require.Equal(t, "evt_1", res.EventID)
}
