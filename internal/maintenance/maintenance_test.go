package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"smsqd/internal/campaign"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "smsqd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSweepRequeuesExpiredLeases(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMessage(ctx, campaign.Message{
		ID: uuid.NewString(), UserID: "u1", PhoneNumber: "+15550001",
		Body: "hi", Status: campaign.MessageQueued, ProviderID: "p1", MaxRetries: 3,
	}))

	// Claim far in the past so the lease is already expired.
	claimed, err := st.ClaimQueued(ctx, 10, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	svc := New(Config{Enabled: true, LeaseSweepInterval: 20 * time.Millisecond}, st, nil, logx.Nop())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx)

	require.Eventually(t, func() bool {
		got, err := st.GetMessage(ctx, claimed[0].ID)
		return err == nil && got.Status == campaign.MessageQueued
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartRejectsBadCronSpec(t *testing.T) {
	st := openTestStore(t)
	svc := New(Config{Enabled: true, DailyResetSpec: "not a spec"}, st, nil, logx.Nop())
	require.Error(t, svc.Start(context.Background()))
}

func TestStartNoopWhenDisabled(t *testing.T) {
	st := openTestStore(t)
	svc := New(Config{Enabled: false, DailyResetSpec: "not a spec"}, st, nil, logx.Nop())
	require.NoError(t, svc.Start(context.Background()))
	svc.Stop(context.Background())
}

func TestPruneWebhooksHonorsRetention(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	dup, err := st.RecordWebhookEvent(ctx, uuid.NewString(), "evt_old", "pi_old", "payment_intent.succeeded")
	require.NoError(t, err)
	require.False(t, dup)

	// A generous retention keeps the fresh row.
	svc := New(Config{Enabled: true, WebhookRetention: time.Hour}, st, nil, logx.Nop())
	svc.pruneWebhooks(ctx)
	stats, err := st.WebhookIntegrityStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Processed)

	// Pruning with a future cutoff removes it.
	n, err := st.PruneWebhookEvents(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
