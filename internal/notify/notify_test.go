package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smsqd/internal/eventbus"
	"smsqd/internal/metrics"
	"smsqd/internal/queue"
	logx "smsqd/pkg/logx"
)

type captureChannel struct {
	mu   sync.Mutex
	got  []Notification
	fail int // fail this many sends before succeeding
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("transient")
	}
	c.got = append(c.got, n)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func newService(ch Channel, cfg Config) *Service {
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	return New(cfg, []Channel{ch}, logx.Nop(), eventbus.New(), metrics.New())
}

func TestNotifyDelivers(t *testing.T) {
	ch := &captureChannel{}
	s := newService(ch, Config{})
	ctx := context.Background()

	s.Start(ctx)
	defer s.Stop(ctx)

	require.NoError(t, s.Notify(ctx, Notification{Severity: SevInfo, Text: "hello"}))
	require.Eventually(t, func() bool { return ch.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	ch := &captureChannel{fail: 2}
	s := newService(ch, Config{RetryMax: 3, RetryBase: time.Millisecond})
	ctx := context.Background()

	s.Start(ctx)
	defer s.Stop(ctx)

	require.NoError(t, s.Notify(ctx, Notification{Severity: SevWarn, Text: "flaky"}))
	require.Eventually(t, func() bool { return ch.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyDedupWindow(t *testing.T) {
	ch := &captureChannel{}
	s := newService(ch, Config{DedupWindow: time.Minute})
	ctx := context.Background()

	s.Start(ctx)
	defer s.Stop(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Notify(ctx, Notification{Severity: SevInfo, Text: "same alert"}))
	}
	require.NoError(t, s.Notify(ctx, Notification{Severity: SevInfo, Text: "different alert"}))

	require.Eventually(t, func() bool { return ch.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, ch.count(), "duplicates inside the window are absorbed")
}

func TestNotifyDisabled(t *testing.T) {
	ch := &captureChannel{}
	s := New(Config{Enabled: false}, []Channel{ch}, logx.Nop(), nil, nil)
	require.ErrorIs(t, s.Notify(context.Background(), Notification{Text: "x"}), ErrDisabled)
}

func TestStopBlocksNewAlerts(t *testing.T) {
	ch := &captureChannel{}
	s := newService(ch, Config{})
	ctx := context.Background()

	s.Start(ctx)
	s.Stop(ctx)
	require.ErrorIs(t, s.Notify(ctx, Notification{Text: "late"}), ErrStopped)
}

func TestTranslateCampaignEvents(t *testing.T) {
	n, ok := translate(eventbus.Event{
		Type: eventbus.TypeCampaignFailed,
		Data: queue.CampaignEvent{CampaignID: "c1", Reason: "no messages were delivered"},
	})
	require.True(t, ok)
	require.Equal(t, SevCritical, n.Severity)
	require.Contains(t, n.Text, "c1")

	_, ok = translate(eventbus.Event{Type: eventbus.TypeCampaignProgress})
	require.False(t, ok, "progress events are not alert worthy")

	_, ok = translate(eventbus.Event{
		Type: eventbus.TypeMessageFailed,
		Data: queue.MessageEvent{MessageID: "m1", CampaignID: "c1"},
	})
	require.False(t, ok, "campaign message failures are covered by the summary")
}
