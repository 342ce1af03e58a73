package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"smsqd/internal/campaign"
	"smsqd/internal/eventbus"
	"smsqd/internal/metrics"
	"smsqd/internal/provider"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

type fakeGateway struct {
	mu    sync.Mutex
	sent  []string
	errBy map[string]error // phone -> error to return
}

func (f *fakeGateway) Send(ctx context.Context, m provider.OutboundMessage) (provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errBy[m.To]; ok && err != nil {
		return provider.Result{}, err
	}
	f.sent = append(f.sent, m.To)
	return provider.Result{ProviderRef: "ref-" + m.To, Cost: 0.005}, nil
}

func (f *fakeGateway) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	svc  *Service
	st   *store.Store
	bus  eventbus.Bus
	gw   *fakeGateway
	prov store.Provider
	user string
	list store.ContactList
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	svc := New(Config{
		Workers:      2,
		BatchSize:    8,
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Minute,
		MaxRetries:   2,
	}, st, bus, metrics.New(), logx.Nop())

	gw := &fakeGateway{errBy: map[string]error{}}
	svc.Registry().SetFactory(func(store.Provider) (provider.Sender, error) { return gw, nil })

	ctx := context.Background()
	f := &fixture{svc: svc, st: st, bus: bus, gw: gw, user: "u1"}

	f.prov = store.Provider{ID: uuid.NewString(), Name: "gw", Kind: store.ProviderHTTP, Endpoint: "http://gw", PerSecond: 1000, Active: true}
	require.NoError(t, st.CreateProvider(ctx, f.prov))

	require.NoError(t, st.CreateSenderID(ctx, store.SenderID{ID: uuid.NewString(), UserID: f.user, Value: "ACME", Approved: true}))

	f.list = store.ContactList{ID: uuid.NewString(), UserID: f.user, Name: "leads"}
	require.NoError(t, st.CreateContactList(ctx, f.list))
	return f
}

func (f *fixture) addContacts(t *testing.T, phones ...string) {
	t.Helper()
	contacts := make([]store.Contact, 0, len(phones))
	for _, p := range phones {
		contacts = append(contacts, store.Contact{ID: uuid.NewString(), ListID: f.list.ID, PhoneNumber: p})
	}
	n, err := f.st.AddContacts(context.Background(), contacts)
	require.NoError(t, err)
	require.Equal(t, len(phones), n)
}

func (f *fixture) createCampaign(t *testing.T) campaign.Campaign {
	t.Helper()
	c, err := f.svc.Create(context.Background(), CreateParams{
		UserID:        f.user,
		Name:          "promo",
		ContactListID: f.list.ID,
		ProviderID:    f.prov.ID,
		SenderID:      "ACME",
		Body:          "big sale",
	})
	require.NoError(t, err)
	return c
}

func waitStatus(t *testing.T, st *store.Store, id string, want campaign.Status) campaign.Campaign {
	t.Helper()
	var got campaign.Campaign
	require.Eventually(t, func() bool {
		c, err := st.GetCampaign(context.Background(), id)
		if err != nil {
			return false
		}
		got = c
		return c.Status == want
	}, 5*time.Second, 20*time.Millisecond, "campaign never reached %s (last: %s)", want, got.Status)
	return got
}

func TestCampaignRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addContacts(t, "+15550001", "+15550002", "+15550003")
	require.NoError(t, f.st.AddBlacklistNumber(ctx, store.BlacklistNumber{ID: uuid.NewString(), PhoneNumber: "+15550003"}))

	c := f.createCampaign(t)

	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	_, err := f.svc.Action(ctx, c.ID, campaign.ActionStart)
	require.NoError(t, err)

	done := waitStatus(t, f.st, c.ID, campaign.StatusCompleted)
	require.Equal(t, 3, done.Counters.Contacts)
	require.Equal(t, 2, done.Counters.Sent)
	require.Equal(t, 1, done.Counters.Blocked)
	require.Zero(t, done.Counters.Failed)
	require.Equal(t, 100, done.Counters.Progress())
	require.InDelta(t, 0.01, done.ActualCost, 1e-9)
	require.Equal(t, 2, f.gw.sentCount())
	require.NotNil(t, done.CompletedAt)

	// The blacklisted contact never produced a message record.
	msgs, err := f.st.PendingMessageCount(ctx, c.ID)
	require.NoError(t, err)
	require.Zero(t, msgs)

	sawCompleted := false
	deadline := time.After(2 * time.Second)
	for !sawCompleted {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeCampaignCompleted {
				sawCompleted = true
			}
		case <-deadline:
			t.Fatal("no campaign.completed event on the bus")
		}
	}
}

func TestCampaignFailsWhenNothingDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addContacts(t, "+15550001")
	f.gw.errBy["+15550001"] = errors.New("gateway down")

	c := f.createCampaign(t)
	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	_, err := f.svc.Action(ctx, c.ID, campaign.ActionStart)
	require.NoError(t, err)

	done := waitStatus(t, f.st, c.ID, campaign.StatusFailed)
	require.Equal(t, 1, done.Counters.Failed)
	require.Zero(t, done.Counters.Sent)
}

func TestRestartRequeuesOnlyFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addContacts(t, "+15550001", "+15550002")
	f.gw.errBy["+15550002"] = errors.New("gateway flake")

	c := f.createCampaign(t)
	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	_, err := f.svc.Action(ctx, c.ID, campaign.ActionStart)
	require.NoError(t, err)
	waitStatus(t, f.st, c.ID, campaign.StatusCompleted)

	// Gateway recovers; restart retries only the failed number.
	f.gw.mu.Lock()
	delete(f.gw.errBy, "+15550002")
	f.gw.mu.Unlock()

	_, err = f.svc.Action(ctx, c.ID, campaign.ActionRestart)
	require.NoError(t, err)

	done := waitStatus(t, f.st, c.ID, campaign.StatusCompleted)
	require.Equal(t, 2, done.Counters.Sent)
	require.Zero(t, done.Counters.Failed)
	require.Equal(t, 3, f.gw.sentCount(), "+15550001 must not be re-sent")
}

func TestActionGuardsRejectWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addContacts(t, "+15550001")
	c := f.createCampaign(t)

	_, err := f.svc.Action(ctx, c.ID, campaign.ActionPause)
	var te *campaign.TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, campaign.StatusDraft, te.Current)

	got, err := f.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, campaign.StatusDraft, got.Status)
}

func TestPauseHaltsDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addContacts(t, "+15550001", "+15550002")
	c := f.createCampaign(t)

	// Start without the engine running: messages stay queued.
	_, err := f.svc.Action(ctx, c.ID, campaign.ActionStart)
	require.NoError(t, err)
	_, err = f.svc.Action(ctx, c.ID, campaign.ActionPause)
	require.NoError(t, err)

	// A paused campaign's messages are not claimable.
	claimed, err := f.st.ClaimQueued(ctx, 10, time.Minute, time.Now())
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestEmptyListCannotStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addContacts(t, "+15550001")
	c := f.createCampaign(t)

	// Empty the list after creation.
	contacts, err := f.st.ListContacts(ctx, f.list.ID)
	require.NoError(t, err)
	_ = contacts
	require.NoError(t, f.st.DeleteContactList(ctx, f.list.ID))

	_, err = f.svc.Action(ctx, c.ID, campaign.ActionStart)
	require.ErrorIs(t, err, ErrEmptyList)
}

func TestCreateRejectsUnapprovedSender(t *testing.T) {
	f := newFixture(t)
	f.addContacts(t, "+15550001")

	_, err := f.svc.Create(context.Background(), CreateParams{
		UserID:        f.user,
		Name:          "promo",
		ContactListID: f.list.ID,
		ProviderID:    f.prov.ID,
		SenderID:      "NOTMINE",
		Body:          "hello",
	})
	require.ErrorIs(t, err, ErrSenderNotOwned)
}

func TestAdHocBlacklistRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.st.AddBlacklistNumber(ctx, store.BlacklistNumber{ID: uuid.NewString(), PhoneNumber: "+15559999"}))

	_, err := f.svc.SendAdHoc(ctx, AdHocParams{
		UserID: f.user, PhoneNumber: "+15559999", Body: "hi", ProviderID: f.prov.ID, Sender: "ACME",
	})
	require.ErrorIs(t, err, ErrBlacklisted)

	require.NoError(t, f.st.AddBlacklistKeyword(ctx, store.BlacklistKeyword{ID: uuid.NewString(), Keyword: "winner"}))
	_, err = f.svc.SendAdHoc(ctx, AdHocParams{
		UserID: f.user, PhoneNumber: "+15550001", Body: "You are a WINNER", ProviderID: f.prov.ID, Sender: "ACME",
	})
	require.ErrorIs(t, err, ErrBodyBlacklisted)
}

func TestQuotaExhaustionFailsMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.st.UpsertAssignment(ctx, store.Assignment{
		UserID: f.user, ProviderID: f.prov.ID, DailyLimit: 1,
	}))

	f.addContacts(t, "+15550001", "+15550002")
	c := f.createCampaign(t)

	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	_, err := f.svc.Action(ctx, c.ID, campaign.ActionStart)
	require.NoError(t, err)

	done := waitStatus(t, f.st, c.ID, campaign.StatusCompleted)
	require.Equal(t, 1, done.Counters.Sent)
	require.Equal(t, 1, done.Counters.Failed, "over-quota message fails terminally")
}

func TestPermanentRejectionSkipsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addContacts(t, "+15550001")
	f.gw.errBy["+15550001"] = &provider.PermanentError{Reason: "invalid number"}

	c := f.createCampaign(t)
	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	_, err := f.svc.Action(ctx, c.ID, campaign.ActionStart)
	require.NoError(t, err)

	waitStatus(t, f.st, c.ID, campaign.StatusFailed)

	// One attempt, zero retries burned.
	msgs, err := f.st.ClaimQueued(ctx, 10, time.Minute, time.Now())
	require.NoError(t, err)
	require.Empty(t, msgs)
}
