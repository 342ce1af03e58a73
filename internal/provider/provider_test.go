package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smsqd/internal/store"
)

func TestHTTPSenderSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"gw-1","cost":0.012}`))
	}))
	defer srv.Close()

	s, err := New(store.Provider{ID: "p1", Kind: store.ProviderHTTP, Endpoint: srv.URL, AuthToken: "tok"})
	require.NoError(t, err)

	res, err := s.Send(context.Background(), OutboundMessage{To: "+15550001", From: "ACME", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, "gw-1", res.ProviderRef)
	require.InDelta(t, 0.012, res.Cost, 1e-9)
}

func TestHTTPSenderErrorClassification(t *testing.T) {
	t.Parallel()
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"invalid recipient"}`))
	}))
	defer srv.Close()

	s, err := New(store.Provider{ID: "p1", Kind: store.ProviderHTTP, Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), OutboundMessage{To: "bogus", From: "ACME", Body: "hi"})
	require.True(t, Permanent(err), "4xx is a permanent rejection")

	status = http.StatusTooManyRequests
	_, err = s.Send(context.Background(), OutboundMessage{To: "+15550001", From: "ACME", Body: "hi"})
	require.Error(t, err)
	require.False(t, Permanent(err), "429 must stay retryable")

	status = http.StatusBadGateway
	_, err = s.Send(context.Background(), OutboundMessage{To: "+15550001", From: "ACME", Body: "hi"})
	require.Error(t, err)
	require.False(t, Permanent(err), "5xx must stay retryable")
}

func TestNewRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	_, err := New(store.Provider{ID: "p1", Kind: "smoke-signal"})
	require.Error(t, err)
}

func TestRegistryRebuildsOnUpdate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	builds := 0
	r.SetFactory(func(p store.Provider) (Sender, error) {
		builds++
		return senderFunc(func(context.Context, OutboundMessage) (Result, error) {
			return Result{}, nil
		}), nil
	})

	p := store.Provider{ID: "p1", Kind: store.ProviderHTTP, UpdatedAt: time.Now()}
	_, _, err := r.Get(p)
	require.NoError(t, err)
	_, _, err = r.Get(p)
	require.NoError(t, err)
	require.Equal(t, 1, builds, "same updated_at reuses the cached client")

	p.UpdatedAt = p.UpdatedAt.Add(time.Second)
	_, _, err = r.Get(p)
	require.NoError(t, err)
	require.Equal(t, 2, builds, "edited provider rebuilds the client")
}

type senderFunc func(context.Context, OutboundMessage) (Result, error)

func (f senderFunc) Send(ctx context.Context, m OutboundMessage) (Result, error) { return f(ctx, m) }

func TestBreakerTripAndRecover(t *testing.T) {
	t.Parallel()
	b := NewBreaker(3, time.Second, time.Minute)
	now := time.Now()
	boom := errors.New("gateway down")

	for i := 0; i < 2; i++ {
		b.Record("p1", now, boom)
	}
	open, _ := b.Open("p1", now)
	require.False(t, open, "below the trip threshold")

	b.Record("p1", now, boom)
	open, until := b.Open("p1", now)
	require.True(t, open)
	require.True(t, until.After(now))

	// Cooldown elapses, then a success closes the circuit for good.
	later := until.Add(time.Millisecond)
	open, _ = b.Open("p1", later)
	require.False(t, open)
	b.Record("p1", later, nil)
	require.Zero(t, b.OpenCount(later))

	// Other providers are unaffected throughout.
	open, _ = b.Open("p2", now)
	require.False(t, open)
}

func TestThrottleWait(t *testing.T) {
	t.Parallel()
	// Unlimited throttle never blocks.
	require.NoError(t, NewThrottle(0, 0, 0).Wait(context.Background()))

	th := NewThrottle(1, 0, 0)
	require.NoError(t, th.Wait(context.Background()))

	// Bucket is empty now; a canceled context must unblock the wait.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := th.Wait(ctx)
	require.Error(t, err)
}
