package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smsqd/internal/campaign"
	"smsqd/internal/config"
	"smsqd/internal/eventbus"
	"smsqd/internal/metrics"
	"smsqd/internal/queue"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

const (
	userToken  = "tok-user"
	adminToken = "tok-admin"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	met := metrics.New()
	bus := eventbus.New()
	q := queue.New(queue.Config{}, st, bus, met, logx.Nop())

	cfg := config.HTTPConfig{
		Addr: "127.0.0.1:0",
		Auth: []config.AuthToken{
			{Token: userToken, UserID: "u1"},
			{Token: adminToken, UserID: "ops", Admin: true},
		},
	}
	return New(cfg, Deps{Store: st, Queue: q, Bus: bus, Metrics: met}, logx.Nop()), st
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestAuthBoundaries(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/v1/campaigns", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/providers", userToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code, "admin route rejects user tokens")

	rec = doJSON(t, s, http.MethodGet, "/v1/providers", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "healthz needs no token")
}

func TestApplyAuthSwapsTokens(t *testing.T) {
	s, _ := newTestServer(t)

	s.ApplyAuth([]config.AuthToken{{Token: "rotated", UserID: "u1"}})

	rec := doJSON(t, s, http.MethodGet, "/v1/campaigns", userToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "old token no longer valid")

	rec = doJSON(t, s, http.MethodGet, "/v1/campaigns", "rotated", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBlacklistDeleteIsScoped(t *testing.T) {
	s, _ := newTestServer(t)

	// Global entry, created by an admin.
	rec := doJSON(t, s, http.MethodPost, "/v1/blacklist/numbers", adminToken, map[string]any{
		"phone_number": "+15558888", "global": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var global store.BlacklistNumber
	decodeInto(t, rec, &global)

	// Regular users see global entries but cannot delete them.
	rec = doJSON(t, s, http.MethodDelete, "/v1/blacklist/numbers/"+global.ID, userToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code, "global entries are admin-only")

	rec = doJSON(t, s, http.MethodGet, "/v1/blacklist/numbers", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "+15558888", "the entry survived the attempt")

	// Another user's entry is invisible to delete, owner and admin succeed.
	rec = doJSON(t, s, http.MethodPost, "/v1/blacklist/numbers", userToken, map[string]any{
		"phone_number": "+15557777",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var own store.BlacklistNumber
	decodeInto(t, rec, &own)

	s.ApplyAuth([]config.AuthToken{
		{Token: userToken, UserID: "u1"},
		{Token: "tok-other", UserID: "u2"},
		{Token: adminToken, UserID: "ops", Admin: true},
	})

	rec = doJSON(t, s, http.MethodDelete, "/v1/blacklist/numbers/"+own.ID, "tok-other", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/blacklist/numbers/"+own.ID, userToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/blacklist/numbers/"+global.ID, adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBlacklistKeywordDeleteIsScoped(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/blacklist/keywords", adminToken, map[string]any{
		"keyword": "casino", "global": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var global store.BlacklistKeyword
	decodeInto(t, rec, &global)

	rec = doJSON(t, s, http.MethodDelete, "/v1/blacklist/keywords/"+global.ID, userToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/blacklist/keywords/"+global.ID, adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

// seedCampaignFixtures creates the provider, approved sender and contact
// list a campaign needs, all through the API.
func seedCampaignFixtures(t *testing.T, s *Server) (providerID, listID string) {
	t.Helper()

	rec := doJSON(t, s, http.MethodPost, "/v1/providers", adminToken, map[string]any{
		"name": "gw", "kind": "http", "endpoint": "http://127.0.0.1:1/send", "active": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var prov store.Provider
	decodeInto(t, rec, &prov)

	rec = doJSON(t, s, http.MethodPost, "/v1/senders", userToken, map[string]any{"value": "ACME"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sid store.SenderID
	decodeInto(t, rec, &sid)

	rec = doJSON(t, s, http.MethodPost, "/v1/senders/"+sid.ID+"/approve", adminToken, map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/lists", userToken, map[string]any{"name": "vip"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var list store.ContactList
	decodeInto(t, rec, &list)

	rec = doJSON(t, s, http.MethodPost, "/v1/lists/"+list.ID+"/contacts", userToken, map[string]any{
		"contacts": []map[string]string{
			{"phone_number": "+15550001", "name": "a"},
			{"phone_number": "+15550002", "name": "b"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	return prov.ID, list.ID
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	providerID, listID := seedCampaignFixtures(t, s)

	rec := doJSON(t, s, http.MethodPost, "/v1/campaigns", userToken, map[string]any{
		"name": "promo", "contact_list_id": listID, "provider_id": providerID,
		"sender_id": "ACME", "body": "hello",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c campaignView
	decodeInto(t, rec, &c)
	require.Equal(t, "draft", c.Status)

	// Pausing a draft is rejected by the state machine.
	rec = doJSON(t, s, http.MethodPost, "/v1/campaigns/"+c.ID+"/action", userToken, map[string]string{"action": "pause"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/campaigns/"+c.ID+"/action", userToken, map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeInto(t, rec, &c)
	require.Equal(t, "sending", c.Status)
	require.Equal(t, 2, c.ContactCount)

	rec = doJSON(t, s, http.MethodGet, "/v1/campaigns/"+c.ID+"/progress", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/campaigns/"+c.ID+"/action", userToken, map[string]string{"action": "bogus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// startedCampaign creates and starts a campaign, returning it in sending.
func startedCampaign(t *testing.T, s *Server) campaignView {
	t.Helper()
	providerID, listID := seedCampaignFixtures(t, s)

	rec := doJSON(t, s, http.MethodPost, "/v1/campaigns", userToken, map[string]any{
		"name": "promo", "contact_list_id": listID, "provider_id": providerID,
		"sender_id": "ACME", "body": "hello",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c campaignView
	decodeInto(t, rec, &c)

	rec = doJSON(t, s, http.MethodPost, "/v1/campaigns/"+c.ID+"/action", userToken, map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeInto(t, rec, &c)
	require.Equal(t, "sending", c.Status)
	return c
}

func sseRequest(id string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns/"+id+"/progress", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Accept", "text/event-stream")
	return req
}

func TestProgressStreamClosesAfterTerminalSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	c := startedCampaign(t, s)

	rec := doJSON(t, s, http.MethodPost, "/v1/campaigns/"+c.ID+"/action", userToken, map[string]string{"action": "stop"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The campaign is already terminal, so the stream must deliver the
	// snapshot and return without waiting for events.
	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Handler().ServeHTTP(rr, sseRequest(c.ID))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close on a stopped campaign")
	}
	require.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Body.String(), "event: snapshot")
	require.Contains(t, rr.Body.String(), `"stopped"`)
}

func TestProgressStreamClosesOnTerminalEvent(t *testing.T) {
	s, _ := newTestServer(t)
	c := startedCampaign(t, s)

	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Handler().ServeHTTP(rr, sseRequest(c.ID))
	}()

	// A stop surfaces as a progress event carrying a terminal status; keep
	// publishing until the handler has subscribed and sees it.
	ev := eventbus.Event{
		Type: eventbus.TypeCampaignProgress,
		Data: queue.CampaignEvent{CampaignID: c.ID, UserID: "u1", Status: campaign.StatusStopped, At: time.Now()},
	}
	require.Eventually(t, func() bool {
		s.bus.Publish(ev)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond, "stream must end on a terminal-status event")

	require.Contains(t, rr.Body.String(), eventbus.TypeCampaignProgress)
}

func TestCampaignVisibilityIsPerUser(t *testing.T) {
	s, st := newTestServer(t)
	providerID, listID := seedCampaignFixtures(t, s)

	rec := doJSON(t, s, http.MethodPost, "/v1/campaigns", userToken, map[string]any{
		"name": "promo", "contact_list_id": listID, "provider_id": providerID,
		"sender_id": "ACME", "body": "hello",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var c campaignView
	decodeInto(t, rec, &c)

	s.ApplyAuth([]config.AuthToken{
		{Token: userToken, UserID: "u1"},
		{Token: "tok-other", UserID: "u2"},
		{Token: adminToken, UserID: "ops", Admin: true},
	})

	rec = doJSON(t, s, http.MethodGet, "/v1/campaigns/"+c.ID, "tok-other", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, "other users cannot see the campaign")

	rec = doJSON(t, s, http.MethodGet, "/v1/campaigns/"+c.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, "u1", got.UserID)
}

func TestContactCSVImportExport(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/lists", userToken, map[string]any{"name": "imported"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var list store.ContactList
	decodeInto(t, rec, &list)

	csvBody := "phone_number,name\n+15550001,alice\n+15550002,bob\n\n"
	req := httptest.NewRequest(http.MethodPost, "/v1/lists/"+list.ID+"/import", strings.NewReader(csvBody))
	req.Header.Set("Authorization", "Bearer "+userToken)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res map[string]int
	decodeInto(t, rr, &res)
	require.Equal(t, 2, res["parsed"])
	require.Equal(t, 2, res["added"])

	rec = doJSON(t, s, http.MethodGet, "/v1/lists/"+list.ID+"/export", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "+15550001,alice")
}

func TestAdHocSendBlacklistRejection(t *testing.T) {
	s, _ := newTestServer(t)
	providerID, _ := seedCampaignFixtures(t, s)

	rec := doJSON(t, s, http.MethodPost, "/v1/blacklist/numbers", userToken, map[string]any{
		"phone_number": "+15559999", "reason": "opt out",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/messages", userToken, map[string]any{
		"phone_number": "+15559999", "body": "hi", "provider_id": providerID, "sender": "ACME",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/messages", userToken, map[string]any{
		"phone_number": "+15550042", "body": "hi", "provider_id": providerID, "sender": "ACME",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var m messageView
	decodeInto(t, rec, &m)
	require.Equal(t, "queued", m.Status)

	rec = doJSON(t, s, http.MethodGet, "/v1/messages/"+m.ID, userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProviderValidation(t *testing.T) {
	s, _ := newTestServer(t)

	for _, body := range []map[string]any{
		{"name": "x", "kind": "carrier-pigeon"},
		{"name": "x", "kind": "twilio"},            // missing credentials
		{"name": "x", "kind": "http"},              // missing endpoint
		{"kind": "http", "endpoint": "http://x/s"}, // missing name
	} {
		rec := doJSON(t, s, http.MethodPost, "/v1/providers", adminToken, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, fmt.Sprintf("%v", body))
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/lists", userToken, map[string]any{"name": "x", "bogus": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
