// Package httpapi exposes the daemon's REST surface: campaign lifecycle and
// progress, ad hoc sends, the admin CRUD for providers, sender identities,
// blacklists and contact lists, payment webhook ingestion, and the usual
// operational endpoints (healthz, metrics).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"smsqd/internal/config"
	"smsqd/internal/eventbus"
	"smsqd/internal/metrics"
	"smsqd/internal/queue"
	"smsqd/internal/store"
	"smsqd/internal/webhook"
	logx "smsqd/pkg/logx"
)

type Server struct {
	log logx.Logger
	st  *store.Store
	q   *queue.Service
	wh  *webhook.Service
	bus eventbus.Bus
	met *metrics.Metrics

	auth *authState

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// Deps bundles the services the handlers call into.
type Deps struct {
	Store   *store.Store
	Queue   *queue.Service
	Webhook *webhook.Service
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

func New(cfg config.HTTPConfig, d Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8085"
	}
	s := &Server{
		log:  log,
		st:   d.Store,
		q:    d.Queue,
		wh:   d.Webhook,
		bus:  d.Bus,
		met:  d.Metrics,
		auth: newAuthState(cfg.Auth),
		addr: addr,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  durationOr(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 0), // SSE needs no write deadline
		IdleTimeout:  durationOr(cfg.IdleTimeout, time.Minute),
	}
	return s
}

// durationOr trusts config.Validate to have rejected malformed values.
func durationOr(raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault("http", raw, def)
	if err != nil {
		return def
	}
	return d
}

// ApplyAuth swaps the credential set on config reload.
func (s *Server) ApplyAuth(tokens []config.AuthToken) { s.auth.replace(tokens) }

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Campaigns.
	mux.HandleFunc("POST /v1/campaigns", s.user(s.handleCreateCampaign))
	mux.HandleFunc("GET /v1/campaigns", s.user(s.handleListCampaigns))
	mux.HandleFunc("GET /v1/campaigns/{id}", s.user(s.handleGetCampaign))
	mux.HandleFunc("POST /v1/campaigns/{id}/action", s.user(s.handleCampaignAction))
	mux.HandleFunc("POST /v1/campaigns/{id}/process", s.user(s.handleCampaignProcess))
	mux.HandleFunc("GET /v1/campaigns/{id}/progress", s.user(s.handleCampaignProgress))

	// Messages.
	mux.HandleFunc("POST /v1/messages", s.user(s.handleSendMessage))
	mux.HandleFunc("GET /v1/messages/{id}", s.user(s.handleGetMessage))

	// Contact lists (user scoped).
	mux.HandleFunc("POST /v1/lists", s.user(s.handleCreateList))
	mux.HandleFunc("GET /v1/lists", s.user(s.handleListLists))
	mux.HandleFunc("DELETE /v1/lists/{id}", s.user(s.handleDeleteList))
	mux.HandleFunc("POST /v1/lists/{id}/contacts", s.user(s.handleAddContacts))
	mux.HandleFunc("GET /v1/lists/{id}/contacts", s.user(s.handleListContacts))
	mux.HandleFunc("POST /v1/lists/{id}/import", s.user(s.handleImportContacts))
	mux.HandleFunc("GET /v1/lists/{id}/export", s.user(s.handleExportContacts))

	// Sender identities.
	mux.HandleFunc("POST /v1/senders", s.user(s.handleCreateSender))
	mux.HandleFunc("GET /v1/senders", s.user(s.handleListSenders))
	mux.HandleFunc("POST /v1/senders/{id}/approve", s.admin(s.handleApproveSender))
	mux.HandleFunc("DELETE /v1/senders/{id}", s.admin(s.handleDeleteSender))

	// Blacklists.
	mux.HandleFunc("POST /v1/blacklist/numbers", s.user(s.handleAddBlacklistNumber))
	mux.HandleFunc("GET /v1/blacklist/numbers", s.user(s.handleListBlacklistNumbers))
	mux.HandleFunc("DELETE /v1/blacklist/numbers/{id}", s.user(s.handleRemoveBlacklistNumber))
	mux.HandleFunc("POST /v1/blacklist/keywords", s.user(s.handleAddBlacklistKeyword))
	mux.HandleFunc("GET /v1/blacklist/keywords", s.user(s.handleListBlacklistKeywords))
	mux.HandleFunc("DELETE /v1/blacklist/keywords/{id}", s.user(s.handleRemoveBlacklistKeyword))

	// Admin: providers and quota assignments.
	mux.HandleFunc("POST /v1/providers", s.admin(s.handleCreateProvider))
	mux.HandleFunc("GET /v1/providers", s.admin(s.handleListProviders))
	mux.HandleFunc("PUT /v1/providers/{id}", s.admin(s.handleUpdateProvider))
	mux.HandleFunc("DELETE /v1/providers/{id}", s.admin(s.handleDeleteProvider))
	mux.HandleFunc("PUT /v1/assignments", s.admin(s.handleUpsertAssignment))
	mux.HandleFunc("GET /v1/assignments", s.admin(s.handleListAssignments))

	// Payment webhooks.
	mux.HandleFunc("POST /v1/webhooks/stripe", s.handleStripeWebhook)
	mux.HandleFunc("GET /v1/webhooks/integrity", s.admin(s.handleWebhookIntegrity))

	// Ops.
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	if s.met != nil {
		mux.Handle("GET /metrics", s.met.Handler())
	}

	return s.logRequests(mux)
}

// Start begins serving in the background. Idempotent.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return
	}
	srv := s.srv
	go func() {
		s.log.Info("http listening", logx.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/v1/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
