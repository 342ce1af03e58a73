package httpapi

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"smsqd/internal/store"
)

// Contact lists.

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	l := store.ContactList{ID: uuid.NewString(), UserID: p.UserID, Name: req.Name}
	if err := s.st.CreateContactList(r.Context(), l); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleListLists(w http.ResponseWriter, r *http.Request, p principal) {
	ls, err := s.st.ListContactLists(r.Context(), p.UserID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

// ownedList loads a contact list and enforces per-user visibility.
func (s *Server) ownedList(w http.ResponseWriter, r *http.Request, p principal) (store.ContactList, bool) {
	l, err := s.st.GetContactList(r.Context(), r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return store.ContactList{}, false
	}
	if !p.Admin && l.UserID != p.UserID {
		writeError(w, http.StatusNotFound, "not found")
		return store.ContactList{}, false
	}
	return l, true
}

func (s *Server) handleDeleteList(w http.ResponseWriter, r *http.Request, p principal) {
	l, ok := s.ownedList(w, r, p)
	if !ok {
		return
	}
	if err := s.st.DeleteContactList(r.Context(), l.ID); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddContacts(w http.ResponseWriter, r *http.Request, p principal) {
	l, ok := s.ownedList(w, r, p)
	if !ok {
		return
	}
	var req struct {
		Contacts []struct {
			PhoneNumber string `json:"phone_number"`
			Name        string `json:"name,omitempty"`
		} `json:"contacts"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	contacts := make([]store.Contact, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		if strings.TrimSpace(c.PhoneNumber) == "" {
			continue
		}
		contacts = append(contacts, store.Contact{
			ID:          uuid.NewString(),
			ListID:      l.ID,
			PhoneNumber: strings.TrimSpace(c.PhoneNumber),
			Name:        c.Name,
		})
	}
	added, err := s.st.AddContacts(r.Context(), contacts)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request, p principal) {
	l, ok := s.ownedList(w, r, p)
	if !ok {
		return
	}
	cs, err := s.st.ListContacts(r.Context(), l.ID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

// handleImportContacts ingests a CSV body: phone_number[,name] per record,
// with an optional header row.
func (s *Server) handleImportContacts(w http.ResponseWriter, r *http.Request, p principal) {
	l, ok := s.ownedList(w, r, p)
	if !ok {
		return
	}
	rd := csv.NewReader(http.MaxBytesReader(w, r.Body, 8<<20))
	rd.FieldsPerRecord = -1

	var contacts []store.Contact
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed csv: "+err.Error())
			return
		}
		if len(rec) == 0 {
			continue
		}
		phone := strings.TrimSpace(rec[0])
		if phone == "" || strings.EqualFold(phone, "phone_number") || strings.EqualFold(phone, "phone") {
			continue
		}
		c := store.Contact{ID: uuid.NewString(), ListID: l.ID, PhoneNumber: phone}
		if len(rec) > 1 {
			c.Name = strings.TrimSpace(rec[1])
		}
		contacts = append(contacts, c)
	}
	added, err := s.st.AddContacts(r.Context(), contacts)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"parsed": len(contacts), "added": added})
}

func (s *Server) handleExportContacts(w http.ResponseWriter, r *http.Request, p principal) {
	l, ok := s.ownedList(w, r, p)
	if !ok {
		return
	}
	cs, err := s.st.ListContacts(r.Context(), l.ID)
	if err != nil {
		serviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", l.Name+".csv"))
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"phone_number", "name"})
	for _, c := range cs {
		_ = cw.Write([]string{c.PhoneNumber, c.Name})
	}
	cw.Flush()
}

// Sender identities.

func (s *Server) handleCreateSender(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		Value  string `json:"value"`
		UserID string `json:"user_id,omitempty"` // admin may create for any user
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	userID := p.UserID
	if p.Admin && req.UserID != "" {
		userID = req.UserID
	}
	sid := store.SenderID{ID: uuid.NewString(), UserID: userID, Value: req.Value}
	if err := s.st.CreateSenderID(r.Context(), sid); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sid)
}

func (s *Server) handleListSenders(w http.ResponseWriter, r *http.Request, p principal) {
	userID := p.UserID
	if p.Admin {
		userID = r.URL.Query().Get("user_id")
	}
	sids, err := s.st.ListSenderIDs(r.Context(), userID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sids)
}

func (s *Server) handleApproveSender(w http.ResponseWriter, r *http.Request, _ principal) {
	var req struct {
		Approved bool `json:"approved"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.st.ApproveSenderID(r.Context(), r.PathValue("id"), req.Approved); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": req.Approved})
}

func (s *Server) handleDeleteSender(w http.ResponseWriter, r *http.Request, _ principal) {
	if err := s.st.DeleteSenderID(r.Context(), r.PathValue("id")); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Blacklists. Regular users manage their own entries; admins write global
// ones by leaving user_id empty.

func (s *Server) handleAddBlacklistNumber(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
		Reason      string `json:"reason,omitempty"`
		Global      bool   `json:"global,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	userID := p.UserID
	if req.Global {
		if !p.Admin {
			writeError(w, http.StatusForbidden, "admin token required for global entries")
			return
		}
		userID = ""
	}
	b := store.BlacklistNumber{
		ID:          uuid.NewString(),
		UserID:      userID,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Reason:      req.Reason,
	}
	if err := s.st.AddBlacklistNumber(r.Context(), b); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBlacklistNumbers(w http.ResponseWriter, r *http.Request, p principal) {
	bs, err := s.st.ListBlacklistNumbers(r.Context(), p.UserID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

func (s *Server) handleRemoveBlacklistNumber(w http.ResponseWriter, r *http.Request, p principal) {
	b, err := s.st.GetBlacklistNumber(r.Context(), r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	// Global entries (empty user) are admin-only; cross-user deletes 404
	// like every other scoped lookup.
	if !p.Admin && b.UserID != p.UserID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.st.RemoveBlacklistNumber(r.Context(), b.ID); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddBlacklistKeyword(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		Keyword string `json:"keyword"`
		Global  bool   `json:"global,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Keyword) == "" {
		writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}
	userID := p.UserID
	if req.Global {
		if !p.Admin {
			writeError(w, http.StatusForbidden, "admin token required for global entries")
			return
		}
		userID = ""
	}
	k := store.BlacklistKeyword{ID: uuid.NewString(), UserID: userID, Keyword: req.Keyword}
	if err := s.st.AddBlacklistKeyword(r.Context(), k); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

func (s *Server) handleListBlacklistKeywords(w http.ResponseWriter, r *http.Request, p principal) {
	ks, err := s.st.ListBlacklistKeywords(r.Context(), p.UserID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ks)
}

func (s *Server) handleRemoveBlacklistKeyword(w http.ResponseWriter, r *http.Request, p principal) {
	k, err := s.st.GetBlacklistKeyword(r.Context(), r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	if !p.Admin && k.UserID != p.UserID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.st.RemoveBlacklistKeyword(r.Context(), k.ID); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Providers (admin only).

type providerRequest struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	PerSecond  int    `json:"per_second,omitempty"`
	PerMinute  int    `json:"per_minute,omitempty"`
	PerHour    int    `json:"per_hour,omitempty"`
	Active     bool   `json:"active"`
}

func (req providerRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch req.Kind {
	case store.ProviderTwilio:
		if req.AccountSID == "" || req.AuthToken == "" {
			return fmt.Errorf("twilio providers need account_sid and auth_token")
		}
	case store.ProviderHTTP:
		if req.Endpoint == "" {
			return fmt.Errorf("http providers need an endpoint")
		}
	default:
		return fmt.Errorf("unknown provider kind %q", req.Kind)
	}
	return nil
}

func (req providerRequest) provider(id string) store.Provider {
	return store.Provider{
		ID:         id,
		Name:       req.Name,
		Kind:       req.Kind,
		AccountSID: req.AccountSID,
		AuthToken:  req.AuthToken,
		Endpoint:   req.Endpoint,
		PerSecond:  req.PerSecond,
		PerMinute:  req.PerMinute,
		PerHour:    req.PerHour,
		Active:     req.Active,
	}
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request, _ principal) {
	var req providerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := req.provider(uuid.NewString())
	if err := s.st.CreateProvider(r.Context(), p); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request, _ principal) {
	ps, err := s.st.ListProviders(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request, _ principal) {
	var req providerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := req.provider(r.PathValue("id"))
	if err := s.st.UpdateProvider(r.Context(), p); err != nil {
		serviceError(w, err)
		return
	}
	// Drop any cached sender so the next dispatch picks up new credentials.
	if s.q != nil {
		s.q.Registry().Evict(p.ID)
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request, _ principal) {
	id := r.PathValue("id")
	if err := s.st.DeleteProvider(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}
	if s.q != nil {
		s.q.Registry().Evict(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Quota assignments (admin only).

func (s *Server) handleUpsertAssignment(w http.ResponseWriter, r *http.Request, _ principal) {
	var req struct {
		UserID       string `json:"user_id"`
		ProviderID   string `json:"provider_id"`
		DailyLimit   int    `json:"daily_limit"`
		MonthlyLimit int    `json:"monthly_limit"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ProviderID == "" {
		writeError(w, http.StatusBadRequest, "user_id and provider_id are required")
		return
	}
	a := store.Assignment{
		UserID:       req.UserID,
		ProviderID:   req.ProviderID,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
	}
	if err := s.st.UpsertAssignment(r.Context(), a); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request, _ principal) {
	as, err := s.st.ListAssignments(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, as)
}

// Payment webhooks.

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.wh == nil {
		writeError(w, http.StatusNotFound, "webhooks disabled")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	res, err := s.wh.Process(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		// Unhandled event types are acknowledged so the gateway stops
		// retrying them.
		if res.EventID != "" {
			writeJSON(w, http.StatusOK, res)
			return
		}
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWebhookIntegrity(w http.ResponseWriter, r *http.Request, _ principal) {
	if s.wh == nil {
		writeError(w, http.StatusNotFound, "webhooks disabled")
		return
	}
	stats, err := s.wh.Integrity(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
