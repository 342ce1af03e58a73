package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"smsqd/internal/campaign"
	"smsqd/internal/queue"
	"smsqd/internal/store"
)

// campaignView is the wire shape of a campaign.
type campaignView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	ContactListID string     `json:"contact_list_id"`
	ProviderID    string     `json:"provider_id"`
	SenderID      string     `json:"sender_id"`
	Body          string     `json:"body"`
	ContactCount  int        `json:"contact_count"`
	SentCount     int        `json:"sent_count"`
	DeliveredCnt  int        `json:"delivered_count"`
	FailedCount   int        `json:"failed_count"`
	BlockedCount  int        `json:"blocked_count"`
	Progress      int        `json:"progress"`
	ActualCost    float64    `json:"actual_cost"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func viewCampaign(c campaign.Campaign) campaignView {
	return campaignView{
		ID:            c.ID,
		Name:          c.Name,
		Status:        string(c.Status),
		ContactListID: c.ContactListID,
		ProviderID:    c.ProviderID,
		SenderID:      c.SenderID,
		Body:          c.Body,
		ContactCount:  c.Counters.Contacts,
		SentCount:     c.Counters.Sent,
		DeliveredCnt:  c.Counters.Delivered,
		FailedCount:   c.Counters.Failed,
		BlockedCount:  c.Counters.Blocked,
		Progress:      c.Counters.Progress(),
		ActualCost:    c.ActualCost,
		CreatedAt:     c.CreatedAt,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
	}
}

type messageView struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id,omitempty"`
	PhoneNumber string     `json:"phone_number"`
	Body        string     `json:"body"`
	Sender      string     `json:"sender"`
	Status      string     `json:"status"`
	ProviderID  string     `json:"provider_id"`
	RetryCount  int        `json:"retry_count"`
	Cost        float64    `json:"cost"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
}

func viewMessage(m campaign.Message) messageView {
	return messageView{
		ID:          m.ID,
		CampaignID:  m.CampaignID,
		PhoneNumber: m.PhoneNumber,
		Body:        m.Body,
		Sender:      m.Sender,
		Status:      string(m.Status),
		ProviderID:  m.ProviderID,
		RetryCount:  m.RetryCount,
		Cost:        m.Cost,
		Error:       m.ErrorText,
		CreatedAt:   m.CreatedAt,
		LeaseUntil:  m.LeaseUntil,
	}
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		Name          string `json:"name"`
		ContactListID string `json:"contact_list_id"`
		ProviderID    string `json:"provider_id"`
		SenderID      string `json:"sender_id"`
		Body          string `json:"body"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.q.Create(r.Context(), queue.CreateParams{
		UserID:        p.UserID,
		Name:          req.Name,
		ContactListID: req.ContactListID,
		ProviderID:    req.ProviderID,
		SenderID:      req.SenderID,
		Body:          req.Body,
	})
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewCampaign(c))
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request, p principal) {
	userID := p.UserID
	if p.Admin {
		// Admins may list all campaigns or filter by user.
		userID = r.URL.Query().Get("user_id")
	}
	cs, err := s.st.ListCampaigns(r.Context(), userID)
	if err != nil {
		serviceError(w, err)
		return
	}
	out := make([]campaignView, 0, len(cs))
	for _, c := range cs {
		out = append(out, viewCampaign(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedCampaign loads a campaign and enforces per-user visibility.
func (s *Server) ownedCampaign(w http.ResponseWriter, r *http.Request, p principal) (campaign.Campaign, bool) {
	c, err := s.st.GetCampaign(r.Context(), r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return campaign.Campaign{}, false
	}
	if !p.Admin && c.UserID != p.UserID {
		writeError(w, http.StatusNotFound, "not found")
		return campaign.Campaign{}, false
	}
	return c, true
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request, p principal) {
	c, ok := s.ownedCampaign(w, r, p)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewCampaign(c))
}

func (s *Server) handleCampaignAction(w http.ResponseWriter, r *http.Request, p principal) {
	c, ok := s.ownedCampaign(w, r, p)
	if !ok {
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	action, err := campaign.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err = s.q.Action(r.Context(), c.ID, action)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCampaign(c))
}

func (s *Server) handleCampaignProcess(w http.ResponseWriter, r *http.Request, p principal) {
	c, ok := s.ownedCampaign(w, r, p)
	if !ok {
		return
	}
	c, err := s.q.Process(r.Context(), c.ID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCampaign(c))
}

func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request, p principal) {
	c, ok := s.ownedCampaign(w, r, p)
	if !ok {
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamProgress(w, r, c.ID)
		return
	}
	c, err := s.q.Progress(r.Context(), c.ID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCampaign(c))
}

// SSE streams are bounded so an abandoned browser tab cannot hold a
// subscriber slot forever; clients reconnect if they still care.
const sseMaxStreamAge = 5 * time.Minute

// streamProgress pushes campaign lifecycle events over SSE until the client
// disconnects, the campaign reaches a terminal state, or the stream ages out.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request, campaignID string) {
	fl, ok := w.(http.Flusher)
	if !ok || s.bus == nil {
		writeError(w, http.StatusNotAcceptable, "streaming unsupported")
		return
	}

	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(typ string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = w.Write([]byte("event: " + typ + "\ndata: " + string(data) + "\n\n"))
		fl.Flush()
	}

	// Initial snapshot so the client renders without waiting for an event.
	if c, err := s.q.Progress(r.Context(), campaignID); err == nil {
		send("snapshot", viewCampaign(c))
		if c.Status.Terminal() {
			return
		}
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	deadline := time.NewTimer(sseMaxStreamAge)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			fl.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			ce, isCampaign := ev.Data.(queue.CampaignEvent)
			if !isCampaign || ce.CampaignID != campaignID {
				continue
			}
			send(ev.Type, ce)
			// Stop and archive surface as progress events, so close on the
			// status itself rather than the event type.
			if ce.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		PhoneNumber string `json:"phone_number"`
		Body        string `json:"body"`
		ProviderID  string `json:"provider_id"`
		Sender      string `json:"sender"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := s.q.SendAdHoc(r.Context(), queue.AdHocParams{
		UserID:      p.UserID,
		PhoneNumber: req.PhoneNumber,
		Body:        req.Body,
		ProviderID:  req.ProviderID,
		Sender:      req.Sender,
	})
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewMessage(m))
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request, p principal) {
	m, err := s.st.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	if !p.Admin && m.UserID != p.UserID {
		serviceError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewMessage(m))
}
