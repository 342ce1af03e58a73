package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"smsqd/internal/campaign"
	"smsqd/internal/eventbus"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

// CreateParams describes a new campaign. SenderID is the sender identity
// value (e.g. "ACME"), which must be approved for the user.
type CreateParams struct {
	UserID        string
	Name          string
	ContactListID string
	ProviderID    string
	SenderID      string
	Body          string
}

// Create validates and persists a draft campaign. No messages exist yet;
// fan-out happens on start.
func (s *Service) Create(ctx context.Context, p CreateParams) (campaign.Campaign, error) {
	var zero campaign.Campaign

	if strings.TrimSpace(p.Name) == "" {
		return zero, fmt.Errorf("%w: campaign name is required", ErrInvalid)
	}
	if strings.TrimSpace(p.Body) == "" {
		return zero, fmt.Errorf("%w: message body is required", ErrInvalid)
	}

	list, err := s.st.GetContactList(ctx, p.ContactListID)
	if err != nil {
		return zero, fmt.Errorf("contact list: %w", err)
	}
	if list.UserID != p.UserID {
		return zero, store.ErrNotFound
	}

	prov, err := s.st.GetProvider(ctx, p.ProviderID)
	if err != nil {
		return zero, fmt.Errorf("provider: %w", err)
	}
	if !prov.Active {
		return zero, fmt.Errorf("%w: provider %s is disabled", ErrInvalid, prov.ID)
	}

	approved, err := s.st.SenderIDApproved(ctx, p.UserID, p.SenderID)
	if err != nil {
		return zero, err
	}
	if !approved {
		return zero, ErrSenderNotOwned
	}

	if kw, err := s.st.BodyMatchesKeyword(ctx, p.UserID, p.Body); err != nil {
		return zero, err
	} else if kw != "" {
		return zero, fmt.Errorf("%w: %q", ErrBodyBlacklisted, kw)
	}

	contacts, err := s.st.ContactCount(ctx, p.ContactListID)
	if err != nil {
		return zero, err
	}

	c := campaign.Campaign{
		ID:            uuid.NewString(),
		UserID:        p.UserID,
		Name:          strings.TrimSpace(p.Name),
		Status:        campaign.StatusDraft,
		ContactListID: p.ContactListID,
		ProviderID:    p.ProviderID,
		SenderID:      p.SenderID,
		Body:          p.Body,
		Counters:      campaign.Counters{Contacts: contacts},
	}
	if err := s.st.CreateCampaign(ctx, c); err != nil {
		return zero, err
	}
	s.log.Info("campaign created",
		logx.String("campaign_id", c.ID),
		logx.String("user_id", c.UserID),
		logx.Int("contacts", contacts),
	)
	return c, nil
}

// Action applies an operator lifecycle action. Guards are enforced by the
// state machine and the store's compare-and-set transition, so a rejected
// action never has side effects and concurrent actions cannot both win.
func (s *Service) Action(ctx context.Context, id string, action campaign.Action) (campaign.Campaign, error) {
	c, err := s.st.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}

	next, err := c.Status.Next(action)
	if err != nil {
		return c, err
	}

	fresh := action == campaign.ActionStart && c.Status != campaign.StatusPaused
	if fresh || action == campaign.ActionRestart {
		// Refuse to start a campaign that can never finish.
		n, err := s.st.ContactCount(ctx, c.ContactListID)
		if err != nil {
			return c, err
		}
		if n == 0 {
			return c, ErrEmptyList
		}
	}

	from := c.Status
	if err := s.st.TransitionCampaign(ctx, id, from, next, time.Now()); err != nil {
		return c, err
	}
	c.Status = next

	switch action {
	case campaign.ActionStart:
		if fresh {
			if err := s.fanOut(ctx, c); err != nil {
				return c, err
			}
		}
		s.publishCampaign(eventbus.TypeCampaignStarted, c, "")
	case campaign.ActionRestart:
		if _, err := s.st.ResetCampaignMessages(ctx, id); err != nil {
			return c, err
		}
		if err := s.fanOut(ctx, c); err != nil {
			return c, err
		}
		s.publishCampaign(eventbus.TypeCampaignStarted, c, "restart")
	case campaign.ActionPause, campaign.ActionStop, campaign.ActionArchive:
		s.publishCampaign(eventbus.TypeCampaignProgress, c, string(action))
	}

	s.log.Info("campaign action applied",
		logx.String("campaign_id", id),
		logx.String("action", string(action)),
		logx.String("from", string(from)),
		logx.String("to", string(next)),
	)
	return c, nil
}

// fanOut materializes one queued message per contact, filtering blacklisted
// numbers before any message record exists. Inserts are idempotent on
// (campaign, phone), so running fan-out twice cannot double-send.
func (s *Service) fanOut(ctx context.Context, c campaign.Campaign) error {
	contacts, err := s.st.ListContacts(ctx, c.ContactListID)
	if err != nil {
		return err
	}
	if len(contacts) == 0 {
		return ErrEmptyList
	}

	s.mu.Lock()
	maxRetries := s.cfg.MaxRetries
	s.mu.Unlock()

	blocked := 0
	msgs := make([]campaign.Message, 0, len(contacts))
	for _, ct := range contacts {
		hit, err := s.st.NumberBlacklisted(ctx, c.UserID, ct.PhoneNumber)
		if err != nil {
			return err
		}
		if hit {
			blocked++
			continue
		}
		msgs = append(msgs, campaign.Message{
			ID:          uuid.NewString(),
			CampaignID:  c.ID,
			UserID:      c.UserID,
			ContactID:   ct.ID,
			PhoneNumber: ct.PhoneNumber,
			Body:        c.Body,
			Sender:      c.SenderID,
			Status:      campaign.MessageQueued,
			ProviderID:  c.ProviderID,
			MaxRetries:  maxRetries,
		})
	}

	if err := s.st.SetCampaignContactCount(ctx, c.ID, len(contacts)); err != nil {
		return err
	}
	if err := s.st.SetCampaignBlockedCount(ctx, c.ID, blocked); err != nil {
		return err
	}

	inserted, err := s.st.InsertMessages(ctx, msgs)
	if err != nil {
		return err
	}
	if s.met != nil && blocked > 0 {
		s.met.MessagesBlocked.Add(float64(blocked))
	}
	s.log.Info("campaign fan-out",
		logx.String("campaign_id", c.ID),
		logx.Int("contacts", len(contacts)),
		logx.Int("queued", inserted),
		logx.Int("blocked", blocked),
	)

	// Everything blocked: there is nothing to dispatch, settle immediately.
	if len(msgs) == 0 {
		s.settleCampaign(ctx, c.ID)
	}
	return nil
}

// Process re-runs fan-out for a sending campaign. Contacts added to the
// list after the start are queued; existing recipients are untouched
// because inserts are idempotent on (campaign, phone).
func (s *Service) Process(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := s.st.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if c.Status != campaign.StatusSending {
		return c, &campaign.TransitionError{Action: campaign.ActionStart, Current: c.Status, Required: "sending"}
	}
	if err := s.fanOut(ctx, c); err != nil {
		return c, err
	}
	return s.st.GetCampaign(ctx, id)
}

// Progress returns the campaign with freshly recomputed counters.
func (s *Service) Progress(ctx context.Context, id string) (campaign.Campaign, error) {
	counters, cost, err := s.st.CampaignMessageCounters(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if err := s.st.SetCampaignCounters(ctx, id, counters, cost); err != nil {
		return campaign.Campaign{}, err
	}
	return s.st.GetCampaign(ctx, id)
}

// ResettleSending recovers sending campaigns with no pending messages.
// Campaigns whose contacts all have outcomes are settled (completed or
// failed); campaigns interrupted mid fan-out get their fan-out re-run,
// which is safe because inserts are idempotent. The maintenance sweep
// calls this so a crash between transition and fan-out cannot strand a
// campaign in sending forever.
func (s *Service) ResettleSending(ctx context.Context) error {
	ids, err := s.st.SendingCampaignIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		pending, err := s.st.PendingMessageCount(ctx, id)
		if err != nil {
			return err
		}
		if pending > 0 {
			continue
		}
		counters, _, err := s.st.CampaignMessageCounters(ctx, id)
		if err != nil {
			return err
		}
		if counters.Done() {
			s.settleCampaign(ctx, id)
			continue
		}
		c, err := s.st.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		s.log.Warn("re-running interrupted campaign fan-out", logx.String("campaign_id", id))
		if err := s.fanOut(ctx, c); err != nil {
			s.log.Warn("fan-out recovery failed", logx.String("campaign_id", id), logx.Err(err))
		}
	}
	return nil
}

// AdHocParams describes a single direct send outside any campaign.
type AdHocParams struct {
	UserID      string
	PhoneNumber string
	Body        string
	ProviderID  string
	Sender      string
}

// SendAdHoc enqueues one message. Blacklist checks reject synchronously so
// the caller learns about the block; nothing is persisted for blocked sends.
func (s *Service) SendAdHoc(ctx context.Context, p AdHocParams) (campaign.Message, error) {
	var zero campaign.Message

	if strings.TrimSpace(p.PhoneNumber) == "" || strings.TrimSpace(p.Body) == "" {
		return zero, fmt.Errorf("%w: phone_number and body are required", ErrInvalid)
	}

	hit, err := s.st.NumberBlacklisted(ctx, p.UserID, p.PhoneNumber)
	if err != nil {
		return zero, err
	}
	if hit {
		if s.met != nil {
			s.met.MessagesBlocked.Inc()
		}
		m := campaign.Message{UserID: p.UserID, PhoneNumber: p.PhoneNumber, Status: campaign.MessageBlocked}
		s.publishMessage(eventbus.TypeMessageBlocked, m, "number blacklisted")
		return zero, ErrBlacklisted
	}
	if kw, err := s.st.BodyMatchesKeyword(ctx, p.UserID, p.Body); err != nil {
		return zero, err
	} else if kw != "" {
		return zero, fmt.Errorf("%w: %q", ErrBodyBlacklisted, kw)
	}

	approved, err := s.st.SenderIDApproved(ctx, p.UserID, p.Sender)
	if err != nil {
		return zero, err
	}
	if !approved {
		return zero, ErrSenderNotOwned
	}

	s.mu.Lock()
	maxRetries := s.cfg.MaxRetries
	s.mu.Unlock()

	m := campaign.Message{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		PhoneNumber: p.PhoneNumber,
		Body:        p.Body,
		Sender:      p.Sender,
		Status:      campaign.MessageQueued,
		ProviderID:  p.ProviderID,
		MaxRetries:  maxRetries,
	}
	if err := s.st.InsertMessage(ctx, m); err != nil {
		return zero, err
	}
	return m, nil
}
