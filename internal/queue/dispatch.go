package queue

import (
	"context"
	"errors"
	"time"

	"smsqd/internal/campaign"
	"smsqd/internal/eventbus"
	"smsqd/internal/provider"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

const sendTimeout = 20 * time.Second

// deliver pushes one claimed message through quota, throttle, breaker, and
// the gateway, then records the outcome and settles the owning campaign.
func (s *Service) deliver(ctx context.Context, m campaign.Message) {
	log := s.log.With(
		logx.String("message_id", m.ID),
		logx.String("provider_id", m.ProviderID),
	)

	p, err := s.st.GetProvider(ctx, m.ProviderID)
	if err != nil {
		reason := "provider not found"
		if !errors.Is(err, store.ErrNotFound) {
			// Transient store error: hand the claim back.
			_ = s.st.ReleaseMessage(ctx, m.ID)
			return
		}
		s.reject(ctx, m, reason)
		return
	}
	if !p.Active {
		s.reject(ctx, m, "provider disabled")
		return
	}

	now := time.Now()
	if open, until := s.breaker.Open(p.ID, now); open {
		log.Debug("breaker open, message released", logx.Time("until", until))
		_ = s.st.ReleaseMessage(ctx, m.ID)
		return
	}

	// Check-and-increment in one statement; a released claim releases the
	// quota too, so blocked sends never leak usage.
	if err := s.st.ConsumeQuota(ctx, m.UserID, p.ID); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			s.reject(ctx, m, "provider usage quota exceeded")
			return
		}
		_ = s.st.ReleaseMessage(ctx, m.ID)
		return
	}

	sender, throttle, err := s.reg.Get(p)
	if err != nil {
		_ = s.st.ReleaseQuota(ctx, m.UserID, p.ID)
		s.reject(ctx, m, "provider misconfigured: "+err.Error())
		return
	}

	if err := throttle.Wait(ctx); err != nil {
		// Shutdown while waiting on the rate budget.
		_ = s.st.ReleaseQuota(ctx, m.UserID, p.ID)
		_ = s.st.ReleaseMessage(context.Background(), m.ID)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	res, sendErr := sender.Send(sctx, provider.OutboundMessage{
		To:   m.PhoneNumber,
		From: m.Sender,
		Body: m.Body,
	})
	cancel()

	switch {
	case sendErr == nil:
		s.breaker.Record(p.ID, time.Now(), nil)
		if err := s.st.MarkMessageSent(ctx, m.ID, res.Cost); err != nil {
			log.Warn("mark sent failed", logx.Err(err))
		}
		if s.met != nil {
			s.met.MessagesSent.WithLabelValues(p.ID).Inc()
		}
		m.Status = campaign.MessageSent
		s.publishMessage(eventbus.TypeMessageSent, m, "")
		log.Debug("message sent", logx.String("provider_ref", res.ProviderRef))

	case provider.Permanent(sendErr):
		// Message-specific rejection; does not count against gateway health.
		_ = s.st.ReleaseQuota(ctx, m.UserID, p.ID)
		s.reject(ctx, m, sendErr.Error())
		return

	default:
		s.breaker.Record(p.ID, time.Now(), sendErr)
		_ = s.st.ReleaseQuota(ctx, m.UserID, p.ID)
		terminal, err := s.st.MarkMessageFailed(ctx, m.ID, sendErr.Error())
		if err != nil {
			log.Warn("mark failed errored", logx.Err(err))
		}
		if s.met != nil {
			s.met.MessageRetries.Inc()
			if terminal {
				s.met.MessagesFailed.WithLabelValues(p.ID).Inc()
			}
		}
		log.Debug("message send failed",
			logx.Err(sendErr),
			logx.Bool("terminal", terminal),
			logx.Int("retry_count", m.RetryCount+1),
		)
		if !terminal {
			// Back in the queue; the campaign is not settled yet.
			return
		}
		m.Status = campaign.MessageFailed
		s.publishMessage(eventbus.TypeMessageFailed, m, sendErr.Error())
	}

	if m.CampaignID != "" {
		s.settleCampaign(ctx, m.CampaignID)
	}
}

// reject terminally fails a message without consuming a retry.
func (s *Service) reject(ctx context.Context, m campaign.Message, reason string) {
	if err := s.st.MarkMessageRejected(ctx, m.ID, reason); err != nil {
		s.log.Warn("mark rejected failed", logx.String("message_id", m.ID), logx.Err(err))
	}
	if s.met != nil {
		s.met.MessagesFailed.WithLabelValues(m.ProviderID).Inc()
	}
	m.Status = campaign.MessageFailed
	s.publishMessage(eventbus.TypeMessageFailed, m, reason)
	if m.CampaignID != "" {
		s.settleCampaign(ctx, m.CampaignID)
	}
}

// settleCampaign recomputes a campaign's counters from message statuses and,
// when every contact has a terminal outcome, moves the campaign to
// completed (or failed when nothing was delivered). Counter writes are
// recomputed aggregates rather than increments, so crashed workers can
// never skew them.
func (s *Service) settleCampaign(ctx context.Context, id string) {
	counters, cost, err := s.st.CampaignMessageCounters(ctx, id)
	if err != nil {
		s.log.Warn("counter recompute failed", logx.String("campaign_id", id), logx.Err(err))
		return
	}
	if err := s.st.SetCampaignCounters(ctx, id, counters, cost); err != nil {
		s.log.Warn("counter write failed", logx.String("campaign_id", id), logx.Err(err))
		return
	}

	c, err := s.st.GetCampaign(ctx, id)
	if err != nil {
		return
	}
	s.publishCampaign(eventbus.TypeCampaignProgress, c, "")

	if !counters.Done() || c.Status != campaign.StatusSending {
		return
	}

	target := campaign.StatusCompleted
	reason := ""
	if counters.AllFailed() {
		target = campaign.StatusFailed
		reason = "no messages were delivered"
	}

	err = s.st.TransitionCampaign(ctx, id, campaign.StatusSending, target, time.Now())
	if errors.Is(err, store.ErrConflict) {
		// Someone else settled or paused it first.
		return
	}
	if err != nil {
		s.log.Warn("campaign finish failed", logx.String("campaign_id", id), logx.Err(err))
		return
	}

	c.Status = target
	if target == campaign.StatusFailed {
		if s.met != nil {
			s.met.CampaignsFailed.Inc()
		}
		s.publishCampaign(eventbus.TypeCampaignFailed, c, reason)
	} else {
		if s.met != nil {
			s.met.CampaignsCompleted.Inc()
		}
		s.publishCampaign(eventbus.TypeCampaignCompleted, c, "")
	}
	s.log.Info("campaign finished",
		logx.String("campaign_id", id),
		logx.String("status", string(target)),
		logx.Int("sent", counters.Sent),
		logx.Int("failed", counters.Failed),
		logx.Int("blocked", counters.Blocked),
	)
}
