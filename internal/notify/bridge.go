package notify

import (
	"context"
	"fmt"

	"smsqd/internal/eventbus"
	"smsqd/internal/queue"
)

// ConsumeBus turns delivery-pipeline events into operator alerts. Run it
// under a supervisor; it exits cleanly on ctx cancellation.
func (s *Service) ConsumeBus(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if n, notable := translate(ev); notable {
				// Best-effort: a full queue drops the alert, not the pipeline.
				_ = s.Notify(ctx, n)
			}
		}
	}
}

func translate(ev eventbus.Event) (Notification, bool) {
	switch ev.Type {
	case eventbus.TypeCampaignCompleted:
		ce, ok := ev.Data.(queue.CampaignEvent)
		if !ok {
			return Notification{}, false
		}
		return Notification{
			Severity: SevInfo,
			Text: fmt.Sprintf("campaign %s completed: %d sent, %d failed, %d blocked",
				ce.CampaignID, ce.Counters.Sent, ce.Counters.Failed, ce.Counters.Blocked),
		}, true

	case eventbus.TypeCampaignFailed:
		ce, ok := ev.Data.(queue.CampaignEvent)
		if !ok {
			return Notification{}, false
		}
		return Notification{
			Severity: SevCritical,
			Text:     fmt.Sprintf("campaign %s FAILED: %s", ce.CampaignID, ce.Reason),
		}, true

	case eventbus.TypeMessageFailed:
		me, ok := ev.Data.(queue.MessageEvent)
		if !ok {
			return Notification{}, false
		}
		// Only terminal per-message failures outside campaigns are alert
		// worthy; campaign summaries cover the rest.
		if me.CampaignID != "" {
			return Notification{}, false
		}
		return Notification{
			Severity: SevWarn,
			Text:     fmt.Sprintf("message %s to %s failed: %s", me.MessageID, me.PhoneNumber, me.Error),
		}, true
	}
	return Notification{}, false
}
