// Package eventbus carries delivery-pipeline events between components:
// the queue publishes, the notifier and the SSE progress streams subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one pipeline signal. Data holds a domain payload (CampaignEvent,
// MessageEvent, notify.Event) and should stay small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the delivery pipeline.
const (
	// Campaign lifecycle. Data is queue.CampaignEvent.
	TypeCampaignStarted   = "campaign.started"
	TypeCampaignProgress  = "campaign.progress"
	TypeCampaignCompleted = "campaign.completed"
	TypeCampaignFailed    = "campaign.failed"

	// Per-message outcomes. Data is queue.MessageEvent.
	TypeMessageSent    = "message.sent"
	TypeMessageFailed  = "message.failed"
	TypeMessageBlocked = "message.blocked"

	// Notification pipeline. Data is notify.Event.
	TypeNotifyQueued  = "notify.queued"
	TypeNotifySent    = "notify.sent"
	TypeNotifyFailed  = "notify.failed"
	TypeNotifyDeduped = "notify.deduped"
	TypeNotifyDropped = "notify.dropped"
)

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that cannot keep up loses its oldest buffered event, not the newest one,
// so a stalled SSE client sees a gap in history rather than stalling
// dispatch or going stale.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines; delivery happens on
// the publisher's stack.
func New() Bus {
	return &memoryBus{subs: map[uint64]chan Event{}}
}

type memoryBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next atomic.Uint64
}

func (b *memoryBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe can close the channel mid-send; the
		// recover absorbs that race instead of taking the publisher down.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				// Full buffer: evict the oldest event, then push the newest.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- e:
				default:
				}
			}
		}()
	}
}

func (b *memoryBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.next.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
