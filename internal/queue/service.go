// Package queue is the delivery engine: it fans campaigns out into message
// records, claims dispatchable messages under a lease, pushes them through
// the per-provider throttle and circuit breaker, and settles campaign state
// from the aggregated outcomes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"smsqd/internal/campaign"
	"smsqd/internal/eventbus"
	"smsqd/internal/metrics"
	"smsqd/internal/provider"
	rtsup "smsqd/internal/runtime/supervisor"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

// Service runs the dispatch engine. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	st  *store.Store
	bus eventbus.Bus
	met *metrics.Metrics

	reg     *provider.Registry
	breaker *provider.Breaker

	cfg Config

	work     chan campaign.Message
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, st *store.Store, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log,
		st:  st,
		bus: bus,
		met: met,
		reg: provider.NewRegistry(),
	}
	s.applyLocked(cfg)
	return s
}

// Registry exposes the provider client cache (tests install fakes here).
func (s *Service) Registry() *provider.Registry { return s.reg }

// Apply installs a new engine configuration. Worker count and queue size
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	s.cfg = cfg
	s.breaker = provider.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, 0)
}

// Start launches the poller and workers. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.work != nil {
		s.mu.Unlock()
		return
	}

	s.work = make(chan campaign.Message, s.cfg.BatchSize*2)
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "queue"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	work := s.work
	s.mu.Unlock()

	sup.GoRestart("poller", func(c context.Context) error {
		return s.pollLoop(c, work)
	})
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, work)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("queue worker exited unexpectedly")
		})
	}

	s.log.Info("queue started",
		logx.Int("workers", workers),
		logx.Int("batch_size", s.cfg.BatchSize),
		logx.Duration("lease", s.cfg.Lease),
	)
}

// Stop halts intake and waits for in-flight sends, best-effort until ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.work == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if sup != nil {
			_ = sup.Stop(context.Background())
		}
		s.mu.Lock()
		s.work = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// pollLoop claims dispatchable messages and feeds the workers. Claimed
// messages carry a lease; if the process dies here, the maintenance sweep
// requeues them once the lease expires.
func (s *Service) pollLoop(ctx context.Context, work chan<- campaign.Message) error {
	s.mu.Lock()
	interval := s.cfg.PollInterval
	batch := s.cfg.BatchSize
	lease := s.cfg.Lease
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		claimed, err := s.st.ClaimQueued(ctx, batch, lease, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("claim failed", logx.Err(err))
			continue
		}

		if s.met != nil {
			if n, err := s.st.TotalPendingMessages(ctx); err == nil {
				s.met.QueueDepth.Set(float64(n))
			}
			s.met.BreakersOpen.Set(float64(s.breaker.OpenCount(time.Now())))
		}

		for _, m := range claimed {
			select {
			case work <- m:
			case <-ctx.Done():
				// Unclaim what we can; the lease sweep covers the rest.
				_ = s.st.ReleaseMessage(context.Background(), m.ID)
				return nil
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, work <-chan campaign.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-work:
			if !ok {
				return
			}
			s.deliver(ctx, m)
		}
	}
}

func (s *Service) publishMessage(typ string, m campaign.Message, errText string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: MessageEvent{
		MessageID:   m.ID,
		CampaignID:  m.CampaignID,
		UserID:      m.UserID,
		ProviderID:  m.ProviderID,
		PhoneNumber: m.PhoneNumber,
		Status:      m.Status,
		Error:       errText,
		At:          now,
	}})
}

func (s *Service) publishCampaign(typ string, c campaign.Campaign, reason string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: CampaignEvent{
		CampaignID: c.ID,
		UserID:     c.UserID,
		Status:     c.Status,
		Progress:   c.Counters.Progress(),
		Counters:   c.Counters,
		Reason:     reason,
		At:         now,
	}})
}
