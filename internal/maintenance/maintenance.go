// Package maintenance runs the daemon's background hygiene jobs on a cron
// schedule: usage counter resets, expired lease recovery, stuck campaign
// settlement, and webhook event pruning.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"smsqd/internal/queue"
	rtsup "smsqd/internal/runtime/supervisor"
	"smsqd/internal/store"
	logx "smsqd/pkg/logx"
)

// Config mirrors config.MaintenanceConfig with parsed values.
type Config struct {
	Enabled  bool
	Timezone string

	LeaseSweepInterval time.Duration
	DailyResetSpec     string
	MonthlyResetSpec   string
	WebhookPruneSpec   string

	WebhookRetention time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	st  *store.Store
	q   *queue.Service

	cfg Config

	c   *cron.Cron
	sup *rtsup.Supervisor
}

func New(cfg Config, st *store.Store, q *queue.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.LeaseSweepInterval <= 0 {
		cfg.LeaseSweepInterval = 30 * time.Second
	}
	if strings.TrimSpace(cfg.DailyResetSpec) == "" {
		cfg.DailyResetSpec = "0 0 * * *"
	}
	if strings.TrimSpace(cfg.MonthlyResetSpec) == "" {
		cfg.MonthlyResetSpec = "0 0 1 * *"
	}
	if strings.TrimSpace(cfg.WebhookPruneSpec) == "" {
		cfg.WebhookPruneSpec = "30 3 * * *"
	}
	if cfg.WebhookRetention <= 0 {
		cfg.WebhookRetention = 30 * 24 * time.Hour
	}
	return &Service{log: log, st: st, q: q, cfg: cfg}
}

// Start registers the cron jobs and the lease sweep loop. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance timezone: %w", err)
		}
		loc = l
	}

	c := cron.New(cron.WithLocation(loc))

	jobs := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{s.cfg.DailyResetSpec, "usage.daily_reset", s.resetDaily},
		{s.cfg.MonthlyResetSpec, "usage.monthly_reset", s.resetMonthly},
		{s.cfg.WebhookPruneSpec, "webhook.prune", s.pruneWebhooks},
	}
	for _, j := range jobs {
		j := j
		if _, err := c.AddFunc(j.spec, func() {
			jctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			j.fn(jctx)
		}); err != nil {
			return fmt.Errorf("cron spec %q (%s): %w", j.spec, j.name, err)
		}
	}

	s.c = c
	c.Start()

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "maintenance"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("lease.sweep", func(c context.Context) error {
		return s.sweepLoop(c)
	})

	s.log.Info("maintenance started",
		logx.String("timezone", loc.String()),
		logx.Duration("lease_sweep", s.cfg.LeaseSweepInterval),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c = nil
	s.sup = nil
	s.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// sweepLoop recovers expired message leases and settles campaigns whose
// last outcome landed while the process was down.
func (s *Service) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.LeaseSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := s.st.RequeueExpiredLeases(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("lease sweep failed", logx.Err(err))
			continue
		}
		if n > 0 {
			s.log.Info("expired leases requeued", logx.Int64("count", n))
		}

		if s.q != nil {
			if err := s.q.ResettleSending(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("campaign resettle failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) resetDaily(ctx context.Context) {
	n, err := s.st.ResetDailyUsage(ctx, time.Now())
	if err != nil {
		s.log.Warn("daily usage reset failed", logx.Err(err))
		return
	}
	s.log.Info("daily usage reset", logx.Int64("assignments", n))
}

func (s *Service) resetMonthly(ctx context.Context) {
	n, err := s.st.ResetMonthlyUsage(ctx, time.Now())
	if err != nil {
		s.log.Warn("monthly usage reset failed", logx.Err(err))
		return
	}
	s.log.Info("monthly usage reset", logx.Int64("assignments", n))
}

func (s *Service) pruneWebhooks(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.WebhookRetention)
	n, err := s.st.PruneWebhookEvents(ctx, cutoff)
	if err != nil {
		s.log.Warn("webhook prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("webhook events pruned", logx.Int64("count", n), logx.Time("cutoff", cutoff))
	}
}
