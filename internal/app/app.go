// Package app wires the daemon together: config, logging, storage, the
// dispatch queue, notifications, webhooks, maintenance, and the HTTP API.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"smsqd/internal/config"
	"smsqd/internal/eventbus"
	"smsqd/internal/httpapi"
	"smsqd/internal/maintenance"
	"smsqd/internal/metrics"
	"smsqd/internal/notify"
	"smsqd/internal/queue"
	rtsup "smsqd/internal/runtime/supervisor"
	"smsqd/internal/store"
	"smsqd/internal/webhook"
	logx "smsqd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	met  *metrics.Metrics
	st   *store.Store

	q     *queue.Service
	notif *notify.Service
	wh    *webhook.Service
	maint *maintenance.Service
	api   *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	met := metrics.New()

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: durationOr(cfg.Store.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Everything past this point owns the store and the log sinks; release
	// both when a later constructor rejects its config.
	fail := func(err error) (*App, error) {
		_ = st.Close()
		logSvc.Close()
		return nil, err
	}

	qCfg, err := mapQueueConfig(cfg.Queue)
	if err != nil {
		return fail(err)
	}
	q := queue.New(qCfg, st, bus, met, log.With(logx.String("comp", "queue")))

	var notif *notify.Service
	if cfg.Notify != nil {
		nCfg, err := mapNotifyConfig(cfg.Notify)
		if err != nil {
			return fail(err)
		}
		channels, err := buildChannels(cfg.Notify, log.With(logx.String("comp", "notify")))
		if err != nil {
			return fail(err)
		}
		notif = notify.New(nCfg, channels, log.With(logx.String("comp", "notify")), bus, met)
	}

	var wh *webhook.Service
	if cfg.Webhook != nil {
		whCfg, err := mapWebhookConfig(cfg.Webhook)
		if err != nil {
			return fail(err)
		}
		wh = webhook.New(whCfg, st, met, log.With(logx.String("comp", "webhook")))
	}

	var maint *maintenance.Service
	if cfg.Maintenance != nil {
		mCfg, err := mapMaintenanceConfig(cfg.Maintenance, wh)
		if err != nil {
			return fail(err)
		}
		maint = maintenance.New(mCfg, st, q, log.With(logx.String("comp", "maintenance")))
	}

	api := httpapi.New(cfg.HTTP, httpapi.Deps{
		Store:   st,
		Queue:   q,
		Webhook: wh,
		Bus:     bus,
		Metrics: met,
	}, log.With(logx.String("comp", "http")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		met:     met,
		st:      st,
		q:       q,
		notif:   notif,
		wh:      wh,
		maint:   maint,
		api:     api,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.q.Start(runCtx)

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(runCtx)
		notif := a.notif
		a.sup.Go("notify.bus", func(c context.Context) error {
			return notif.ConsumeBus(c, a.bus)
		})
	}

	if a.maint != nil {
		if err := a.maint.Start(runCtx); err != nil {
			return err
		}
	}

	a.api.Start()

	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// reloadLoop applies validated config updates to the live services.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep only the latest.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(last, cfg)
			last = cfg

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

			a.api.ApplyAuth(cfg.HTTP.Auth)

			if qCfg, err := mapQueueConfig(cfg.Queue); err != nil {
				a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
			} else {
				a.q.Apply(qCfg)
			}

			if a.notif != nil && cfg.Notify != nil {
				if nCfg, err := mapNotifyConfig(cfg.Notify); err != nil {
					a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
				} else {
					wasEnabled := a.notif.Enabled()
					a.notif.Apply(nCfg)
					if wasEnabled && !nCfg.Enabled {
						stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
						a.notif.Stop(stopCtx)
						cancel()
						a.log.Info("notifications disabled via config")
					} else if !wasEnabled && nCfg.Enabled {
						a.notif.Start(ctx)
						a.log.Info("notifications enabled via config")
					}
				}
			}

			for _, s := range sections {
				if s == "store" || s == "maintenance" {
					a.log.Warn("config section changed; restart required",
						logx.String("section", s))
				}
			}

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("http", 3*time.Second, func(c context.Context) { a.api.Stop(c) })
	step("queue", 5*time.Second, func(c context.Context) { a.q.Stop(c) })
	if a.maint != nil {
		step("maintenance", 2*time.Second, func(c context.Context) { a.maint.Stop(c) })
	}
	if a.notif != nil {
		step("notify", 2*time.Second, func(c context.Context) { a.notif.Stop(c) })
	}
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })
	step("store", 1*time.Second, func(context.Context) { _ = a.st.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// Config mapping helpers. Validation already rejected malformed values, so
// parse errors here mean a programming error rather than operator input.

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault("app", raw, def)
	if err != nil {
		return def
	}
	return d
}

func mapQueueConfig(qc config.QueueConfig) (queue.Config, error) {
	poll, err := config.ParseDurationField("queue.poll_interval", qc.PollInterval)
	if err != nil {
		return queue.Config{}, err
	}
	lease, err := config.ParseDurationField("queue.lease", qc.Lease)
	if err != nil {
		return queue.Config{}, err
	}
	cooldown, err := config.ParseDurationField("queue.breaker_cooldown", qc.BreakerCooldown)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Workers:          qc.Workers,
		BatchSize:        qc.BatchSize,
		PollInterval:     poll,
		Lease:            lease,
		MaxRetries:       qc.MaxRetries,
		BreakerThreshold: qc.BreakerThreshold,
		BreakerCooldown:  cooldown,
	}, nil
}

func mapNotifyConfig(nc *config.NotifyConfig) (notify.Config, error) {
	retryBase, err := config.ParseDurationField("notify.retry_base", nc.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationField("notify.dedup_window", nc.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:     nc.Enabled,
		Workers:     nc.Workers,
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		RetryMax:    nc.RetryMax,
		RetryBase:   retryBase,
		DedupWindow: dedup,
	}, nil
}

func buildChannels(nc *config.NotifyConfig, log logx.Logger) ([]notify.Channel, error) {
	var channels []notify.Channel
	if nc.LogChannel {
		channels = append(channels, notify.NewLogChannel(log))
	}
	if strings.TrimSpace(nc.WebhookURL) != "" {
		channels = append(channels, notify.NewWebhookChannel(nc.WebhookURL))
	}
	if nc.Telegram != nil && strings.TrimSpace(nc.Telegram.Token) != "" {
		ch, err := notify.NewTelegramChannel(nc.Telegram.Token, nc.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func mapWebhookConfig(wc *config.WebhookConfig) (webhook.Config, error) {
	tolerance, err := config.ParseDurationField("webhook.tolerance", wc.Tolerance)
	if err != nil {
		return webhook.Config{}, err
	}
	retention, err := config.ParseDurationField("webhook.retention", wc.Retention)
	if err != nil {
		return webhook.Config{}, err
	}
	return webhook.Config{
		SigningSecret: wc.SigningSecret,
		Tolerance:     tolerance,
		Retention:     retention,
	}, nil
}

func mapMaintenanceConfig(mc *config.MaintenanceConfig, wh *webhook.Service) (maintenance.Config, error) {
	sweep, err := config.ParseDurationField("maintenance.lease_sweep_interval", mc.LeaseSweepInterval)
	if err != nil {
		return maintenance.Config{}, err
	}
	cfg := maintenance.Config{
		Enabled:            mc.Enabled,
		Timezone:           mc.Timezone,
		LeaseSweepInterval: sweep,
		DailyResetSpec:     mc.DailyResetSpec,
		MonthlyResetSpec:   mc.MonthlyResetSpec,
		WebhookPruneSpec:   mc.WebhookPruneSpec,
	}
	if wh != nil {
		cfg.WebhookRetention = wh.Retention()
	}
	return cfg, nil
}
