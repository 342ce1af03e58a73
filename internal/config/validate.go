package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field constraints and duration syntax. It is also
// installed as the manager's reload validator so a bad edit never replaces
// a good running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if _, err := ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"queue.poll_interval", cfg.Queue.PollInterval},
		{"queue.lease", cfg.Queue.Lease},
		{"queue.breaker_cooldown", cfg.Queue.BreakerCooldown},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must be >= 0")
	}
	if cfg.Queue.BatchSize < 0 {
		return fmt.Errorf("queue.batch_size must be >= 0")
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}

	seen := map[string]struct{}{}
	for i, a := range cfg.HTTP.Auth {
		tok := strings.TrimSpace(a.Token)
		if tok == "" {
			return fmt.Errorf("http.auth[%d]: token is empty", i)
		}
		if strings.TrimSpace(a.UserID) == "" {
			return fmt.Errorf("http.auth[%d]: user_id is empty", i)
		}
		if _, dup := seen[tok]; dup {
			return fmt.Errorf("http.auth[%d]: duplicate token", i)
		}
		seen[tok] = struct{}{}
	}

	if n := cfg.Notify; n != nil && n.Enabled {
		for _, f := range []struct{ path, raw string }{
			{"notify.retry_base", n.RetryBase},
			{"notify.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if n.Telegram != nil && n.Telegram.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id is required when telegram is set")
		}
	}

	if w := cfg.Webhook; w != nil {
		if _, err := ParseDurationField("webhook.tolerance", w.Tolerance); err != nil {
			return err
		}
		if _, err := ParseDurationField("webhook.retention", w.Retention); err != nil {
			return err
		}
	}

	if m := cfg.Maintenance; m != nil && m.Enabled {
		if _, err := ParseDurationField("maintenance.lease_sweep_interval", m.LeaseSweepInterval); err != nil {
			return err
		}
		if tz := strings.TrimSpace(m.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("maintenance.timezone: %w", err)
			}
		}
	}
	return nil
}
