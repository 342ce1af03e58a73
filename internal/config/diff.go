package config

import (
	"reflect"
	"sort"
	"strings"

	logx "smsqd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, signing keys) are never
// included; only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		len(oldCfg.HTTP.Auth) != len(newCfg.HTTP.Auth) ||
		oldCfg.HTTP.ReadTimeout != newCfg.HTTP.ReadTimeout ||
		oldCfg.HTTP.WriteTimeout != newCfg.HTTP.WriteTimeout ||
		oldCfg.HTTP.IdleTimeout != newCfg.HTTP.IdleTimeout {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Int("http.auth_count", len(newCfg.HTTP.Auth)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.String("store.busy_timeout", strings.TrimSpace(newCfg.Store.BusyTimeout)),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.batch_size", newCfg.Queue.BatchSize),
			logx.String("queue.poll_interval", strings.TrimSpace(newCfg.Queue.PollInterval)),
			logx.String("queue.lease", strings.TrimSpace(newCfg.Queue.Lease)),
			logx.Int("queue.max_retries", newCfg.Queue.MaxRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		n := newCfg.Notify
		if n == nil {
			n = &NotifyConfig{}
		}
		attrs = append(attrs,
			logx.Bool("notify.enabled", n.Enabled),
			logx.Int("notify.workers", n.Workers),
			logx.Bool("notify.webhook_set", strings.TrimSpace(n.WebhookURL) != ""),
			logx.Bool("notify.telegram_set", n.Telegram != nil),
		)
	}

	if !webhookEqual(oldCfg.Webhook, newCfg.Webhook) {
		changed = append(changed, "webhook")
		w := newCfg.Webhook
		if w == nil {
			w = &WebhookConfig{}
		}
		attrs = append(attrs,
			logx.Bool("webhook.secret_set", strings.TrimSpace(w.SigningSecret) != ""),
			logx.String("webhook.tolerance", strings.TrimSpace(w.Tolerance)),
			logx.String("webhook.retention", strings.TrimSpace(w.Retention)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		m := newCfg.Maintenance
		if m == nil {
			m = &MaintenanceConfig{}
		}
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", m.Enabled),
			logx.String("maintenance.timezone", strings.TrimSpace(m.Timezone)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func webhookEqual(o, n *WebhookConfig) bool {
	if (o == nil) != (n == nil) {
		return false
	}
	if o == nil {
		return true
	}
	// Compare secret presence only, not value.
	return (strings.TrimSpace(o.SigningSecret) != "") == (strings.TrimSpace(n.SigningSecret) != "") &&
		o.Tolerance == n.Tolerance && o.Retention == n.Retention
}
