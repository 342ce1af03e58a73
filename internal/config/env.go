package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// secrets are credentials that should live in the environment rather than
// the config file. Values from the environment win over file values.
type secrets struct {
	AdminToken          string `env:"SMSQD_ADMIN_TOKEN"`
	StripeWebhookSecret string `env:"SMSQD_STRIPE_WEBHOOK_SECRET"`
	TelegramToken       string `env:"SMSQD_TELEGRAM_TOKEN"`
}

// applyEnvOverrides overlays environment-provided secrets onto cfg.
func applyEnvOverrides(cfg *Config) error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	if s.AdminToken != "" {
		replaced := false
		for i := range cfg.HTTP.Auth {
			if cfg.HTTP.Auth[i].Admin {
				cfg.HTTP.Auth[i].Token = s.AdminToken
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.HTTP.Auth = append(cfg.HTTP.Auth, AuthToken{
				Token:  s.AdminToken,
				UserID: "admin",
				Admin:  true,
			})
		}
	}

	if s.StripeWebhookSecret != "" {
		if cfg.Webhook == nil {
			cfg.Webhook = &WebhookConfig{}
		}
		cfg.Webhook.SigningSecret = s.StripeWebhookSecret
	}

	if s.TelegramToken != "" && cfg.Notify != nil && cfg.Notify.Telegram != nil {
		cfg.Notify.Telegram.Token = s.TelegramToken
	}
	return nil
}
