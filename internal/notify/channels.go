package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "smsqd/pkg/logx"
)

// Channel delivers one notification to a destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// logChannel writes alerts to the daemon log. Always succeeds; useful as a
// baseline destination and in tests.
type logChannel struct {
	log logx.Logger
}

func NewLogChannel(log logx.Logger) Channel { return &logChannel{log: log} }

func (c *logChannel) Name() string { return "log" }

func (c *logChannel) Send(_ context.Context, n Notification) error {
	switch {
	case n.Severity >= SevCritical:
		c.log.Error(n.Text)
	case n.Severity >= SevWarn:
		c.log.Warn(n.Text)
	default:
		c.log.Info(n.Text)
	}
	return nil
}

// webhookChannel POSTs alerts as JSON to an operator-provided URL
// (Slack-compatible payload shape).
type webhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) Channel {
	return &webhookChannel{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *webhookChannel) Name() string { return "webhook" }

func (c *webhookChannel) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(map[string]any{
		"text":     n.Text,
		"severity": int(n.Severity),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// telegramChannel posts alerts to a Telegram chat. The bot is send-only;
// no poller runs.
type telegramChannel struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegramChannel(token string, chatID int64) (Channel, error) {
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: false})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &telegramChannel{bot: b, chatID: chatID}, nil
}

func (c *telegramChannel) Name() string { return "telegram" }

func (c *telegramChannel) Send(_ context.Context, n Notification) error {
	_, err := c.bot.Send(tele.ChatID(c.chatID), severityPrefix(n.Severity)+n.Text)
	return err
}

func severityPrefix(s Severity) string {
	switch {
	case s >= SevCritical:
		return "🚨 "
	case s >= SevWarn:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}
