package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"market-intel-backend/config"
)

// Channel is one alert delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

const telegramMessageLimit = 4096

// ============================================================================
// TELEGRAM
// ============================================================================

// TelegramChannel delivers alerts as Markdown messages via the Bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramChannel creates a telegram channel.
func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, a Alert) error {
	text := fmt.Sprintf("*[%s] %s*\n_%s_\n\n%s",
		severityLabel(a.Severity), a.Title, a.Component, a.Message)
	if len(text) > telegramMessageLimit {
		text = text[:telegramMessageLimit-3] + "..."
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	return postJSON(ctx, t.client, url, payload, "telegram")
}

func severityLabel(s Severity) string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

// ============================================================================
// SLACK
// ============================================================================

// SlackChannel delivers alerts through an incoming webhook, colored by
// severity.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

// NewSlackChannel creates a slack channel.
func NewSlackChannel(cfg config.SlackConfig) *SlackChannel {
	return &SlackChannel{
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, a Alert) error {
	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  slackColor(a.Severity),
				"title":  fmt.Sprintf("[%s] %s", severityLabel(a.Severity), a.Title),
				"text":   a.Message,
				"footer": a.Component,
				"ts":     a.CreatedAt.Unix(),
			},
		},
	}
	return postJSON(ctx, s.client, s.webhookURL, payload, "slack")
}

func slackColor(s Severity) string {
	switch s {
	case SeverityCritical, SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

// ============================================================================
// EMAIL
// ============================================================================

// EmailChannel delivers alerts over SMTP. Opt-in.
type EmailChannel struct {
	cfg config.EmailConfig
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, a Alert) error {
	subject := fmt.Sprintf("[%s] %s: %s", severityLabel(a.Severity), a.Component, a.Title)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n\r\nComponent: %s\nSeverity: %s\nTime: %s\n",
		e.cfg.From, e.cfg.To, subject, a.Message, a.Component, a.Severity,
		a.CreatedAt.Format(time.RFC3339))

	addr := e.cfg.Host + ":" + e.cfg.Port
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, e.cfg.From, []string{e.cfg.To}, []byte(body)); err != nil {
		return fmt.Errorf("email send failed: %w", err)
	}
	return nil
}

// ============================================================================
// WEBHOOK
// ============================================================================

// WebhookChannel posts the alert as JSON to a configured URL. Opt-in.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, a Alert) error {
	return postJSON(ctx, w.client, w.url, a, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, name string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", name, resp.StatusCode)
	}
	return nil
}
