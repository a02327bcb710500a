package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/guardline/guardline/internal/database"
)

// WebhookConfig holds generic webhook settings
type WebhookConfig struct {
	SecretHeader string `yaml:"secret_header"` // optional header name carrying the shared secret
	Secret       string `yaml:"secret"`
}

// WebhookAdapter posts alert JSON to an arbitrary HTTPS endpoint. This is the
// smart-home trigger path: the destination is the contact's webhook URL and it
// rides the same plan as every other channel.
type WebhookAdapter struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookAdapter creates a webhook adapter
func NewWebhookAdapter(cfg WebhookConfig) *WebhookAdapter {
	return &WebhookAdapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Kind returns the channel kind this adapter serves
func (a *WebhookAdapter) Kind() database.ChannelKind {
	return database.ChannelKindWebhook
}

// Send posts one alert to the destination URL
func (a *WebhookAdapter) Send(ctx context.Context, destination string, msg Message) Result {
	parsed, err := url.Parse(destination)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Terminal(fmt.Sprintf("webhook: destination %q is not a valid URL", destination))
	}

	payload := map[string]interface{}{
		"alert_id":    msg.AlertID,
		"device_id":   msg.DeviceID,
		"device_name": msg.DeviceName,
		"event_kind":  string(msg.EventKind),
		"message":     msg.Body,
		"occurred_at": msg.OccurredAt,
		"ts":          time.Now().UTC().Format(time.RFC3339Nano),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Terminal(fmt.Sprintf("webhook: marshal: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return Terminal(fmt.Sprintf("webhook: create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.SecretHeader != "" && a.cfg.Secret != "" {
		req.Header.Set(a.cfg.SecretHeader, a.cfg.Secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Retryable("webhook: request timed out")
		}
		return Retryable(fmt.Sprintf("webhook: send: %v", err))
	}
	defer resp.Body.Close()

	return classifyHTTPStatus("webhook", resp)
}
