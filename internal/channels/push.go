package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guardline/guardline/internal/database"
)

// PushConfig holds push-gateway settings (FCM-compatible HTTP endpoint)
type PushConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// PushAdapter delivers notifications through an FCM-style HTTP push gateway.
// The destination is the contact's registered push token.
type PushAdapter struct {
	cfg    PushConfig
	client *http.Client
}

// NewPushAdapter creates a push adapter
func NewPushAdapter(cfg PushConfig) *PushAdapter {
	return &PushAdapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Kind returns the channel kind this adapter serves
func (a *PushAdapter) Kind() database.ChannelKind {
	return database.ChannelKindPush
}

// Send posts one notification to the push gateway
func (a *PushAdapter) Send(ctx context.Context, destination string, msg Message) Result {
	payload := map[string]interface{}{
		"message": map[string]interface{}{
			"token": destination,
			"notification": map[string]string{
				"title": msg.Title,
				"body":  msg.Body,
			},
			"data": map[string]string{
				"source":      "guardline",
				"alert_id":    msg.AlertID,
				"event_kind":  string(msg.EventKind),
				"occurred_at": msg.OccurredAt,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Terminal(fmt.Sprintf("push: marshal: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Terminal(fmt.Sprintf("push: create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Retryable("push: request timed out")
		}
		return Retryable(fmt.Sprintf("push: send: %v", err))
	}
	defer resp.Body.Close()

	return classifyHTTPStatus("push", resp)
}

// classifyHTTPStatus maps an HTTP response to the tri-state result.
// 2xx confirms; 5xx and 429 are transient; remaining 4xx codes mean the
// destination itself is bad (unregistered token, malformed address).
func classifyHTTPStatus(channel string, resp *http.Response) Result {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Confirmed()
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Retryable(fmt.Sprintf("%s: gateway returned status %d", channel, resp.StatusCode))
	default:
		detail := fmt.Sprintf("%s: rejected with status %d", channel, resp.StatusCode)
		if body, err := io.ReadAll(io.LimitReader(resp.Body, 512)); err == nil && len(body) > 0 {
			detail = fmt.Sprintf("%s: %s", detail, string(body))
		}
		return Terminal(detail)
	}
}
