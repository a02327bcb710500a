package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guardline/guardline/internal/database"
)

// SMSConfig holds Twilio-compatible SMS gateway settings
type SMSConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	BaseURL    string `yaml:"base_url"` // override for tests and regional gateways
}

const defaultSMSBaseURL = "https://api.twilio.com"

// SMSAdapter delivers notifications as text messages through a Twilio-style
// REST API. The destination is the contact's phone number in E.164 form.
type SMSAdapter struct {
	cfg    SMSConfig
	client *http.Client
}

// NewSMSAdapter creates an SMS adapter
func NewSMSAdapter(cfg SMSConfig) *SMSAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSMSBaseURL
	}
	return &SMSAdapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Kind returns the channel kind this adapter serves
func (a *SMSAdapter) Kind() database.ChannelKind {
	return database.ChannelKindSMS
}

// Send submits one outbound SMS
func (a *SMSAdapter) Send(ctx context.Context, destination string, msg Message) Result {
	if !strings.HasPrefix(destination, "+") {
		return Terminal(fmt.Sprintf("sms: destination %q is not an E.164 number", destination))
	}

	form := url.Values{}
	form.Set("To", destination)
	form.Set("From", a.cfg.From)
	form.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", a.cfg.BaseURL, a.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Terminal(fmt.Sprintf("sms: create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Retryable("sms: request timed out")
		}
		return Retryable(fmt.Sprintf("sms: send: %v", err))
	}
	defer resp.Body.Close()

	return classifyHTTPStatus("sms", resp)
}
