package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/guardline/guardline/internal/database"
)

// SlackConfig holds Slack bot settings
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// slackPoster is the slice of the Slack client the adapter needs
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackAdapter posts alert messages to a Slack channel or DM. The destination
// is the Slack channel/user ID stored on the contact.
type SlackAdapter struct {
	client slackPoster
}

// NewSlackAdapter creates a Slack adapter from a bot token
func NewSlackAdapter(cfg SlackConfig) *SlackAdapter {
	return &SlackAdapter{
		client: slack.New(cfg.BotToken),
	}
}

// NewSlackAdapterWithClient creates a Slack adapter around an existing client (tests)
func NewSlackAdapterWithClient(client slackPoster) *SlackAdapter {
	return &SlackAdapter{client: client}
}

// Kind returns the channel kind this adapter serves
func (a *SlackAdapter) Kind() database.ChannelKind {
	return database.ChannelKindSlack
}

// Send posts one alert message to the destination channel
func (a *SlackAdapter) Send(ctx context.Context, destination string, msg Message) Result {
	text := fmt.Sprintf(":rotating_light: *%s*\n%s", msg.Title, msg.Body)

	_, _, err := a.client.PostMessageContext(
		ctx,
		destination,
		slack.MsgOptionText(text, false),
	)
	if err == nil {
		return Confirmed()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable("slack: request timed out")
	}

	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return Retryable(fmt.Sprintf("slack: rate limited, retry after %s", rateLimited.RetryAfter))
	}

	// channel_not_found / is_archived / invalid destinations cannot be retried
	detail := err.Error()
	switch {
	case strings.Contains(detail, "channel_not_found"),
		strings.Contains(detail, "is_archived"),
		strings.Contains(detail, "invalid_auth"),
		strings.Contains(detail, "not_in_channel"):
		return Terminal(fmt.Sprintf("slack: %s", detail))
	default:
		return Retryable(fmt.Sprintf("slack: %s", detail))
	}
}
