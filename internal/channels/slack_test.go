package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slack-go/slack"
)

// fakeSlackPoster scripts PostMessageContext outcomes
type fakeSlackPoster struct {
	err      error
	channels []string
}

func (f *fakeSlackPoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channels = append(f.channels, channelID)
	return channelID, "123.456", f.err
}

func TestSlackAdapterConfirmsOnSuccess(t *testing.T) {
	poster := &fakeSlackPoster{}
	adapter := NewSlackAdapterWithClient(poster)

	res := adapter.Send(context.Background(), "C012345", testMessage())
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", res.Outcome, res.ErrorDetail)
	}
	if len(poster.channels) != 1 || poster.channels[0] != "C012345" {
		t.Errorf("expected post to C012345, got %v", poster.channels)
	}
}

func TestSlackAdapterRetryableOnRateLimit(t *testing.T) {
	poster := &fakeSlackPoster{err: &slack.RateLimitedError{RetryAfter: 2 * time.Second}}
	adapter := NewSlackAdapterWithClient(poster)

	res := adapter.Send(context.Background(), "C012345", testMessage())
	if res.Outcome != OutcomeFailedRetryable {
		t.Errorf("expected retryable on rate limit, got %s", res.Outcome)
	}
}

func TestSlackAdapterTerminalOnBadChannel(t *testing.T) {
	for _, apiErr := range []string{"channel_not_found", "is_archived", "invalid_auth", "not_in_channel"} {
		poster := &fakeSlackPoster{err: errors.New(apiErr)}
		adapter := NewSlackAdapterWithClient(poster)

		res := adapter.Send(context.Background(), "C012345", testMessage())
		if res.Outcome != OutcomeFailedTerminal {
			t.Errorf("error %q: expected terminal, got %s", apiErr, res.Outcome)
		}
	}
}

func TestSlackAdapterRetryableOnUnknownError(t *testing.T) {
	poster := &fakeSlackPoster{err: errors.New("connection reset by peer")}
	adapter := NewSlackAdapterWithClient(poster)

	res := adapter.Send(context.Background(), "C012345", testMessage())
	if res.Outcome != OutcomeFailedRetryable {
		t.Errorf("expected retryable, got %s", res.Outcome)
	}
}

func TestSlackAdapterRetryableOnDeadline(t *testing.T) {
	poster := &fakeSlackPoster{err: context.DeadlineExceeded}
	adapter := NewSlackAdapterWithClient(poster)

	res := adapter.Send(context.Background(), "C012345", testMessage())
	if res.Outcome != OutcomeFailedRetryable {
		t.Errorf("expected retryable on deadline, got %s", res.Outcome)
	}
}
