package channels

import (
	"context"

	"github.com/guardline/guardline/internal/database"
)

// Outcome is the tri-state result every adapter reports for one send
type Outcome string

const (
	OutcomeConfirmed       Outcome = "confirmed"
	OutcomeFailedRetryable Outcome = "failed_retryable"
	OutcomeFailedTerminal  Outcome = "failed_terminal"
)

// Result describes one delivery try. The dispatcher never inspects channel wire
// formats; retryable-vs-terminal classification is the adapter's call alone.
type Result struct {
	Outcome     Outcome
	ErrorDetail string
}

// Confirmed is the zero-friction success result
func Confirmed() Result {
	return Result{Outcome: OutcomeConfirmed}
}

// Retryable marks a transient failure worth another attempt
func Retryable(detail string) Result {
	return Result{Outcome: OutcomeFailedRetryable, ErrorDetail: detail}
}

// Terminal marks a failure that retrying cannot fix (e.g. malformed destination)
func Terminal(detail string) Result {
	return Result{Outcome: OutcomeFailedTerminal, ErrorDetail: detail}
}

// Message is the rendered notification handed to adapters
type Message struct {
	Title      string
	Body       string
	AlertID    string
	DeviceID   string
	DeviceName string
	EventKind  database.EventKind
	OccurredAt string
}

// Adapter attempts delivery of one message to one destination exactly once.
// Implementations must honor ctx cancellation; a deadline hit is reported as
// a retryable failure unless the transport says otherwise.
type Adapter interface {
	Kind() database.ChannelKind
	Send(ctx context.Context, destination string, msg Message) Result
}
