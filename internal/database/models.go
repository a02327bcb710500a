package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// EventKind classifies the device-security event that triggered an alert
type EventKind string

const (
	EventKindFailedPin          EventKind = "failed_pin"
	EventKindSimChange          EventKind = "sim_change"
	EventKindTamper             EventKind = "tamper"
	EventKindRemovedFromNetwork EventKind = "removed_from_network"
)

// IsValid returns true if the event kind is a recognized value
func (k EventKind) IsValid() bool {
	switch k {
	case EventKindFailedPin, EventKindSimChange, EventKindTamper, EventKindRemovedFromNetwork:
		return true
	}
	return false
}

// ChannelKind identifies a delivery channel
type ChannelKind string

const (
	ChannelKindPush    ChannelKind = "push"
	ChannelKindSMS     ChannelKind = "sms"
	ChannelKindWebhook ChannelKind = "webhook"
	ChannelKindSlack   ChannelKind = "slack"
)

// AllChannelKinds lists channels in the order endpoints are planned
var AllChannelKinds = []ChannelKind{ChannelKindPush, ChannelKindSMS, ChannelKindWebhook, ChannelKindSlack}

// IsValid returns true if the channel kind is a recognized value
func (k ChannelKind) IsValid() bool {
	switch k {
	case ChannelKindPush, ChannelKindSMS, ChannelKindWebhook, ChannelKindSlack:
		return true
	}
	return false
}

// Device represents a registered mobile device
type Device struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID           string    `gorm:"size:128;not null;index" json:"owner_id"`
	Name              string    `gorm:"size:255" json:"name"`
	Phone             string    `gorm:"size:32" json:"phone"`
	APIKey            string    `gorm:"size:64;index" json:"-"` // Shared secret for device-originated ingest
	LastKnownLocation string    `gorm:"size:255" json:"last_known_location,omitempty"`
	RegisteredAt      time.Time `json:"registered_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	// Relationships
	Contacts []Contact `gorm:"foreignKey:DeviceID" json:"contacts,omitempty"`
}

// BeforeCreate hook to set RegisteredAt
func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	return nil
}

// Contact represents a trusted contact associated with a device
type Contact struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	DeviceID  string    `gorm:"size:36;not null;index" json:"device_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Endpoints JSONB     `gorm:"type:jsonb" json:"endpoints"` // channel kind -> destination address
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Endpoint returns the destination address for a channel, or "" if unset
func (c *Contact) Endpoint(kind ChannelKind) string {
	if c.Endpoints == nil {
		return ""
	}
	if dest, ok := c.Endpoints[string(kind)].(string); ok {
		return dest
	}
	return ""
}

// ChannelEndpoint pairs a channel kind with a destination address
type ChannelEndpoint struct {
	Kind        ChannelKind `json:"kind"`
	Destination string      `json:"destination"`
}

// ActiveEndpoints returns the contact's channel endpoints in planning order
func (c *Contact) ActiveEndpoints() []ChannelEndpoint {
	var out []ChannelEndpoint
	for _, kind := range AllChannelKinds {
		if dest := c.Endpoint(kind); dest != "" {
			out = append(out, ChannelEndpoint{Kind: kind, Destination: dest})
		}
	}
	return out
}

// AlertStatus represents the aggregate delivery status of an alert
type AlertStatus string

const (
	AlertStatusOpen               AlertStatus = "open"
	AlertStatusPartiallyDelivered AlertStatus = "partially_delivered"
	AlertStatusDelivered          AlertStatus = "delivered"
	AlertStatusFailed             AlertStatus = "failed"
)

// AlertRecord aggregates all delivery attempts for one accepted event
type AlertRecord struct {
	ID            string      `gorm:"primaryKey;size:36" json:"id"`
	DeviceID      string      `gorm:"size:36;not null;index" json:"device_id"`
	EventKind     EventKind   `gorm:"type:varchar(50);not null" json:"event_kind"`
	OccurredAt    time.Time   `json:"occurred_at"`
	DedupKey      string      `gorm:"size:128;not null;index:idx_alert_dedup" json:"dedup_key"`
	Payload       JSONB       `gorm:"type:jsonb" json:"payload"`
	Status        AlertStatus `gorm:"type:varchar(50);not null;default:'open';index" json:"status"`
	Message       string      `gorm:"type:text" json:"message"` // Rendered notification text, fixed at plan time
	PlannedPairs  int         `json:"planned_pairs"`
	DispatchError string      `gorm:"type:text" json:"dispatch_error,omitempty"`
	CreatedAt     time.Time   `gorm:"index:idx_alert_dedup" json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// IsSettled returns true once every planned pair reached a terminal state
func (a *AlertRecord) IsSettled() bool {
	return a.CompletedAt != nil
}

// AttemptState represents the state of one delivery attempt row
type AttemptState string

const (
	AttemptStatePending         AttemptState = "pending"
	AttemptStateSent            AttemptState = "sent"
	AttemptStateConfirmed       AttemptState = "confirmed"
	AttemptStateFailedRetryable AttemptState = "failed_retryable"
	AttemptStateFailedTerminal  AttemptState = "failed_terminal"
	AttemptStateExhausted       AttemptState = "exhausted"
)

// IsTerminal returns true for states that end a delivery lineage
func (s AttemptState) IsTerminal() bool {
	switch s {
	case AttemptStateConfirmed, AttemptStateFailedTerminal, AttemptStateExhausted:
		return true
	}
	return false
}

// attemptRank orders states along the lifecycle so transitions stay monotonic
func attemptRank(s AttemptState) int {
	switch s {
	case AttemptStatePending:
		return 0
	case AttemptStateSent:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether moving from s to next is a forward transition.
// failed_retryable closes the row; the retry continues as a new attempt number.
func (s AttemptState) CanTransition(next AttemptState) bool {
	if s.IsTerminal() || s == AttemptStateFailedRetryable {
		return false
	}
	return attemptRank(next) > attemptRank(s)
}

// DeliveryAttempt is one try at delivering a notification to one contact over one
// channel. A new row is appended per retry; only the state of the same row advances.
type DeliveryAttempt struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	AlertID       string       `gorm:"size:36;not null;index" json:"alert_id"`
	ContactID     string       `gorm:"size:36;not null;index" json:"contact_id"`
	ChannelKind   ChannelKind  `gorm:"type:varchar(50);not null" json:"channel_kind"`
	AttemptNumber int          `gorm:"not null" json:"attempt_number"`
	State         AttemptState `gorm:"type:varchar(50);not null;default:'pending'" json:"state"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	ErrorDetail   string       `gorm:"type:text" json:"error_detail,omitempty"`
}

// BeforeCreate hook to set StartedAt
func (a *DeliveryAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now()
	}
	return nil
}

// PairKey identifies one (contact, channel) delivery lineage within an alert
type PairKey struct {
	ContactID   string
	ChannelKind ChannelKind
}

// ComputeAlertStatus derives the aggregate status from per-lineage terminal states.
// Pure function: delivered when every planned pair confirmed, failed when every pair
// settled without a single confirmation, partially_delivered once at least one pair
// is terminal while outcomes are mixed or settlement is incomplete.
func ComputeAlertStatus(plannedPairs int, terminalStates map[PairKey]AttemptState) AlertStatus {
	if plannedPairs == 0 {
		return AlertStatusFailed
	}
	if len(terminalStates) == 0 {
		return AlertStatusOpen
	}

	confirmed := 0
	for _, state := range terminalStates {
		if state == AttemptStateConfirmed {
			confirmed++
		}
	}

	allTerminal := len(terminalStates) >= plannedPairs
	switch {
	case allTerminal && confirmed == plannedPairs:
		return AlertStatusDelivered
	case allTerminal && confirmed == 0:
		return AlertStatusFailed
	default:
		return AlertStatusPartiallyDelivered
	}
}

// TableName overrides for explicit table naming
func (Device) TableName() string {
	return "devices"
}

func (Contact) TableName() string {
	return "contacts"
}

func (AlertRecord) TableName() string {
	return "alert_records"
}

func (DeliveryAttempt) TableName() string {
	return "delivery_attempts"
}
