package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/guardline/guardline/internal/database"
)

// AuditService is the append-only delivery audit log. Every attempt state
// transition is persisted before the dispatcher takes its next retry decision,
// so the log never trails the state machine. There is no deletion API.
type AuditService struct {
	db *gorm.DB
}

// NewAuditService creates a new AuditService
func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{db: db}
}

// GetAlert retrieves one alert record
func (s *AuditService) GetAlert(alertID string) (*database.AlertRecord, error) {
	var alert database.AlertRecord
	err := s.db.First(&alert, "id = ?", alertID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// SetPlan fixes the rendered message and planned pair count on an alert
func (s *AuditService) SetPlan(alertID, message string, plannedPairs int) error {
	return s.db.Model(&database.AlertRecord{}).Where("id = ?", alertID).
		Updates(map[string]interface{}{
			"message":       message,
			"planned_pairs": plannedPairs,
		}).Error
}

// AppendAttempt opens a new attempt row in state pending. The row is durable
// before the caller proceeds to send.
func (s *AuditService) AppendAttempt(alertID, contactID string, kind database.ChannelKind, attemptNumber int) (*database.DeliveryAttempt, error) {
	attempt := &database.DeliveryAttempt{
		AlertID:       alertID,
		ContactID:     contactID,
		ChannelKind:   kind,
		AttemptNumber: attemptNumber,
		State:         database.AttemptStatePending,
	}
	if err := s.db.Create(attempt).Error; err != nil {
		return nil, fmt.Errorf("audit append failed: %w", err)
	}
	return attempt, nil
}

// MarkSent advances an attempt from pending to sent
func (s *AuditService) MarkSent(attempt *database.DeliveryAttempt) error {
	return s.transition(attempt, database.AttemptStateSent, "")
}

// CompleteAttempt settles an attempt row in a final sub-state and stamps
// CompletedAt. failed_retryable closes the row; the retry opens a new one.
func (s *AuditService) CompleteAttempt(attempt *database.DeliveryAttempt, state database.AttemptState, errorDetail string) error {
	if state != database.AttemptStateFailedRetryable && !state.IsTerminal() {
		return fmt.Errorf("state %q does not complete an attempt", state)
	}
	return s.transition(attempt, state, errorDetail)
}

// transition enforces monotonic forward movement on a single attempt row
func (s *AuditService) transition(attempt *database.DeliveryAttempt, next database.AttemptState, errorDetail string) error {
	if !attempt.State.CanTransition(next) {
		return fmt.Errorf("illegal attempt transition %s -> %s", attempt.State, next)
	}

	updates := map[string]interface{}{"state": next}
	if errorDetail != "" {
		updates["error_detail"] = errorDetail
	}
	var completedAt *time.Time
	if next != database.AttemptStateSent {
		now := time.Now()
		completedAt = &now
		updates["completed_at"] = now
	}

	if err := s.db.Model(attempt).Updates(updates).Error; err != nil {
		return fmt.Errorf("audit transition failed: %w", err)
	}
	attempt.State = next
	attempt.CompletedAt = completedAt
	if errorDetail != "" {
		attempt.ErrorDetail = errorDetail
	}
	return nil
}

// QueryAttempts returns the full delivery history of an alert, ordered by
// lineage then attempt number
func (s *AuditService) QueryAttempts(alertID string) ([]database.DeliveryAttempt, error) {
	return database.ListAttempts(s.db, alertID)
}

// TerminalStates returns the terminal state of each settled (contact, channel)
// lineage of an alert
func (s *AuditService) TerminalStates(alertID string) (map[database.PairKey]database.AttemptState, error) {
	return database.LatestAttemptStates(s.db, alertID)
}

// AttemptNumbers returns the highest recorded attempt number per lineage
func (s *AuditService) AttemptNumbers(alertID string) (map[database.PairKey]int, error) {
	return database.MaxAttemptNumbers(s.db, alertID)
}

// RecomputeStatus re-derives the aggregate alert status from the audit log and
// persists it. The status is a pure function of the lineage terminal states;
// once every planned pair settled the result is frozen via CompletedAt.
// Returns the status and whether the alert is now settled.
func (s *AuditService) RecomputeStatus(alertID string) (database.AlertStatus, bool, error) {
	alert, err := s.GetAlert(alertID)
	if err != nil {
		return "", false, err
	}
	if alert.IsSettled() {
		return alert.Status, true, nil
	}

	terminal, err := database.LatestAttemptStates(s.db, alertID)
	if err != nil {
		return "", false, err
	}

	status := database.ComputeAlertStatus(alert.PlannedPairs, terminal)
	settled := len(terminal) >= alert.PlannedPairs

	updates := map[string]interface{}{"status": status}
	if settled {
		updates["completed_at"] = time.Now()
	}
	err = s.db.Model(&database.AlertRecord{}).
		Where("id = ? AND completed_at IS NULL", alertID).
		Updates(updates).Error
	if err != nil {
		return "", false, err
	}
	return status, settled, nil
}

// MarkDispatchFailed settles an alert at the dispatcher level, outside the
// per-attempt state machine (registry lookup failure, empty delivery plan).
func (s *AuditService) MarkDispatchFailed(alertID, note string) error {
	return s.db.Model(&database.AlertRecord{}).
		Where("id = ? AND completed_at IS NULL", alertID).
		Updates(map[string]interface{}{
			"status":         database.AlertStatusFailed,
			"dispatch_error": note,
			"completed_at":   time.Now(),
		}).Error
}
