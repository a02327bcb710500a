package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// FindAlertByDedupKey returns the alert created for (deviceID, dedupKey) at or
// after the given cutoff, or nil when no alert falls inside the dedup window.
func FindAlertByDedupKey(db *gorm.DB, deviceID, dedupKey string, since time.Time) (*AlertRecord, error) {
	var alert AlertRecord
	err := db.Where("device_id = ? AND dedup_key = ? AND created_at >= ?", deviceID, dedupKey, since).
		Order("created_at DESC").
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListAttempts returns all delivery attempts for an alert ordered by lineage
// then attempt number, matching the audit-query contract.
func ListAttempts(db *gorm.DB, alertID string) ([]DeliveryAttempt, error) {
	var attempts []DeliveryAttempt
	err := db.Where("alert_id = ?", alertID).
		Order("contact_id ASC").
		Order("channel_kind ASC").
		Order("attempt_number ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// LatestAttemptStates returns, for each (contact, channel) lineage of an alert,
// the state of its highest-numbered attempt when that state is terminal.
// Lineages still pending or mid-retry are absent from the result.
func LatestAttemptStates(db *gorm.DB, alertID string) (map[PairKey]AttemptState, error) {
	attempts, err := ListAttempts(db, alertID)
	if err != nil {
		return nil, err
	}

	latest := make(map[PairKey]DeliveryAttempt)
	for _, attempt := range attempts {
		key := PairKey{ContactID: attempt.ContactID, ChannelKind: attempt.ChannelKind}
		if prev, ok := latest[key]; !ok || attempt.AttemptNumber > prev.AttemptNumber {
			latest[key] = attempt
		}
	}

	terminal := make(map[PairKey]AttemptState)
	for key, attempt := range latest {
		if attempt.State.IsTerminal() {
			terminal[key] = attempt.State
		}
	}
	return terminal, nil
}

// MaxAttemptNumbers returns the highest attempt number recorded per lineage.
// Used by crash recovery to continue numbering without rewriting history.
func MaxAttemptNumbers(db *gorm.DB, alertID string) (map[PairKey]int, error) {
	attempts, err := ListAttempts(db, alertID)
	if err != nil {
		return nil, err
	}
	max := make(map[PairKey]int)
	for _, attempt := range attempts {
		key := PairKey{ContactID: attempt.ContactID, ChannelKind: attempt.ChannelKind}
		if attempt.AttemptNumber > max[key] {
			max[key] = attempt.AttemptNumber
		}
	}
	return max, nil
}

// ListStaleOpenAlerts returns alerts still open whose last update is older than
// the cutoff. After a restart these have no live dispatcher state and need
// resubmission.
func ListStaleOpenAlerts(db *gorm.DB, cutoff time.Time) ([]AlertRecord, error) {
	var alerts []AlertRecord
	err := db.Where("status IN ? AND completed_at IS NULL AND updated_at < ?",
		[]AlertStatus{AlertStatusOpen, AlertStatusPartiallyDelivered}, cutoff).
		Order("created_at ASC").
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}
