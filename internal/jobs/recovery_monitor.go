package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/guardline/guardline/internal/database"
)

// Resubmitter re-plans an alert whose dispatch state was lost
type Resubmitter interface {
	Resubmit(alert *database.AlertRecord) error
}

// RecoveryMonitor finds alerts stranded mid-dispatch (process restart, dropped
// backoff timers) and hands them back to the dispatcher. Already-settled pairs
// stay settled; only unfinished lineages get new attempts.
type RecoveryMonitor struct {
	db         *gorm.DB
	dispatcher Resubmitter
	staleAfter time.Duration
}

// NewRecoveryMonitor creates a new recovery monitor
func NewRecoveryMonitor(db *gorm.DB, dispatcher Resubmitter, staleAfter time.Duration) *RecoveryMonitor {
	return &RecoveryMonitor{db: db, dispatcher: dispatcher, staleAfter: staleAfter}
}

// CheckAndResubmit resubmits unsettled alerts with no recent audit activity
func (m *RecoveryMonitor) CheckAndResubmit() (int, error) {
	cutoff := time.Now().Add(-m.staleAfter)
	alerts, err := database.ListStaleOpenAlerts(m.db, cutoff)
	if err != nil {
		return 0, err
	}

	resubmitted := 0
	for i := range alerts {
		alert := alerts[i]
		if err := m.dispatcher.Resubmit(&alert); err != nil {
			log.Printf("Failed to resubmit alert %s: %v", alert.ID, err)
			continue
		}
		resubmitted++
		log.Printf("Resubmitted stale alert %s (status %s)", alert.ID, alert.Status)
	}
	return resubmitted, nil
}

// Start begins the periodic recovery sweep
func (m *RecoveryMonitor) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			resubmitted, err := m.CheckAndResubmit()
			if err != nil {
				log.Printf("Recovery monitor error: %v", err)
			} else if resubmitted > 0 {
				log.Printf("Recovery monitor: resubmitted %d stale alerts", resubmitted)
			}
		case <-stop:
			log.Println("Recovery monitor stopped")
			return
		}
	}
}
