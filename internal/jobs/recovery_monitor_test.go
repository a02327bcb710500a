package jobs

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/guardline/guardline/internal/database"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	err = db.AutoMigrate(
		&database.Device{},
		&database.Contact{},
		&database.AlertRecord{},
		&database.DeliveryAttempt{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// fakeResubmitter records alerts handed back for re-dispatch
type fakeResubmitter struct {
	resubmitted []string
	fail        map[string]bool
}

func (f *fakeResubmitter) Resubmit(alert *database.AlertRecord) error {
	if f.fail[alert.ID] {
		return errors.New("dispatch queue full")
	}
	f.resubmitted = append(f.resubmitted, alert.ID)
	return nil
}

func seedAlert(t *testing.T, db *gorm.DB, id string, status database.AlertStatus, updatedAt time.Time, completed bool) {
	t.Helper()
	alert := &database.AlertRecord{
		ID:        id,
		DeviceID:  "d1",
		EventKind: database.EventKindTamper,
		DedupKey:  "k-" + id,
		Status:    status,
	}
	if completed {
		now := time.Now()
		alert.CompletedAt = &now
	}
	if err := db.Create(alert).Error; err != nil {
		t.Fatalf("failed to seed alert %s: %v", id, err)
	}
	// Backdate past GORM's auto-stamp so staleness is under test control.
	if err := db.Model(&database.AlertRecord{}).Where("id = ?", id).
		UpdateColumn("updated_at", updatedAt).Error; err != nil {
		t.Fatalf("failed to backdate alert %s: %v", id, err)
	}
}

func TestCheckAndResubmitFindsStaleAlerts(t *testing.T) {
	db := setupTestDB(t)
	dispatcher := &fakeResubmitter{}
	monitor := NewRecoveryMonitor(db, dispatcher, 5*time.Minute)

	stale := time.Now().Add(-10 * time.Minute)
	seedAlert(t, db, "stale-open", database.AlertStatusOpen, stale, false)
	seedAlert(t, db, "stale-partial", database.AlertStatusPartiallyDelivered, stale, false)
	seedAlert(t, db, "fresh-open", database.AlertStatusOpen, time.Now(), false)
	seedAlert(t, db, "settled", database.AlertStatusDelivered, stale, true)

	count, err := monitor.CheckAndResubmit()
	if err != nil {
		t.Fatalf("CheckAndResubmit failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 resubmitted, got %d", count)
	}

	got := make(map[string]bool)
	for _, id := range dispatcher.resubmitted {
		got[id] = true
	}
	if !got["stale-open"] || !got["stale-partial"] {
		t.Errorf("expected stale-open and stale-partial resubmitted, got %v", dispatcher.resubmitted)
	}
	if got["fresh-open"] || got["settled"] {
		t.Errorf("fresh or settled alert was resubmitted: %v", dispatcher.resubmitted)
	}
}

func TestCheckAndResubmitNoStaleAlerts(t *testing.T) {
	db := setupTestDB(t)
	dispatcher := &fakeResubmitter{}
	monitor := NewRecoveryMonitor(db, dispatcher, 5*time.Minute)

	seedAlert(t, db, "fresh", database.AlertStatusOpen, time.Now(), false)

	count, err := monitor.CheckAndResubmit()
	if err != nil {
		t.Fatalf("CheckAndResubmit failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 resubmitted, got %d", count)
	}
}

func TestCheckAndResubmitContinuesPastFailures(t *testing.T) {
	db := setupTestDB(t)
	dispatcher := &fakeResubmitter{fail: map[string]bool{"bad": true}}
	monitor := NewRecoveryMonitor(db, dispatcher, 5*time.Minute)

	stale := time.Now().Add(-10 * time.Minute)
	seedAlert(t, db, "bad", database.AlertStatusOpen, stale, false)
	seedAlert(t, db, "good", database.AlertStatusOpen, stale, false)

	count, err := monitor.CheckAndResubmit()
	if err != nil {
		t.Fatalf("CheckAndResubmit failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 resubmitted despite failure, got %d", count)
	}
	if len(dispatcher.resubmitted) != 1 || dispatcher.resubmitted[0] != "good" {
		t.Errorf("expected only good resubmitted, got %v", dispatcher.resubmitted)
	}
}

func TestStartStopsOnSignal(t *testing.T) {
	db := setupTestDB(t)
	monitor := NewRecoveryMonitor(db, &fakeResubmitter{}, 5*time.Minute)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		monitor.Start(10*time.Millisecond, stop)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
