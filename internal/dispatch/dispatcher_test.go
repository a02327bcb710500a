package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/guardline/guardline/internal/channels"
	"github.com/guardline/guardline/internal/database"
	"github.com/guardline/guardline/internal/metrics"
	"github.com/guardline/guardline/internal/services"
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

// stubAdapter scripts delivery outcomes per destination and call number
type stubAdapter struct {
	kind   database.ChannelKind
	mu     sync.Mutex
	calls  map[string]int
	script func(destination string, call int) channels.Result
}

func newStubAdapter(kind database.ChannelKind, script func(destination string, call int) channels.Result) *stubAdapter {
	return &stubAdapter{kind: kind, calls: make(map[string]int), script: script}
}

func (a *stubAdapter) Kind() database.ChannelKind {
	return a.kind
}

func (a *stubAdapter) Send(_ context.Context, destination string, _ channels.Message) channels.Result {
	a.mu.Lock()
	a.calls[destination]++
	call := a.calls[destination]
	a.mu.Unlock()
	return a.script(destination, call)
}

func (a *stubAdapter) callCount(destination string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[destination]
}

func alwaysConfirm(string, int) channels.Result {
	return channels.Confirmed()
}

func alwaysRetryable(string, int) channels.Result {
	return channels.Retryable("stub: transient failure")
}

// settleListener signals once the alert reaches a final status
type settleListener struct {
	settled chan database.AlertStatus
}

func newSettleListener() *settleListener {
	return &settleListener{settled: make(chan database.AlertStatus, 8)}
}

func (l *settleListener) AlertStatusChanged(alertID string, status database.AlertStatus, settled bool) {
	if settled {
		l.settled <- status
	}
}

func (l *settleListener) waitSettled(t *testing.T) database.AlertStatus {
	t.Helper()
	select {
	case status := <-l.settled:
		return status
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for alert to settle")
		return ""
	}
}

type fixture struct {
	db         *gorm.DB
	registry   *services.RegistryService
	audit      *services.AuditService
	dispatcher *Dispatcher
	listener   *settleListener
	device     *database.Device
}

func newFixture(t *testing.T, adapters []channels.Adapter) *fixture {
	t.Helper()
	db := setupTestDB(t)
	registry := services.NewRegistryService(db)
	audit := services.NewAuditService(db)

	cfg := Config{
		Workers:         4,
		QueueSize:       16,
		MaxRetries:      3,
		AttemptTimeout:  time.Second,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		RegistryRetries: 1,
	}
	d := NewDispatcher(cfg, registry, audit, adapters, metrics.NewForTest())
	listener := newSettleListener()
	d.SetListener(listener)
	d.Start()
	t.Cleanup(d.Stop)

	device, err := registry.CreateDevice("owner-1", "John's Pixel", "+15550001111")
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	return &fixture{db: db, registry: registry, audit: audit, dispatcher: d, listener: listener, device: device}
}

func (f *fixture) addContact(t *testing.T, name string, endpoints database.JSONB) *database.Contact {
	t.Helper()
	contact, err := f.registry.AddContact(f.device.ID, name, endpoints)
	if err != nil {
		t.Fatalf("failed to add contact: %v", err)
	}
	return contact
}

func (f *fixture) createAlert(t *testing.T) *database.AlertRecord {
	t.Helper()
	alert := &database.AlertRecord{
		ID:         uuid.New().String(),
		DeviceID:   f.device.ID,
		EventKind:  database.EventKindTamper,
		OccurredAt: time.Now(),
		DedupKey:   uuid.New().String(),
		Status:     database.AlertStatusOpen,
	}
	if err := f.db.Create(alert).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	return alert
}

func TestDispatchAllConfirmed(t *testing.T) {
	push := newStubAdapter(database.ChannelKindPush, alwaysConfirm)
	sms := newStubAdapter(database.ChannelKindSMS, alwaysConfirm)
	f := newFixture(t, []channels.Adapter{push, sms})

	f.addContact(t, "Alice", database.JSONB{"push": "tok-alice", "sms": "+15550002222"})
	f.addContact(t, "Bob", database.JSONB{"sms": "+15550003333"})

	alert := f.createAlert(t)
	if err := f.dispatcher.Submit(alert); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	if status := f.listener.waitSettled(t); status != database.AlertStatusDelivered {
		t.Errorf("expected delivered, got %s", status)
	}

	stored, err := f.audit.GetAlert(alert.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.PlannedPairs != 3 {
		t.Errorf("expected 3 planned pairs, got %d", stored.PlannedPairs)
	}
	if stored.Message == "" {
		t.Error("expected rendered message on the alert")
	}

	attempts, _ := f.audit.QueryAttempts(alert.ID)
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for _, a := range attempts {
		if a.State != database.AttemptStateConfirmed {
			t.Errorf("expected confirmed attempt, got %s", a.State)
		}
	}
}

func TestDispatchRetryThenConfirm(t *testing.T) {
	push := newStubAdapter(database.ChannelKindPush, func(dest string, call int) channels.Result {
		if call <= 2 {
			return channels.Retryable("stub: not yet")
		}
		return channels.Confirmed()
	})
	f := newFixture(t, []channels.Adapter{push})

	contact := f.addContact(t, "Alice", database.JSONB{"push": "tok-alice"})

	alert := f.createAlert(t)
	if err := f.dispatcher.Submit(alert); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	if status := f.listener.waitSettled(t); status != database.AlertStatusDelivered {
		t.Errorf("expected delivered after retries, got %s", status)
	}

	attempts, _ := f.audit.QueryAttempts(alert.ID)
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.ContactID != contact.ID {
			t.Errorf("unexpected contact on attempt: %s", a.ContactID)
		}
		if a.AttemptNumber != i+1 {
			t.Errorf("expected attempt number %d, got %d", i+1, a.AttemptNumber)
		}
	}
	if attempts[0].State != database.AttemptStateFailedRetryable ||
		attempts[1].State != database.AttemptStateFailedRetryable ||
		attempts[2].State != database.AttemptStateConfirmed {
		t.Errorf("unexpected lineage states: %s %s %s", attempts[0].State, attempts[1].State, attempts[2].State)
	}
}

func TestDispatchMixedOutcomes(t *testing.T) {
	push := newStubAdapter(database.ChannelKindPush, alwaysConfirm)
	webhook := newStubAdapter(database.ChannelKindWebhook, func(string, int) channels.Result {
		return channels.Terminal("stub: 404 endpoint gone")
	})
	f := newFixture(t, []channels.Adapter{push, webhook})

	f.addContact(t, "Alice", database.JSONB{"push": "tok", "webhook": "https://example.com/hook"})

	alert := f.createAlert(t)
	if err := f.dispatcher.Submit(alert); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	if status := f.listener.waitSettled(t); status != database.AlertStatusPartiallyDelivered {
		t.Errorf("expected partially_delivered, got %s", status)
	}

	// The terminal failure never retried
	if n := webhook.callCount("https://example.com/hook"); n != 1 {
		t.Errorf("expected 1 webhook call, got %d", n)
	}
}

func TestDispatchRetryBound(t *testing.T) {
	push := newStubAdapter(database.ChannelKindPush, alwaysRetryable)
	f := newFixture(t, []channels.Adapter{push})

	f.addContact(t, "Alice", database.JSONB{"push": "tok"})

	alert := f.createAlert(t)
	if err := f.dispatcher.Submit(alert); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	if status := f.listener.waitSettled(t); status != database.AlertStatusFailed {
		t.Errorf("expected failed, got %s", status)
	}

	// First attempt plus MaxRetries retries, the last row exhausted
	attempts, _ := f.audit.QueryAttempts(alert.ID)
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempt rows, got %d", len(attempts))
	}
	last := attempts[len(attempts)-1]
	if last.State != database.AttemptStateExhausted {
		t.Errorf("expected last attempt exhausted, got %s", last.State)
	}
	if push.callCount("tok") != 4 {
		t.Errorf("expected 4 sends, got %d", push.callCount("tok"))
	}
}

func TestDispatchNoEndpoints(t *testing.T) {
	push := newStubAdapter(database.ChannelKindPush, alwaysConfirm)
	f := newFixture(t, []channels.Adapter{push})

	// Contact without any endpoint
	f.addContact(t, "Silent", database.JSONB{})

	alert := f.createAlert(t)
	if err := f.dispatcher.Submit(alert); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	if status := f.listener.waitSettled(t); status != database.AlertStatusFailed {
		t.Errorf("expected failed, got %s", status)
	}

	stored, _ := f.audit.GetAlert(alert.ID)
	if stored.DispatchError == "" {
		t.Error("expected dispatch error note")
	}
}

func TestDispatchPlanPersistFailure(t *testing.T) {
	push := newStubAdapter(database.ChannelKindPush, alwaysConfirm)
	f := newFixture(t, []channels.Adapter{push})

	f.addContact(t, "Alice", database.JSONB{"push": "tok"})
	alert := f.createAlert(t)

	// Break the alert table so the plan write cannot land
	if err := f.db.Migrator().DropTable(&database.AlertRecord{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	f.dispatcher.plan(alert, nil, nil)

	// Nothing may be sent off an unpersisted plan
	if n := push.callCount("tok"); n != 0 {
		t.Errorf("expected no sends, got %d", n)
	}
	var count int64
	f.db.Model(&database.DeliveryAttempt{}).Count(&count)
	if count != 0 {
		t.Errorf("expected no attempt rows, got %d", count)
	}
	if alert.PlannedPairs != 0 {
		t.Errorf("expected planned pairs untouched, got %d", alert.PlannedPairs)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	db := setupTestDB(t)
	registry := services.NewRegistryService(db)
	audit := services.NewAuditService(db)

	cfg := DefaultConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, registry, audit, nil, metrics.NewForTest())
	// Not started: the intake queue fills immediately

	if err := d.Submit(&database.AlertRecord{ID: "a1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Submit(&database.AlertRecord{ID: "a2"}); err != services.ErrBackpressure {
		t.Errorf("expected ErrBackpressure, got %v", err)
	}
}

func TestResubmitSkipsSettledPairs(t *testing.T) {
	push := newStubAdapter(database.ChannelKindPush, alwaysConfirm)
	sms := newStubAdapter(database.ChannelKindSMS, alwaysConfirm)
	f := newFixture(t, []channels.Adapter{push, sms})

	contact := f.addContact(t, "Alice", database.JSONB{"push": "tok", "sms": "+15550002222"})

	// Simulate a crash: plan persisted, push pair already confirmed, sms pair
	// had one retryable attempt and lost its timer.
	alert := f.createAlert(t)
	if err := f.audit.SetPlan(alert.ID, "msg", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alert.PlannedPairs = 2

	a1, _ := f.audit.AppendAttempt(alert.ID, contact.ID, database.ChannelKindPush, 1)
	f.audit.MarkSent(a1)
	f.audit.CompleteAttempt(a1, database.AttemptStateConfirmed, "")

	a2, _ := f.audit.AppendAttempt(alert.ID, contact.ID, database.ChannelKindSMS, 1)
	f.audit.MarkSent(a2)
	f.audit.CompleteAttempt(a2, database.AttemptStateFailedRetryable, "stub: transient")

	if err := f.dispatcher.Resubmit(alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status := f.listener.waitSettled(t); status != database.AlertStatusDelivered {
		t.Errorf("expected delivered, got %s", status)
	}

	// The confirmed push pair must not be re-sent
	if n := push.callCount("tok"); n != 0 {
		t.Errorf("expected no push resend, got %d", n)
	}

	// The sms lineage continued at attempt 2
	attempts, _ := f.audit.QueryAttempts(alert.ID)
	var smsAttempts []database.DeliveryAttempt
	for _, a := range attempts {
		if a.ChannelKind == database.ChannelKindSMS {
			smsAttempts = append(smsAttempts, a)
		}
	}
	if len(smsAttempts) != 2 {
		t.Fatalf("expected 2 sms attempts, got %d", len(smsAttempts))
	}
	if smsAttempts[1].AttemptNumber != 2 || smsAttempts[1].State != database.AttemptStateConfirmed {
		t.Errorf("expected sms attempt 2 confirmed, got %d %s", smsAttempts[1].AttemptNumber, smsAttempts[1].State)
	}
}
