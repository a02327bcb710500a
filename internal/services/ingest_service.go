package services

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/guardline/guardline/internal/database"
	"github.com/guardline/guardline/internal/metrics"
)

// clockSkewTolerance bounds how far in the future a reported timestamp may sit
// before the event is rejected as malformed.
const clockSkewTolerance = 30 * time.Second

// dedupWindow suppresses repeat submissions of the same dedup key per device.
const dedupWindow = 60 * time.Second

// Submitter accepts an alert for asynchronous fan-out. Implemented by the
// dispatcher; Submit must not block.
type Submitter interface {
	Submit(alert *database.AlertRecord) error
}

// IngestRequest is a validated security event as reported by a device
type IngestRequest struct {
	DeviceID   string
	DeviceKey  string
	Kind       database.EventKind
	OccurredAt time.Time
	DedupKey   string
	Payload    database.JSONB
}

// dedupLocks serializes ingest per (device, dedup key). Without it two
// in-flight reports of the same event can both miss the window query and
// each fan out, notifying every contact twice.
type dedupLocks struct {
	mu   sync.Mutex
	held map[string]*dedupLock
}

type dedupLock struct {
	mu   sync.Mutex
	refs int
}

func newDedupLocks() *dedupLocks {
	return &dedupLocks{held: make(map[string]*dedupLock)}
}

func (l *dedupLocks) lock(key string) *dedupLock {
	l.mu.Lock()
	e, ok := l.held[key]
	if !ok {
		e = &dedupLock{}
		l.held[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return e
}

func (l *dedupLocks) unlock(key string, e *dedupLock) {
	e.mu.Unlock()

	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.held, key)
	}
	l.mu.Unlock()
}

// IngestService validates incoming device events, applies dedup, persists the
// alert record and hands it to the dispatcher.
type IngestService struct {
	db         *gorm.DB
	registry   *RegistryService
	dispatcher Submitter
	metrics    *metrics.Metrics
	dedup      *dedupLocks
}

// NewIngestService creates a new IngestService
func NewIngestService(db *gorm.DB, registry *RegistryService, dispatcher Submitter, m *metrics.Metrics) *IngestService {
	return &IngestService{
		db:         db,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    m,
		dedup:      newDedupLocks(),
	}
}

// Ingest validates and accepts one device security event. On success the
// returned alert is already queued for dispatch. A dedup hit returns the
// existing alert with created=false.
func (s *IngestService) Ingest(req IngestRequest) (alert *database.AlertRecord, created bool, err error) {
	s.metrics.EventsTotal.Inc()

	if err := s.validate(req); err != nil {
		s.metrics.EventsInvalidTotal.Inc()
		return nil, false, err
	}

	var device database.Device
	if err := s.db.First(&device, "id = ?", req.DeviceID).Error; err != nil {
		s.metrics.EventsInvalidTotal.Inc()
		if err == gorm.ErrRecordNotFound {
			return nil, false, ErrUnknownDevice
		}
		return nil, false, err
	}
	if device.APIKey == "" || device.APIKey != req.DeviceKey {
		s.metrics.EventsInvalidTotal.Inc()
		return nil, false, ErrDeviceAuth
	}

	// Check-then-create below must be atomic per key or a concurrent retry
	// of the same event slips past the window query and creates a second
	// record. The per-key lock holds until the record is durable (or rolled
	// back), so the loser of the race always sees the winner's row.
	lockKey := req.DeviceID + "\x00" + req.DedupKey
	held := s.dedup.lock(lockKey)
	defer s.dedup.unlock(lockKey, held)

	// Dedup window check is query-time: the same key resubmitted within the
	// window returns the original alert instead of fanning out again.
	existing, err := database.FindAlertByDedupKey(s.db, req.DeviceID, req.DedupKey, time.Now().Add(-dedupWindow))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.metrics.EventsDedupedTotal.Inc()
		log.Printf("Deduplicated event %s for device %s (alert %s)", req.DedupKey, req.DeviceID, existing.ID)
		return existing, false, nil
	}

	record := &database.AlertRecord{
		ID:         uuid.New().String(),
		DeviceID:   req.DeviceID,
		EventKind:  req.Kind,
		OccurredAt: req.OccurredAt,
		DedupKey:   req.DedupKey,
		Payload:    req.Payload,
		Status:     database.AlertStatusOpen,
	}
	if err := s.db.Create(record).Error; err != nil {
		return nil, false, fmt.Errorf("failed to persist alert: %w", err)
	}

	if loc, ok := req.Payload["location"].(string); ok && loc != "" {
		if err := s.registry.UpdateLocation(req.DeviceID, loc); err != nil {
			log.Printf("Failed to update location for device %s: %v", req.DeviceID, err)
		}
	}

	if err := s.dispatcher.Submit(record); err != nil {
		// Admission failed, roll the record back so a client retry is not
		// swallowed by the dedup window.
		s.metrics.BackpressureTotal.Inc()
		if delErr := s.db.Delete(&database.AlertRecord{}, "id = ?", record.ID).Error; delErr != nil {
			log.Printf("Failed to roll back alert %s after backpressure: %v", record.ID, delErr)
		}
		return nil, false, err
	}

	log.Printf("Accepted %s event for device %s as alert %s", req.Kind, req.DeviceID, record.ID)
	return record, true, nil
}

func (s *IngestService) validate(req IngestRequest) error {
	if req.DeviceID == "" {
		return NewValidationError("device_id", "is required")
	}
	if !req.Kind.IsValid() {
		return NewValidationError("event_kind", fmt.Sprintf("unknown event kind %q", req.Kind))
	}
	if req.DedupKey == "" {
		return NewValidationError("dedup_key", "is required")
	}
	if req.OccurredAt.IsZero() {
		return NewValidationError("occurred_at", "is required")
	}
	if req.OccurredAt.After(time.Now().Add(clockSkewTolerance)) {
		return NewValidationError("occurred_at", "is in the future")
	}
	return nil
}
