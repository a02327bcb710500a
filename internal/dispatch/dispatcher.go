package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/guardline/guardline/internal/channels"
	"github.com/guardline/guardline/internal/database"
	"github.com/guardline/guardline/internal/metrics"
	"github.com/guardline/guardline/internal/services"
)

// Config holds dispatcher tuning knobs
type Config struct {
	Workers         int
	QueueSize       int
	MaxRetries      int
	AttemptTimeout  time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	RegistryRetries int
}

// DefaultConfig returns the production dispatcher settings
func DefaultConfig() Config {
	return Config{
		Workers:         16,
		QueueSize:       256,
		MaxRetries:      3,
		AttemptTimeout:  4 * time.Second,
		BackoffBase:     1 * time.Second,
		BackoffMax:      30 * time.Second,
		RegistryRetries: 2,
	}
}

// StatusListener observes aggregate alert status changes as pairs settle
type StatusListener interface {
	AlertStatusChanged(alertID string, status database.AlertStatus, settled bool)
}

// task is one pending delivery try for a (contact, channel) pair. The backoff
// state travels with the task across retries of the same lineage.
type task struct {
	alert     *database.AlertRecord
	msg       channels.Message
	contactID string
	kind      database.ChannelKind
	dest      string
	attempt   int
	backoff   backoff.BackOff
}

// Dispatcher fans accepted alerts out to every active (contact, channel) pair
// through a bounded worker pool. Admission is non-blocking: when the intake
// queue is saturated, Submit fails fast with ErrBackpressure instead of
// stalling the ingest path.
type Dispatcher struct {
	cfg      Config
	registry *services.RegistryService
	audit    *services.AuditService
	adapters map[database.ChannelKind]channels.Adapter
	metrics  *metrics.Metrics
	listener StatusListener

	planCh   chan *database.AlertRecord
	tasks    chan *task
	trackers *trackerSet

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher over the given channel adapters
func NewDispatcher(cfg Config, registry *services.RegistryService, audit *services.AuditService, adapters []channels.Adapter, m *metrics.Metrics) *Dispatcher {
	byKind := make(map[database.ChannelKind]channels.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		audit:    audit,
		adapters: byKind,
		metrics:  m,
		planCh:   make(chan *database.AlertRecord, cfg.QueueSize),
		tasks:    make(chan *task, cfg.QueueSize),
		trackers: newTrackerSet(),
		stop:     make(chan struct{}),
	}
}

// SetListener registers the status listener. Call before Start.
func (d *Dispatcher) SetListener(l StatusListener) {
	d.listener = l
}

// Start launches the planner and the worker pool
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.planLoop()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workLoop()
	}
	log.Printf("Dispatcher started with %d workers, queue size %d", d.cfg.Workers, d.cfg.QueueSize)
}

// Stop shuts the pool down. In-flight attempts finish their audit writes;
// queued and backoff-parked work is abandoned and picked up by recovery after
// the next start.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
	log.Println("Dispatcher stopped")
}

// Submit accepts an alert for fan-out without blocking the caller
func (d *Dispatcher) Submit(alert *database.AlertRecord) error {
	select {
	case d.planCh <- alert:
		return nil
	default:
		return services.ErrBackpressure
	}
}

// Resubmit re-plans an alert that lost its in-memory dispatch state (restart,
// dropped retry). Already-settled pairs are skipped and attempt numbering
// continues where the audit log left off.
func (d *Dispatcher) Resubmit(alert *database.AlertRecord) error {
	terminal, err := d.audit.TerminalStates(alert.ID)
	if err != nil {
		return err
	}
	numbers, err := d.audit.AttemptNumbers(alert.ID)
	if err != nil {
		return err
	}
	d.plan(alert, terminal, numbers)
	return nil
}

func (d *Dispatcher) planLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case alert := <-d.planCh:
			d.plan(alert, nil, nil)
		}
	}
}

// plan resolves the alert's delivery pairs and enqueues one task per pair.
// done marks lineages already terminal (resubmission); numbers carries their
// highest recorded attempt so numbering never rewinds.
func (d *Dispatcher) plan(alert *database.AlertRecord, done map[database.PairKey]database.AttemptState, numbers map[database.PairKey]int) {
	device, err := d.lookupDevice(alert.DeviceID)
	if err != nil {
		d.failDispatch(alert, "device lookup failed: "+err.Error())
		return
	}
	contacts, err := d.lookupContacts(alert.DeviceID)
	if err != nil {
		d.failDispatch(alert, "contact registry unavailable: "+err.Error())
		return
	}

	msg := RenderMessage(device, alert)

	type plannedPair struct {
		contactID string
		kind      database.ChannelKind
		dest      string
	}
	var pairs []plannedPair
	for _, contact := range contacts {
		for _, ep := range contact.ActiveEndpoints() {
			if _, ok := d.adapters[ep.Kind]; !ok {
				log.Printf("Skipping %s endpoint of contact %s: no adapter configured", ep.Kind, contact.ID)
				continue
			}
			pairs = append(pairs, plannedPair{contactID: contact.ID, kind: ep.Kind, dest: ep.Destination})
		}
	}

	if len(pairs) == 0 {
		d.failDispatch(alert, "no active contact endpoints")
		return
	}

	// The plan is frozen on first planning; resubmission reuses it so a
	// contact edited mid-flight cannot change what "settled" means.
	if alert.PlannedPairs == 0 {
		if err := d.audit.SetPlan(alert.ID, msg.Body, len(pairs)); err != nil {
			// Without a persisted pair count the status recompute has no
			// denominator; the first terminal pair would settle the alert
			// with deliveries still in flight.
			d.failDispatch(alert, "could not persist delivery plan: "+err.Error())
			return
		}
		alert.PlannedPairs = len(pairs)
		alert.Message = msg.Body
	}

	for _, p := range pairs {
		key := database.PairKey{ContactID: p.contactID, ChannelKind: p.kind}
		if _, settled := done[key]; settled {
			continue
		}
		d.enqueue(&task{
			alert:     alert,
			msg:       msg,
			contactID: p.contactID,
			kind:      p.kind,
			dest:      p.dest,
			attempt:   numbers[key] + 1,
			backoff:   newRetryBackoff(d.cfg.BackoffBase, d.cfg.BackoffMax),
		})
	}
}

func (d *Dispatcher) lookupDevice(deviceID string) (*database.Device, error) {
	var device *database.Device
	var err error
	for i := 0; i <= d.cfg.RegistryRetries; i++ {
		device, err = d.registry.GetDevice(deviceID)
		if err == nil || err == services.ErrUnknownDevice {
			return device, err
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return nil, err
}

func (d *Dispatcher) lookupContacts(deviceID string) ([]database.Contact, error) {
	var contacts []database.Contact
	var err error
	for i := 0; i <= d.cfg.RegistryRetries; i++ {
		contacts, err = d.registry.ListActiveContacts(deviceID)
		if err == nil {
			return contacts, nil
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return nil, err
}

// failDispatch settles an alert that never produced a delivery plan
func (d *Dispatcher) failDispatch(alert *database.AlertRecord, note string) {
	log.Printf("Alert %s failed before dispatch: %s", alert.ID, note)
	if err := d.audit.MarkDispatchFailed(alert.ID, note); err != nil {
		log.Printf("Failed to mark alert %s dispatch-failed: %v", alert.ID, err)
		return
	}
	d.metrics.AlertsSettled.WithLabelValues(string(database.AlertStatusFailed)).Inc()
	d.notify(alert.ID, database.AlertStatusFailed, true)
}

// enqueue hands a task to the worker pool, blocking until there is room
func (d *Dispatcher) enqueue(t *task) {
	select {
	case d.tasks <- t:
		d.metrics.QueueDepth.Inc()
	case <-d.stop:
	}
}

func (d *Dispatcher) workLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case t := <-d.tasks:
			d.metrics.QueueDepth.Dec()
			d.execute(t)
		}
	}
}

// execute runs one delivery attempt end to end: write-ahead audit row, send
// through the adapter under the attempt deadline, settle the row, and either
// park a retry or fold the terminal outcome into the alert status.
func (d *Dispatcher) execute(t *task) {
	attempt, err := d.audit.AppendAttempt(t.alert.ID, t.contactID, t.kind, t.attempt)
	if err != nil {
		// Could not open the audit row, so nothing was sent. Park the same
		// attempt number for a later try.
		log.Printf("Failed to open attempt %d for alert %s: %v", t.attempt, t.alert.ID, err)
		d.parkRetry(t)
		return
	}

	adapter, ok := d.adapters[t.kind]
	if !ok {
		d.completeAttempt(attempt, database.AttemptStateFailedTerminal, "no adapter configured")
		d.pairTerminal(t.alert)
		return
	}

	if err := d.audit.MarkSent(attempt); err != nil {
		log.Printf("Failed to mark attempt %d sent for alert %s: %v", t.attempt, t.alert.ID, err)
	}

	d.metrics.InFlight.Inc()
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AttemptTimeout)
	res := adapter.Send(ctx, t.dest, t.msg)
	cancel()
	d.metrics.InFlight.Dec()
	d.metrics.AttemptDuration.Observe(time.Since(start).Seconds())
	d.metrics.AttemptsTotal.WithLabelValues(string(t.kind), string(res.Outcome)).Inc()

	switch res.Outcome {
	case channels.OutcomeConfirmed:
		d.completeAttempt(attempt, database.AttemptStateConfirmed, "")
		d.pairTerminal(t.alert)
	case channels.OutcomeFailedTerminal:
		d.completeAttempt(attempt, database.AttemptStateFailedTerminal, res.ErrorDetail)
		d.pairTerminal(t.alert)
	case channels.OutcomeFailedRetryable:
		if t.attempt > d.cfg.MaxRetries {
			d.completeAttempt(attempt, database.AttemptStateExhausted, res.ErrorDetail)
			d.pairTerminal(t.alert)
			return
		}
		d.completeAttempt(attempt, database.AttemptStateFailedRetryable, res.ErrorDetail)
		t.attempt++
		d.parkRetry(t)
	}
}

func (d *Dispatcher) completeAttempt(attempt *database.DeliveryAttempt, state database.AttemptState, detail string) {
	if err := d.audit.CompleteAttempt(attempt, state, detail); err != nil {
		log.Printf("Failed to settle attempt %d of alert %s as %s: %v", attempt.AttemptNumber, attempt.AlertID, state, err)
	}
}

// parkRetry schedules the task's next try off-worker. Workers never sleep on
// backoff; the timer re-enqueues when the delay elapses.
func (d *Dispatcher) parkRetry(t *task) {
	delay := t.backoff.NextBackOff()
	time.AfterFunc(delay, func() {
		d.enqueue(t)
	})
}

// pairTerminal folds one settled lineage into the aggregate alert status. The
// per-alert tracker serializes recompute-then-persist across workers.
func (d *Dispatcher) pairTerminal(alert *database.AlertRecord) {
	tr := d.trackers.get(alert.ID)
	tr.mu.Lock()
	status, settled, err := d.audit.RecomputeStatus(alert.ID)
	tr.mu.Unlock()
	if err != nil {
		log.Printf("Failed to recompute status for alert %s: %v", alert.ID, err)
		return
	}
	if settled {
		d.trackers.drop(alert.ID)
		d.metrics.AlertsSettled.WithLabelValues(string(status)).Inc()
		log.Printf("Alert %s settled as %s", alert.ID, status)
	}
	d.notify(alert.ID, status, settled)
}

func (d *Dispatcher) notify(alertID string, status database.AlertStatus, settled bool) {
	if d.listener != nil {
		d.listener.AlertStatusChanged(alertID, status, settled)
	}
}
