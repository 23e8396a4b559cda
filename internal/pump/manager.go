package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pumpsync/pumpsync/internal/provider/resilience"
)

// ManagerConfig holds the collaborators and tunables for a Manager.
type ManagerConfig struct {
	Session   *Session
	Transport Transport
	Ledger    DoseLedger

	// Alerts receives advisory events. Optional.
	Alerts AlertSink

	// Glucose receives resolved CGM samples. Optional.
	Glucose GlucoseStore

	// Prioritizer is told when the device link is demoted or restored. Optional.
	Prioritizer Prioritizer

	// Link guards transport calls. If nil, a default link named after the
	// device is created.
	Link *resilience.Link

	// Clock drives staleness checks and the read gate.
	// Default: SystemClock()
	Clock Clock

	Logger  zerolog.Logger
	Metrics *Metrics

	// BolusFreshness is the maximum age of reservoir data a bolus may be sent against.
	// Default: 6 minutes
	BolusFreshness time.Duration

	// ClockSkew is how far ahead of local time a reading may be dated before
	// it is distrusted.
	// Default: 1 minute
	ClockSkew time.Duration

	// TuneCooldown is the minimum time between retune attempts.
	// Default: 14 minutes
	TuneCooldown time.Duration

	// ReadGate is the delay between an unsolicited status burst and the next
	// active read.
	// Default: ReadGate
	ReadGate time.Duration

	// LedgerRetries is how many times recording a delivered dose is retried.
	// Default: 3
	LedgerRetries uint64

	// LedgerTimeout bounds recording a delivered dose, independent of the caller's context.
	// Default: 30 seconds
	LedgerTimeout time.Duration

	// RetryInterval is the initial backoff for ledger and alert retries.
	// Default: 100ms
	RetryInterval time.Duration
}

// Manager is the single serialization point for a device session. Every
// session access runs as a closure on the goroutine started by Run; transport
// and ledger calls run on their own goroutines and re-enter the loop when
// they complete.
type Manager struct {
	session     *Session
	scheduler   *Scheduler
	transport   Transport
	ledger      DoseLedger
	glucose     GlucoseStore
	prioritizer Prioritizer
	link        *resilience.Link
	clock       Clock
	logger      zerolog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	outbox      *outbox

	bolusFreshness time.Duration
	clockSkew      time.Duration
	tuneCooldown   time.Duration
	ledgerRetries  uint64
	ledgerTimeout  time.Duration
	retryInterval  time.Duration

	ops      chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	wg       sync.WaitGroup

	// loop-owned
	runCtx         context.Context
	pollInFlight   bool
	resyncInFlight bool
	lastResyncFrom time.Time

	bolusInFlight atomic.Bool
	bolusState    atomic.Int32
}

// NewManager creates a manager. Run must be called before any other method
// can complete.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("%w: session is required", ErrConfiguration)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrConfiguration)
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: dose ledger is required", ErrConfiguration)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Link == nil {
		linkCfg := resilience.DefaultLinkConfig(cfg.Session.DeviceID())
		linkCfg.Permanent = IsPermanent
		cfg.Link = resilience.NewLink(linkCfg)
	}
	if cfg.BolusFreshness == 0 {
		cfg.BolusFreshness = 6 * time.Minute
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = time.Minute
	}
	if cfg.TuneCooldown == 0 {
		cfg.TuneCooldown = 14 * time.Minute
	}
	if cfg.LedgerRetries == 0 {
		cfg.LedgerRetries = 3
	}
	if cfg.LedgerTimeout == 0 {
		cfg.LedgerTimeout = 30 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	logger := cfg.Logger.With().
		Str("component", "pump_manager").
		Str("device_id", cfg.Session.DeviceID()).
		Logger()

	return &Manager{
		session:        cfg.Session,
		scheduler:      NewScheduler(cfg.Clock, cfg.ReadGate),
		transport:      cfg.Transport,
		ledger:         cfg.Ledger,
		glucose:        cfg.Glucose,
		prioritizer:    cfg.Prioritizer,
		link:           cfg.Link,
		clock:          cfg.Clock,
		logger:         logger,
		metrics:        cfg.Metrics,
		tracer:         otel.Tracer(instrumentationName),
		outbox:         newOutbox(cfg.Alerts, logger, cfg.LedgerRetries, cfg.RetryInterval),
		bolusFreshness: cfg.BolusFreshness,
		clockSkew:      cfg.ClockSkew,
		tuneCooldown:   cfg.TuneCooldown,
		ledgerRetries:  cfg.LedgerRetries,
		ledgerTimeout:  cfg.LedgerTimeout,
		retryInterval:  cfg.RetryInterval,
		ops:            make(chan func()),
		stopped:        make(chan struct{}),
		runCtx:         context.Background(),
	}, nil
}

// Run executes the serialization loop until ctx is canceled. It waits for
// outstanding transport and ledger calls before returning. A manager runs once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("pump manager already started")
	}
	select {
	case <-m.stopped:
		return ErrStopped
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.runCtx = ctx

	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		m.outbox.run(ctx)
	}()

	m.logger.Info().
		Bool("idle_listening", m.session.IdleListening()).
		Msg("pump manager started")

	for {
		select {
		case op := <-m.ops:
			op()
		case <-ctx.Done():
			m.scheduler.Stop()
			m.stopOnce.Do(func() { close(m.stopped) })
			m.wg.Wait()
			<-outboxDone
			m.running.Store(false)
			m.logger.Info().Msg("pump manager stopped")
			return nil
		}
	}
}

// Running reports whether the loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// DeviceID returns the managed device identifier.
func (m *Manager) DeviceID() string {
	return m.session.DeviceID()
}

// exec runs fn on the loop and waits for it. fn must not block.
func (m *Manager) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case m.ops <- op:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-done
	return nil
}

// post queues fn on the loop without waiting for it to run.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.stopped:
	}
}

// spawn runs fn off the loop. Called from the loop only.
func (m *Manager) spawn(fn func(ctx context.Context)) {
	ctx := m.runCtx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
}

// HandleStatus processes an unsolicited status broadcast. Duplicates are
// dropped silently; unusable packets are dropped and their ErrData returned.
func (m *Manager) HandleStatus(ctx context.Context, msg StatusMessage) error {
	var applyErr error
	if err := m.exec(ctx, func() {
		applyErr = m.applyStatus(msg, true)
	}); err != nil {
		return err
	}
	return applyErr
}

// HandleGlucose processes a CGM sample. Samples not newer than the last one
// seen are dropped.
func (m *Manager) HandleGlucose(ctx context.Context, msg GlucoseMessage) error {
	var resolveErr error
	if err := m.exec(ctx, func() {
		sample, fresh, err := m.session.ResolveGlucose(msg)
		if err != nil {
			resolveErr = err
			return
		}
		if !fresh || m.glucose == nil {
			return
		}
		deviceID := m.session.DeviceID()
		m.spawn(func(ctx context.Context) {
			if err := m.glucose.AddGlucose(ctx, deviceID, sample); err != nil {
				m.logger.Error().Err(err).Time("at", sample.At).Msg("failed to store glucose sample")
			}
		})
	}); err != nil {
		return err
	}

	if resolveErr != nil {
		m.logger.Warn().Err(resolveErr).Msg("glucose sample dropped")
	}
	return resolveErr
}

// Tick is the heartbeat. It starts an active read when reservoir data is
// stale and the read gate allows it.
func (m *Manager) Tick(ctx context.Context) error {
	return m.exec(ctx, m.maybePoll)
}

// Snapshot returns a read-only copy of the session.
func (m *Manager) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := m.exec(ctx, func() {
		v = m.session.View(m.clock.Now())
	})
	return v, err
}

// History returns a copy of the retained reservoir history.
func (m *Manager) History(ctx context.Context) ([]ReservoirRecord, error) {
	var out []ReservoirRecord
	err := m.exec(ctx, func() {
		out = m.session.History()
	})
	return out, err
}

func (m *Manager) maybePoll() {
	now := m.clock.Now()
	if m.pollInFlight || !m.session.IsStale(m.session.IdleListening(), now) {
		return
	}
	if !m.scheduler.Ready(now, m.gateOpened) {
		m.metrics.poll(m.runCtx, "deferred")
		return
	}

	m.pollInFlight = true
	m.spawn(func(ctx context.Context) {
		msg, err := m.readStatus(ctx)
		m.post(func() { m.pollFinished(msg, err) })
	})
}

// gateOpened runs on the timer goroutine.
func (m *Manager) gateOpened() {
	m.post(func() {
		m.scheduler.AlarmFired()
		m.maybePoll()
	})
}

func (m *Manager) pollFinished(msg StatusMessage, err error) {
	m.pollInFlight = false
	if err != nil {
		m.metrics.poll(m.runCtx, "failed")
		m.logger.Warn().Err(err).Msg("status poll failed")
		if errors.Is(err, ErrCommunication) {
			m.recoverAsync()
		}
		return
	}
	if err := m.applyStatus(msg, false); err != nil {
		m.metrics.poll(m.runCtx, "discarded")
		return
	}
	m.metrics.poll(m.runCtx, "ok")
}

// applyStatus runs the ingest pipeline for one status message. Unsolicited
// messages close the read gate, duplicates included, since they belong to
// the same burst.
func (m *Manager) applyStatus(msg StatusMessage, unsolicited bool) error {
	now := m.clock.Now()
	snap, err := m.session.Accept(msg)
	if err != nil {
		m.metrics.packet(m.runCtx, "invalid")
		m.logger.Warn().Err(err).Msg("status packet dropped")
		return err
	}
	if unsolicited {
		m.scheduler.BurstAccepted(now)
	}
	if snap == nil {
		m.metrics.packet(m.runCtx, "duplicate")
		return nil
	}
	m.metrics.packet(m.runCtx, "accepted")

	ev, err := m.session.RecordReservoir(snap.ReservoirUnits, snap.PumpTime, snap.TimeLeft())
	if err != nil {
		m.logger.Warn().Err(err).Time("pump_time", snap.PumpTime).Msg("reservoir reading dropped")
		return err
	}

	advisories := m.session.ObserveBattery(snap.PumpTime, func() {
		m.session.UpdateBattery(snap.Battery)
	})
	advisories = append(advisories, reservoirAdvisories(m.session.DeviceID(), ev)...)
	m.publish(advisories...)
	m.persistReservoir(ev)

	if !ev.Continuous {
		m.requestResync(ev)
	}
	return nil
}

func reservoirAdvisories(deviceID string, ev ReservoirEvent) []Advisory {
	out := make([]Advisory, 0, len(ev.Alerts))
	for _, alert := range ev.Alerts {
		var a Advisory
		switch alert.Kind {
		case ReservoirEmpty:
			a = newAdvisory(AdvisoryReservoirEmpty, deviceID, ev.Record.Timestamp)
		case ReservoirLowThreshold:
			a = newAdvisory(AdvisoryReservoirLow, deviceID, ev.Record.Timestamp)
			a.Threshold = alert.Threshold
		case ReservoirRewound:
			a = newAdvisory(AdvisoryReservoirRewound, deviceID, ev.Record.Timestamp)
		default:
			continue
		}
		a.Units = ev.Record.Units
		out = append(out, a)
	}
	return out
}

func (m *Manager) publish(events ...Advisory) {
	for _, a := range events {
		m.metrics.advisory(m.runCtx, a.Type)
	}
	m.outbox.push(events...)
}

func (m *Manager) persistReservoir(ev ReservoirEvent) {
	deviceID := m.session.DeviceID()
	m.spawn(func(ctx context.Context) {
		err := m.ledger.AddReservoir(ctx, deviceID, ev.Record)
		m.post(func() { m.reservoirPersisted(ev, err) })
	})
}

// reservoirPersisted reports the update once the ledger has answered. A
// failed write is still reported when readings are continuous.
// TODO: decide with the ledger owners whether a continuous history should
// keep masking a failed reservoir write.
func (m *Manager) reservoirPersisted(ev ReservoirEvent, err error) {
	deviceID := m.session.DeviceID()
	switch {
	case err == nil:
		m.publish(newAdvisory(AdvisoryPumpUpdated, deviceID, ev.Record.Timestamp))
	case ev.Continuous:
		m.logger.Warn().Err(err).Time("at", ev.Record.Timestamp).Msg("reservoir record not stored, readings continuous")
		m.publish(newAdvisory(AdvisoryPumpUpdated, deviceID, ev.Record.Timestamp))
	default:
		m.logger.Error().Err(err).Time("at", ev.Record.Timestamp).Msg("reservoir record not stored")
	}
}

// requestResync fetches pump history covering the most recent gap. Each gap
// is synced once unless the fetch fails.
func (m *Manager) requestResync(ev ReservoirEvent) {
	since := ev.GapStart
	if since.IsZero() {
		since = ev.Record.Timestamp.Add(-m.session.continuityWindow)
	}
	if m.resyncInFlight || since.Equal(m.lastResyncFrom) {
		return
	}
	m.resyncInFlight = true
	m.lastResyncFrom = since

	m.spawn(func(ctx context.Context) {
		events, err := m.fetchHistory(ctx, since)
		m.post(func() { m.historyFetched(since, events, err) })
	})
}

func (m *Manager) historyFetched(since time.Time, events []HistoryEvent, err error) {
	m.resyncInFlight = false
	if err != nil {
		m.lastResyncFrom = time.Time{}
		m.logger.Warn().Err(err).Time("since", since).Msg("history sync failed")
		if errors.Is(err, ErrCommunication) {
			m.recoverAsync()
		}
		return
	}

	resolved, dropped, err := m.session.ResolveHistory(events)
	if err != nil {
		m.logger.Warn().Err(err).Int("events", len(events)).Msg("history events dropped")
		return
	}
	if dropped > 0 {
		m.logger.Warn().Int("dropped", dropped).Msg("history events with unusable clocks dropped")
	}
	if len(resolved) == 0 {
		return
	}

	deviceID := m.session.DeviceID()
	m.spawn(func(ctx context.Context) {
		if err := m.ledger.AddHistory(ctx, deviceID, resolved); err != nil {
			m.logger.Error().Err(err).Int("events", len(resolved)).Msg("failed to store history")
			return
		}
		m.logger.Debug().Int("events", len(resolved)).Time("since", since).Msg("history synced")
	})
}

// recoverAsync starts communication recovery off the loop.
func (m *Manager) recoverAsync() {
	m.spawn(func(ctx context.Context) {
		action, err := m.Troubleshoot(ctx)
		if err != nil {
			m.logger.Debug().Err(err).Msg("troubleshoot abandoned")
			return
		}
		m.logger.Info().Str("action", action.String()).Msg("communication recovery")
	})
}

func (m *Manager) readStatus(ctx context.Context) (StatusMessage, error) {
	var msg StatusMessage
	err := m.link.Call(ctx, func(ctx context.Context) error {
		var err error
		msg, err = m.transport.ReadStatus(ctx)
		return classifyTransportError("read status", err)
	})
	return msg, linkError(err)
}

func (m *Manager) fetchHistory(ctx context.Context, since time.Time) ([]HistoryEvent, error) {
	var events []HistoryEvent
	err := m.link.Call(ctx, func(ctx context.Context) error {
		var err error
		events, err = m.transport.FetchHistory(ctx, since)
		return classifyTransportError("fetch history", err)
	})
	return events, linkError(err)
}

// linkError reports an open circuit as a communication failure.
func linkError(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	return err
}
