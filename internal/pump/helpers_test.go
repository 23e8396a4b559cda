package pump_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/provider/resilience"
	"github.com/pumpsync/pumpsync/internal/pump"
)

var baseTime = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func clockAt(t time.Time) pump.ClockComponents {
	return pump.ClockComponents{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

func statusAt(t time.Time, units float64) pump.StatusMessage {
	return pump.StatusMessage{
		Payload:        []byte{0x01, byte(units)},
		PumpClock:      clockAt(t),
		ReservoirUnits: units,
	}
}

func utcSession(idle bool) *pump.Session {
	return pump.NewSession(pump.SessionConfig{
		DeviceID:      "pump-1",
		Timezone:      pump.StaticTimezone{Loc: time.UTC},
		IdleListening: idle,
	})
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) pump.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		go t.f()
	}
}

// Armed returns how many timers were ever scheduled.
func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// mockTransport records calls in order.
type mockTransport struct {
	mu sync.Mutex

	readyErr   error
	status     pump.StatusMessage
	readErr    error
	sendErr    error
	sendBlock  chan struct{}
	sendStart  chan struct{}
	tuneErr    error
	frequency  float64
	history    []pump.HistoryEvent
	historyErr error

	calls        []string
	readCalls    int
	sendCalls    int
	tuneCalls    int
	historySince []time.Time
	sentUnits    []float64
}

func (t *mockTransport) Ready(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "ready")
	return t.readyErr
}

func (t *mockTransport) ReadStatus(_ context.Context) (pump.StatusMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "read")
	t.readCalls++
	if t.readErr != nil {
		return pump.StatusMessage{}, t.readErr
	}
	return t.status, nil
}

func (t *mockTransport) SendBolus(_ context.Context, units float64) error {
	t.mu.Lock()
	t.calls = append(t.calls, "send")
	t.sendCalls++
	t.sentUnits = append(t.sentUnits, units)
	block, start, err := t.sendBlock, t.sendStart, t.sendErr
	t.mu.Unlock()

	if start != nil {
		close(start)
	}
	if block != nil {
		<-block
	}
	return err
}

func (t *mockTransport) FetchHistory(_ context.Context, since time.Time) ([]pump.HistoryEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "history")
	t.historySince = append(t.historySince, since)
	return t.history, t.historyErr
}

func (t *mockTransport) Tune(_ context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "tune")
	t.tuneCalls++
	return t.frequency, t.tuneErr
}

func (t *mockTransport) setStatus(msg pump.StatusMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = msg
}

func (t *mockTransport) counts() (reads, sends, tunes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCalls, t.sendCalls, t.tuneCalls
}

func (t *mockTransport) callLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.calls))
	copy(out, t.calls)
	return out
}

func (t *mockTransport) since() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.historySince))
	copy(out, t.historySince)
	return out
}

type mockLedger struct {
	mu sync.Mutex

	commitErrs   []error
	reservoirErr error

	commitCalls int
	doses       []pump.DoseEntry
	reservoirs  []pump.ReservoirRecord
	histories   [][]pump.HistoryEvent
}

func (l *mockLedger) CommitBolus(_ context.Context, entry pump.DoseEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitCalls++
	if len(l.commitErrs) > 0 {
		err := l.commitErrs[0]
		if len(l.commitErrs) > 1 {
			l.commitErrs = l.commitErrs[1:]
		}
		if err != nil {
			return err
		}
	}
	l.doses = append(l.doses, entry)
	return nil
}

func (l *mockLedger) AddReservoir(_ context.Context, _ string, record pump.ReservoirRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reservoirErr != nil {
		return l.reservoirErr
	}
	l.reservoirs = append(l.reservoirs, record)
	return nil
}

func (l *mockLedger) AddHistory(_ context.Context, _ string, events []pump.HistoryEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.histories = append(l.histories, events)
	return nil
}

func (l *mockLedger) reservoirCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservoirs)
}

func (l *mockLedger) historyBatches() [][]pump.HistoryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]pump.HistoryEvent, len(l.histories))
	copy(out, l.histories)
	return out
}

func (l *mockLedger) committed() (calls int, doses []pump.DoseEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pump.DoseEntry, len(l.doses))
	copy(out, l.doses)
	return l.commitCalls, out
}

type mockSink struct {
	mu     sync.Mutex
	events []pump.Advisory
}

func (s *mockSink) Publish(_ context.Context, event pump.Advisory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *mockSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *mockSink) ofType(kind pump.AdvisoryType) []pump.Advisory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pump.Advisory
	for _, e := range s.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type mockGlucose struct {
	mu      sync.Mutex
	samples []pump.GlucoseSample
}

func (g *mockGlucose) AddGlucose(_ context.Context, _ string, sample pump.GlucoseSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.samples = append(g.samples, sample)
	return nil
}

func (g *mockGlucose) stored() []pump.GlucoseSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]pump.GlucoseSample, len(g.samples))
	copy(out, g.samples)
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

var errRadioTimeout = errors.New("radio timeout")

type harness struct {
	manager   *pump.Manager
	clock     *fakeClock
	transport *mockTransport
	ledger    *mockLedger
	sink      *mockSink
	glucose   *mockGlucose
	registry  *resilience.Registry
}

func newHarness(t *testing.T, idle bool) *harness {
	t.Helper()

	h := &harness{
		clock:     newFakeClock(baseTime),
		transport: &mockTransport{frequency: 916.55},
		ledger:    &mockLedger{},
		sink:      &mockSink{},
		glucose:   &mockGlucose{},
		registry:  resilience.NewRegistry(),
	}

	cbConfig := resilience.DefaultCircuitBreakerConfig("pump-1")
	cbConfig.ReadyToTrip = func(gobreaker.Counts) bool { return false }
	link := resilience.NewLink(resilience.LinkConfig{
		Name:            "pump-1",
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		CircuitBreaker:  &cbConfig,
		Permanent:       pump.IsPermanent,
		Registry:        h.registry,
	})

	m, err := pump.NewManager(pump.ManagerConfig{
		Session:       utcSession(idle),
		Transport:     h.transport,
		Ledger:        h.ledger,
		Alerts:        h.sink,
		Glucose:       h.glucose,
		Prioritizer:   h.registry,
		Link:          link,
		Clock:         h.clock,
		Logger:        zerolog.Nop(),
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	h.manager = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, m.Running, time.Second, time.Millisecond)
	return h
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
