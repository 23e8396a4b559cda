package pump

import "time"

// ReadGate is the minimum delay between accepting a sentry status burst and
// issuing the next active read. The radio cannot reliably do both sooner.
const ReadGate = 11 * time.Second

// Clock abstracts time so scheduling can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending alarm.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Scheduler gates active reads behind the post-burst delay. It owns at most
// one pending alarm. Only the manager loop touches it.
type Scheduler struct {
	clock  Clock
	gate   time.Duration
	openAt time.Time
	alarm  Timer
}

// NewScheduler creates a scheduler. A zero gate uses ReadGate.
func NewScheduler(clock Clock, gate time.Duration) *Scheduler {
	if gate == 0 {
		gate = ReadGate
	}
	return &Scheduler{clock: clock, gate: gate}
}

// BurstAccepted closes the gate until the delay after now has passed.
func (s *Scheduler) BurstAccepted(now time.Time) {
	s.openAt = now.Add(s.gate)
}

// Ready reports whether an active read may be issued at now. When it may not,
// an alarm is armed to call wake once the gate opens; repeated calls while an
// alarm is pending do not arm another.
func (s *Scheduler) Ready(now time.Time, wake func()) bool {
	if !now.Before(s.openAt) {
		return true
	}
	if s.alarm == nil {
		s.alarm = s.clock.AfterFunc(s.openAt.Sub(now), wake)
	}
	return false
}

// Wait returns how long until an active read may be issued at now, zero when
// the gate is open. It never arms an alarm.
func (s *Scheduler) Wait(now time.Time) time.Duration {
	if !now.Before(s.openAt) {
		return 0
	}
	return s.openAt.Sub(now)
}

// AlarmFired clears the pending alarm. Call it from the wake callback's
// re-entry into the loop.
func (s *Scheduler) AlarmFired() {
	s.alarm = nil
}

// Pending reports whether an alarm is armed.
func (s *Scheduler) Pending() bool {
	return s.alarm != nil
}

// Stop cancels any pending alarm.
func (s *Scheduler) Stop() {
	if s.alarm != nil {
		s.alarm.Stop()
		s.alarm = nil
	}
}
