// Package pump reconciles insulin pump and glucose sensor state reported over
// an unreliable radio link and issues safety-gated bolus commands.
package pump

import (
	"bytes"
	"time"
)

// ClockComponents is a naive device clock reading with no timezone attached.
type ClockComponents struct {
	Year   int `json:"year"`
	Month  int `json:"month"`
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// Resolve pairs the reading with loc. Out-of-range fields (month 13, Feb 30,
// hour 24 and so on) are rejected rather than normalized.
func (c ClockComponents) Resolve(loc *time.Location) (time.Time, error) {
	if loc == nil {
		return time.Time{}, dataError("no timezone for device clock")
	}
	if c.Year < 2000 || c.Month < 1 || c.Month > 12 || c.Day < 1 ||
		c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 || c.Second < 0 || c.Second > 59 {
		return time.Time{}, dataError("device clock fields out of range: %+v", c)
	}
	t := time.Date(c.Year, time.Month(c.Month), c.Day, c.Hour, c.Minute, c.Second, 0, loc)
	if t.Day() != c.Day || int(t.Month()) != c.Month {
		return time.Time{}, dataError("device clock date does not exist: %+v", c)
	}
	return t, nil
}

// BatterySignal is the raw battery reading carried by a status message.
// Richer hardware variants report Percent; older ones report only Volts.
type BatterySignal struct {
	Percent *float64 `json:"percent,omitempty"`
	Volts   *float64 `json:"volts,omitempty"`
}

func (b BatterySignal) equal(o BatterySignal) bool {
	return floatPtrEqual(b.Percent, o.Percent) && floatPtrEqual(b.Volts, o.Volts)
}

// StatusMessage is a status report delivered by the transport, either as an
// unsolicited sentry broadcast or as the reply to an active read.
type StatusMessage struct {
	Payload                   []byte           `json:"payload,omitempty"`
	PumpClock                 ClockComponents  `json:"pump_clock"`
	GlucoseClock              *ClockComponents `json:"glucose_clock,omitempty"`
	ReservoirUnits            float64          `json:"reservoir_units"`
	ReservoirMinutesRemaining *int             `json:"reservoir_minutes_remaining,omitempty"`
	Battery                   BatterySignal    `json:"battery"`
	BolusInProgress           bool             `json:"bolus_in_progress"`
	Suspended                 bool             `json:"suspended"`
}

// StatusSnapshot is an accepted status with its device clocks resolved.
type StatusSnapshot struct {
	StatusMessage

	// PumpTime is the resolved pump clock.
	PumpTime time.Time

	// GlucoseTime is the resolved glucose clock, zero when absent.
	GlucoseTime time.Time
}

// Equal reports whether two snapshots carry the same device-reported status.
func (s *StatusSnapshot) Equal(o *StatusSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	a, b := s.StatusMessage, o.StatusMessage
	if !bytes.Equal(a.Payload, b.Payload) ||
		a.PumpClock != b.PumpClock ||
		a.ReservoirUnits != b.ReservoirUnits ||
		a.BolusInProgress != b.BolusInProgress ||
		a.Suspended != b.Suspended ||
		!a.Battery.equal(b.Battery) {
		return false
	}
	if (a.GlucoseClock == nil) != (b.GlucoseClock == nil) {
		return false
	}
	if a.GlucoseClock != nil && *a.GlucoseClock != *b.GlucoseClock {
		return false
	}
	if (a.ReservoirMinutesRemaining == nil) != (b.ReservoirMinutesRemaining == nil) {
		return false
	}
	return a.ReservoirMinutesRemaining == nil || *a.ReservoirMinutesRemaining == *b.ReservoirMinutesRemaining
}

// TimeLeft returns the reported reservoir time remaining, zero when unknown.
func (s *StatusSnapshot) TimeLeft() time.Duration {
	if s.ReservoirMinutesRemaining == nil {
		return 0
	}
	return time.Duration(*s.ReservoirMinutesRemaining) * time.Minute
}

// ReservoirRecord is one reservoir volume reading.
type ReservoirRecord struct {
	Units     float64
	Timestamp time.Time

	// TimeLeft is the device estimate of delivery time remaining, zero when unknown.
	TimeLeft time.Duration
}

// GlucoseMessage is a raw CGM sample delivered by the transport.
type GlucoseMessage struct {
	Clock ClockComponents `json:"clock"`
	Mgdl  int             `json:"mgdl"`
}

// GlucoseSample is a CGM sample with its clock resolved.
type GlucoseSample struct {
	Mgdl int
	At   time.Time
}

// HistoryEvent is one entry from the pump's event history.
type HistoryEvent struct {
	Kind  string          `json:"kind"`
	Clock ClockComponents `json:"clock"`
	Units float64         `json:"units,omitempty"`
	Raw   []byte          `json:"raw,omitempty"`

	// At is filled in once the clock has been resolved.
	At time.Time `json:"-"`
}

// DoseEntry is a committed bolus handed to the dose ledger.
type DoseEntry struct {
	ID          string
	DeviceID    string
	Units       float64
	CommittedAt time.Time
}

// Priority is the device's standing in the transport's connection selection order.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityDeprioritized
)

func (p Priority) String() string {
	if p == PriorityDeprioritized {
		return "deprioritized"
	}
	return "normal"
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
