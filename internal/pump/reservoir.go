package pump

import (
	"math"
	"time"
)

// LowReservoirThresholds are the unit levels that raise a low reservoir alert,
// most significant first.
var LowReservoirThresholds = []float64{30, 20, 10}

// rewindDelta is the unit increase treated as a cartridge replacement.
const rewindDelta = 1.0

// ReservoirAlertKind identifies a reservoir alert.
type ReservoirAlertKind int

const (
	ReservoirEmpty ReservoirAlertKind = iota
	ReservoirLowThreshold
	ReservoirRewound
)

// ReservoirAlert is one alert derived from a reservoir reading.
type ReservoirAlert struct {
	Kind ReservoirAlertKind

	// Threshold is set for ReservoirLowThreshold.
	Threshold float64
}

// ReservoirEvent describes the outcome of recording a reservoir reading.
type ReservoirEvent struct {
	Record   ReservoirRecord
	Previous *ReservoirRecord
	Delta    float64

	// Alerts are ordered: empty, low thresholds descending, rewind.
	Alerts []ReservoirAlert

	// Continuous is true when no gap between consecutive readings inside the
	// continuity window exceeds the polling tolerance. When false a full
	// history sync is needed.
	Continuous bool

	// GapStart is the timestamp of the reading preceding the most recent gap.
	// Zero when Continuous or when there is no earlier reading.
	GapStart time.Time

	// Superseded is true when the reading replaced a tail with the same timestamp.
	Superseded bool
}

// Empty reports whether the reading emptied the reservoir.
func (e ReservoirEvent) Empty() bool {
	return e.has(ReservoirEmpty, 0)
}

// Rewound reports whether the reading looks like a cartridge replacement.
func (e ReservoirEvent) Rewound() bool {
	return e.has(ReservoirRewound, 0)
}

// Crossed reports whether the reading crossed the given low threshold.
func (e ReservoirEvent) Crossed(threshold float64) bool {
	return e.has(ReservoirLowThreshold, threshold)
}

func (e ReservoirEvent) has(kind ReservoirAlertKind, threshold float64) bool {
	for _, a := range e.Alerts {
		if a.Kind == kind && a.Threshold == threshold {
			return true
		}
	}
	return false
}

// RecordReservoir appends a reservoir reading. Readings older than the current
// tail are rejected with ErrData and leave the history untouched; a reading
// with the same timestamp as the tail supersedes it.
func (s *Session) RecordReservoir(units float64, at time.Time, timeLeft time.Duration) (ReservoirEvent, error) {
	if math.IsNaN(units) || math.IsInf(units, 0) {
		return ReservoirEvent{}, dataError("reservoir units not a number: %v", units)
	}
	if at.IsZero() {
		return ReservoirEvent{}, dataError("reservoir reading has no timestamp")
	}
	units = math.Max(units, 0)

	rec := ReservoirRecord{Units: units, Timestamp: at, TimeLeft: timeLeft}
	ev := ReservoirEvent{Record: rec}

	tail, ok := s.LatestReservoir()
	if ok {
		if at.Before(tail.Timestamp) {
			return ReservoirEvent{}, dataError("reservoir reading at %s older than tail at %s",
				at.Format(time.RFC3339), tail.Timestamp.Format(time.RFC3339))
		}
		prev := tail
		ev.Previous = &prev
		ev.Delta = units - prev.Units
		ev.Superseded = at.Equal(tail.Timestamp)
	}

	if units <= 0 {
		ev.Alerts = append(ev.Alerts, ReservoirAlert{Kind: ReservoirEmpty})
	}
	if ev.Previous != nil {
		for _, threshold := range LowReservoirThresholds {
			if ev.Previous.Units > threshold && threshold >= units {
				ev.Alerts = append(ev.Alerts, ReservoirAlert{Kind: ReservoirLowThreshold, Threshold: threshold})
			}
		}
		if ev.Delta > rewindDelta {
			ev.Alerts = append(ev.Alerts, ReservoirAlert{Kind: ReservoirRewound})
		}
	}

	s.implausible = ev.Previous != nil && -ev.Delta > s.maxPlausibleDrop

	if ev.Superseded {
		s.history[len(s.history)-1] = rec
	} else {
		s.history = append(s.history, rec)
	}
	s.trimHistory(at)

	ev.Continuous, ev.GapStart = s.continuity(at)
	return ev, nil
}

// trimHistory drops records that fell out of the retention window, always
// keeping the tail.
func (s *Session) trimHistory(now time.Time) {
	cutoff := now.Add(-s.retention)
	drop := 0
	for drop < len(s.history)-1 && s.history[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.history = append(s.history[:0], s.history[drop:]...)
	}
}

// continuity checks the gaps between readings that fall inside the continuity
// window ending at now. The reading just before the window counts too, so a
// gap straddling the window start is seen.
func (s *Session) continuity(now time.Time) (bool, time.Time) {
	if len(s.history) < 2 {
		return false, time.Time{}
	}
	start := now.Add(-s.continuityWindow)
	first := len(s.history) - 1
	for first > 0 && !s.history[first].Timestamp.Before(start) {
		first--
	}
	tolerance := PollingTolerance(s.idleListening)
	for i := len(s.history) - 1; i > first; i-- {
		if s.history[i].Timestamp.Sub(s.history[i-1].Timestamp) > tolerance {
			return false, s.history[i-1].Timestamp
		}
	}
	return true, time.Time{}
}

// History returns a copy of the retained reservoir history.
func (s *Session) History() []ReservoirRecord {
	out := make([]ReservoirRecord, len(s.history))
	copy(out, s.history)
	return out
}
