package pump

import (
	"math"
	"time"
)

// Accept resolves the clocks in msg and records it as the latest status.
//
// It returns (nil, err) wrapping ErrData when a clock cannot be resolved and
// (nil, nil) when msg repeats the last accepted status; sentry hardware sends
// each status three times. A reading dated before the reservoir tail, or one
// with a non-finite reservoir volume, is a late or malformed reply and is
// rejected with ErrData. State is only mutated when a snapshot is returned.
func (s *Session) Accept(msg StatusMessage) (*StatusSnapshot, error) {
	loc, err := s.location()
	if err != nil {
		return nil, err
	}

	pumpTime, err := msg.PumpClock.Resolve(loc)
	if err != nil {
		return nil, err
	}

	var glucoseTime time.Time
	if msg.GlucoseClock != nil {
		glucoseTime, err = msg.GlucoseClock.Resolve(loc)
		if err != nil {
			return nil, err
		}
	}

	snap := &StatusSnapshot{
		StatusMessage: msg,
		PumpTime:      pumpTime,
		GlucoseTime:   glucoseTime,
	}
	if snap.Equal(s.lastStatus) {
		return nil, nil
	}
	if tail, ok := s.LatestReservoir(); ok && pumpTime.Before(tail.Timestamp) {
		return nil, dataError("status at %s older than reservoir tail at %s",
			pumpTime.Format(time.RFC3339), tail.Timestamp.Format(time.RFC3339))
	}
	if math.IsNaN(msg.ReservoirUnits) || math.IsInf(msg.ReservoirUnits, 0) {
		return nil, dataError("reservoir volume %v is not finite", msg.ReservoirUnits)
	}

	s.lastStatus = snap
	return snap, nil
}

// ResolveGlucose resolves a CGM sample and reports whether it is newer than
// the last one seen. Older or repeated samples are superseded and dropped.
func (s *Session) ResolveGlucose(msg GlucoseMessage) (GlucoseSample, bool, error) {
	loc, err := s.location()
	if err != nil {
		return GlucoseSample{}, false, err
	}

	at, err := msg.Clock.Resolve(loc)
	if err != nil {
		return GlucoseSample{}, false, err
	}
	if !at.After(s.lastGlucoseAt) {
		return GlucoseSample{}, false, nil
	}

	s.lastGlucoseAt = at
	return GlucoseSample{Mgdl: msg.Mgdl, At: at}, true, nil
}

// ResolveHistory resolves history event clocks. Events whose clocks cannot be
// resolved are returned separately as dropped.
func (s *Session) ResolveHistory(events []HistoryEvent) (resolved []HistoryEvent, dropped int, err error) {
	loc, err := s.location()
	if err != nil {
		return nil, len(events), err
	}

	resolved = make([]HistoryEvent, 0, len(events))
	for _, e := range events {
		at, rerr := e.Clock.Resolve(loc)
		if rerr != nil {
			dropped++
			continue
		}
		e.At = at
		resolved = append(resolved, e)
	}
	return resolved, dropped, nil
}

func (s *Session) location() (*time.Location, error) {
	if s.timezone == nil {
		return nil, dataError("no timezone provider for device %s", s.deviceID)
	}
	loc, ok := s.timezone.Location()
	if !ok || loc == nil {
		return nil, dataError("timezone unknown for device %s", s.deviceID)
	}
	return loc, nil
}
