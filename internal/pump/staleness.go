package pump

import "time"

const (
	// IdleListeningTolerance is the staleness tolerance while passive idle
	// listening is enabled and the pump is expected to broadcast on its own.
	IdleListeningTolerance = 11 * time.Minute

	// ActivePollingTolerance is the staleness tolerance when active polling is
	// the only heartbeat.
	ActivePollingTolerance = 4 * time.Minute
)

// PollingTolerance returns the staleness tolerance for the given radio mode.
func PollingTolerance(idleListening bool) time.Duration {
	if idleListening {
		return IdleListeningTolerance
	}
	return ActivePollingTolerance
}

// IsStale reports whether an active status read is required before trusting
// cached reservoir state.
func (s *Session) IsStale(idleListening bool, now time.Time) bool {
	rec, ok := s.LatestReservoir()
	if !ok {
		return true
	}
	return rec.Timestamp.Before(now.Add(-PollingTolerance(idleListening)))
}
