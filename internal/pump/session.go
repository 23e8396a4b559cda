package pump

import (
	"time"
)

// SessionConfig holds configuration for a device session.
type SessionConfig struct {
	// DeviceID identifies the paired pump.
	DeviceID string

	// Timezone resolves naive device clocks. A nil provider resolves nothing.
	Timezone TimezoneProvider

	// IdleListening is true when the radio passively receives sentry packets
	// instead of relying on active polling alone.
	IdleListening bool

	// Retention bounds how much reservoir history stays in memory.
	// Default: 24 hours
	Retention time.Duration

	// ContinuityWindow is how far back reservoir readings are checked for gaps.
	// Default: 30 minutes
	ContinuityWindow time.Duration

	// MaxPlausibleDrop is the largest reservoir decrease between two
	// consecutive readings accepted without forcing a refresh before dosing.
	// Default: 25 units
	MaxPlausibleDrop float64
}

// Session owns all mutable state for one paired device. It is not safe for
// concurrent use; the Manager serializes every access.
type Session struct {
	deviceID         string
	timezone         TimezoneProvider
	idleListening    bool
	retention        time.Duration
	continuityWindow time.Duration
	maxPlausibleDrop float64

	lastStatus  *StatusSnapshot
	history     []ReservoirRecord
	implausible bool

	lastTunedAt time.Time
	frequency   float64
	priority    Priority

	battery     BatteryEstimate
	percentSeen bool

	lastGlucoseAt time.Time
}

// NewSession creates a session with no device state.
func NewSession(cfg SessionConfig) *Session {
	retention := cfg.Retention
	if retention == 0 {
		retention = 24 * time.Hour
	}

	window := cfg.ContinuityWindow
	if window == 0 {
		window = 30 * time.Minute
	}

	maxDrop := cfg.MaxPlausibleDrop
	if maxDrop == 0 {
		maxDrop = 25
	}

	return &Session{
		deviceID:         cfg.DeviceID,
		timezone:         cfg.Timezone,
		idleListening:    cfg.IdleListening,
		retention:        retention,
		continuityWindow: window,
		maxPlausibleDrop: maxDrop,
		priority:         PriorityNormal,
		battery:          unknownBattery(),
	}
}

// DeviceID returns the paired device identifier.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// IdleListening reports whether passive idle listening is enabled.
func (s *Session) IdleListening() bool {
	return s.idleListening
}

// Priority returns the current connection priority.
func (s *Session) Priority() Priority {
	return s.priority
}

// LatestReservoir returns the tail of the reservoir history.
func (s *Session) LatestReservoir() (ReservoirRecord, bool) {
	if len(s.history) == 0 {
		return ReservoirRecord{}, false
	}
	return s.history[len(s.history)-1], true
}

// LastStatus returns the most recently accepted status.
func (s *Session) LastStatus() *StatusSnapshot {
	return s.lastStatus
}

// Battery returns the last reconciled battery estimate.
func (s *Session) Battery() BatteryEstimate {
	return s.battery
}

// View is a read-only copy of session state.
type View struct {
	DeviceID        string           `json:"device_id"`
	Priority        string           `json:"priority"`
	IdleListening   bool             `json:"idle_listening"`
	Reservoir       *ReservoirRecord `json:"reservoir,omitempty"`
	HistoryLength   int              `json:"history_length"`
	LastTunedAt     *time.Time       `json:"last_tuned_at,omitempty"`
	FrequencyMHz    float64          `json:"frequency_mhz,omitempty"`
	Battery         BatteryEstimate  `json:"battery"`
	BolusInProgress bool             `json:"bolus_in_progress"`
	Suspended       bool             `json:"suspended"`
	PumpTime        *time.Time       `json:"pump_time,omitempty"`
	Stale           bool             `json:"stale"`
}

// View returns a copy of the session state as of now.
func (s *Session) View(now time.Time) View {
	v := View{
		DeviceID:      s.deviceID,
		Priority:      s.priority.String(),
		IdleListening: s.idleListening,
		HistoryLength: len(s.history),
		FrequencyMHz:  s.frequency,
		Battery:       s.battery,
		Stale:         s.IsStale(s.idleListening, now),
	}
	if rec, ok := s.LatestReservoir(); ok {
		v.Reservoir = &rec
	}
	if !s.lastTunedAt.IsZero() {
		t := s.lastTunedAt
		v.LastTunedAt = &t
	}
	if s.lastStatus != nil {
		v.BolusInProgress = s.lastStatus.BolusInProgress
		v.Suspended = s.lastStatus.Suspended
		t := s.lastStatus.PumpTime
		v.PumpTime = &t
	}
	return v
}
