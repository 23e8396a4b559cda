package pump

import (
	"context"
	"time"
)

// Transport is the radio link to the pump. Every call is a single round-trip
// and may block; the manager never invokes it from its serialization loop.
type Transport interface {
	// Ready reports whether a transport session is available. It returns
	// ErrConnection when no device is reachable and ErrConfiguration when the
	// session is missing required setup.
	Ready(ctx context.Context) error

	// ReadStatus performs an active status read.
	ReadStatus(ctx context.Context) (StatusMessage, error)

	// SendBolus asks the pump to deliver units of insulin.
	SendBolus(ctx context.Context, units float64) error

	// FetchHistory returns pump history events recorded since the given time.
	FetchHistory(ctx context.Context, since time.Time) ([]HistoryEvent, error)

	// Tune scans for the pump and returns the locked frequency in MHz.
	Tune(ctx context.Context) (float64, error)
}

// DoseLedger durably stores committed doses and reservoir readings.
type DoseLedger interface {
	// CommitBolus must be idempotent on entry.ID.
	CommitBolus(ctx context.Context, entry DoseEntry) error
	AddReservoir(ctx context.Context, deviceID string, record ReservoirRecord) error
	AddHistory(ctx context.Context, deviceID string, events []HistoryEvent) error
}

// AlertSink receives advisory events.
type AlertSink interface {
	Publish(ctx context.Context, event Advisory) error
}

// GlucoseStore receives resolved CGM samples.
type GlucoseStore interface {
	AddGlucose(ctx context.Context, deviceID string, sample GlucoseSample) error
}

// Prioritizer adjusts the device's place in the transport's connection
// selection order. Demoting never disconnects.
type Prioritizer interface {
	Demote(name string)
	Restore(name string)
}

// TimezoneProvider supplies the timezone used to resolve naive device clocks.
type TimezoneProvider interface {
	// Location returns false when no timezone is known.
	Location() (*time.Location, bool)
}

// StaticTimezone is a TimezoneProvider backed by a fixed location.
type StaticTimezone struct {
	Loc *time.Location
}

// Location implements TimezoneProvider.
func (z StaticTimezone) Location() (*time.Location, bool) {
	return z.Loc, z.Loc != nil
}
