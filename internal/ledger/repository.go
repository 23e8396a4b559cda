package ledger

import (
	"context"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// Repository defines the interface for ledger persistence.
type Repository interface {
	pump.DoseLedger
	pump.GlucoseStore

	// ListDoses returns committed doses for a device, newest first.
	ListDoses(ctx context.Context, deviceID string, opts ListOptions) ([]pump.DoseEntry, error)

	// ListReservoir returns reservoir readings for a device, newest first.
	ListReservoir(ctx context.Context, deviceID string, opts ListOptions) ([]pump.ReservoirRecord, error)

	// ListHistory returns pump history events for a device, newest first.
	ListHistory(ctx context.Context, deviceID string, opts ListOptions) ([]pump.HistoryEvent, error)

	// ListGlucose returns CGM samples for a device, newest first.
	ListGlucose(ctx context.Context, deviceID string, opts ListOptions) ([]pump.GlucoseSample, error)
}
