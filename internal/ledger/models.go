// Package ledger stores committed boluses, reservoir readings and pump
// history for downstream dosing logic.
package ledger

import (
	"errors"
	"time"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// Repository errors.
var (
	// ErrDoseConflict is returned when a dose ID is reused with different contents.
	ErrDoseConflict = errors.New("dose already recorded with different contents")
)

// ListOptions narrows a ledger query.
type ListOptions struct {
	// Since excludes entries recorded before it. Zero means no lower bound.
	Since time.Time

	// Limit caps the number of entries returned, newest first.
	// Default: 50
	Limit int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return 50
	}
	return o.Limit
}

func sameDose(a, b pump.DoseEntry) bool {
	return a.DeviceID == b.DeviceID && a.Units == b.Units
}
