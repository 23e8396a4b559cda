package pump

import (
	"time"

	"github.com/google/uuid"
)

// AdvisoryType identifies an advisory event.
type AdvisoryType string

const (
	AdvisoryReservoirLow     AdvisoryType = "reservoir_low"
	AdvisoryReservoirEmpty   AdvisoryType = "reservoir_empty"
	AdvisoryReservoirRewound AdvisoryType = "reservoir_rewound"
	AdvisoryBatteryLow       AdvisoryType = "battery_low"
	AdvisoryBatteryReplaced  AdvisoryType = "battery_replaced"
	AdvisoryPumpUpdated      AdvisoryType = "pump_updated"
	AdvisoryDeprioritized    AdvisoryType = "link_deprioritized"
)

// Advisory is a discrete event for alerting and analytics collaborators.
// Advisories never affect reconciliation.
type Advisory struct {
	ID       string       `json:"id"`
	Type     AdvisoryType `json:"type"`
	DeviceID string       `json:"device_id"`
	At       time.Time    `json:"at"`

	// Threshold is set for reservoir_low.
	Threshold float64 `json:"threshold,omitempty"`

	// Units is the reservoir volume for reservoir events.
	Units float64 `json:"units,omitempty"`

	// Percent is the battery estimate for battery events.
	Percent float64 `json:"percent,omitempty"`
}

func newAdvisory(kind AdvisoryType, deviceID string, at time.Time) Advisory {
	return Advisory{
		ID:       uuid.NewString(),
		Type:     kind,
		DeviceID: deviceID,
		At:       at,
	}
}
