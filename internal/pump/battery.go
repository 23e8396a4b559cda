package pump

import (
	"math"
	"time"
)

// BatteryUnknown is the Percent value meaning no estimate is available.
const BatteryUnknown = -1.0

// batteryReplacedRise is the increase, in fractional percent, read as a new battery.
const batteryReplacedRise = 0.5

// BatterySource identifies which signal family produced an estimate.
type BatterySource string

const (
	BatterySourceNone    BatterySource = "none"
	BatterySourcePercent BatterySource = "percent"
	BatterySourceVoltage BatterySource = "voltage"
)

// BatteryEstimate is the reconciled battery level. Percent is a fraction in
// [0, 1], or BatteryUnknown.
type BatteryEstimate struct {
	Source  BatterySource `json:"source"`
	Volts   float64       `json:"volts,omitempty"`
	Percent float64       `json:"percent"`
}

// Known reports whether the estimate carries a usable value.
func (b BatteryEstimate) Known() bool {
	return b.Percent >= 0
}

func unknownBattery() BatteryEstimate {
	return BatteryEstimate{Source: BatterySourceNone, Percent: BatteryUnknown}
}

// voltageBands maps alkaline cell voltage to a stepped estimate. Lower bounds
// are inclusive and checked top down.
var voltageBands = []struct {
	min     float64
	percent float64
}{
	{1.56, 1.0},
	{1.53, 0.75},
	{1.50, 0.5},
	{1.47, 0.25},
}

// PercentFromVoltage looks up the stepped battery estimate for a cell voltage.
// Readings that are not a plausible voltage return BatteryUnknown.
func PercentFromVoltage(volts float64) float64 {
	if math.IsNaN(volts) || math.IsInf(volts, 0) || volts <= 0 {
		return BatteryUnknown
	}
	for _, band := range voltageBands {
		if volts >= band.min {
			return band.percent
		}
	}
	return 0
}

// estimateFrom derives an estimate from a signal. The percent family wins when
// present, and once a device has reported percent its voltage-only readings
// are ignored.
func (s *Session) estimateFrom(sig BatterySignal) (BatteryEstimate, bool) {
	if sig.Percent != nil {
		p := *sig.Percent
		if math.IsNaN(p) || p < 0 || p > 1 {
			return BatteryEstimate{Source: BatterySourcePercent, Percent: BatteryUnknown}, true
		}
		return BatteryEstimate{Source: BatterySourcePercent, Percent: p}, true
	}
	if sig.Volts != nil && !s.percentSeen {
		return BatteryEstimate{
			Source:  BatterySourceVoltage,
			Volts:   *sig.Volts,
			Percent: PercentFromVoltage(*sig.Volts),
		}, true
	}
	return BatteryEstimate{}, false
}

// UpdateBattery reconciles the battery estimate with a new signal.
func (s *Session) UpdateBattery(sig BatterySignal) {
	est, ok := s.estimateFrom(sig)
	if !ok {
		return
	}
	if est.Source == BatterySourcePercent {
		s.percentSeen = true
	}
	s.battery = est
}

// ObserveBattery runs mutate and compares the battery estimate before and
// after it. It returns battery_low when the estimate moved to exactly empty
// and battery_replaced when a known estimate rose by half or more.
func (s *Session) ObserveBattery(at time.Time, mutate func()) []Advisory {
	before := s.battery
	mutate()
	after := s.battery

	var out []Advisory
	if after.Percent == 0 && before.Percent != 0 {
		a := newAdvisory(AdvisoryBatteryLow, s.deviceID, at)
		a.Percent = after.Percent
		out = append(out, a)
	}
	if before.Known() && after.Known() && after.Percent-before.Percent >= batteryReplacedRise {
		a := newAdvisory(AdvisoryBatteryReplaced, s.deviceID, at)
		a.Percent = after.Percent
		out = append(out, a)
	}
	return out
}
