// Package featureflags provides runtime switches operators can flip without a
// restart. The command interlocks stop boluses or retunes for the whole fleet
// or for a single device.
package featureflags

import (
	"strings"
	"time"
)

// Well-known feature flag keys.
const (
	// FlagBolusDisabled refuses operator bolus commands.
	FlagBolusDisabled = "bolus_disabled"

	// FlagTroubleshootDisabled refuses operator-requested retunes.
	FlagTroubleshootDisabled = "troubleshoot_disabled"
)

var knownFlags = map[string]bool{
	FlagBolusDisabled:        true,
	FlagTroubleshootDisabled: true,
}

// DeviceKey scopes a flag to one device, e.g. "bolus_disabled:pump-1".
func DeviceKey(flag, deviceID string) string {
	return flag + ":" + deviceID
}

// ValidKey reports whether key is a known flag, optionally scoped to a device.
func ValidKey(key string) bool {
	base, device, scoped := strings.Cut(key, ":")
	if scoped && device == "" {
		return false
	}
	return knownFlags[base]
}

// Flag represents a feature flag with its current value.
type Flag struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	UpdatedAt time.Time   `json:"updatedAt"`
	UpdatedBy string      `json:"updatedBy,omitempty"`
}

// BoolValue returns the flag value as a boolean.
// Returns the default value if the flag is nil or not a boolean.
func (f *Flag) BoolValue(defaultValue bool) bool {
	if f == nil {
		return defaultValue
	}
	switch v := f.Value.(type) {
	case bool:
		return v
	case float64:
		// JSON unmarshals numbers as float64
		return v != 0
	default:
		return defaultValue
	}
}

// DefaultFlags returns the values used when the repository has no entry.
// Every interlock defaults to open.
func DefaultFlags() map[string]*Flag {
	return map[string]*Flag{
		FlagBolusDisabled:        {Key: FlagBolusDisabled, Value: false},
		FlagTroubleshootDisabled: {Key: FlagTroubleshootDisabled, Value: false},
	}
}
