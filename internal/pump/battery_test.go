package pump_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/pump"
)

func ptr(v float64) *float64 { return &v }

func TestPercentFromVoltage(t *testing.T) {
	tests := []struct {
		volts   float64
		percent float64
	}{
		{1.60, 1.0},
		{1.56, 1.0},
		{1.559, 0.75},
		{1.53, 0.75},
		{1.52, 0.5},
		{1.50, 0.5},
		{1.48, 0.25},
		{1.47, 0.25},
		{1.469, 0},
		{1.2, 0},
		{0, pump.BatteryUnknown},
		{-1.5, pump.BatteryUnknown},
		{math.NaN(), pump.BatteryUnknown},
		{math.Inf(1), pump.BatteryUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.percent, pump.PercentFromVoltage(tt.volts), "volts %v", tt.volts)
	}
}

func TestObserveBattery_LowAtEmptyTransition(t *testing.T) {
	session := utcSession(true)
	session.UpdateBattery(pump.BatterySignal{Volts: ptr(1.48)})

	events := session.ObserveBattery(baseTime, func() {
		session.UpdateBattery(pump.BatterySignal{Volts: ptr(1.469)})
	})

	require.Len(t, events, 1)
	assert.Equal(t, pump.AdvisoryBatteryLow, events[0].Type)
	assert.Equal(t, "pump-1", events[0].DeviceID)
	assert.NotEmpty(t, events[0].ID)

	events = session.ObserveBattery(baseTime, func() {
		session.UpdateBattery(pump.BatterySignal{Volts: ptr(1.40)})
	})
	assert.Empty(t, events, "still empty, no new signal")
}

func TestObserveBattery_Replaced(t *testing.T) {
	session := utcSession(true)
	session.UpdateBattery(pump.BatterySignal{Percent: ptr(0.2)})

	events := session.ObserveBattery(baseTime, func() {
		session.UpdateBattery(pump.BatterySignal{Percent: ptr(0.8)})
	})

	require.Len(t, events, 1)
	assert.Equal(t, pump.AdvisoryBatteryReplaced, events[0].Type)
	assert.Equal(t, 0.8, events[0].Percent)
}

func TestObserveBattery_SmallRiseIsNotReplacement(t *testing.T) {
	session := utcSession(true)
	session.UpdateBattery(pump.BatterySignal{Percent: ptr(0.3)})

	events := session.ObserveBattery(baseTime, func() {
		session.UpdateBattery(pump.BatterySignal{Percent: ptr(0.75)})
	})
	assert.Empty(t, events)
}

func TestObserveBattery_UnknownToKnownIsNotReplacement(t *testing.T) {
	session := utcSession(true)

	events := session.ObserveBattery(baseTime, func() {
		session.UpdateBattery(pump.BatterySignal{Volts: ptr(1.6)})
	})
	assert.Empty(t, events)
	assert.Equal(t, 1.0, session.Battery().Percent)
}

func TestUpdateBattery_PercentSupersedesVoltage(t *testing.T) {
	session := utcSession(true)

	session.UpdateBattery(pump.BatterySignal{Volts: ptr(1.50)})
	assert.Equal(t, pump.BatterySourceVoltage, session.Battery().Source)

	session.UpdateBattery(pump.BatterySignal{Percent: ptr(0.9), Volts: ptr(1.40)})
	assert.Equal(t, pump.BatterySourcePercent, session.Battery().Source)
	assert.Equal(t, 0.9, session.Battery().Percent)

	session.UpdateBattery(pump.BatterySignal{Volts: ptr(1.40)})
	assert.Equal(t, pump.BatterySourcePercent, session.Battery().Source, "voltage ignored once percent seen")
	assert.Equal(t, 0.9, session.Battery().Percent)
}

func TestUpdateBattery_OutOfRangePercentIsUnknown(t *testing.T) {
	session := utcSession(true)

	session.UpdateBattery(pump.BatterySignal{Percent: ptr(1.5)})

	assert.False(t, session.Battery().Known())
	assert.Equal(t, pump.BatteryUnknown, session.Battery().Percent)
}
