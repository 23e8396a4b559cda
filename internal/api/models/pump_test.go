package models_test

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/api/models"
	"github.com/pumpsync/pumpsync/internal/provider/resilience"
	"github.com/pumpsync/pumpsync/internal/pump"
)

func units(v float64) *float64 { return &v }

func TestBolusRequest_Validate(t *testing.T) {
	tests := []struct {
		name  string
		units *float64
		code  string
	}{
		{name: "valid", units: units(1.5)},
		{name: "missing", code: "REQUIRED"},
		{name: "zero", units: units(0), code: "OUT_OF_RANGE"},
		{name: "negative", units: units(-2), code: "OUT_OF_RANGE"},
		{name: "nan", units: units(math.NaN()), code: "OUT_OF_RANGE"},
		{name: "too large", units: units(models.MaxBolusUnits + 0.5), code: "OUT_OF_RANGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := models.BolusRequest{Units: tt.units}
			errs := req.Validate()
			if tt.code == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, "units", errs[0].Field)
			assert.Equal(t, tt.code, errs[0].Code)
		})
	}
}

func TestNewPumpStatus(t *testing.T) {
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	view := pump.View{
		DeviceID:      "pump-1",
		Priority:      "normal",
		Reservoir:     &pump.ReservoirRecord{Units: 42.5, Timestamp: at, TimeLeft: 90 * time.Minute},
		HistoryLength: 3,
		Battery:       pump.BatteryEstimate{Source: pump.BatterySourceVoltage, Volts: 1.4, Percent: 0.75},
		PumpTime:      &at,
	}

	status := models.NewPumpStatus(view, pump.BolusCommitted)

	assert.Equal(t, "pump-1", status.DeviceID)
	assert.Equal(t, "committed", status.BolusState)
	require.NotNil(t, status.Reservoir)
	assert.Equal(t, 42.5, status.Reservoir.Units)
	require.NotNil(t, status.Reservoir.TimeLeftMinutes)
	assert.Equal(t, 90, *status.Reservoir.TimeLeftMinutes)
	require.NotNil(t, status.Battery.Percent)
	assert.Equal(t, 0.75, *status.Battery.Percent)
	assert.Nil(t, status.LastTunedAt)

	body, err := json.Marshal(status)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"pumpTime":"2024-03-10T12:00:00Z"`)
}

func TestNewPumpStatus_UnknownValues(t *testing.T) {
	view := pump.View{
		DeviceID: "pump-1",
		Priority: "deprioritized",
		Battery:  pump.BatteryEstimate{Source: pump.BatterySourceNone, Percent: pump.BatteryUnknown},
	}

	status := models.NewPumpStatus(view, pump.BolusIdle)

	assert.Nil(t, status.Reservoir)
	assert.Nil(t, status.Battery.Percent)
	assert.Nil(t, status.PumpTime)
	assert.Equal(t, "idle", status.BolusState)
}

func TestNewDoseList(t *testing.T) {
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	list := models.NewDoseList("pump-1", []pump.DoseEntry{{ID: "d1", DeviceID: "pump-1", Units: 2, CommittedAt: at}})

	require.Len(t, list.Doses, 1)
	assert.Equal(t, "d1", list.Doses[0].ID)
	assert.Equal(t, at, list.Doses[0].CommittedAt.Time())

	empty := models.NewDoseList("pump-1", nil)
	body, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"doses":[]`)
}

func TestNewLinkStatus(t *testing.T) {
	tests := []struct {
		name   string
		health resilience.LinkHealth
		want   models.HealthStatus
	}{
		{name: "closed", health: resilience.LinkHealth{CircuitState: gobreaker.StateClosed}, want: models.HealthStatusOK},
		{name: "half open", health: resilience.LinkHealth{CircuitState: gobreaker.StateHalfOpen}, want: models.HealthStatusDegraded},
		{name: "demoted", health: resilience.LinkHealth{CircuitState: gobreaker.StateClosed, Deprioritized: true}, want: models.HealthStatusDegraded},
		{name: "open", health: resilience.LinkHealth{CircuitState: gobreaker.StateOpen}, want: models.HealthStatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := models.NewLinkStatus(&tt.health)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	var ts models.Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2024-03-10T13:00:00+01:00"`), &ts))
	assert.True(t, ts.Time().Equal(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))

	assert.Error(t, json.Unmarshal([]byte(`12`), &ts))
}
