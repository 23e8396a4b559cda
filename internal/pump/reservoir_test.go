package pump_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/pump"
)

func TestRecordReservoir_RejectsOlderReading(t *testing.T) {
	session := utcSession(false)

	_, err := session.RecordReservoir(100, baseTime, 0)
	require.NoError(t, err)
	before := session.History()

	_, err = session.RecordReservoir(90, baseTime.Add(-time.Second), 0)

	assert.ErrorIs(t, err, pump.ErrData)
	assert.Equal(t, before, session.History(), "history must be unchanged")
}

func TestRecordReservoir_SameTimestampSupersedesTail(t *testing.T) {
	session := utcSession(false)

	_, err := session.RecordReservoir(100, baseTime, 0)
	require.NoError(t, err)

	ev, err := session.RecordReservoir(99.5, baseTime, 0)
	require.NoError(t, err)

	assert.True(t, ev.Superseded)
	history := session.History()
	require.Len(t, history, 1)
	assert.Equal(t, 99.5, history[0].Units)
}

func TestRecordReservoir_ThresholdCrossings(t *testing.T) {
	session := utcSession(false)

	_, err := session.RecordReservoir(25, baseTime, 0)
	require.NoError(t, err)

	ev, err := session.RecordReservoir(9, baseTime.Add(5*time.Minute), 0)
	require.NoError(t, err)

	assert.True(t, ev.Crossed(20))
	assert.True(t, ev.Crossed(10))
	assert.False(t, ev.Crossed(30))
	assert.Equal(t, []pump.ReservoirAlert{
		{Kind: pump.ReservoirLowThreshold, Threshold: 20},
		{Kind: pump.ReservoirLowThreshold, Threshold: 10},
	}, ev.Alerts)
}

func TestRecordReservoir_ExactThresholdCounts(t *testing.T) {
	session := utcSession(false)

	_, err := session.RecordReservoir(31, baseTime, 0)
	require.NoError(t, err)

	ev, err := session.RecordReservoir(30, baseTime.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.True(t, ev.Crossed(30))

	ev, err = session.RecordReservoir(29, baseTime.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.False(t, ev.Crossed(30), "already below")
}

func TestRecordReservoir_RewindDetection(t *testing.T) {
	tests := []struct {
		name   string
		after  float64
		rewind bool
	}{
		{name: "delta of three", after: 8, rewind: true},
		{name: "delta of half", after: 5.5, rewind: false},
		{name: "delta of exactly one", after: 6, rewind: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := utcSession(false)
			_, err := session.RecordReservoir(5, baseTime, 0)
			require.NoError(t, err)

			ev, err := session.RecordReservoir(tt.after, baseTime.Add(time.Minute), 0)
			require.NoError(t, err)

			assert.Equal(t, tt.rewind, ev.Rewound())
		})
	}
}

func TestRecordReservoir_EmptyComesFirst(t *testing.T) {
	session := utcSession(false)

	_, err := session.RecordReservoir(12, baseTime, 0)
	require.NoError(t, err)

	ev, err := session.RecordReservoir(0, baseTime.Add(time.Minute), 0)
	require.NoError(t, err)

	require.Len(t, ev.Alerts, 2)
	assert.Equal(t, pump.ReservoirEmpty, ev.Alerts[0].Kind)
	assert.True(t, ev.Crossed(10))
}

func TestRecordReservoir_InvalidUnits(t *testing.T) {
	session := utcSession(false)

	_, err := session.RecordReservoir(math.NaN(), baseTime, 0)
	assert.ErrorIs(t, err, pump.ErrData)

	_, err = session.RecordReservoir(math.Inf(1), baseTime, 0)
	assert.ErrorIs(t, err, pump.ErrData)

	ev, err := session.RecordReservoir(-3, baseTime, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, ev.Record.Units, "negative volume clamps to empty")
	assert.True(t, ev.Empty())
}

func TestRecordReservoir_Continuity(t *testing.T) {
	session := utcSession(false)

	ev, err := session.RecordReservoir(100, baseTime, 0)
	require.NoError(t, err)
	assert.False(t, ev.Continuous, "a lone reading is not continuous")

	ev, err = session.RecordReservoir(99, baseTime.Add(3*time.Minute), 0)
	require.NoError(t, err)
	assert.True(t, ev.Continuous)

	ev, err = session.RecordReservoir(98, baseTime.Add(9*time.Minute), 0)
	require.NoError(t, err)
	assert.False(t, ev.Continuous, "six minute gap exceeds active polling tolerance")
	assert.Equal(t, baseTime.Add(3*time.Minute), ev.GapStart)
}

func TestRecordReservoir_IdleListeningToleratesLongerGaps(t *testing.T) {
	session := utcSession(true)

	_, err := session.RecordReservoir(100, baseTime, 0)
	require.NoError(t, err)

	ev, err := session.RecordReservoir(99, baseTime.Add(10*time.Minute), 0)
	require.NoError(t, err)
	assert.True(t, ev.Continuous)
}

func TestRecordReservoir_RetentionKeepsTail(t *testing.T) {
	session := pump.NewSession(pump.SessionConfig{
		DeviceID:  "pump-1",
		Timezone:  pump.StaticTimezone{Loc: time.UTC},
		Retention: time.Hour,
	})

	for i := 0; i < 5; i++ {
		_, err := session.RecordReservoir(100-float64(i), baseTime.Add(time.Duration(i)*30*time.Minute), 0)
		require.NoError(t, err)
	}

	history := session.History()
	require.Len(t, history, 3)
	assert.Equal(t, baseTime.Add(time.Hour), history[0].Timestamp)

	rec, ok := session.LatestReservoir()
	require.True(t, ok)
	assert.Equal(t, 96.0, rec.Units)
}
