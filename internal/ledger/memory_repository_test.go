package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/ledger"
	"github.com/pumpsync/pumpsync/internal/pump"
)

var (
	_ ledger.Repository = (*ledger.InMemoryRepository)(nil)
	_ ledger.Repository = (*ledger.PostgresRepository)(nil)
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestInMemoryRepository_CommitBolusIsIdempotent(t *testing.T) {
	repo := ledger.NewInMemoryRepository()
	ctx := context.Background()
	entry := pump.DoseEntry{ID: "3f0c2a2e-5b8e-4d47-9a43-1d2c0e6a9b10", DeviceID: "pump-1", Units: 2.5, CommittedAt: t0}

	require.NoError(t, repo.CommitBolus(ctx, entry))
	require.NoError(t, repo.CommitBolus(ctx, entry))

	doses, err := repo.ListDoses(ctx, "pump-1", ledger.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, doses, 1)
}

func TestInMemoryRepository_CommitBolusConflict(t *testing.T) {
	repo := ledger.NewInMemoryRepository()
	ctx := context.Background()
	entry := pump.DoseEntry{ID: "dose-1", DeviceID: "pump-1", Units: 2.5, CommittedAt: t0}
	require.NoError(t, repo.CommitBolus(ctx, entry))

	entry.Units = 3
	err := repo.CommitBolus(ctx, entry)

	assert.ErrorIs(t, err, ledger.ErrDoseConflict)
}

func TestInMemoryRepository_ListDosesNewestFirst(t *testing.T) {
	repo := ledger.NewInMemoryRepository()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.CommitBolus(ctx, pump.DoseEntry{
			ID:          id,
			DeviceID:    "pump-1",
			Units:       1,
			CommittedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, repo.CommitBolus(ctx, pump.DoseEntry{ID: "other", DeviceID: "pump-2", Units: 1, CommittedAt: t0}))

	doses, err := repo.ListDoses(ctx, "pump-1", ledger.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, doses, 2)
	assert.Equal(t, "c", doses[0].ID)
	assert.Equal(t, "b", doses[1].ID)

	doses, err = repo.ListDoses(ctx, "pump-1", ledger.ListOptions{Since: t0.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, doses, 1)
	assert.Equal(t, "c", doses[0].ID)
}

func TestInMemoryRepository_ReservoirOrderedAndSuperseded(t *testing.T) {
	repo := ledger.NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.AddReservoir(ctx, "pump-1", pump.ReservoirRecord{Units: 90, Timestamp: t0.Add(10 * time.Minute)}))
	require.NoError(t, repo.AddReservoir(ctx, "pump-1", pump.ReservoirRecord{Units: 100, Timestamp: t0}))
	require.NoError(t, repo.AddReservoir(ctx, "pump-1", pump.ReservoirRecord{Units: 95, Timestamp: t0.Add(5 * time.Minute)}))
	require.NoError(t, repo.AddReservoir(ctx, "pump-1", pump.ReservoirRecord{Units: 94.5, Timestamp: t0.Add(5 * time.Minute)}))

	records, err := repo.ListReservoir(ctx, "pump-1", ledger.ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 90.0, records[0].Units)
	assert.Equal(t, 94.5, records[1].Units, "same timestamp replaces the stored reading")
	assert.Equal(t, 100.0, records[2].Units)
}

func TestInMemoryRepository_HistoryDeduplicated(t *testing.T) {
	repo := ledger.NewInMemoryRepository()
	ctx := context.Background()
	events := []pump.HistoryEvent{
		{Kind: "bolus", Units: 1.5, At: t0},
		{Kind: "rewind", At: t0.Add(time.Hour)},
	}

	require.NoError(t, repo.AddHistory(ctx, "pump-1", events))
	require.NoError(t, repo.AddHistory(ctx, "pump-1", events[:1]))

	stored, err := repo.ListHistory(ctx, "pump-1", ledger.ListOptions{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "rewind", stored[0].Kind)
	assert.Equal(t, "bolus", stored[1].Kind)

	stored, err = repo.ListHistory(ctx, "pump-2", ledger.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestInMemoryRepository_GlucoseSupersededByTimestamp(t *testing.T) {
	repo := ledger.NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.AddGlucose(ctx, "pump-1", pump.GlucoseSample{Mgdl: 110, At: t0}))
	require.NoError(t, repo.AddGlucose(ctx, "pump-1", pump.GlucoseSample{Mgdl: 118, At: t0.Add(5 * time.Minute)}))
	require.NoError(t, repo.AddGlucose(ctx, "pump-1", pump.GlucoseSample{Mgdl: 112, At: t0}))

	samples, err := repo.ListGlucose(ctx, "pump-1", ledger.ListOptions{Since: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 118, samples[0].Mgdl)

	samples, err = repo.ListGlucose(ctx, "pump-1", ledger.ListOptions{})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 112, samples[1].Mgdl)
}
