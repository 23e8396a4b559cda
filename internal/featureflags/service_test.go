package featureflags_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpsync/pumpsync/internal/featureflags"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyRepository wraps the in-memory repository and fails reads on demand.
type flakyRepository struct {
	*featureflags.InMemoryRepository

	mu    sync.Mutex
	fail  bool
	reads int
}

func (r *flakyRepository) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *flakyRepository) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func (r *flakyRepository) GetAllFlags(ctx context.Context) (map[string]*featureflags.Flag, error) {
	r.mu.Lock()
	r.reads++
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return nil, errors.New("database unavailable")
	}
	return r.InMemoryRepository.GetAllFlags(ctx)
}

func newService(t *testing.T, initial ...*featureflags.Flag) (*featureflags.Service, *flakyRepository, *fakeClock) {
	t.Helper()
	repo := &flakyRepository{InMemoryRepository: featureflags.NewInMemoryRepository(initial...)}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	service := featureflags.NewService(featureflags.ServiceConfig{
		Repository: repo,
		Logger:     zerolog.Nop(),
		CacheTTL:   time.Minute,
		Now:        clock.Now,
	})
	return service, repo, clock
}

func TestService_DefaultsAllowCommands(t *testing.T) {
	service, _, _ := newService(t)
	ctx := context.Background()

	assert.True(t, service.BolusAllowed(ctx, "pump-1"))
	assert.True(t, service.TroubleshootAllowed(ctx, "pump-1"))

	flag := service.GetFlag(ctx, featureflags.FlagBolusDisabled)
	require.NotNil(t, flag)
	assert.False(t, flag.BoolValue(true))
}

func TestService_FleetInterlock(t *testing.T) {
	service, _, _ := newService(t)
	ctx := context.Background()

	err := service.SetFlags(ctx, map[string]bool{featureflags.FlagBolusDisabled: true}, "op-1", "firmware recall")
	require.NoError(t, err)

	assert.False(t, service.BolusAllowed(ctx, "pump-1"))
	assert.False(t, service.BolusAllowed(ctx, "pump-2"))
	assert.True(t, service.TroubleshootAllowed(ctx, "pump-1"))

	flag := service.GetFlag(ctx, featureflags.FlagBolusDisabled)
	require.NotNil(t, flag)
	assert.Equal(t, "op-1", flag.UpdatedBy)
	assert.False(t, flag.UpdatedAt.IsZero())
}

func TestService_DeviceInterlock(t *testing.T) {
	service, _, _ := newService(t)
	ctx := context.Background()

	key := featureflags.DeviceKey(featureflags.FlagTroubleshootDisabled, "pump-2")
	require.NoError(t, service.SetFlags(ctx, map[string]bool{key: true}, "op-1", ""))

	assert.True(t, service.TroubleshootAllowed(ctx, "pump-1"))
	assert.False(t, service.TroubleshootAllowed(ctx, "pump-2"))
	assert.True(t, service.BolusAllowed(ctx, "pump-2"))
}

func TestService_SetFlagsRejectsUnknownKey(t *testing.T) {
	service, _, _ := newService(t)

	err := service.SetFlags(context.Background(), map[string]bool{"turbo_mode": true}, "op-1", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "turbo_mode")
}

func TestService_CachesUntilTTL(t *testing.T) {
	service, repo, clock := newService(t)
	ctx := context.Background()

	service.BolusAllowed(ctx, "pump-1")
	service.BolusAllowed(ctx, "pump-1")
	assert.Equal(t, 1, repo.readCount())

	clock.Advance(2 * time.Minute)
	service.BolusAllowed(ctx, "pump-1")
	assert.Equal(t, 2, repo.readCount())
}

func TestService_InvalidateCache(t *testing.T) {
	service, repo, _ := newService(t)
	ctx := context.Background()

	assert.True(t, service.BolusAllowed(ctx, "pump-1"))

	// Write behind the service's back
	require.NoError(t, repo.SetFlags(ctx, []*featureflags.Flag{{Key: featureflags.FlagBolusDisabled, Value: true}}))
	assert.True(t, service.BolusAllowed(ctx, "pump-1"), "stale cache still served")

	service.InvalidateCache()
	assert.False(t, service.BolusAllowed(ctx, "pump-1"))
}

func TestService_RepositoryFailureKeepsLastKnownValues(t *testing.T) {
	service, repo, clock := newService(t, &featureflags.Flag{Key: featureflags.FlagBolusDisabled, Value: true})
	ctx := context.Background()

	require.False(t, service.BolusAllowed(ctx, "pump-1"))

	repo.setFail(true)
	clock.Advance(2 * time.Minute)

	assert.False(t, service.BolusAllowed(ctx, "pump-1"), "engaged interlock survives a storage outage")
}

func TestService_RepositoryFailureWithoutCacheUsesDefaults(t *testing.T) {
	service, repo, _ := newService(t)
	repo.setFail(true)

	flags := service.GetAllFlags(context.Background())

	require.Len(t, flags, 2)
	assert.Equal(t, featureflags.FlagBolusDisabled, flags[0].Key)
	assert.Equal(t, featureflags.FlagTroubleshootDisabled, flags[1].Key)
}

func TestService_DeleteFlagRevertsToDefault(t *testing.T) {
	service, _, _ := newService(t, &featureflags.Flag{Key: featureflags.FlagBolusDisabled, Value: true})
	ctx := context.Background()

	require.False(t, service.BolusAllowed(ctx, "pump-1"))
	require.NoError(t, service.DeleteFlag(ctx, featureflags.FlagBolusDisabled))
	assert.True(t, service.BolusAllowed(ctx, "pump-1"))

	err := service.DeleteFlag(ctx, featureflags.FlagBolusDisabled)
	assert.ErrorIs(t, err, featureflags.ErrFlagNotFound)
}

func TestService_GetAllFlagsIncludesDeviceKeys(t *testing.T) {
	key := featureflags.DeviceKey(featureflags.FlagBolusDisabled, "pump-9")
	service, _, _ := newService(t, &featureflags.Flag{Key: key, Value: true})

	flags := service.GetAllFlags(context.Background())

	require.Len(t, flags, 3)
	assert.Equal(t, key, flags[1].Key)
	assert.Nil(t, service.GetFlag(context.Background(), "unknown"))
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{featureflags.FlagBolusDisabled, true},
		{featureflags.FlagTroubleshootDisabled, true},
		{"bolus_disabled:pump-1", true},
		{"bolus_disabled:", false},
		{"polling_paused", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, featureflags.ValidKey(tt.key))
		})
	}
}

func TestFlag_BoolValue(t *testing.T) {
	var nilFlag *featureflags.Flag
	assert.True(t, nilFlag.BoolValue(true))
	assert.False(t, nilFlag.BoolValue(false))

	assert.True(t, (&featureflags.Flag{Value: true}).BoolValue(false))
	assert.True(t, (&featureflags.Flag{Value: float64(1)}).BoolValue(false))
	assert.False(t, (&featureflags.Flag{Value: float64(0)}).BoolValue(true))
	assert.True(t, (&featureflags.Flag{Value: "yes"}).BoolValue(true), "non-boolean falls back to default")
}
