package featureflags

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCacheTTL is how long a repository snapshot is served before refresh.
const DefaultCacheTTL = 30 * time.Second

// Service provides feature flag operations with caching.
type Service struct {
	repo     Repository
	logger   zerolog.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu          sync.RWMutex
	cache       map[string]*Flag
	cacheExpiry time.Time
}

// ServiceConfig holds configuration for the feature flag service.
type ServiceConfig struct {
	Repository Repository
	Logger     zerolog.Logger
	CacheTTL   time.Duration
	Now        func() time.Time
}

// NewService creates a new feature flag service.
func NewService(cfg ServiceConfig) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:     cfg.Repository,
		logger:   cfg.Logger.With().Str("component", "featureflags").Logger(),
		cacheTTL: ttl,
		now:      now,
	}
}

// snapshot returns the current flag set. The returned map is shared and must
// not be modified. When the repository fails the last snapshot keeps being
// served, or the defaults if there never was one.
func (s *Service) snapshot(ctx context.Context) map[string]*Flag {
	s.mu.RLock()
	if s.cache != nil && s.now().Before(s.cacheExpiry) {
		cached := s.cache
		s.mu.RUnlock()
		return cached
	}
	s.mu.RUnlock()

	stored, err := s.repo.GetAllFlags(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load feature flags, serving last known values")
		if s.cache != nil {
			return s.cache
		}
		return DefaultFlags()
	}

	merged := DefaultFlags()
	for k, v := range stored {
		merged[k] = v
	}
	s.cache = merged
	s.cacheExpiry = s.now().Add(s.cacheTTL)
	return merged
}

// GetFlag returns a flag by key, or nil if it is neither stored nor a default.
func (s *Service) GetFlag(ctx context.Context, key string) *Flag {
	flag, ok := s.snapshot(ctx)[key]
	if !ok {
		return nil
	}
	copied := *flag
	return &copied
}

// GetAllFlags returns every flag sorted by key.
func (s *Service) GetAllFlags(ctx context.Context) []Flag {
	snap := s.snapshot(ctx)
	flags := make([]Flag, 0, len(snap))
	for _, f := range snap {
		flags = append(flags, *f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
	return flags
}

// SetFlags stores updates on behalf of operator and drops the cache.
func (s *Service) SetFlags(ctx context.Context, updates map[string]bool, operator, reason string) error {
	now := s.now().UTC()
	flags := make([]*Flag, 0, len(updates))
	for key, value := range updates {
		if !ValidKey(key) {
			return fmt.Errorf("unknown feature flag %q", key)
		}
		flags = append(flags, &Flag{Key: key, Value: value, UpdatedAt: now, UpdatedBy: operator})
	}

	if err := s.repo.SetFlags(ctx, flags); err != nil {
		return fmt.Errorf("set feature flags: %w", err)
	}
	s.InvalidateCache()

	for _, f := range flags {
		s.logger.Info().
			Str("flag", f.Key).
			Interface("value", f.Value).
			Str("operator", operator).
			Str("reason", reason).
			Msg("feature flag updated")
	}
	return nil
}

// DeleteFlag removes a stored flag, reverting it to its default.
func (s *Service) DeleteFlag(ctx context.Context, key string) error {
	if err := s.repo.DeleteFlag(ctx, key); err != nil {
		return err
	}
	s.InvalidateCache()
	return nil
}

// InvalidateCache forces the next read to hit the repository.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheExpiry = time.Time{}
}

// IsEnabled reports whether a boolean flag is set.
func (s *Service) IsEnabled(ctx context.Context, key string) bool {
	return s.GetFlag(ctx, key).BoolValue(false)
}

// BolusAllowed reports whether bolus commands may be sent to deviceID. Either
// the fleet-wide or the device-scoped interlock blocks it.
func (s *Service) BolusAllowed(ctx context.Context, deviceID string) bool {
	return !s.disabled(ctx, FlagBolusDisabled, deviceID)
}

// TroubleshootAllowed reports whether operator retunes may run on deviceID.
func (s *Service) TroubleshootAllowed(ctx context.Context, deviceID string) bool {
	return !s.disabled(ctx, FlagTroubleshootDisabled, deviceID)
}

func (s *Service) disabled(ctx context.Context, flag, deviceID string) bool {
	snap := s.snapshot(ctx)
	if snap[flag].BoolValue(false) {
		return true
	}
	return snap[DeviceKey(flag, deviceID)].BoolValue(false)
}
