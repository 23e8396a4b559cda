package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// Predefined errors for link operations.
var (
	// ErrCircuitOpen is returned when the link circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// LinkConfig holds configuration for a guarded link.
type LinkConfig struct {
	// Name identifies the link. It is also the registry key.
	Name string

	// MaxRetries is the number of retries for Call. CallOnce never retries.
	// Default: 2
	MaxRetries uint64

	// InitialInterval is the initial retry backoff interval.
	// Default: 200ms
	InitialInterval time.Duration

	// MaxInterval is the maximum retry backoff interval.
	// Default: 2 seconds
	MaxInterval time.Duration

	// CircuitBreaker is the circuit breaker configuration.
	// If nil, uses DefaultCircuitBreakerConfig.
	CircuitBreaker *CircuitBreakerConfig

	// Permanent reports errors that must not be retried. If nil, every error
	// is retried.
	Permanent func(error) bool

	// Registry, when set, receives the link and its call outcomes.
	Registry *Registry
}

// DefaultLinkConfig returns the defaults used for pump radio links.
func DefaultLinkConfig(name string) LinkConfig {
	cbConfig := DefaultCircuitBreakerConfig(name)
	return LinkConfig{
		Name:            name,
		MaxRetries:      2,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		CircuitBreaker:  &cbConfig,
	}
}

// Link wraps operations on one device link with a circuit breaker and retries.
type Link struct {
	breaker  *gobreaker.CircuitBreaker[struct{}]
	config   LinkConfig
	registry *Registry
}

// NewLink creates a guarded link and registers it when a registry is configured.
func NewLink(cfg LinkConfig) *Link {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 2 * time.Second
	}

	cbConfig := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	l := &Link{
		breaker:  NewCircuitBreaker[struct{}](cbConfig),
		config:   cfg,
		registry: cfg.Registry,
	}

	if l.registry != nil {
		l.registry.Register(cfg.Name, l)
	}

	return l
}

// Name returns the link name.
func (l *Link) Name() string {
	return l.config.Name
}

// Call runs op through the circuit breaker, retrying transient failures with
// exponential backoff. Use it only for idempotent operations.
func (l *Link) Call(ctx context.Context, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.config.InitialInterval
	bo.MaxInterval = l.config.MaxInterval
	bo.MaxElapsedTime = 0 // Unlimited, we control retries via WithMaxRetries

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, l.config.MaxRetries), ctx)

	return backoff.Retry(func() error {
		err := l.execute(ctx, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) || l.isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// CallOnce runs op through the circuit breaker exactly once. Commands that
// must never be repeated automatically go through here.
func (l *Link) CallOnce(ctx context.Context, op func(ctx context.Context) error) error {
	return l.execute(ctx, op)
}

func (l *Link) execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := l.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, op(ctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrCircuitOpen
	}

	if l.registry != nil {
		if err != nil {
			l.registry.RecordFailure(l.config.Name, err)
		} else {
			l.registry.RecordSuccess(l.config.Name)
		}
	}

	return err
}

func (l *Link) isPermanent(err error) bool {
	return l.config.Permanent != nil && l.config.Permanent(err)
}

// CircuitBreakerState returns the current state of the circuit breaker.
func (l *Link) CircuitBreakerState() gobreaker.State {
	return l.breaker.State()
}

// CircuitBreakerCounts returns the current counts of the circuit breaker.
func (l *Link) CircuitBreakerCounts() gobreaker.Counts {
	return l.breaker.Counts()
}
