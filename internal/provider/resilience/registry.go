package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// LinkHealth represents the health and priority of a registered link.
type LinkHealth struct {
	// Name is the link identifier.
	Name string `json:"name"`

	// CircuitState is the current circuit breaker state.
	CircuitState gobreaker.State `json:"-"`

	// State is CircuitState rendered for display.
	State string `json:"state"`

	// Counts contains circuit breaker statistics.
	Counts gobreaker.Counts `json:"counts"`

	// Deprioritized is true when the link was demoted in the selection order.
	Deprioritized bool `json:"deprioritized"`

	// LastSuccessAt is the timestamp of the last successful call.
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`

	// LastFailureAt is the timestamp of the last failed call.
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	// LastError is the most recent error message, if any.
	LastError string `json:"last_error,omitempty"`
}

// IsHealthy returns true if the link is considered healthy.
func (h *LinkHealth) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded returns true if the link is in a degraded state (half-open).
func (h *LinkHealth) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy returns true if the link is unhealthy (circuit open).
func (h *LinkHealth) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Registry tracks registered links, their health, and the order in which the
// transport should attempt connections. Demoted links stay connectable.
type Registry struct {
	mu    sync.RWMutex
	links map[string]*registeredLink
	now   func() time.Time
}

type registeredLink struct {
	link          *Link
	deprioritized bool
	demotedAt     time.Time
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates a new link registry.
func NewRegistry() *Registry {
	return &Registry{
		links: make(map[string]*registeredLink),
		now:   time.Now,
	}
}

// Register adds a link to the registry.
func (r *Registry) Register(name string, link *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.links[name] = &registeredLink{
		link: link,
	}
}

// Unregister removes a link from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.links, name)
}

// RecordSuccess records a successful call on a link.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.links[name]; ok {
		now := r.now()
		l.lastSuccessAt = &now
	}
}

// RecordFailure records a failed call on a link.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.links[name]; ok {
		now := r.now()
		l.lastFailureAt = &now
		if err != nil {
			l.lastError = err.Error()
		}
	}
}

// Demote moves a link behind every normal-priority link in the selection order.
func (r *Registry) Demote(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.links[name]; ok && !l.deprioritized {
		l.deprioritized = true
		l.demotedAt = r.now()
	}
}

// Restore returns a demoted link to normal priority.
func (r *Registry) Restore(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.links[name]; ok {
		l.deprioritized = false
		l.demotedAt = time.Time{}
	}
}

// SelectionOrder returns link names in the order connections should be
// attempted: normal links by name, then demoted links, longest demoted last.
func (r *Registry) SelectionOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.links))
	for name := range r.links {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		a, b := r.links[names[i]], r.links[names[j]]
		if a.deprioritized != b.deprioritized {
			return !a.deprioritized
		}
		if a.deprioritized && !a.demotedAt.Equal(b.demotedAt) {
			return a.demotedAt.After(b.demotedAt)
		}
		return names[i] < names[j]
	})

	return names
}

// GetHealth returns the health status of a specific link.
func (r *Registry) GetHealth(name string) *LinkHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.links[name]
	if !ok {
		return nil
	}

	return l.health(name)
}

// GetAllHealth returns the health status of all links in selection order.
func (r *Registry) GetAllHealth() []*LinkHealth {
	order := r.SelectionOrder()

	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make([]*LinkHealth, 0, len(order))
	for _, name := range order {
		if l, ok := r.links[name]; ok {
			health = append(health, l.health(name))
		}
	}

	return health
}

// LinkCount returns the number of registered links.
func (r *Registry) LinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.links)
}

func (l *registeredLink) health(name string) *LinkHealth {
	state := l.link.CircuitBreakerState()
	return &LinkHealth{
		Name:          name,
		CircuitState:  state,
		State:         state.String(),
		Counts:        l.link.CircuitBreakerCounts(),
		Deprioritized: l.deprioritized,
		LastSuccessAt: l.lastSuccessAt,
		LastFailureAt: l.lastFailureAt,
		LastError:     l.lastError,
	}
}
