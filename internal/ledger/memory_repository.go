package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pumpsync/pumpsync/internal/pump"
)

var _ Repository = (*InMemoryRepository)(nil)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing and single-node development.
type InMemoryRepository struct {
	mu        sync.RWMutex
	doses     map[string]pump.DoseEntry                   // keyed by dose ID
	reservoir map[string][]pump.ReservoirRecord           // device ID -> readings, oldest first
	history   map[string]map[historyKey]pump.HistoryEvent // device ID -> events
	glucose   map[string]map[int64]pump.GlucoseSample     // device ID -> samples by unix nanos
}

type historyKey struct {
	kind string
	at   int64
}

// NewInMemoryRepository creates a new in-memory ledger.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		doses:     make(map[string]pump.DoseEntry),
		reservoir: make(map[string][]pump.ReservoirRecord),
		history:   make(map[string]map[historyKey]pump.HistoryEvent),
		glucose:   make(map[string]map[int64]pump.GlucoseSample),
	}
}

// CommitBolus records a dose. Recording the same dose twice is a no-op.
func (r *InMemoryRepository) CommitBolus(_ context.Context, entry pump.DoseEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.doses[entry.ID]; ok {
		if !sameDose(existing, entry) {
			return ErrDoseConflict
		}
		return nil
	}

	r.doses[entry.ID] = entry
	return nil
}

// AddReservoir stores a reading. A reading with the timestamp of a stored one replaces it.
func (r *InMemoryRepository) AddReservoir(_ context.Context, deviceID string, record pump.ReservoirRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.reservoir[deviceID]
	i := sort.Search(len(records), func(i int) bool {
		return !records[i].Timestamp.Before(record.Timestamp)
	})
	if i < len(records) && records[i].Timestamp.Equal(record.Timestamp) {
		records[i] = record
		return nil
	}

	records = append(records, pump.ReservoirRecord{})
	copy(records[i+1:], records[i:])
	records[i] = record
	r.reservoir[deviceID] = records
	return nil
}

// AddHistory stores history events, ignoring ones already stored.
func (r *InMemoryRepository) AddHistory(_ context.Context, deviceID string, events []pump.HistoryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.history[deviceID]
	if !ok {
		stored = make(map[historyKey]pump.HistoryEvent)
		r.history[deviceID] = stored
	}
	for _, e := range events {
		key := historyKey{kind: e.Kind, at: e.At.UnixNano()}
		if _, exists := stored[key]; !exists {
			stored[key] = e
		}
	}
	return nil
}

// ListDoses returns committed doses for a device, newest first.
func (r *InMemoryRepository) ListDoses(_ context.Context, deviceID string, opts ListOptions) ([]pump.DoseEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []pump.DoseEntry
	for _, d := range r.doses {
		if d.DeviceID == deviceID && included(d.CommittedAt, opts) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommittedAt.After(out[j].CommittedAt) })
	return truncate(out, opts.limit()), nil
}

// ListReservoir returns reservoir readings for a device, newest first.
func (r *InMemoryRepository) ListReservoir(_ context.Context, deviceID string, opts ListOptions) ([]pump.ReservoirRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.reservoir[deviceID]
	out := make([]pump.ReservoirRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if included(records[i].Timestamp, opts) {
			out = append(out, records[i])
		}
	}
	return truncate(out, opts.limit()), nil
}

// ListHistory returns pump history events for a device, newest first.
func (r *InMemoryRepository) ListHistory(_ context.Context, deviceID string, opts ListOptions) ([]pump.HistoryEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []pump.HistoryEvent
	for _, e := range r.history[deviceID] {
		if included(e.At, opts) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return truncate(out, opts.limit()), nil
}

// AddGlucose stores a CGM sample. A later sample with the same timestamp replaces it.
func (r *InMemoryRepository) AddGlucose(_ context.Context, deviceID string, sample pump.GlucoseSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.glucose[deviceID]
	if stored == nil {
		stored = make(map[int64]pump.GlucoseSample)
		r.glucose[deviceID] = stored
	}
	stored[sample.At.UnixNano()] = sample
	return nil
}

// ListGlucose returns CGM samples for a device, newest first.
func (r *InMemoryRepository) ListGlucose(_ context.Context, deviceID string, opts ListOptions) ([]pump.GlucoseSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []pump.GlucoseSample
	for _, g := range r.glucose[deviceID] {
		if included(g.At, opts) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return truncate(out, opts.limit()), nil
}

func included(at time.Time, opts ListOptions) bool {
	return opts.Since.IsZero() || !at.Before(opts.Since)
}

func truncate[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
