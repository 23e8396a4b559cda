// Package handler provides HTTP handlers for the pumpsync operator API.
package handler

import (
	"context"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// Pump is the slice of a pump manager the API drives.
type Pump interface {
	DeviceID() string
	Running() bool
	Snapshot(ctx context.Context) (pump.View, error)
	BolusState() pump.BolusState
	EnactBolus(ctx context.Context, units float64) error
	Troubleshoot(ctx context.Context) (pump.Action, error)
}

// Pumps indexes managers by device id.
type Pumps struct {
	order []Pump
	byID  map[string]Pump
}

// NewPumps indexes the given managers, keeping their order for listings.
func NewPumps(pumps ...Pump) *Pumps {
	p := &Pumps{byID: make(map[string]Pump, len(pumps))}
	for _, m := range pumps {
		if _, dup := p.byID[m.DeviceID()]; dup {
			continue
		}
		p.order = append(p.order, m)
		p.byID[m.DeviceID()] = m
	}
	return p
}

// Get returns the manager for a device.
func (p *Pumps) Get(deviceID string) (Pump, bool) {
	m, ok := p.byID[deviceID]
	return m, ok
}

// All returns every manager in registration order.
func (p *Pumps) All() []Pump {
	return p.order
}
