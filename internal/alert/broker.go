// Package alert delivers pump advisory events to alerting and analytics
// consumers.
package alert

import (
	"context"
	"errors"
	"sync"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// ErrBrokerClosed is returned when publishing to a closed broker.
var ErrBrokerClosed = errors.New("alert broker closed")

// Broker is an in-process typed event bus. Every subscriber receives every
// advisory it is subscribed to, in publish order. Publish blocks until each
// matching subscriber has taken the event or unsubscribed.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	ch    chan pump.Advisory
	types map[pump.AdvisoryType]bool
	done  chan struct{}
	once  sync.Once
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel of advisories and a function that ends the
// subscription. With no types every advisory is delivered. buffer sets the
// channel capacity.
func (b *Broker) Subscribe(buffer int, types ...pump.AdvisoryType) (<-chan pump.Advisory, func()) {
	sub := &subscription{
		ch:   make(chan pump.Advisory, buffer),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[pump.AdvisoryType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		close(sub.done)
	} else {
		b.subs[id] = sub
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
	}
	return sub.ch, cancel
}

// Publish implements pump.AlertSink.
func (b *Broker) Publish(ctx context.Context, event pump.Advisory) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[event.Type] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes fail with ErrBrokerClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.done) })
		delete(b.subs, id)
	}
}
