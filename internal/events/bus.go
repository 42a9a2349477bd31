// Package events fans the manager's event stream out to many subscribers.
package events

import (
	"context"
	gosync "sync"
	"time"

	"github.com/amaydixit11/dagswap/internal/query"
	"github.com/amaydixit11/dagswap/pkg/bitswap"
	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscription channel capacity
const DefaultBufferSize = 100

// Event is a manager event stamped with its delivery time
type Event struct {
	Type      string    `json:"type"`
	Query     query.ID  `json:"query"`
	Missing   int       `json:"missing"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FromBitswap converts a manager event
func FromBitswap(e bitswap.Event, at time.Time) Event {
	ev := Event{
		Type:      e.Type.String(),
		Query:     e.ID,
		Missing:   e.Missing,
		Timestamp: at,
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	return ev
}

// Terminal reports whether e is a query's last event
func (e Event) Terminal() bool {
	return e.Type == bitswap.EventComplete.String()
}

// SubscriptionOptions configures a subscription
type SubscriptionOptions struct {
	// Queries filters by query ID (nil = all queries)
	Queries []query.ID
	// CompleteOnly drops progress events
	CompleteOnly bool
	// BufferSize overrides DefaultBufferSize
	BufferSize int
}

// Subscription receives events from a Bus
type Subscription struct {
	id      uuid.UUID
	ch      chan Event
	filter  SubscriptionOptions
	mu      gosync.Mutex
	closed  bool
	dropped int
}

// ID identifies the subscription
func (s *Subscription) ID() uuid.UUID { return s.id }

// Events returns the channel to receive events on
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were lost to a full buffer
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) matches(e Event) bool {
	if s.filter.CompleteOnly && !e.Terminal() {
		return false
	}
	if len(s.filter.Queries) == 0 {
		return true
	}
	for _, id := range s.filter.Queries {
		if id == e.Query {
			return true
		}
	}
	return false
}

// send never blocks; a slow subscriber loses events
func (s *Subscription) send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.matches(e) {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}

// Bus manages subscriptions and broadcasts events
type Bus struct {
	subs map[uuid.UUID]*Subscription
	mu   gosync.RWMutex
	now  func() time.Time
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uuid.UUID]*Subscription),
		now:  time.Now,
	}
}

// Subscribe creates a subscription to every event
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeWithOptions(SubscriptionOptions{})
}

// SubscribeWithOptions creates a filtered subscription
func (b *Bus) SubscribeWithOptions(opts SubscriptionOptions) *Subscription {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	sub := &Subscription{
		id:     uuid.New(),
		ch:     make(chan Event, size),
		filter: opts,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.send(e)
	}
}

// Len returns the number of subscriptions
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Run publishes events from src until it closes or ctx ends, then closes
// every subscription
func (b *Bus) Run(ctx context.Context, src <-chan bitswap.Event) {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-src:
			if !ok {
				return
			}
			b.Publish(FromBitswap(e, b.now()))
		}
	}
}

// Close closes all subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
}
