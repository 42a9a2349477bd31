package events

import (
	"context"
	"testing"
	"time"

	"github.com/amaydixit11/dagswap/internal/query"
	"github.com/amaydixit11/dagswap/pkg/bitswap"
)

func TestPublishFilters(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	one := bus.SubscribeWithOptions(SubscriptionOptions{Queries: []query.ID{2}})
	done := bus.SubscribeWithOptions(SubscriptionOptions{CompleteOnly: true})

	bus.Publish(Event{Type: "progress", Query: 1, Missing: 3})
	bus.Publish(Event{Type: "progress", Query: 2, Missing: 1})
	bus.Publish(Event{Type: "complete", Query: 2})

	tests := []struct {
		name string
		sub  *Subscription
		want int
	}{
		{name: "all", sub: all, want: 3},
		{name: "query 2", sub: one, want: 2},
		{name: "complete only", sub: done, want: 1},
	}
	for _, tt := range tests {
		if got := len(tt.sub.Events()); got != tt.want {
			t.Errorf("%s: got %d events, want %d", tt.name, got, tt.want)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeWithOptions(SubscriptionOptions{BufferSize: 1})

	bus.Publish(Event{Type: "progress", Query: 1})
	bus.Publish(Event{Type: "progress", Query: 1})

	if sub.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", sub.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed")
	}
	if bus.Len() != 0 {
		t.Error("subscription not removed")
	}
	// Publishing after unsubscribe must not panic
	bus.Publish(Event{Type: "complete", Query: 1})
}

func TestRunForwardsUntilSourceCloses(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	src := make(chan bitswap.Event, 2)
	src <- bitswap.Event{Type: bitswap.EventProgress, ID: 7, Missing: 1}
	src <- bitswap.Event{Type: bitswap.EventComplete, ID: 7, Err: bitswap.ErrExhausted}
	close(src)

	finished := make(chan struct{})
	go func() {
		bus.Run(context.Background(), src)
		close(finished)
	}()

	var got []Event
	for e := range sub.Events() {
		got = append(got, e)
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Missing != 1 || got[0].Terminal() {
		t.Errorf("unexpected first event %+v", got[0])
	}
	if !got[1].Terminal() || got[1].Error == "" {
		t.Errorf("unexpected last event %+v", got[1])
	}
}
