package hooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amaydixit11/dagswap/internal/events"
	"github.com/amaydixit11/dagswap/internal/query"
)

func completeEvent(id uint64, errMsg string) events.Event {
	return events.Event{Type: "complete", Query: query.ID(id), Error: errMsg, Timestamp: time.Now()}
}

func TestCallbacks(t *testing.T) {
	m := NewManager()
	var got []string
	m.On("complete", func(ev events.Event) { got = append(got, ev.Type) })
	m.On("progress", func(ev events.Event) { got = append(got, ev.Type) })

	m.Trigger(events.Event{Type: "progress", Query: 1, Missing: 3})
	m.Trigger(completeEvent(1, ""))

	if len(got) != 2 || got[0] != "progress" || got[1] != "complete" {
		t.Errorf("unexpected callbacks %v", got)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu      sync.Mutex
		bodies  [][]byte
		headers []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer srv.Close()

	m := NewManager()
	if _, err := m.Register(Webhook{URL: srv.URL, Secret: "s3cret", Headers: map[string]string{"X-Team": "infra"}}); err != nil {
		t.Fatal(err)
	}

	// Progress is not delivered by default
	m.Trigger(events.Event{Type: "progress", Query: 7, Missing: 2})
	m.Trigger(completeEvent(7, "exhausted"))
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(bodies))
	}
	var ev events.Event
	if err := json.Unmarshal(bodies[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "complete" || ev.Query != 7 || ev.Error != "exhausted" {
		t.Errorf("unexpected payload %+v", ev)
	}
	h := headers[0]
	if h.Get(HeaderEvent) != "complete" || h.Get("X-Team") != "infra" {
		t.Errorf("missing headers: %v", h)
	}
	if h.Get(HeaderSignature) != Sign("s3cret", bodies[0]) {
		t.Error("signature mismatch")
	}
}

func TestWebhookRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	m := NewManager()
	m.backoff = time.Millisecond
	m.Register(Webhook{URL: srv.URL, MaxRetries: 5})
	m.Trigger(completeEvent(1, ""))
	m.Wait()

	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestWebhookClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewManager()
	m.backoff = time.Millisecond
	m.Register(Webhook{URL: srv.URL})
	m.Trigger(completeEvent(1, ""))
	m.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestRegisterAndList(t *testing.T) {
	m := NewManager()
	if _, err := m.Register(Webhook{}); err == nil {
		t.Error("expected error for empty URL")
	}
	idB, _ := m.Register(Webhook{URL: "http://b.example"})
	m.Register(Webhook{URL: "http://a.example"})

	list := m.List()
	if len(list) != 2 || list[0].URL != "http://a.example" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].MaxRetries != 3 || list[0].Timeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", list[0])
	}

	if !m.Unregister(idB) || m.Unregister(idB) {
		t.Error("unregister should succeed once")
	}
	if len(m.List()) != 1 {
		t.Error("webhook not removed")
	}
}

func TestRunFromBus(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe()
	m := NewManager()

	done := make(chan events.Event, 1)
	m.On("complete", func(ev events.Event) { done <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, sub)

	bus.Publish(completeEvent(9, ""))
	select {
	case ev := <-done:
		if ev.Type != "complete" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback not triggered")
	}
}
