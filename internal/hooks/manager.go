// Package hooks delivers query events to in-process callbacks and HTTP webhooks.
package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/amaydixit11/dagswap/internal/events"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("hooks")

// Request headers set on every webhook delivery
const (
	HeaderEvent     = "X-Dagswap-Event"
	HeaderSignature = "X-Dagswap-Signature"
)

// Callback is a function called when an event occurs
type Callback func(ev events.Event)

// Webhook configures an HTTP webhook
type Webhook struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// Events to deliver; empty means "complete"
	Events  []string          `json:"events"`
	Headers map[string]string `json:"headers,omitempty"`
	// Secret keys HeaderSignature. Never serialized.
	Secret     string        `json:"-"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
}

func (w *Webhook) wants(typ string) bool {
	if len(w.Events) == 0 {
		return typ == "complete"
	}
	for _, e := range w.Events {
		if e == typ {
			return true
		}
	}
	return false
}

// Manager manages hooks and webhooks
type Manager struct {
	callbacks map[string][]Callback
	webhooks  map[string]*Webhook
	client    *http.Client
	backoff   time.Duration
	wg        sync.WaitGroup
	mu        sync.RWMutex
}

// NewManager creates a new hook manager
func NewManager() *Manager {
	return &Manager{
		callbacks: make(map[string][]Callback),
		webhooks:  make(map[string]*Webhook),
		client:    &http.Client{},
		backoff:   time.Second,
	}
}

// On registers a callback for an event type ("progress" or "complete")
func (m *Manager) On(typ string, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[typ] = append(m.callbacks[typ], cb)
}

// Register adds an HTTP webhook and returns its ID
func (m *Manager) Register(wh Webhook) (string, error) {
	if wh.URL == "" {
		return "", fmt.Errorf("webhook URL is required")
	}
	if wh.ID == "" {
		wh.ID = uuid.New().String()
	}
	if wh.MaxRetries == 0 {
		wh.MaxRetries = 3
	}
	if wh.Timeout == 0 {
		wh.Timeout = 10 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[wh.ID] = &wh
	return wh.ID, nil
}

// Unregister removes a webhook
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.webhooks[id]
	delete(m.webhooks, id)
	return ok
}

// List returns all registered webhooks ordered by URL
func (m *Manager) List() []Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Webhook, 0, len(m.webhooks))
	for _, wh := range m.webhooks {
		out = append(out, *wh)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Trigger runs callbacks inline and posts to matching webhooks in the background
func (m *Manager) Trigger(ev events.Event) {
	m.mu.RLock()
	callbacks := m.callbacks[ev.Type]
	var targets []*Webhook
	for _, wh := range m.webhooks {
		if wh.wants(ev.Type) {
			targets = append(targets, wh)
		}
	}
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
	for _, wh := range targets {
		m.wg.Add(1)
		go func(wh *Webhook) {
			defer m.wg.Done()
			if err := m.deliver(wh, ev); err != nil {
				log.Warnf("Webhook %s failed for query %s: %v", wh.URL, ev.Query, err)
			}
		}(wh)
	}
}

// Run triggers every event from sub until ctx is done or sub is closed,
// then waits for in-flight deliveries.
func (m *Manager) Run(ctx context.Context, sub *events.Subscription) {
	defer m.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.Trigger(ev)
		}
	}
}

// Wait blocks until background deliveries finish
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Sign returns the hex HMAC-SHA256 of payload under secret
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) deliver(wh *Webhook, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= wh.MaxRetries; attempt++ {
		if attempt > 0 {
			// Quadratic backoff
			time.Sleep(time.Duration(attempt*attempt) * m.backoff)
		}

		ctx, cancel := context.WithTimeout(context.Background(), wh.Timeout)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, ev.Type)
		if wh.Secret != "" {
			req.Header.Set(HeaderSignature, Sign(wh.Secret, payload))
		}
		for k, v := range wh.Headers {
			req.Header.Set(k, v)
		}

		resp, err := m.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return lastErr
		}
	}
	return lastErr
}
