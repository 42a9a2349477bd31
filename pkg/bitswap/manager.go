// Package bitswap exchanges content-addressed blocks with a caller-chosen
// set of peers.
//
// A Manager runs Get and Sync queries. Each query asks its peers for the
// blocks it is missing, validates and stores what they send, and reports
// Progress and Complete events on a single stream.
package bitswap

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/amaydixit11/dagswap/internal/metrics"
	"github.com/amaydixit11/dagswap/internal/protocol"
	"github.com/amaydixit11/dagswap/internal/query"
	"github.com/amaydixit11/dagswap/internal/storage"
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned by calls on a closed manager
	ErrClosed = errors.New("manager closed")

	// ErrUnknownQuery is returned by Cancel for ids that are not running
	ErrUnknownQuery = errors.New("unknown query")

	// ErrExhausted completes a query when no peer can supply a missing block
	ErrExhausted = query.ErrExhausted

	// ErrStoreFailure completes a query when the local store fails
	ErrStoreFailure = query.ErrStoreFailure
)

// Network sends requests to peers. Each call is one request and its answer.
type Network interface {
	SendRequest(ctx context.Context, p peer.ID, req protocol.Request) (protocol.Response, error)
	AddAddress(p peer.ID, addr multiaddr.Multiaddr)
	RemoveAddress(p peer.ID, addr multiaddr.Multiaddr)
}

// KeepAliveSetter is implemented by networks that honor ConnectionKeepAlive
type KeepAliveSetter interface {
	SetKeepAlive(d time.Duration)
}

// result is what a request goroutine reports back to the loop
type result struct {
	id      query.ID
	peer    peer.ID
	req     protocol.Request
	resp    protocol.Response
	err     error
	elapsed time.Duration
}

// startNotice reports that a request got an in-flight slot and is going out
type startNotice struct {
	id   query.ID
	peer peer.ID
	cid  cid.Cid
}

// running is a query plus the context its requests run under
type running struct {
	q      *query.Query
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns every query. All query state is confined to one loop
// goroutine; requests run on their own goroutines and report back.
type Manager struct {
	cfg     Config
	net     Network
	store   storage.Store
	log     Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	cmds    chan func()
	started chan startNotice
	results chan result
	events  chan Event

	// owned by the loop
	nextID  query.ID
	queries map[query.ID]*running
	queue   []Event

	addrMu sync.Mutex
	addrs  map[peer.ID][]multiaddr.Multiaddr
}

// New creates a manager and starts its loop. The manager stops when ctx is
// cancelled or Close is called.
func New(ctx context.Context, net Network, store storage.Store, cfg Config) (*Manager, error) {
	if net == nil || store == nil {
		return nil, errors.New("network and store are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		net:     net,
		store:   store,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		cmds:    make(chan func()),
		started: make(chan startNotice),
		results: make(chan result),
		events:  make(chan Event),
		queries: make(map[query.ID]*running),
		addrs:   make(map[peer.ID][]multiaddr.Multiaddr),
	}
	if m.log == nil {
		m.log = log
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if cfg.MaxInflight > 0 {
		m.sem = semaphore.NewWeighted(int64(cfg.MaxInflight))
	}
	if ka, ok := net.(KeepAliveSetter); ok && cfg.ConnectionKeepAlive > 0 {
		ka.SetKeepAlive(cfg.ConnectionKeepAlive)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	ticker := m.clock.Ticker(cfg.SweepInterval)
	m.wg.Add(1)
	go m.loop(ticker)
	return m, nil
}

// Events returns the event stream. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// AddAddress records addr for p and hands it to the network
func (m *Manager) AddAddress(p peer.ID, addr multiaddr.Multiaddr) {
	m.addrMu.Lock()
	for _, a := range m.addrs[p] {
		if a.Equal(addr) {
			m.addrMu.Unlock()
			return
		}
	}
	m.addrs[p] = append(m.addrs[p], addr)
	m.addrMu.Unlock()
	m.net.AddAddress(p, addr)
}

// RemoveAddress forgets addr for p. Unknown pairs are ignored.
func (m *Manager) RemoveAddress(p peer.ID, addr multiaddr.Multiaddr) {
	m.addrMu.Lock()
	addrs := m.addrs[p]
	found := false
	for i, a := range addrs {
		if a.Equal(addr) {
			addrs = append(addrs[:i], addrs[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		m.addrMu.Unlock()
		return
	}
	if len(addrs) == 0 {
		delete(m.addrs, p)
	} else {
		m.addrs[p] = addrs
	}
	m.addrMu.Unlock()
	m.net.RemoveAddress(p, addr)
}

// Addresses returns the addresses recorded for p
func (m *Manager) Addresses(p peer.ID) []multiaddr.Multiaddr {
	m.addrMu.Lock()
	defer m.addrMu.Unlock()
	return append([]multiaddr.Multiaddr(nil), m.addrs[p]...)
}

// Get fetches the single block c from peers
func (m *Manager) Get(c cid.Cid, peers []peer.ID) (query.ID, error) {
	return m.start(func(id query.ID) *query.Query {
		return query.NewGet(id, c, peers, m.store, m.cfg.queryOptions())
	})
}

// Sync fetches every block below root that the store lacks. missing, when
// not empty, is used as the initial frontier.
func (m *Manager) Sync(root cid.Cid, peers []peer.ID, missing []cid.Cid) (query.ID, error) {
	return m.start(func(id query.ID) *query.Query {
		return query.NewSync(id, root, peers, missing, m.store, m.cfg.queryOptions())
	})
}

// Cancel stops a query. No Complete event is emitted for it and answers
// still in flight are dropped.
func (m *Manager) Cancel(id query.ID) error {
	var err error
	doErr := m.do(func() {
		r, ok := m.queries[id]
		if !ok {
			err = ErrUnknownQuery
			return
		}
		m.metrics.RequestsCanceled(r.q.Info().Pending)
		m.drop(id, r)
		m.dropQueued(id)
		m.log.Debugf("query %s canceled", id)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// PeerDisconnected fails every request outstanding with p
func (m *Manager) PeerDisconnected(p peer.ID) {
	_ = m.do(func() {
		now := m.clock.Now()
		for _, id := range m.sortedIDs() {
			if r, ok := m.queries[id]; ok {
				m.apply(id, r, r.q.PeerDisconnected(p, now))
			}
		}
	})
}

// Queries returns a snapshot of the running queries ordered by id
func (m *Manager) Queries() []query.Info {
	var out []query.Info
	_ = m.do(func() {
		for _, id := range m.sortedIDs() {
			out = append(out, m.queries[id].q.Info())
		}
	})
	return out
}

// Close stops the loop, abandons running queries and closes the event
// stream
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

func (m *Manager) start(build func(query.ID) *query.Query) (query.ID, error) {
	var id query.ID
	err := m.do(func() {
		m.nextID++
		id = m.nextID
		q := build(id)

		ctx, cancel := context.WithCancel(m.ctx)
		r := &running{q: q, ctx: ctx, cancel: cancel}
		m.queries[id] = r
		m.metrics.QueryStarted()
		m.log.Debugf("query %s started: %s %s with %d peers", id, q.Kind(), q.Root(), len(q.Peers()))

		m.apply(id, r, q.Start(ctx, m.clock.Now()))
	})
	return id, err
}

// do runs fn on the loop goroutine and waits for it
func (m *Manager) do(fn func()) error {
	done := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(done) }:
	case <-m.ctx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-m.ctx.Done():
		return ErrClosed
	}
}

func (m *Manager) loop(ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		var out chan Event
		var next Event
		if len(m.queue) > 0 {
			out = m.events
			next = m.queue[0]
		}

		select {
		case <-m.ctx.Done():
			for id, r := range m.queries {
				m.drop(id, r)
			}
			return
		case fn := <-m.cmds:
			fn()
		case st := <-m.started:
			if r, ok := m.queries[st.id]; ok {
				r.q.Started(st.peer, st.cid, m.clock.Now())
			}
		case res := <-m.results:
			m.handleResult(res)
		case <-ticker.C:
			m.sweep()
		case out <- next:
			m.queue[0] = Event{}
			m.queue = m.queue[1:]
		}
	}
}

func (m *Manager) handleResult(res result) {
	typ := res.req.Type.String()
	r, ok := m.queries[res.id]
	if !ok {
		return
	}
	now := m.clock.Now()

	if res.err != nil {
		outcome := metrics.ResultError
		if errors.Is(res.err, context.DeadlineExceeded) {
			outcome = metrics.ResultTimeout
		}
		m.metrics.RequestDone(typ, outcome, res.elapsed)
		m.log.Debugf("query %s: %s to %s failed: %v", res.id, res.req, res.peer, res.err)
		m.apply(res.id, r, r.q.HandleFailure(res.peer, res.req.Cid, now))
		return
	}

	switch {
	case res.resp.Type == protocol.RequestBlock:
		m.metrics.RequestDone(typ, metrics.ResultBlock, res.elapsed)
	case res.resp.Have:
		m.metrics.RequestDone(typ, metrics.ResultHave, res.elapsed)
	default:
		m.metrics.RequestDone(typ, metrics.ResultDontHave, res.elapsed)
	}
	m.apply(res.id, r, r.q.HandleResponse(r.ctx, res.peer, res.req.Cid, res.resp, now))
}

func (m *Manager) sweep() {
	now := m.clock.Now()
	for _, id := range m.sortedIDs() {
		if r, ok := m.queries[id]; ok {
			m.apply(id, r, r.q.Sweep(now, m.cfg.RequestTimeout))
		}
	}
}

// apply turns a query's actions into requests and events
func (m *Manager) apply(id query.ID, r *running, a query.Actions) {
	for _, missing := range a.Progress {
		m.queue = append(m.queue, Event{Type: EventProgress, ID: id, Missing: missing})
	}
	if a.Done {
		m.queue = append(m.queue, Event{Type: EventComplete, ID: id, Err: a.Err})
		if a.Err != nil {
			m.log.Warnf("query %s failed: %v", id, a.Err)
		} else {
			m.log.Infof("query %s complete", id)
		}
		m.drop(id, r)
		return
	}
	for _, o := range a.Requests {
		m.send(id, r, o)
	}
}

// drop forgets a query and aborts its requests
func (m *Manager) drop(id query.ID, r *running) {
	r.cancel()
	delete(m.queries, id)
	m.metrics.QueryFinished()
}

// dropQueued removes undelivered events of a canceled query
func (m *Manager) dropQueued(id query.ID) {
	kept := m.queue[:0]
	for _, ev := range m.queue {
		if ev.ID != id {
			kept = append(kept, ev)
		}
	}
	m.queue = kept
}

func (m *Manager) send(id query.ID, r *running, o query.Outgoing) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if m.sem != nil {
			if err := m.sem.Acquire(r.ctx, 1); err != nil {
				return
			}
			defer m.sem.Release(1)

			// The request only starts aging once it holds a slot
			select {
			case m.started <- startNotice{id: id, peer: o.Peer, cid: o.Request.Cid}:
			case <-r.ctx.Done():
				return
			case <-m.ctx.Done():
				return
			}
		}

		ctx, cancel := m.clock.WithTimeout(r.ctx, m.cfg.RequestTimeout)
		defer cancel()

		start := m.clock.Now()
		resp, err := m.net.SendRequest(ctx, o.Peer, o.Request)
		if r.ctx.Err() != nil {
			// Canceled or completed; nobody is listening
			return
		}

		res := result{
			id:      id,
			peer:    o.Peer,
			req:     o.Request,
			resp:    resp,
			err:     err,
			elapsed: m.clock.Since(start),
		}
		select {
		case m.results <- res:
		case <-m.ctx.Done():
		}
	}()
}

func (m *Manager) sortedIDs() []query.ID {
	ids := make([]query.ID, 0, len(m.queries))
	for id := range m.queries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
