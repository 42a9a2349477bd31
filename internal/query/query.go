// Package query implements the state machine behind a single Get or Sync.
//
// A Query never performs I/O on the network. Every input returns Actions:
// the requests its owner must send and the events it must report. The
// owner serializes all calls for one query.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/amaydixit11/dagswap/internal/ledger"
	"github.com/amaydixit11/dagswap/internal/protocol"
	"github.com/amaydixit11/dagswap/internal/storage"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrExhausted means no eligible peer remains for some frontier block
	ErrExhausted = errors.New("query exhausted: no peer can supply the remaining blocks")

	// ErrStoreFailure wraps a local store error that aborted the query
	ErrStoreFailure = errors.New("store failure")
)

// ID identifies a query within one manager
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Kind is the type of query
type Kind int

const (
	KindGet Kind = iota
	KindSync
)

func (k Kind) String() string {
	if k == KindSync {
		return "sync"
	}
	return "get"
}

// State is the lifecycle state of a query
type State int

const (
	StatePending State = iota
	StateInFlight
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	default:
		return "complete"
	}
}

// Policy selects the next peer for a frontier block
type Policy int

const (
	// PolicyRoundRobin rotates through the eligible peers in caller order
	PolicyRoundRobin Policy = iota

	// PolicyPreferConfirmed tries peers that already confirmed a Have or
	// delivered a block before the rest
	PolicyPreferConfirmed
)

// ParsePolicy maps a configuration name to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "round-robin":
		return PolicyRoundRobin, nil
	case "prefer-confirmed":
		return PolicyPreferConfirmed, nil
	}
	return 0, fmt.Errorf("unknown peer policy %q", s)
}

func (p Policy) String() string {
	if p == PolicyPreferConfirmed {
		return "prefer-confirmed"
	}
	return "round-robin"
}

// Options tune dispatch
type Options struct {
	// MaxPendingPerPeer caps outstanding requests to one peer (0 = no cap)
	MaxPendingPerPeer int

	// Policy orders candidate peers
	Policy Policy

	// HaveFirst makes Sync queries ask peers that have not delivered
	// anything yet with a Have before asking for the block
	HaveFirst bool

	// MaxInvalidBlocks is how many bad payloads a peer may send for one
	// block before it is excluded for that block
	MaxInvalidBlocks int

	// Throttled means the owner may hold requests back before they reach
	// the wire. Requests are then recorded as queued and only start to age
	// once Started reports them sent.
	Throttled bool
}

// Outgoing is a request the owner must send
type Outgoing struct {
	Peer    peer.ID
	Request protocol.Request
}

// Actions is the result of feeding an input to a query. Progress values are
// reported in order, before completion.
type Actions struct {
	Requests []Outgoing
	Progress []int
	Done     bool
	Err      error
}

// Info is a read-only snapshot of a query
type Info struct {
	ID      ID
	Kind    Kind
	Root    cid.Cid
	State   State
	Missing int
	Pending int
	Peers   int
}

type want struct {
	excluded map[peer.ID]struct{}
	invalid  map[peer.ID]int
}

// Query is one Get or Sync
type Query struct {
	id    ID
	kind  Kind
	root  cid.Cid
	peers []peer.ID
	opts  Options
	store storage.Store

	ledger   *ledger.Ledger
	frontier map[cid.Cid]*want
	order    []cid.Cid
	visited  map[cid.Cid]struct{}
	missing  int
	cursor   int

	confirmed map[peer.ID]struct{}
	delivered map[peer.ID]struct{}

	done bool
	err  error
}

// NewGet creates a query for a single block
func NewGet(id ID, target cid.Cid, peers []peer.ID, store storage.Store, opts Options) *Query {
	return newQuery(id, KindGet, target, peers, store, opts)
}

// NewSync creates a query for the DAG below root. A non-empty missing set is
// used as the initial frontier instead of asking the store.
func NewSync(id ID, root cid.Cid, peers []peer.ID, missing []cid.Cid, store storage.Store, opts Options) *Query {
	q := newQuery(id, KindSync, root, peers, store, opts)
	for _, c := range missing {
		q.addFrontier(c)
	}
	return q
}

func newQuery(id ID, kind Kind, root cid.Cid, peers []peer.ID, store storage.Store, opts Options) *Query {
	if opts.MaxInvalidBlocks <= 0 {
		opts.MaxInvalidBlocks = 1
	}
	seen := make(map[peer.ID]struct{}, len(peers))
	var uniq []peer.ID
	for _, p := range peers {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			uniq = append(uniq, p)
		}
	}
	return &Query{
		id:        id,
		kind:      kind,
		root:      root,
		peers:     uniq,
		opts:      opts,
		store:     store,
		ledger:    ledger.New(),
		frontier:  make(map[cid.Cid]*want),
		visited:   make(map[cid.Cid]struct{}),
		confirmed: make(map[peer.ID]struct{}),
		delivered: make(map[peer.ID]struct{}),
	}
}

func (q *Query) ID() ID { return q.id }
func (q *Query) Kind() Kind { return q.kind }
func (q *Query) Root() cid.Cid { return q.root }
func (q *Query) Done() bool { return q.done }
func (q *Query) Err() error { return q.err }
func (q *Query) Missing() int { return q.missing }
func (q *Query) Peers() []peer.ID { return q.peers }

// State reports the lifecycle state
func (q *Query) State() State {
	switch {
	case q.done:
		return StateComplete
	case q.ledger.Len() > 0:
		return StateInFlight
	default:
		return StatePending
	}
}

// Info returns a snapshot for status reporting
func (q *Query) Info() Info {
	return Info{
		ID:      q.id,
		Kind:    q.kind,
		Root:    q.root,
		State:   q.State(),
		Missing: q.missing,
		Pending: q.ledger.Len(),
		Peers:   len(q.peers),
	}
}

// PendingWith returns the outstanding requests to p
func (q *Query) PendingWith(p peer.ID) []ledger.Entry {
	return q.ledger.EntriesFor(p)
}

// Start computes the initial frontier and dispatches the first requests
func (q *Query) Start(ctx context.Context, now time.Time) Actions {
	var out Actions
	if q.done {
		return out
	}

	switch q.kind {
	case KindGet:
		ok, err := q.store.Contains(ctx, q.root)
		if err != nil {
			q.finish(&out, fmt.Errorf("%w: %v", ErrStoreFailure, err))
			return out
		}
		if ok {
			q.finish(&out, nil)
			return out
		}
		q.addFrontier(q.root)

	case KindSync:
		if len(q.order) == 0 {
			missing, err := q.store.MissingBlocks(ctx, q.root)
			if err != nil {
				q.finish(&out, fmt.Errorf("%w: %v", ErrStoreFailure, err))
				return out
			}
			for _, c := range missing {
				q.addFrontier(c)
			}
		}
		if len(q.order) == 0 {
			out.Progress = append(out.Progress, 0)
		}
	}

	q.dispatch(&out, now)
	q.checkDone(&out)
	return out
}

// HandleResponse applies a peer's answer for c. Answers that match no
// outstanding request are ignored.
func (q *Query) HandleResponse(ctx context.Context, p peer.ID, c cid.Cid, resp protocol.Response, now time.Time) Actions {
	var out Actions
	if q.done {
		return out
	}
	entry, ok := q.ledger.RecordResponse(p, c)
	if !ok {
		return out
	}
	w, ok := q.frontier[c]
	if !ok {
		return out
	}

	switch resp.Type {
	case protocol.RequestBlock:
		if !q.handleBlock(ctx, &out, p, c, w, resp.Data) {
			return out
		}

	case protocol.RequestHave:
		if resp.Have && entry.Type == protocol.RequestHave {
			q.confirmed[p] = struct{}{}
			q.send(&out, p, protocol.WantBlock(c), now)
		} else {
			// Have(false), or a Have(true) to a block request which would
			// only repeat the same request
			q.exclude(w, p)
		}
	}

	q.dispatch(&out, now)
	q.checkDone(&out)
	return out
}

// Started reports that the queued request to p for c went out at now. Its
// timeout runs from now.
func (q *Query) Started(p peer.ID, c cid.Cid, now time.Time) {
	if q.done {
		return
	}
	q.ledger.Start(p, c, now)
}

// HandleFailure treats the outstanding request to p for c as timed out.
// Used for expired deadlines, transport errors and disconnects.
func (q *Query) HandleFailure(p peer.ID, c cid.Cid, now time.Time) Actions {
	var out Actions
	if q.done {
		return out
	}
	if _, ok := q.ledger.RecordResponse(p, c); !ok {
		return out
	}
	if w, ok := q.frontier[c]; ok {
		q.exclude(w, p)
	}
	q.dispatch(&out, now)
	q.checkDone(&out)
	return out
}

// Sweep expires requests older than timeout
func (q *Query) Sweep(now time.Time, timeout time.Duration) Actions {
	var out Actions
	if q.done {
		return out
	}
	expired := q.ledger.SweepExpired(now, timeout)
	if len(expired) == 0 {
		return out
	}
	for _, e := range expired {
		if w, ok := q.frontier[e.Cid]; ok {
			q.exclude(w, e.Peer)
		}
	}
	q.dispatch(&out, now)
	q.checkDone(&out)
	return out
}

// PeerDisconnected fails every request outstanding with p
func (q *Query) PeerDisconnected(p peer.ID, now time.Time) Actions {
	var out Actions
	if q.done {
		return out
	}
	entries := q.ledger.EntriesFor(p)
	if len(entries) == 0 {
		return out
	}
	for _, e := range entries {
		q.ledger.RecordResponse(p, e.Cid)
		if w, ok := q.frontier[e.Cid]; ok {
			q.exclude(w, p)
		}
	}
	q.dispatch(&out, now)
	q.checkDone(&out)
	return out
}

// handleBlock inserts a delivered block. It returns false when the query
// has already finished.
func (q *Query) handleBlock(ctx context.Context, out *Actions, p peer.ID, c cid.Cid, w *want, data []byte) bool {
	err := q.store.Insert(ctx, c, data)
	if errors.Is(err, storage.ErrInvalidBlock) {
		w.invalid[p]++
		if w.invalid[p] >= q.opts.MaxInvalidBlocks {
			q.exclude(w, p)
		}
		return true
	}
	if err != nil {
		q.finish(out, fmt.Errorf("%w: %v", ErrStoreFailure, err))
		return false
	}
	q.delivered[p] = struct{}{}
	q.visited[c] = struct{}{}

	if q.kind == KindSync {
		links, err := q.store.MissingBlocks(ctx, c)
		if err != nil {
			q.finish(out, fmt.Errorf("%w: %v", ErrStoreFailure, err))
			return false
		}
		added := 0
		for _, l := range links {
			if q.addFrontier(l) {
				added++
			}
		}
		if added > 0 {
			out.Progress = append(out.Progress, q.missing)
		}
	}

	q.removeFrontier(c)
	if q.kind == KindSync {
		out.Progress = append(out.Progress, q.missing)
	}
	return true
}

// dispatch sends one request for every frontier block that has none
// outstanding and an eligible peer with spare capacity
func (q *Query) dispatch(out *Actions, now time.Time) {
	if q.done {
		return
	}
	for _, c := range q.order {
		if q.ledger.IsPending(c) {
			continue
		}
		p, ok := q.nextPeer(q.frontier[c])
		if !ok {
			continue
		}
		req := protocol.WantBlock(c)
		if q.kind == KindSync && q.opts.HaveFirst && !q.known(p) {
			req = protocol.Have(c)
		}
		q.send(out, p, req, now)
	}
}

func (q *Query) send(out *Actions, p peer.ID, req protocol.Request, now time.Time) {
	record := q.ledger.RecordSent
	if q.opts.Throttled {
		record = q.ledger.RecordQueued
	}
	if err := record(p, req.Cid, req.Type, now); err != nil {
		return
	}
	out.Requests = append(out.Requests, Outgoing{Peer: p, Request: req})
}

// nextPeer picks the best eligible peer with spare capacity
func (q *Query) nextPeer(w *want) (peer.ID, bool) {
	n := len(q.peers)
	if n == 0 {
		return "", false
	}

	type candidate struct {
		idx int
		p   peer.ID
	}
	var cands []candidate
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		p := q.peers[idx]
		if _, ex := w.excluded[p]; ex {
			continue
		}
		if q.opts.MaxPendingPerPeer > 0 && q.ledger.PendingFor(p) >= q.opts.MaxPendingPerPeer {
			continue
		}
		cands = append(cands, candidate{idx: idx, p: p})
	}
	if len(cands) == 0 {
		return "", false
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].p, cands[j].p
		if w.invalid[a] != w.invalid[b] {
			return w.invalid[a] < w.invalid[b]
		}
		if q.opts.Policy == PolicyPreferConfirmed {
			return q.known(a) && !q.known(b)
		}
		return false
	})

	pick := cands[0]
	q.cursor = (pick.idx + 1) % n
	return pick.p, true
}

// known reports whether p confirmed a Have or delivered a block
func (q *Query) known(p peer.ID) bool {
	if _, ok := q.delivered[p]; ok {
		return true
	}
	_, ok := q.confirmed[p]
	return ok
}

func (q *Query) exclude(w *want, p peer.ID) {
	w.excluded[p] = struct{}{}
}

// stalled reports whether c has nothing outstanding and no peer left to ask
func (q *Query) stalled(c cid.Cid) bool {
	if q.ledger.IsPending(c) {
		return false
	}
	w := q.frontier[c]
	for _, p := range q.peers {
		if _, ex := w.excluded[p]; !ex {
			return false
		}
	}
	return true
}

func (q *Query) checkDone(out *Actions) {
	if q.done {
		return
	}
	if len(q.order) == 0 {
		q.finish(out, nil)
		return
	}
	for _, c := range q.order {
		if !q.stalled(c) {
			return
		}
	}
	q.finish(out, ErrExhausted)
}

func (q *Query) finish(out *Actions, err error) {
	q.done = true
	q.err = err
	out.Done = true
	out.Err = err
}

// addFrontier adds c unless it was already visited or queued
func (q *Query) addFrontier(c cid.Cid) bool {
	if _, ok := q.visited[c]; ok {
		return false
	}
	if _, ok := q.frontier[c]; ok {
		return false
	}
	q.frontier[c] = &want{
		excluded: make(map[peer.ID]struct{}),
		invalid:  make(map[peer.ID]int),
	}
	q.order = append(q.order, c)
	q.missing++
	return true
}

func (q *Query) removeFrontier(c cid.Cid) {
	if _, ok := q.frontier[c]; !ok {
		return
	}
	delete(q.frontier, c)
	for i, o := range q.order {
		if o.Equals(c) {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.missing--
}
