package bitswap

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amaydixit11/dagswap/internal/dag"
	"github.com/amaydixit11/dagswap/internal/metrics"
	"github.com/amaydixit11/dagswap/internal/protocol"
	"github.com/amaydixit11/dagswap/internal/query"
	"github.com/amaydixit11/dagswap/internal/storage"
	"github.com/benbjohnson/clock"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	peerA = peer.ID("peer-a")
	peerB = peer.ID("peer-b")
)

type handler func(ctx context.Context, req protocol.Request) (protocol.Response, error)

type sentRequest struct {
	peer peer.ID
	req  protocol.Request
}

// fakeNetwork routes requests to per-peer handlers
type fakeNetwork struct {
	mu        sync.Mutex
	handlers  map[peer.ID]handler
	added     []multiaddr.Multiaddr
	removed   []multiaddr.Multiaddr
	keepAlive time.Duration

	sent chan sentRequest
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		handlers: make(map[peer.ID]handler),
		sent:     make(chan sentRequest, 256),
	}
}

func (n *fakeNetwork) handle(p peer.ID, h handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[p] = h
}

func (n *fakeNetwork) SendRequest(ctx context.Context, p peer.ID, req protocol.Request) (protocol.Response, error) {
	n.mu.Lock()
	h := n.handlers[p]
	n.mu.Unlock()
	n.sent <- sentRequest{peer: p, req: req}
	if h == nil {
		return silent(ctx, req)
	}
	return h(ctx, req)
}

func (n *fakeNetwork) AddAddress(_ peer.ID, addr multiaddr.Multiaddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, addr)
}

func (n *fakeNetwork) RemoveAddress(_ peer.ID, addr multiaddr.Multiaddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, addr)
}

func (n *fakeNetwork) SetKeepAlive(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keepAlive = d
}

// silent never answers
func silent(ctx context.Context, _ protocol.Request) (protocol.Response, error) {
	<-ctx.Done()
	return protocol.Response{}, ctx.Err()
}

// serving answers from a store the way a well-behaved peer would
func serving(s storage.Store) handler {
	return func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
		switch req.Type {
		case protocol.RequestHave:
			ok, err := s.Contains(ctx, req.Cid)
			return protocol.HaveAnswer(ok), err
		default:
			blk, err := s.Get(ctx, req.Cid)
			if err != nil {
				return protocol.HaveAnswer(false), nil
			}
			return protocol.BlockAnswer(blk.RawData()), nil
		}
	}
}

func rawBlock(t *testing.T, s string) blocks.Block {
	t.Helper()
	blk, err := dag.NewRawBlock([]byte(s))
	require.NoError(t, err)
	return blk
}

func node(t *testing.T, name string, children ...blocks.Block) blocks.Block {
	t.Helper()
	var links []cid.Cid
	for _, c := range children {
		links = append(links, c.Cid())
	}
	blk, err := dag.NewNode(name, links)
	require.NoError(t, err)
	return blk
}

func storeWith(t *testing.T, blks ...blocks.Block) storage.Store {
	t.Helper()
	s := storage.NewMemory()
	for _, b := range blks {
		require.NoError(t, s.Insert(context.Background(), b.Cid(), b.RawData()))
	}
	return s
}

func newManager(t *testing.T, net Network, store storage.Store, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(context.Background(), net, store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func noEvent(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitSent(t *testing.T, n *fakeNetwork) sentRequest {
	t.Helper()
	select {
	case s := <-n.sent:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
	}
	return sentRequest{}
}

func TestGetFromOnePeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	x := rawBlock(t, "x")
	net := newFakeNetwork()
	net.handle(peerA, serving(storeWith(t, x)))
	local := storage.NewMemory()
	m := newManager(t, net, local, nil)

	id, err := m.Get(x.Cid(), []peer.ID{peerA})
	require.NoError(t, err)

	ev := nextEvent(t, m)
	require.Equal(t, Event{Type: EventComplete, ID: id}, ev)

	ok, err := local.Contains(context.Background(), x.Cid())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Close())
}

func TestSyncReportsProgress(t *testing.T) {
	defer goleak.VerifyNone(t)

	c1, c2 := rawBlock(t, "c1"), rawBlock(t, "c2")
	root := node(t, "root", c1, c2)
	net := newFakeNetwork()
	net.handle(peerA, serving(storeWith(t, root, c1, c2)))
	m := newManager(t, net, storeWith(t, root), nil)

	id, err := m.Sync(root.Cid(), []peer.ID{peerA}, nil)
	require.NoError(t, err)

	require.Equal(t, Event{Type: EventProgress, ID: id, Missing: 1}, nextEvent(t, m))
	require.Equal(t, Event{Type: EventProgress, ID: id, Missing: 0}, nextEvent(t, m))
	require.Equal(t, Event{Type: EventComplete, ID: id}, nextEvent(t, m))
	require.NoError(t, m.Close())
}

func TestGetSilentPeerExhausts(t *testing.T) {
	defer goleak.VerifyNone(t)

	x := rawBlock(t, "x")
	net := newFakeNetwork()
	mock := clock.NewMock()
	m := newManager(t, net, storage.NewMemory(), func(c *Config) { c.Clock = mock })

	id, err := m.Get(x.Cid(), []peer.ID{peerA})
	require.NoError(t, err)
	waitSent(t, net)

	mock.Add(11 * time.Second)

	ev := nextEvent(t, m)
	require.Equal(t, EventComplete, ev.Type)
	require.Equal(t, id, ev.ID)
	require.ErrorIs(t, ev.Err, ErrExhausted)
	require.NoError(t, m.Close())
}

func TestSyncDiscoveredChildIncreasesFirst(t *testing.T) {
	defer goleak.VerifyNone(t)

	c3 := rawBlock(t, "c3")
	c1 := node(t, "c1", c3)
	root := node(t, "root", c1)
	net := newFakeNetwork()
	net.handle(peerA, serving(storeWith(t, root, c1, c3)))
	m := newManager(t, net, storeWith(t, root), nil)

	id, err := m.Sync(root.Cid(), []peer.ID{peerA}, []cid.Cid{c1.Cid()})
	require.NoError(t, err)

	var missing []int
	for {
		ev := nextEvent(t, m)
		require.Equal(t, id, ev.ID)
		if ev.Type == EventComplete {
			require.NoError(t, ev.Err)
			break
		}
		missing = append(missing, ev.Missing)
	}
	require.Equal(t, []int{2, 1, 0}, missing)
	require.NoError(t, m.Close())
}

func TestCancelSuppressesCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	x := rawBlock(t, "x")
	net := newFakeNetwork()
	reg := prometheus.NewRegistry()
	met, err := metrics.New(reg)
	require.NoError(t, err)
	m := newManager(t, net, storage.NewMemory(), func(c *Config) { c.Metrics = met })

	id, err := m.Get(x.Cid(), []peer.ID{peerA})
	require.NoError(t, err)
	waitSent(t, net)

	require.NoError(t, m.Cancel(id))
	require.ErrorIs(t, m.Cancel(id), ErrUnknownQuery)
	require.Empty(t, m.Queries())
	noEvent(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	var canceled float64
	for _, f := range families {
		if f.GetName() == "bitswap_requests_canceled_total" {
			canceled = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, 1.0, canceled)
	require.NoError(t, m.Close())
}

func TestDisconnectMovesToNextPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	x := rawBlock(t, "x")
	net := newFakeNetwork()
	net.handle(peerB, serving(storeWith(t, x)))
	m := newManager(t, net, storage.NewMemory(), nil)

	id, err := m.Get(x.Cid(), []peer.ID{peerA, peerB})
	require.NoError(t, err)
	require.Equal(t, peerA, waitSent(t, net).peer)

	m.PeerDisconnected(peerA)

	require.Equal(t, peerB, waitSent(t, net).peer)
	require.Equal(t, Event{Type: EventComplete, ID: id}, nextEvent(t, m))
	require.NoError(t, m.Close())
}

func TestLyingPeerThenHonestPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	x := rawBlock(t, "x")
	net := newFakeNetwork()
	net.handle(peerA, func(context.Context, protocol.Request) (protocol.Response, error) {
		return protocol.BlockAnswer([]byte("forged")), nil
	})
	net.handle(peerB, serving(storeWith(t, x)))
	local := storage.NewMemory()
	m := newManager(t, net, local, nil)

	id, err := m.Get(x.Cid(), []peer.ID{peerA, peerB})
	require.NoError(t, err)
	require.Equal(t, Event{Type: EventComplete, ID: id}, nextEvent(t, m))

	blk, err := local.Get(context.Background(), x.Cid())
	require.NoError(t, err)
	require.Equal(t, x.RawData(), blk.RawData())
	require.NoError(t, m.Close())
}

func TestQueriesSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	x := rawBlock(t, "x")
	net := newFakeNetwork()
	m := newManager(t, net, storage.NewMemory(), nil)

	id, err := m.Get(x.Cid(), []peer.ID{peerA, peerB})
	require.NoError(t, err)

	infos := m.Queries()
	require.Len(t, infos, 1)
	require.Equal(t, id, infos[0].ID)
	require.Equal(t, query.KindGet, infos[0].Kind)
	require.Equal(t, query.StateInFlight, infos[0].State)
	require.Equal(t, 1, infos[0].Missing)
	require.Equal(t, 2, infos[0].Peers)
	require.NoError(t, m.Close())
}

func TestMaxInflightBoundsRequests(t *testing.T) {
	defer goleak.VerifyNone(t)

	var leaves []blocks.Block
	for _, s := range []string{"a", "b", "c", "d"} {
		leaves = append(leaves, rawBlock(t, s))
	}
	root := node(t, "root", leaves...)
	remote := storeWith(t, append([]blocks.Block{root}, leaves...)...)

	var active, peak int32
	serve := serving(remote)
	net := newFakeNetwork()
	net.handle(peerA, func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return serve(ctx, req)
	})
	m := newManager(t, net, storeWith(t, root), func(c *Config) { c.MaxInflight = 1 })

	id, err := m.Sync(root.Cid(), []peer.ID{peerA}, nil)
	require.NoError(t, err)
	for {
		ev := nextEvent(t, m)
		if ev.Type == EventComplete {
			require.Equal(t, id, ev.ID)
			require.NoError(t, ev.Err)
			break
		}
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&peak))
	require.NoError(t, m.Close())
}

func TestAddressBook(t *testing.T) {
	defer goleak.VerifyNone(t)

	net := newFakeNetwork()
	m := newManager(t, net, storage.NewMemory(), nil)
	addr := multiaddr.StringCast("/ip4/127.0.0.1/tcp/4001")
	other := multiaddr.StringCast("/ip4/127.0.0.1/tcp/4002")

	m.AddAddress(peerA, addr)
	m.AddAddress(peerA, addr)
	require.Len(t, m.Addresses(peerA), 1)

	m.RemoveAddress(peerA, other)
	m.RemoveAddress(peerB, addr)
	m.RemoveAddress(peerA, addr)
	require.Empty(t, m.Addresses(peerA))

	net.mu.Lock()
	require.Len(t, net.added, 1)
	require.Len(t, net.removed, 1)
	require.Equal(t, 10*time.Second, net.keepAlive)
	net.mu.Unlock()
	require.NoError(t, m.Close())
}

func TestClosedManager(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newManager(t, newFakeNetwork(), storage.NewMemory(), nil)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Get(rawBlock(t, "x").Cid(), []peer.ID{peerA})
	require.ErrorIs(t, err, ErrClosed)
	_, ok := <-m.Events()
	require.False(t, ok)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 0
	_, err := New(context.Background(), newFakeNetwork(), storage.NewMemory(), cfg)
	require.Error(t, err)

	_, err = New(context.Background(), nil, storage.NewMemory(), DefaultConfig())
	require.Error(t, err)
}

func TestInflightLimitDoesNotExpireWaitingRequests(t *testing.T) {
	defer goleak.VerifyNone(t)

	const timeout = 200 * time.Millisecond
	blks := []blocks.Block{rawBlock(t, "x1"), rawBlock(t, "x2"), rawBlock(t, "x3")}
	remote := storeWith(t, blks...)

	// Each answer takes 0.6 of the timeout, so with one slot the third
	// request waits longer than a timeout before it is sent.
	slow := func(ctx context.Context, req protocol.Request) (protocol.Response, error) {
		select {
		case <-time.After(timeout * 6 / 10):
		case <-ctx.Done():
			return protocol.Response{}, ctx.Err()
		}
		return serving(remote)(ctx, req)
	}
	net := newFakeNetwork()
	net.handle(peerA, slow)
	m := newManager(t, net, storage.NewMemory(), func(c *Config) {
		c.MaxInflight = 1
		c.RequestTimeout = timeout
		c.SweepInterval = 10 * time.Millisecond
	})

	ids := make(map[query.ID]bool)
	for _, b := range blks {
		id, err := m.Get(b.Cid(), []peer.ID{peerA})
		require.NoError(t, err)
		ids[id] = true
	}
	for range blks {
		ev := nextEvent(t, m)
		require.Equal(t, EventComplete, ev.Type)
		require.True(t, ids[ev.ID])
		require.NoError(t, ev.Err, "query %s", ev.ID)
	}
	require.NoError(t, m.Close())
}

func TestSyncWithOpaqueLeaf(t *testing.T) {
	defer goleak.VerifyNone(t)

	prefix := dag.RawPrefix
	prefix.Codec = cid.GitRaw
	data := []byte("commit 0\x00")
	c, err := prefix.Sum(data)
	require.NoError(t, err)
	opaque, err := blocks.NewBlockWithCid(data, c)
	require.NoError(t, err)
	root := node(t, "root", opaque, rawBlock(t, "leaf"))

	net := newFakeNetwork()
	net.handle(peerA, serving(storeWith(t, root, opaque, rawBlock(t, "leaf"))))
	local := storage.NewMemory()
	m := newManager(t, net, local, nil)

	id, err := m.Sync(root.Cid(), []peer.ID{peerA}, nil)
	require.NoError(t, err)
	for {
		ev := nextEvent(t, m)
		require.Equal(t, id, ev.ID)
		if ev.Type == EventComplete {
			require.NoError(t, ev.Err)
			break
		}
	}

	ok, err := local.Contains(context.Background(), opaque.Cid())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Close())
}
