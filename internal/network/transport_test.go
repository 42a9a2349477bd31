package network

import (
	"context"
	"testing"
	"time"

	"github.com/amaydixit11/dagswap/internal/dag"
	"github.com/amaydixit11/dagswap/internal/protocol"
	"github.com/amaydixit11/dagswap/internal/storage"
	"github.com/amaydixit11/dagswap/pkg/bitswap"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	cfg := DefaultHostConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	h, err := NewHost(cfg)
	if err != nil {
		t.Fatalf("failed to create host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func connect(t *testing.T, from, to host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := from.Connect(ctx, peer.AddrInfo{ID: to.ID(), Addrs: to.Addrs()}); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
}

func fill(t *testing.T, s storage.Store, blks ...blocks.Block) {
	t.Helper()
	for _, b := range blks {
		if err := s.Insert(context.Background(), b.Cid(), b.RawData()); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
}

// pair starts a requesting transport on one host and a serving one on another
func pair(t *testing.T, codec protocol.Codec, served storage.Store) (*Transport, *Transport) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Codec = codec

	client := New(newTestHost(t), storage.NewMemory(), cfg)
	server := New(newTestHost(t), served, cfg)
	client.Start()
	server.Start()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	connect(t, client.Host(), server.Host())
	return client, server
}

func TestRequestsOverBothCodecs(t *testing.T) {
	present, _ := dag.NewRawBlock([]byte("present"))
	absent, _ := dag.NewRawBlock([]byte("absent"))
	served := storage.NewMemory()
	fill(t, served, present)

	codecs := []protocol.Codec{
		protocol.NewCompactCodec(protocol.DefaultMaxBlockSize),
		protocol.NewCompatCodec(protocol.DefaultMaxBlockSize),
	}
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			client, server := pair(t, codec, served)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			remote := server.Host().ID()

			tests := []struct {
				name string
				req  protocol.Request
				want protocol.Response
			}{
				{name: "have present", req: protocol.Have(present.Cid()), want: protocol.HaveAnswer(true)},
				{name: "have absent", req: protocol.Have(absent.Cid()), want: protocol.HaveAnswer(false)},
				{name: "block present", req: protocol.WantBlock(present.Cid()), want: protocol.BlockAnswer(present.RawData())},
				{name: "block absent", req: protocol.WantBlock(absent.Cid()), want: protocol.HaveAnswer(false)},
			}
			for _, tt := range tests {
				resp, err := client.SendRequest(ctx, remote, tt.req)
				if err != nil {
					t.Fatalf("%s: request failed: %v", tt.name, err)
				}
				if resp.Type != tt.want.Type || resp.Have != tt.want.Have || string(resp.Data) != string(tt.want.Data) {
					t.Errorf("%s: got %+v, want %+v", tt.name, resp, tt.want)
				}
			}
		})
	}
}

func TestRequestToPeerWithoutProtocol(t *testing.T) {
	// The other host never registers a handler, so negotiation fails
	cfg := DefaultConfig()
	client := New(newTestHost(t), nil, cfg)
	silent := newTestHost(t)
	connect(t, client.Host(), silent)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	blk, _ := dag.NewRawBlock([]byte("x"))
	if _, err := client.SendRequest(ctx, silent.ID(), protocol.Have(blk.Cid())); err == nil {
		t.Fatal("expected an error from a peer that does not speak the protocol")
	}
}

func TestAllowRejectsUnknownPeers(t *testing.T) {
	blk, _ := dag.NewRawBlock([]byte("guarded"))
	served := storage.NewMemory()
	fill(t, served, blk)

	cfg := DefaultConfig()
	cfg.Allow = func(peer.ID) bool { return false }
	server := New(newTestHost(t), served, cfg)
	server.Start()
	client := New(newTestHost(t), nil, DefaultConfig())
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	connect(t, client.Host(), server.Host())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.SendRequest(ctx, server.Host().ID(), protocol.WantBlock(blk.Cid())); err == nil {
		t.Fatal("expected rejected request to fail")
	}
}

func TestKeepAliveProtection(t *testing.T) {
	blk, _ := dag.NewRawBlock([]byte("kept"))
	served := storage.NewMemory()
	fill(t, served, blk)
	client, server := pair(t, nil, served)
	remote := server.Host().ID()
	ctx := context.Background()

	client.SetKeepAlive(time.Hour)
	if _, err := client.SendRequest(ctx, remote, protocol.Have(blk.Cid())); err != nil {
		t.Fatal(err)
	}
	if !client.Protected(remote) {
		t.Error("peer should stay protected during keep-alive")
	}

	client.SetKeepAlive(0)
	if _, err := client.SendRequest(ctx, remote, protocol.Have(blk.Cid())); err != nil {
		t.Fatal(err)
	}
	if client.Protected(remote) {
		t.Error("peer should be released without keep-alive")
	}
}

func TestDisconnectNotification(t *testing.T) {
	client, server := pair(t, nil, storage.NewMemory())
	gone := make(chan peer.ID, 1)
	client.OnDisconnect(func(p peer.ID) { gone <- p })

	server.Host().Close()

	select {
	case p := <-gone:
		if p != server.Host().ID() {
			t.Errorf("unexpected peer %s", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect notification")
	}
}

func TestAddressBookUsesPeerstore(t *testing.T) {
	client := New(newTestHost(t), nil, DefaultConfig())
	other := newTestHost(t)
	addr := other.Addrs()[0]

	client.AddAddress(other.ID(), addr)
	if len(client.Host().Peerstore().Addrs(other.ID())) != 1 {
		t.Fatal("address not added")
	}
	client.RemoveAddress(other.ID(), addr)
	if len(client.Host().Peerstore().Addrs(other.ID())) != 0 {
		t.Error("address not removed")
	}
}

// TestManagerSyncsOverLibp2p runs a full sync between two hosts
func TestManagerSyncsOverLibp2p(t *testing.T) {
	leaves := make([]blocks.Block, 0, 3)
	links := make([]cid.Cid, 0, 3)
	for _, s := range []string{"one", "two", "three"} {
		b, _ := dag.NewRawBlock([]byte(s))
		leaves = append(leaves, b)
		links = append(links, b.Cid())
	}
	root, err := dag.NewNode("root", links)
	if err != nil {
		t.Fatal(err)
	}
	served := storage.NewMemory()
	fill(t, served, append([]blocks.Block{root}, leaves...)...)

	client, server := pair(t, nil, served)
	local := storage.NewMemory()

	m, err := bitswap.New(context.Background(), client, local, bitswap.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	client.OnDisconnect(m.PeerDisconnected)

	id, err := m.Sync(root.Cid(), []peer.ID{server.Host().ID()}, nil)
	if err != nil {
		t.Fatal(err)
	}

	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.ID != id || ev.Type != bitswap.EventComplete {
				continue
			}
			if ev.Err != nil {
				t.Fatalf("sync failed: %v", ev.Err)
			}
			missing, err := local.MissingBlocks(context.Background(), root.Cid())
			if err != nil {
				t.Fatal(err)
			}
			if len(missing) != 0 {
				t.Errorf("still missing %d blocks", len(missing))
			}
			return
		case <-timeout:
			t.Fatal("sync did not complete")
		}
	}
}
