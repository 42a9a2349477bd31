// Package network carries block exchange requests over libp2p streams.
//
// Every request opens its own stream: the request is written, the write
// side closed, and one response read back. The same transport answers
// inbound requests from the local store.
package network

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/amaydixit11/dagswap/internal/metrics"
	"github.com/amaydixit11/dagswap/internal/protocol"
	"github.com/amaydixit11/dagswap/internal/storage"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	p2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// connTag marks connections with requests outstanding
const connTag = "dagswap"

var log = logging.Logger("bitswap/net")

// Logger interface for transport events
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Config contains configuration for the Transport
type Config struct {
	// Codec is the wire encoding. Peers must agree on it.
	// Default: compact
	Codec protocol.Codec

	// ServeTimeout bounds the handling of one inbound request
	// Default: 10 seconds
	ServeTimeout time.Duration

	// KeepAlive is how long a peer stays protected from connection pruning
	// after its last outstanding request finishes
	// Default: 10 seconds
	KeepAlive time.Duration

	// Logger for transport events (optional)
	Logger Logger

	// Metrics counts inbound requests served (optional)
	Metrics *metrics.Metrics

	// Allow filters which peers are served. Requests from other peers have
	// their stream reset. Default: serve everyone.
	Allow func(peer.ID) bool
}

// DefaultConfig returns the default transport configuration
func DefaultConfig() Config {
	return Config{
		Codec:        protocol.NewCompactCodec(protocol.DefaultMaxBlockSize),
		ServeTimeout: 10 * time.Second,
		KeepAlive:    10 * time.Second,
	}
}

// Transport implements the manager's Network over a libp2p host
type Transport struct {
	host    host.Host
	store   storage.Store
	codec   protocol.Codec
	cfg     Config
	log     Logger
	metrics *metrics.Metrics

	mu           gosync.Mutex
	keepAlive    time.Duration
	pending      map[peer.ID]int
	release      map[peer.ID]*time.Timer
	onDisconnect func(peer.ID)

	notifiee *network.NotifyBundle
}

// New creates a transport on h. A nil store disables serving.
func New(h host.Host, store storage.Store, cfg Config) *Transport {
	if cfg.Codec == nil {
		cfg.Codec = protocol.NewCompactCodec(protocol.DefaultMaxBlockSize)
	}
	if cfg.ServeTimeout <= 0 {
		cfg.ServeTimeout = 10 * time.Second
	}
	t := &Transport{
		host:      h,
		store:     store,
		codec:     cfg.Codec,
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		keepAlive: cfg.KeepAlive,
		pending:   make(map[peer.ID]int),
		release:   make(map[peer.ID]*time.Timer),
	}
	if t.log == nil {
		t.log = log
	}
	return t
}

// Start registers the stream handler and the disconnect notifier
func (t *Transport) Start() {
	if t.store != nil {
		t.host.SetStreamHandler(t.codec.Protocol(), t.handleStream)
	}
	t.notifiee = &network.NotifyBundle{
		DisconnectedF: func(n network.Network, c network.Conn) {
			p := c.RemotePeer()
			if n.Connectedness(p) == network.Connected {
				return
			}
			t.mu.Lock()
			fn := t.onDisconnect
			t.mu.Unlock()
			if fn != nil {
				go fn(p)
			}
		},
	}
	t.host.Network().Notify(t.notifiee)
}

// Close unregisters the handler and stops pending keep-alive timers
func (t *Transport) Close() error {
	t.host.RemoveStreamHandler(t.codec.Protocol())
	if t.notifiee != nil {
		t.host.Network().StopNotify(t.notifiee)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, timer := range t.release {
		timer.Stop()
		t.host.ConnManager().Unprotect(p, connTag)
	}
	t.release = make(map[peer.ID]*time.Timer)
	return nil
}

// OnDisconnect sets the callback for peers whose last connection closed
func (t *Transport) OnDisconnect(fn func(peer.ID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// SetKeepAlive changes the keep-alive for later releases
func (t *Transport) SetKeepAlive(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keepAlive = d
}

// Protocol returns the libp2p protocol ID of the configured codec
func (t *Transport) Protocol() p2pprotocol.ID {
	return t.codec.Protocol()
}

// Host returns the underlying libp2p host
func (t *Transport) Host() host.Host {
	return t.host
}

// AddAddress adds a permanent address for p to the peerstore
func (t *Transport) AddAddress(p peer.ID, addr multiaddr.Multiaddr) {
	t.host.Peerstore().AddAddr(p, addr, peerstore.PermanentAddrTTL)
}

// RemoveAddress drops addr for p from the peerstore
func (t *Transport) RemoveAddress(p peer.ID, addr multiaddr.Multiaddr) {
	t.host.Peerstore().SetAddr(p, addr, 0)
}

// SendRequest opens a stream to p, sends req and reads the answer.
// The stream inherits ctx's deadline and is reset if ctx is cancelled.
func (t *Transport) SendRequest(ctx context.Context, p peer.ID, req protocol.Request) (protocol.Response, error) {
	t.protect(p)
	defer t.unprotect(p)

	s, err := t.host.NewStream(ctx, p, t.codec.Protocol())
	if err != nil {
		return protocol.Response{}, fmt.Errorf("failed to open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { s.Reset() })
	defer stop()

	if err := t.codec.WriteRequest(s, req); err != nil {
		s.Reset()
		return protocol.Response{}, t.streamErr(ctx, "failed to send request", err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return protocol.Response{}, t.streamErr(ctx, "failed to close write", err)
	}

	resp, err := t.codec.ReadResponse(s, req.Cid)
	if err != nil {
		s.Reset()
		return protocol.Response{}, t.streamErr(ctx, "failed to read response", err)
	}
	s.Close()
	return resp, nil
}

// streamErr prefers the context's error so expired requests read as
// timeouts rather than stream resets
func (t *Transport) streamErr(ctx context.Context, msg string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", msg, ctxErr)
	}
	if errors.Is(err, network.ErrReset) {
		return fmt.Errorf("%s: stream reset: %w", msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// handleStream answers one inbound request
func (t *Transport) handleStream(s network.Stream) {
	if t.cfg.Allow != nil && !t.cfg.Allow(s.Conn().RemotePeer()) {
		t.log.Debugf("rejecting stream from %s", s.Conn().RemotePeer())
		s.Reset()
		return
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(t.cfg.ServeTimeout))

	req, err := t.codec.ReadRequest(s)
	if err != nil {
		t.log.Debugf("bad request from %s: %v", s.Conn().RemotePeer(), err)
		s.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ServeTimeout)
	defer cancel()

	resp, result := t.answer(ctx, req)
	t.metrics.Served(req.Type.String(), result)

	if err := t.codec.WriteResponse(s, req.Cid, resp); err != nil {
		t.log.Debugf("failed to answer %s: %v", s.Conn().RemotePeer(), err)
		s.Reset()
	}
}

func (t *Transport) answer(ctx context.Context, req protocol.Request) (protocol.Response, string) {
	if req.Type == protocol.RequestHave {
		ok, err := t.store.Contains(ctx, req.Cid)
		if err != nil {
			t.log.Warnf("store lookup for %s failed: %v", req.Cid, err)
			return protocol.HaveAnswer(false), metrics.ResultError
		}
		if ok {
			return protocol.HaveAnswer(true), metrics.ResultHave
		}
		return protocol.HaveAnswer(false), metrics.ResultDontHave
	}

	blk, err := t.store.Get(ctx, req.Cid)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.HaveAnswer(false), metrics.ResultDontHave
	}
	if err != nil {
		t.log.Warnf("store read for %s failed: %v", req.Cid, err)
		return protocol.HaveAnswer(false), metrics.ResultError
	}
	return protocol.BlockAnswer(blk.RawData()), metrics.ResultBlock
}

// protect keeps p's connections from being pruned while requests are out
func (t *Transport) protect(p peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.release[p]; ok {
		timer.Stop()
		delete(t.release, p)
	}
	if t.pending[p] == 0 {
		t.host.ConnManager().Protect(p, connTag)
	}
	t.pending[p]++
}

// unprotect lifts the protection keepAlive after the last request to p
func (t *Transport) unprotect(p peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[p]--
	if t.pending[p] > 0 {
		return
	}
	delete(t.pending, p)

	if t.keepAlive <= 0 {
		t.host.ConnManager().Unprotect(p, connTag)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.keepAlive, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.release[p] != timer {
			return
		}
		delete(t.release, p)
		t.host.ConnManager().Unprotect(p, connTag)
	})
	t.release[p] = timer
}

// Protected reports whether p is currently protected from pruning
func (t *Transport) Protected(p peer.ID) bool {
	return t.host.ConnManager().IsProtected(p, connTag)
}
