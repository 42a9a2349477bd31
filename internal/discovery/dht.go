package discovery

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

// DHTConfig configures DHT rendezvous
type DHTConfig struct {
	// BootstrapPeers seed the routing table
	// Default: the public IPFS bootstrap peers
	BootstrapPeers []peer.AddrInfo

	// BootstrapTimeout is how long to wait for a first connection before
	// advertising anyway
	// Default: 15 seconds
	BootstrapTimeout time.Duration

	// FindInterval is how often the namespace is searched
	// Default: 10 seconds
	FindInterval time.Duration

	// Logger (optional)
	Logger Logger
}

// DefaultDHTConfig returns the default DHT configuration
func DefaultDHTConfig() DHTConfig {
	return DHTConfig{
		BootstrapPeers:   DefaultBootstrapPeers(),
		BootstrapTimeout: 15 * time.Second,
		FindInterval:     10 * time.Second,
	}
}

// DHT advertises this host under Namespace and reports peers found there
type DHT struct {
	host      host.Host
	dht       *dht.IpfsDHT
	discovery *drouting.RoutingDiscovery
	cfg       DHTConfig
	logger    Logger
	notify    PeerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewDHT creates a Kademlia DHT on h
func NewDHT(h host.Host, cfg DHTConfig) (*DHT, error) {
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = 15 * time.Second
	}
	if cfg.FindInterval <= 0 {
		cfg.FindInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	kadDHT, err := dht.New(ctx, h,
		dht.Mode(dht.ModeAutoServer),
		dht.BootstrapPeers(cfg.BootstrapPeers...),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	d := &DHT{
		host:   h,
		dht:    kadDHT,
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	if d.logger == nil {
		d.logger = log
	}
	return d, nil
}

// Start bootstraps the DHT and begins searching for peers
func (d *DHT) Start(notify PeerFunc) error {
	d.notify = notify

	d.logger.Infof("DHT: bootstrapping")
	if err := d.dht.Bootstrap(d.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	d.wg.Add(1)
	go d.waitForBootstrap()
	return nil
}

func (d *DHT) waitForBootstrap() {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	timeout := time.NewTimer(d.cfg.BootstrapTimeout)
	defer timeout.Stop()

wait:
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-timeout.C:
			d.logger.Infof("DHT: bootstrap timed out with no peers, discovery may be limited")
			break wait
		case <-ticker.C:
			if n := len(d.host.Network().Peers()); n > 0 {
				d.logger.Infof("DHT: connected to %d peers", n)
				break wait
			}
		}
	}

	d.discovery = drouting.NewRoutingDiscovery(d.dht)
	d.logger.Infof("DHT: advertising at %s", Namespace)
	dutil.Advertise(d.ctx, d.discovery, Namespace)

	d.wg.Add(1)
	go d.discoverPeers()
}

func (d *DHT) discoverPeers() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FindInterval)
	defer ticker.Stop()

	d.findPeers()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.findPeers()
		}
	}
}

func (d *DHT) findPeers() {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.FindInterval)
	defer cancel()

	peerCh, err := d.discovery.FindPeers(ctx, Namespace)
	if err != nil {
		d.logger.Debugf("DHT: find peers failed: %v", err)
		return
	}
	for pi := range peerCh {
		if pi.ID == d.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		d.logger.Debugf("DHT: found peer %s", pi.ID)
		if d.notify != nil {
			d.notify(pi)
		}
	}
}

// Stop shuts down the DHT
func (d *DHT) Stop() error {
	d.cancel()
	d.wg.Wait()
	return d.dht.Close()
}

// DefaultBootstrapPeers returns the public IPFS bootstrap peers
func DefaultBootstrapPeers() []peer.AddrInfo {
	result := make([]peer.AddrInfo, 0, len(dht.DefaultBootstrapPeers))
	for _, addr := range dht.DefaultBootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		result = append(result, *pi)
	}
	return result
}
