package network

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
)

// HostConfig describes the libp2p host a node runs on
type HostConfig struct {
	// ListenAddrs are the multiaddrs to listen on
	// Default: /ip4/0.0.0.0/tcp/0 (random port)
	ListenAddrs []string

	// PrivateKey is the identity key for the host
	// Optional (generated if nil)
	PrivateKey crypto.PrivKey

	// LowWater and HighWater bound the connection manager
	// Default: 50 and 200
	LowWater  int
	HighWater int

	// GracePeriod protects new connections from pruning
	// Default: 20 seconds
	GracePeriod time.Duration
}

// DefaultHostConfig returns the default host configuration
func DefaultHostConfig() HostConfig {
	return HostConfig{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		LowWater:    50,
		HighWater:   200,
		GracePeriod: 20 * time.Second,
	}
}

// NewHost creates a libp2p host with a connection manager
func NewHost(cfg HostConfig) (host.Host, error) {
	listenAddrs := make([]multiaddr.Multiaddr, len(cfg.ListenAddrs))
	for i, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs[i] = ma
	}

	cm, err := connmgr.NewConnManager(cfg.LowWater, cfg.HighWater, connmgr.WithGracePeriod(cfg.GracePeriod))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
	}
	if cfg.PrivateKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivateKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return h, nil
}
