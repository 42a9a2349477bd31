package discovery

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// MDNS reports peers on the local network
type MDNS struct {
	host    host.Host
	service mdns.Service
	notify  PeerFunc
}

// NewMDNS creates an mDNS service on h
func NewMDNS(h host.Host) *MDNS {
	return &MDNS{host: h}
}

// Start begins advertising and listening
func (m *MDNS) Start(notify PeerFunc) error {
	m.notify = notify
	m.service = mdns.NewMdnsService(m.host, ServiceName, m)
	if err := m.service.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS: %w", err)
	}
	return nil
}

// HandlePeerFound is called by mDNS when a peer is discovered
func (m *MDNS) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() || len(pi.Addrs) == 0 {
		return
	}
	if m.notify != nil {
		m.notify(pi)
	}
}

// Stop closes the service
func (m *MDNS) Stop() error {
	if m.service == nil {
		return nil
	}
	return m.service.Close()
}
