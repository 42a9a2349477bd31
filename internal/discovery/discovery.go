// Package discovery finds peers to exchange blocks with.
//
// Queries never grow their peer set on their own; the daemon uses the
// services here to learn peers and addresses before starting one.
package discovery

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Namespace is the DHT rendezvous namespace for dagswap peers
const Namespace = "/dagswap/1.0.0"

// ServiceName is the mDNS service tag
const ServiceName = "dagswap-mdns"

var log = logging.Logger("discovery")

// Logger interface for discovery events
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
}

// PeerFunc is called for every discovered peer with at least one address
type PeerFunc func(peer.AddrInfo)
