package bitswap

import (
	"errors"
	"time"

	"github.com/amaydixit11/dagswap/internal/metrics"
	"github.com/amaydixit11/dagswap/internal/query"
	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

// Config contains configuration for the Manager
type Config struct {
	// RequestTimeout is how long a peer has to answer one request
	// Default: 10 seconds
	RequestTimeout time.Duration

	// ConnectionKeepAlive is how long a connection with no outstanding
	// requests is kept open. Forwarded to the network when it supports it.
	// Default: 10 seconds
	ConnectionKeepAlive time.Duration

	// MaxPendingPerPeer caps outstanding requests per peer and query
	// Default: 32 (0 = no cap)
	MaxPendingPerPeer int

	// SweepInterval is how often outstanding requests are checked for expiry
	// Default: 1 second
	SweepInterval time.Duration

	// PeerPolicy picks among eligible peers
	// Default: round-robin
	PeerPolicy query.Policy

	// HaveFirst asks unproven peers for a Have before the block
	// Default: false
	HaveFirst bool

	// MaxInvalidBlocks is how many bad payloads a peer may send for one
	// block before it is no longer asked for it
	// Default: 3
	MaxInvalidBlocks int

	// MaxInflight bounds requests in flight across all queries
	// Default: 256 (0 = no bound)
	MaxInflight int

	// Logger for query events (optional)
	Logger Logger

	// Clock drives timeouts and the sweep (optional)
	Clock clock.Clock

	// Metrics receives request and query statistics (optional)
	Metrics *metrics.Metrics
}

// Logger interface for manager events
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

var log = logging.Logger("bitswap")

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      10 * time.Second,
		ConnectionKeepAlive: 10 * time.Second,
		MaxPendingPerPeer:   32,
		SweepInterval:       time.Second,
		PeerPolicy:          query.PolicyRoundRobin,
		MaxInvalidBlocks:    3,
		MaxInflight:         256,
	}
}

func (c Config) validate() error {
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.MaxPendingPerPeer < 0 || c.MaxInflight < 0 || c.MaxInvalidBlocks < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

func (c Config) queryOptions() query.Options {
	return query.Options{
		MaxPendingPerPeer: c.MaxPendingPerPeer,
		Policy:            c.PeerPolicy,
		HaveFirst:         c.HaveFirst,
		MaxInvalidBlocks:  c.MaxInvalidBlocks,
		Throttled:         c.MaxInflight > 0,
	}
}
