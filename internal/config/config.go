// Package config loads the daemon configuration file.
//
// The file is JSON, checked against an embedded JSON Schema before it is
// decoded. Absent fields keep their defaults. Durations are Go duration
// strings such as "10s" or "1m30s".
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/amaydixit11/dagswap/internal/network"
	"github.com/amaydixit11/dagswap/internal/protocol"
	"github.com/amaydixit11/dagswap/internal/query"
	"github.com/amaydixit11/dagswap/pkg/bitswap"
	"github.com/xeipuuv/gojsonschema"
)

// FileName is the config file name inside the data directory
const FileName = "config.json"

// Store backends
const (
	StoreLevelDB = "leveldb"
	StoreSQLite  = "sqlite"
	StoreMemory  = "memory"
)

// Duration is a time.Duration read from a duration string
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the daemon configuration
type Config struct {
	ListenAddrs []string `json:"listen"`
	APIAddr     string   `json:"api"`

	Store   string `json:"store"`
	Encrypt bool   `json:"encrypt"`

	Codec             string   `json:"codec"`
	MaxBlockSize      int      `json:"max_block_size"`
	RequestTimeout    Duration `json:"request_timeout"`
	KeepAlive         Duration `json:"keep_alive"`
	SweepInterval     Duration `json:"sweep_interval"`
	MaxPendingPerPeer int      `json:"max_pending_per_peer"`
	MaxInflight       int      `json:"max_inflight"`
	MaxInvalidBlocks  int      `json:"max_invalid_blocks"`
	PeerPolicy        string   `json:"peer_policy"`
	HaveFirst         bool     `json:"have_first"`

	MDNS        bool `json:"mdns"`
	DHT         bool `json:"dht"`
	StrictPeers bool `json:"strict_peers"`

	LogLevel string `json:"log_level"`

	Webhooks []Webhook `json:"webhooks,omitempty"`
}

// Webhook is a URL notified of query events
type Webhook struct {
	URL     string            `json:"url"`
	Events  []string          `json:"events,omitempty"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Default returns the configuration used when no file exists
func Default() Config {
	bs := bitswap.DefaultConfig()
	return Config{
		ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/0"},
		APIAddr:           "127.0.0.1:7373",
		Store:             StoreLevelDB,
		Codec:             protocol.CompactCodecName,
		MaxBlockSize:      protocol.DefaultMaxBlockSize,
		RequestTimeout:    Duration(bs.RequestTimeout),
		KeepAlive:         Duration(bs.ConnectionKeepAlive),
		SweepInterval:     Duration(bs.SweepInterval),
		MaxPendingPerPeer: bs.MaxPendingPerPeer,
		MaxInflight:       bs.MaxInflight,
		MaxInvalidBlocks:  bs.MaxInvalidBlocks,
		PeerPolicy:        bs.PeerPolicy.String(),
		MDNS:              true,
		LogLevel:          "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Validate(data); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ValidationError lists every schema violation in a config document
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks a config document against the schema
func Validate(data []byte) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, re := range result.Errors() {
		verr.Problems = append(verr.Problems, fmt.Sprintf("%s: %s", re.Field(), re.Description()))
	}
	return verr
}

// Bitswap returns the manager configuration
func (c Config) Bitswap() (bitswap.Config, error) {
	policy, err := query.ParsePolicy(c.PeerPolicy)
	if err != nil {
		return bitswap.Config{}, err
	}
	bs := bitswap.DefaultConfig()
	bs.RequestTimeout = time.Duration(c.RequestTimeout)
	bs.ConnectionKeepAlive = time.Duration(c.KeepAlive)
	bs.SweepInterval = time.Duration(c.SweepInterval)
	bs.MaxPendingPerPeer = c.MaxPendingPerPeer
	bs.MaxInflight = c.MaxInflight
	bs.MaxInvalidBlocks = c.MaxInvalidBlocks
	bs.PeerPolicy = policy
	bs.HaveFirst = c.HaveFirst
	return bs, nil
}

// Transport returns the network configuration
func (c Config) Transport() (network.Config, error) {
	codec, err := protocol.CodecByName(c.Codec, c.MaxBlockSize)
	if err != nil {
		return network.Config{}, err
	}
	tc := network.DefaultConfig()
	tc.Codec = codec
	tc.KeepAlive = time.Duration(c.KeepAlive)
	tc.ServeTimeout = time.Duration(c.RequestTimeout)
	return tc, nil
}

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

var schema = []byte(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"listen": {"type": "array", "items": {"type": "string", "pattern": "^/"}},
		"api": {"type": "string"},
		"store": {"enum": ["leveldb", "sqlite", "memory"]},
		"encrypt": {"type": "boolean"},
		"codec": {"enum": ["compact", "compat"]},
		"max_block_size": {"type": "integer", "minimum": 1},
		"request_timeout": {"type": "string", "pattern": "` + durationPattern + `"},
		"keep_alive": {"type": "string", "pattern": "` + durationPattern + `"},
		"sweep_interval": {"type": "string", "pattern": "` + durationPattern + `"},
		"max_pending_per_peer": {"type": "integer", "minimum": 0},
		"max_inflight": {"type": "integer", "minimum": 0},
		"max_invalid_blocks": {"type": "integer", "minimum": 1},
		"peer_policy": {"enum": ["round-robin", "prefer-confirmed"]},
		"have_first": {"type": "boolean"},
		"mdns": {"type": "boolean"},
		"dht": {"type": "boolean"},
		"strict_peers": {"type": "boolean"},
		"log_level": {"enum": ["debug", "info", "warn", "error"]},
		"webhooks": {
			"type": "array",
			"items": {
				"type": "object",
				"additionalProperties": false,
				"required": ["url"],
				"properties": {
					"url": {"type": "string", "pattern": "^https?://"},
					"events": {"type": "array", "items": {"enum": ["progress", "complete"]}},
					"secret": {"type": "string"},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}}
				}
			}
		}
	}
}`)
