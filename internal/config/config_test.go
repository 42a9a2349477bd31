package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amaydixit11/dagswap/internal/protocol"
	"github.com/amaydixit11/dagswap/internal/query"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store != StoreLevelDB || cfg.Codec != protocol.CompactCodecName {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	doc := `{"store": "sqlite", "request_timeout": "2s", "peer_policy": "prefer-confirmed", "codec": "compat"}`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Store != StoreSQLite {
		t.Errorf("store = %s", cfg.Store)
	}
	if !cfg.MDNS {
		t.Error("absent field lost its default")
	}

	bs, err := cfg.Bitswap()
	if err != nil {
		t.Fatal(err)
	}
	if bs.RequestTimeout != 2*time.Second || bs.PeerPolicy != query.PolicyPreferConfirmed {
		t.Errorf("unexpected manager config %+v", bs)
	}

	tc, err := cfg.Transport()
	if err != nil {
		t.Fatal(err)
	}
	if tc.Codec.Name() != protocol.CompatCodecName {
		t.Errorf("codec = %s", tc.Codec.Name())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{name: "empty", doc: `{}`, valid: true},
		{name: "durations", doc: `{"request_timeout": "1m30s", "sweep_interval": "250ms"}`, valid: true},
		{name: "bad duration", doc: `{"request_timeout": "soon"}`},
		{name: "unknown store", doc: `{"store": "s3"}`},
		{name: "unknown field", doc: `{"colour": "blue"}`},
		{name: "negative limit", doc: `{"max_inflight": -1}`},
		{name: "relative listen addr", doc: `{"listen": ["tcp/4001"]}`},
		{name: "webhook", doc: `{"webhooks": [{"url": "https://ci.example/hook", "events": ["complete"], "secret": "x"}]}`, valid: true},
		{name: "webhook without url", doc: `{"webhooks": [{"events": ["complete"]}]}`},
		{name: "webhook unknown event", doc: `{"webhooks": [{"url": "http://x", "events": ["started"]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.doc))
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid {
				var verr *ValidationError
				if !errors.As(err, &verr) || len(verr.Problems) == 0 {
					t.Fatalf("expected validation problems, got %v", err)
				}
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg := Default()
	cfg.DHT = true
	cfg.KeepAlive = Duration(30 * time.Second)
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("saved config does not load: %v", err)
	}
	if !loaded.DHT || loaded.KeepAlive != cfg.KeepAlive {
		t.Errorf("got %+v", loaded)
	}
}
