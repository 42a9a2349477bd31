package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/amaydixit11/dagswap/internal/config"
	"github.com/amaydixit11/dagswap/internal/crypto"
	"github.com/amaydixit11/dagswap/internal/discovery"
	"github.com/amaydixit11/dagswap/internal/events"
	"github.com/amaydixit11/dagswap/internal/hooks"
	"github.com/amaydixit11/dagswap/internal/metrics"
	"github.com/amaydixit11/dagswap/internal/network"
	"github.com/amaydixit11/dagswap/internal/storage"
	"github.com/amaydixit11/dagswap/internal/storage/sqlite"
	"github.com/amaydixit11/dagswap/pkg/api"
	"github.com/amaydixit11/dagswap/pkg/bitswap"
	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	lp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// node is a running daemon
type node struct {
	cfg       config.Config
	host      host.Host
	store     storage.Store
	transport *network.Transport
	manager   *bitswap.Manager
	bus       *events.Bus
	peers     *discovery.PeerBook
	registry  *prometheus.Registry
}

func cmdDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ~/.dagswap)")
	port := fs.Int("port", 0, "TCP port to listen on (0 = from config)")
	apiAddr := fs.String("api", "", "API listen address (default: from config)")
	enableDHT := fs.Bool("dht", false, "Enable DHT rendezvous")
	noMDNS := fs.Bool("no-mdns", false, "Disable mDNS discovery")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.Parse(args)

	dir := resolveDataDir(*dataDir)
	cfg := loadConfig(dir)
	if *port > 0 {
		cfg.ListenAddrs = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", *port)}
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if *enableDHT {
		cfg.DHT = true
	}
	if *noMDNS {
		cfg.MDNS = false
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n, err := startNode(ctx, dir, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer n.close()

	log.Infof("Node %s listening on %v", n.host.ID(), n.host.Addrs())
	log.Infof("API on http://%s", cfg.APIAddr)

	if cfg.MDNS {
		mdns := discovery.NewMDNS(n.host)
		if err := mdns.Start(n.discovered(ctx)); err != nil {
			log.Warnf("mDNS disabled: %v", err)
		} else {
			defer mdns.Stop()
		}
	}
	if cfg.DHT {
		d, err := discovery.NewDHT(n.host, discovery.DefaultDHTConfig())
		if err != nil {
			log.Fatalf("Failed to create DHT: %v", err)
		}
		if err := d.Start(n.discovered(ctx)); err != nil {
			log.Fatalf("Failed to start DHT: %v", err)
		}
		defer d.Stop()
	}

	go n.report(ctx)

	hm := hooks.NewManager()
	for _, wh := range cfg.Webhooks {
		if _, err := hm.Register(hooks.Webhook{URL: wh.URL, Events: wh.Events, Secret: wh.Secret, Headers: wh.Headers}); err != nil {
			log.Warnf("Skipping webhook %s: %v", wh.URL, err)
		}
	}
	go hm.Run(ctx, n.bus.Subscribe())

	server := api.New(n.manager, n.store, n.bus, api.Options{
		Peers:      n.candidates,
		Identity:   n.identity,
		AddPeer:    n.addPeer,
		KnownPeers: func() interface{} { return n.peers.List() },
		Hooks:      hm,
		Gatherer:   n.registry,
	})
	if err := server.ListenAndServe(ctx, cfg.APIAddr); err != nil {
		log.Errorf("API server: %v", err)
	}
	log.Infof("Shutting down")
}

func startNode(ctx context.Context, dir string, cfg config.Config) (*node, error) {
	priv, err := network.LoadOrCreateIdentity(filepath.Join(dir, network.IdentityFile))
	if err != nil {
		return nil, err
	}
	peers, err := discovery.NewPeerBook(dir, cfg.StrictPeers)
	if err != nil {
		return nil, err
	}
	store, err := openStore(dir, cfg)
	if err != nil {
		return nil, err
	}

	hostCfg := network.DefaultHostConfig()
	hostCfg.ListenAddrs = cfg.ListenAddrs
	hostCfg.PrivateKey = priv
	h, err := network.NewHost(hostCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		h.Close()
		store.Close()
		return nil, err
	}

	tcfg, err := cfg.Transport()
	if err != nil {
		h.Close()
		store.Close()
		return nil, err
	}
	tcfg.Metrics = m
	tcfg.Allow = peers.IsAllowed
	transport := network.New(h, store, tcfg)
	transport.Start()

	bcfg, err := cfg.Bitswap()
	if err != nil {
		transport.Close()
		h.Close()
		store.Close()
		return nil, err
	}
	bcfg.Metrics = m
	manager, err := bitswap.New(ctx, transport, store, bcfg)
	if err != nil {
		transport.Close()
		h.Close()
		store.Close()
		return nil, err
	}
	transport.OnDisconnect(manager.PeerDisconnected)

	bus := events.NewBus()
	go bus.Run(ctx, manager.Events())

	n := &node{
		cfg:       cfg,
		host:      h,
		store:     store,
		transport: transport,
		manager:   manager,
		bus:       bus,
		peers:     peers,
		registry:  reg,
	}
	for _, info := range peers.AddrInfos() {
		for _, a := range info.Addrs {
			manager.AddAddress(info.ID, a)
		}
	}
	return n, nil
}

func openStore(dir string, cfg config.Config) (storage.Store, error) {
	if cfg.Encrypt && cfg.Store != config.StoreSQLite {
		return nil, errors.New("encryption requires the sqlite store")
	}

	switch cfg.Store {
	case config.StoreMemory:
		return storage.NewMemory(), nil
	case config.StoreLevelDB:
		return storage.NewLevelDB(filepath.Join(dir, "blocks"))
	case config.StoreSQLite:
		path := filepath.Join(dir, "blocks.db")
		if !cfg.Encrypt {
			return sqlite.New(path)
		}
		keys := crypto.NewFileKeyStore(dir)
		if !keys.IsInitialized() {
			return nil, errors.New("encryption enabled but no key store; run 'dagswapd init'")
		}
		fmt.Print("Store is encrypted. Enter passphrase: ")
		pass, err := readPassword()
		fmt.Println()
		if err != nil {
			return nil, err
		}
		key, err := keys.Unlock(pass)
		if err != nil {
			return nil, err
		}
		return sqlite.NewEncrypted(path, key)
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func (n *node) close() {
	n.manager.Close()
	n.transport.Close()
	n.host.Close()
	n.store.Close()
}

// discovered connects to peers found by mDNS or the DHT
func (n *node) discovered(ctx context.Context) discovery.PeerFunc {
	return func(pi peer.AddrInfo) {
		if n.host.Network().Connectedness(pi.ID) == lp2pnet.Connected {
			return
		}
		for _, a := range pi.Addrs {
			n.manager.AddAddress(pi.ID, a)
		}
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := n.host.Connect(cctx, pi); err != nil {
				log.Debugf("Failed to connect to %s: %v", pi.ID, err)
				return
			}
			log.Infof("Connected to %s", pi.ID)
		}()
	}
}

func (n *node) addPeer(ctx context.Context, info peer.AddrInfo, name string) error {
	if err := n.peers.Add(info, name); err != nil {
		return err
	}
	for _, a := range info.Addrs {
		n.manager.AddAddress(info.ID, a)
	}
	return n.host.Connect(ctx, info)
}

// candidates is the default peer set for queries: known peers plus
// connected peers that speak the exchange protocol
func (n *node) candidates() []peer.ID {
	proto := n.transport.Protocol()
	seen := make(map[peer.ID]bool)
	var out []peer.ID
	for _, info := range n.peers.AddrInfos() {
		seen[info.ID] = true
		out = append(out, info.ID)
	}
	for _, p := range n.host.Network().Peers() {
		if seen[p] {
			continue
		}
		if ok, err := n.host.Peerstore().SupportsProtocols(p, proto); err == nil && len(ok) > 0 {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *node) identity() (peer.ID, []string) {
	addrs := n.host.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return n.host.ID(), out
}

func (n *node) report(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var size string
			if st, ok := n.store.(storage.Stater); ok {
				if stat, err := st.Stat(ctx); err == nil {
					size = fmt.Sprintf(" | %d blocks, %s", stat.Blocks, humanize.Bytes(uint64(stat.Size)))
				}
			}
			log.Infof("Peers: %d connected, %d known | Queries: %d%s",
				len(n.host.Network().Peers()), n.peers.Count(), len(n.manager.Queries()), size)
		}
	}
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	fs.Parse(args)

	dir := resolveDataDir(*dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		fatal(err)
	}
	keys := crypto.NewFileKeyStore(dir)
	if keys.IsInitialized() {
		fmt.Println("Encryption already initialized.")
		return
	}

	fmt.Print("Enter new passphrase: ")
	pass1, err := readPassword()
	if err != nil {
		fatal(err)
	}
	fmt.Print("\nConfirm passphrase: ")
	pass2, err := readPassword()
	if err != nil {
		fatal(err)
	}
	fmt.Println()
	if string(pass1) != string(pass2) {
		fatal(errors.New("passphrases do not match"))
	}

	if _, err := keys.Initialize(pass1); err != nil {
		fatal(err)
	}

	cfg := loadConfig(dir)
	cfg.Store = config.StoreSQLite
	cfg.Encrypt = true
	if err := cfg.Save(filepath.Join(dir, config.FileName)); err != nil {
		fatal(err)
	}
	fmt.Printf("Encrypted SQLite store enabled in %s\n", dir)
}

func cmdID(args []string) {
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	fs.Parse(args)

	priv, err := network.LoadOrCreateIdentity(filepath.Join(resolveDataDir(*dataDir), network.IdentityFile))
	if err != nil {
		fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		fatal(err)
	}
	fmt.Println(id)
}
