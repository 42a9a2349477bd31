package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerBookFile is the file name inside the data directory
const PeerBookFile = "peers.json"

// KnownPeer is a persisted peer record
type KnownPeer struct {
	PeerID    string   `json:"peer_id"`
	Name      string   `json:"name,omitempty"`
	AddedAt   int64    `json:"added_at"`
	Addresses []string `json:"addresses,omitempty"`
}

type peerBookFile struct {
	Peers []KnownPeer `json:"peers"`
}

// PeerBook is the daemon's list of trusted peers. In strict mode only
// listed peers are served.
type PeerBook struct {
	peers  map[peer.ID]KnownPeer
	mu     gosync.RWMutex
	path   string
	strict bool
}

// NewPeerBook loads the peer book from dataDir. A missing file is empty.
func NewPeerBook(dataDir string, strict bool) (*PeerBook, error) {
	pb := &PeerBook{
		peers:  make(map[peer.ID]KnownPeer),
		path:   filepath.Join(dataDir, PeerBookFile),
		strict: strict,
	}
	if err := pb.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return pb, nil
}

// Add records a peer, merging addresses with an existing entry
func (pb *PeerBook) Add(info peer.AddrInfo, name string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	kp, ok := pb.peers[info.ID]
	if !ok {
		kp = KnownPeer{PeerID: info.ID.String(), AddedAt: time.Now().Unix()}
	}
	if name != "" {
		kp.Name = name
	}
	seen := make(map[string]bool, len(kp.Addresses))
	for _, a := range kp.Addresses {
		seen[a] = true
	}
	for _, a := range info.Addrs {
		if s := a.String(); !seen[s] {
			seen[s] = true
			kp.Addresses = append(kp.Addresses, s)
		}
	}
	pb.peers[info.ID] = kp
	return pb.save()
}

// Remove forgets a peer
func (pb *PeerBook) Remove(id peer.ID) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	delete(pb.peers, id)
	return pb.save()
}

// IsAllowed reports whether id may be served
func (pb *PeerBook) IsAllowed(id peer.ID) bool {
	if !pb.strict {
		return true
	}
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	_, ok := pb.peers[id]
	return ok
}

// AddrInfos returns every known peer with its parsed addresses, sorted by ID
func (pb *PeerBook) AddrInfos() []peer.AddrInfo {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	out := make([]peer.AddrInfo, 0, len(pb.peers))
	for id, kp := range pb.peers {
		info := peer.AddrInfo{ID: id}
		for _, s := range kp.Addresses {
			ma, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, ma)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns all known peers
func (pb *PeerBook) List() []KnownPeer {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]KnownPeer, 0, len(pb.peers))
	for _, p := range pb.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Count returns the number of known peers
func (pb *PeerBook) Count() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return len(pb.peers)
}

func (pb *PeerBook) load() error {
	data, err := os.ReadFile(pb.path)
	if err != nil {
		return err
	}
	var file peerBookFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", pb.path, err)
	}
	for _, p := range file.Peers {
		id, err := peer.Decode(p.PeerID)
		if err != nil {
			continue
		}
		pb.peers[id] = p
	}
	return nil
}

func (pb *PeerBook) save() error {
	if err := os.MkdirAll(filepath.Dir(pb.path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	file := peerBookFile{Peers: make([]KnownPeer, 0, len(pb.peers))}
	for _, p := range pb.peers {
		file.Peers = append(file.Peers, p)
	}
	sort.Slice(file.Peers, func(i, j int) bool { return file.Peers[i].PeerID < file.Peers[j].PeerID })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(pb.path, data, 0600)
}
