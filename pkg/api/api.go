// Package api provides an HTTP API for a dagswap daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/amaydixit11/dagswap/internal/events"
	"github.com/amaydixit11/dagswap/internal/hooks"
	"github.com/amaydixit11/dagswap/internal/query"
	"github.com/amaydixit11/dagswap/internal/storage"
	"github.com/amaydixit11/dagswap/pkg/bitswap"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logging.Logger("api")

// MaxBlockBody bounds PUT /blocks/{cid} bodies
const MaxBlockBody = 4 << 20

// Exchange is the part of the manager the API drives
type Exchange interface {
	Get(c cid.Cid, peers []peer.ID) (query.ID, error)
	Sync(root cid.Cid, peers []peer.ID, missing []cid.Cid) (query.ID, error)
	Cancel(id query.ID) error
	Queries() []query.Info
}

// Options wires optional parts of the server
type Options struct {
	// Peers supplies the peer set when a request names none
	Peers func() []peer.ID

	// Identity reports this node's peer ID and addresses for /status
	Identity func() (peer.ID, []string)

	// AddPeer records and connects a peer for POST /peers
	AddPeer func(ctx context.Context, info peer.AddrInfo, name string) error

	// KnownPeers lists the peer book for GET /peers
	KnownPeers func() interface{}

	// Hooks serves /webhooks when set
	Hooks *hooks.Manager

	// Gatherer serves /metrics when set
	Gatherer prometheus.Gatherer

	// TempDir holds CAR exports while they are written
	// Default: os.TempDir()
	TempDir string
}

// ErrOutcomeUnknown is reported by a waiting request whose query left the
// manager without its completion event reaching the bus
var ErrOutcomeUnknown = errors.New("query finished but its outcome was not observed")

// Server is the HTTP API server
type Server struct {
	ex       Exchange
	store    storage.Store
	bus      *events.Bus
	opts     Options
	mux      *http.ServeMux
	waitPoll time.Duration
}

// New creates a new API server
func New(ex Exchange, store storage.Store, bus *events.Bus, opts Options) *Server {
	s := &Server{
		ex:       ex,
		store:    store,
		bus:      bus,
		opts:     opts,
		mux:      http.NewServeMux(),
		waitPoll: time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /get", s.handleGet)
	s.mux.HandleFunc("POST /sync", s.handleSync)
	s.mux.HandleFunc("GET /queries", s.handleQueries)
	s.mux.HandleFunc("DELETE /queries/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /blocks/{cid}", s.handleBlock)
	s.mux.HandleFunc("PUT /blocks/{cid}", s.handlePutBlock)
	s.mux.HandleFunc("GET /dags/{cid}/missing", s.handleMissing)
	s.mux.HandleFunc("GET /car/{cid}", s.handleExport)
	s.mux.HandleFunc("POST /car", s.handleImport)
	if s.opts.AddPeer != nil {
		s.mux.HandleFunc("POST /peers", s.handleAddPeer)
	}
	if s.opts.KnownPeers != nil {
		s.mux.HandleFunc("GET /peers", s.handlePeers)
	}
	if s.opts.Hooks != nil {
		s.mux.HandleFunc("GET /webhooks", s.handleWebhooks)
		s.mux.HandleFunc("POST /webhooks", s.handleAddWebhook)
		s.mux.HandleFunc("DELETE /webhooks/{id}", s.handleRemoveWebhook)
	}
	if s.opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// QueryRequest is the body of POST /get and POST /sync
type QueryRequest struct {
	Cid     string   `json:"cid"`
	Peers   []string `json:"peers,omitempty"`
	Missing []string `json:"missing,omitempty"`
	// Wait holds the response until the query completes
	Wait bool `json:"wait,omitempty"`
}

// QueryResponse reports a started or finished query
type QueryResponse struct {
	ID       query.ID `json:"id"`
	Complete bool     `json:"complete"`
	Error    string   `json:"error,omitempty"`
}

// QueryInfo is the JSON form of query.Info
type QueryInfo struct {
	ID      query.ID `json:"id"`
	Kind    string   `json:"kind"`
	Root    string   `json:"root"`
	State   string   `json:"state"`
	Missing int      `json:"missing"`
	Pending int      `json:"pending"`
	Peers   int      `json:"peers"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.startQuery(w, r, func(req QueryRequest, c cid.Cid, peers []peer.ID) (query.ID, error) {
		return s.ex.Get(c, peers)
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.startQuery(w, r, func(req QueryRequest, c cid.Cid, peers []peer.ID) (query.ID, error) {
		missing, err := parseCids(req.Missing)
		if err != nil {
			return 0, err
		}
		return s.ex.Sync(c, peers, missing)
	})
}

type startFunc func(req QueryRequest, c cid.Cid, peers []peer.ID) (query.ID, error)

func (s *Server) startQuery(w http.ResponseWriter, r *http.Request, start startFunc) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	c, err := cid.Decode(req.Cid)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid cid: %v", err), http.StatusBadRequest)
		return
	}
	peers, err := s.peers(req.Peers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Subscribe before starting so the completion cannot be missed
	var sub *events.Subscription
	if req.Wait && s.bus != nil {
		sub = s.bus.SubscribeWithOptions(events.SubscriptionOptions{CompleteOnly: true, BufferSize: 1024})
		defer s.bus.Unsubscribe(sub)
	}

	id, err := start(req, c, peers)
	if errors.Is(err, bitswap.ErrClosed) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sub == nil {
		respondJSON(w, http.StatusAccepted, QueryResponse{ID: id})
		return
	}

	// The subscription drops events when its buffer is full, so the query
	// list is polled as well. A query leaves the list before its completion
	// is published, hence two consecutive misses.
	ticker := time.NewTicker(s.waitPoll)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				http.Error(w, "event stream closed", http.StatusServiceUnavailable)
				return
			}
			if e.Query == id {
				respondJSON(w, http.StatusOK, QueryResponse{ID: id, Complete: true, Error: e.Error})
				return
			}
		case <-ticker.C:
			if s.running(id) {
				misses = 0
				continue
			}
			if misses++; misses < 2 {
				continue
			}
			log.Warnf("Completion of query %d not observed (%d events dropped)", id, sub.Dropped())
			respondJSON(w, http.StatusOK, QueryResponse{ID: id, Complete: true, Error: ErrOutcomeUnknown.Error()})
			return
		case <-r.Context().Done():
			s.ex.Cancel(id)
			return
		}
	}
}

func (s *Server) running(id query.ID) bool {
	for _, q := range s.ex.Queries() {
		if q.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) peers(raw []string) ([]peer.ID, error) {
	if len(raw) == 0 {
		if s.opts.Peers == nil {
			return nil, nil
		}
		return s.opts.Peers(), nil
	}
	out := make([]peer.ID, 0, len(raw))
	for _, p := range raw {
		id, err := peer.Decode(p)
		if err != nil {
			return nil, fmt.Errorf("invalid peer %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func parseCids(raw []string) ([]cid.Cid, error) {
	out := make([]cid.Cid, 0, len(raw))
	for _, s := range raw {
		c, err := cid.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cid %q: %w", s, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	infos := s.ex.Queries()
	out := make([]QueryInfo, len(infos))
	for i, info := range infos {
		out[i] = QueryInfo{
			ID:      info.ID,
			Kind:    info.Kind.String(),
			Root:    info.Root.String(),
			State:   info.State.String(),
			Missing: info.Missing,
			Pending: info.Pending,
			Peers:   info.Peers,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid query ID", http.StatusBadRequest)
		return
	}
	err = s.ex.Cancel(query.ID(id))
	if errors.Is(err, bitswap.ErrUnknownQuery) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"queries": len(s.ex.Queries()),
	}
	if s.opts.Identity != nil {
		id, addrs := s.opts.Identity()
		status["peer_id"] = id.String()
		status["addresses"] = addrs
	}
	if s.opts.Peers != nil {
		status["peer_count"] = len(s.opts.Peers())
	}
	if st, ok := s.store.(storage.Stater); ok {
		if stat, err := st.Stat(r.Context()); err == nil {
			status["store"] = stat
		}
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "events not available", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	var opts events.SubscriptionOptions
	if q := r.URL.Query().Get("query"); q != "" {
		id, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			http.Error(w, "Invalid query ID", http.StatusBadRequest)
			return
		}
		opts.Queries = []query.ID{query.ID(id)}
	}

	sub := s.bus.SubscribeWithOptions(opts)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) pathCid(w http.ResponseWriter, r *http.Request) (cid.Cid, bool) {
	c, err := cid.Decode(r.PathValue("cid"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid cid: %v", err), http.StatusBadRequest)
		return cid.Undef, false
	}
	return c, true
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	c, ok := s.pathCid(w, r)
	if !ok {
		return
	}
	blk, err := s.store.Get(r.Context(), c)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(blk.RawData())))
	w.Write(blk.RawData())
}

func (s *Server) handlePutBlock(w http.ResponseWriter, r *http.Request) {
	c, ok := s.pathCid(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBlockBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	err = s.store.Insert(r.Context(), c, data)
	if errors.Is(err, storage.ErrInvalidBlock) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request) {
	c, ok := s.pathCid(w, r)
	if !ok {
		return
	}
	missing, err := s.store.MissingBlocks(r.Context(), c)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]string, len(missing))
	for i, m := range missing {
		out[i] = m.String()
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	c, ok := s.pathCid(w, r)
	if !ok {
		return
	}
	dir, err := os.MkdirTemp(s.opts.TempDir, "dagswap-export-")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, c.String()+".car")
	if _, err := storage.ExportCAR(r.Context(), s.store, c, path); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	http.ServeContent(w, r, c.String()+".car", time.Time{}, f)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	roots, n, err := storage.ImportCAR(r.Context(), s.store, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out := make([]string, len(roots))
	for i, c := range roots {
		out[i] = c.String()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"roots":  out,
		"blocks": n,
	})
}

// PeerRequest is the body of POST /peers
type PeerRequest struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
	Name  string   `json:"name,omitempty"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req PeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	id, err := peer.Decode(req.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid peer: %v", err), http.StatusBadRequest)
		return
	}
	info := peer.AddrInfo{ID: id}
	for _, a := range req.Addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid address %q: %v", a, err), http.StatusBadRequest)
			return
		}
		info.Addrs = append(info.Addrs, ma)
	}
	if err := s.opts.AddPeer(r.Context(), info, req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.opts.KnownPeers())
}

// WebhookRequest is the body of POST /webhooks
type WebhookRequest struct {
	URL     string            `json:"url"`
	Events  []string          `json:"events,omitempty"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.opts.Hooks.List())
}

func (s *Server) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	for _, e := range req.Events {
		if e != bitswap.EventProgress.String() && e != bitswap.EventComplete.String() {
			http.Error(w, fmt.Sprintf("Unknown event %q", e), http.StatusBadRequest)
			return
		}
	}
	id, err := s.opts.Hooks.Register(hooks.Webhook{
		URL:     req.URL,
		Events:  req.Events,
		Secret:  req.Secret,
		Headers: req.Headers,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Hooks.Unregister(r.PathValue("id")) {
		http.Error(w, "Webhook not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
