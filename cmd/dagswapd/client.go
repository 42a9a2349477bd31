package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/amaydixit11/dagswap/internal/dag"
	"github.com/amaydixit11/dagswap/internal/discovery"
	"github.com/amaydixit11/dagswap/internal/network"
	"github.com/amaydixit11/dagswap/pkg/api"
	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
)

// client talks to a running daemon
type client struct {
	base string
	http *http.Client
}

// clientFlags registers --data and --api on fs
type clientFlags struct {
	data *string
	api  *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		data: fs.String("data", "", "Data directory (default: ~/.dagswap)"),
		api:  fs.String("api", "", "Daemon API address (default: from config)"),
	}
}

func (f clientFlags) client() *client {
	addr := *f.api
	if addr == "" {
		addr = loadConfig(resolveDataDir(*f.data)).APIAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{base: strings.TrimRight(addr, "/"), http: &http.Client{}}
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), out)
}

// parseArg parses fs and returns its leading positional argument, which
// may appear before or after the flags.
func parseArg(fs *flag.FlagSet, args []string, usage string) string {
	var arg string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		arg, args = args[0], args[1:]
	}
	fs.Parse(args)
	if arg == "" {
		arg = fs.Arg(0)
	}
	if arg == "" {
		fmt.Fprintln(os.Stderr, "Usage: dagswapd "+usage)
		os.Exit(1)
	}
	return arg
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func cmdQuery(kind string, args []string) {
	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	cf := addClientFlags(fs)
	peers := fs.String("peers", "", "Comma-separated peer IDs (default: known and connected peers)")
	missing := fs.String("missing", "", "Comma-separated CIDs known to be missing (sync only)")
	detach := fs.Bool("detach", false, "Return the query ID without waiting")
	root := parseArg(fs, args, kind+" <cid> [options]")

	req := api.QueryRequest{
		Cid:     root,
		Peers:   splitList(*peers),
		Missing: splitList(*missing),
		Wait:    !*detach,
	}
	var resp api.QueryResponse
	start := time.Now()
	if err := cf.client().postJSON(context.Background(), "/"+kind, req, &resp); err != nil {
		fatal(err)
	}
	switch {
	case !resp.Complete:
		fmt.Printf("Query %d started\n", resp.ID)
	case resp.Error != "":
		fatal(fmt.Errorf("query %d failed: %s", resp.ID, resp.Error))
	default:
		fmt.Printf("Query %d complete in %s\n", resp.ID, time.Since(start).Round(time.Millisecond))
	}
}

func cmdCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dagswapd cancel <query-id>")
		os.Exit(1)
	}
	if err := cf.client().do(context.Background(), http.MethodDelete, "/queries/"+fs.Arg(0), nil, nil); err != nil {
		fatal(err)
	}
	fmt.Println("Canceled.")
}

func cmdQueries(args []string) {
	fs := flag.NewFlagSet("queries", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	var infos []api.QueryInfo
	if err := cf.client().do(context.Background(), http.MethodGet, "/queries", nil, &infos); err != nil {
		fatal(err)
	}
	if len(infos) == 0 {
		fmt.Println("No running queries.")
		return
	}
	for _, q := range infos {
		fmt.Printf("%-6d %-4s %-9s missing=%-6d pending=%-4d peers=%-3d %s\n",
			q.ID, q.Kind, q.State, q.Missing, q.Pending, q.Peers, q.Root)
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	var status struct {
		PeerID    string   `json:"peer_id"`
		Addresses []string `json:"addresses"`
		PeerCount int      `json:"peer_count"`
		Queries   int      `json:"queries"`
		Store     *struct {
			Blocks int   `json:"blocks"`
			Size   int64 `json:"size"`
		} `json:"store"`
	}
	if err := cf.client().do(context.Background(), http.MethodGet, "/status", nil, &status); err != nil {
		fatal(err)
	}

	fmt.Println("Node Status")
	fmt.Println("───────────")
	fmt.Printf("  Peer ID:   %s\n", status.PeerID)
	for _, a := range status.Addresses {
		fmt.Printf("  Address:   %s\n", a)
	}
	fmt.Printf("  Peers:     %d\n", status.PeerCount)
	fmt.Printf("  Queries:   %d\n", status.Queries)
	if status.Store != nil {
		fmt.Printf("  Blocks:    %d (%s)\n", status.Store.Blocks, humanize.Bytes(uint64(status.Store.Size)))
	}
}

func cmdAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	cf := addClientFlags(fs)
	chunk := fs.String("chunk", "256KiB", "Leaf block size")
	fanout := fs.Int("fanout", 174, "Links per interior node")
	path := parseArg(fs, args, "add <file> [options]")

	chunkSize, err := humanize.ParseBytes(*chunk)
	if err != nil {
		fatal(fmt.Errorf("invalid chunk size: %w", err))
	}
	f, err := os.Open(path)
	if err != nil {
		fatal(err)
	}
	defer f.Close()

	root, blks, err := dag.Chunk(f, filepath.Base(path), int(chunkSize), *fanout)
	if err != nil {
		fatal(err)
	}

	c := cf.client()
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(8)
	var total uint64
	for _, b := range blks {
		total += uint64(len(b.RawData()))
		g.Go(func() error {
			return c.do(ctx, http.MethodPut, "/blocks/"+b.Cid().String(), bytes.NewReader(b.RawData()), nil)
		})
	}
	if err := g.Wait(); err != nil {
		fatal(err)
	}
	fmt.Printf("Added %s (%d blocks, %s)\n", root, len(blks), humanize.Bytes(total))
}

func cmdCat(args []string) {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dagswapd cat <cid>")
		os.Exit(1)
	}
	if err := cf.client().do(context.Background(), http.MethodGet, "/blocks/"+fs.Arg(0), nil, os.Stdout); err != nil {
		fatal(err)
	}
}

func cmdMissing(args []string) {
	fs := flag.NewFlagSet("missing", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dagswapd missing <cid>")
		os.Exit(1)
	}
	var missing []string
	if err := cf.client().do(context.Background(), http.MethodGet, "/dags/"+fs.Arg(0)+"/missing", nil, &missing); err != nil {
		fatal(err)
	}
	if len(missing) == 0 {
		fmt.Println("Complete.")
		return
	}
	for _, m := range missing {
		fmt.Println(m)
	}
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cf := addClientFlags(fs)
	out := fs.String("out", "", "Output file (default: <cid>.car)")
	root, err := cid.Decode(parseArg(fs, args, "export <cid> [--out file.car]"))
	if err != nil {
		fatal(err)
	}
	path := *out
	if path == "" {
		path = root.String() + ".car"
	}

	f, err := os.Create(path)
	if err != nil {
		fatal(err)
	}
	if err := cf.client().do(context.Background(), http.MethodGet, "/car/"+root.String(), nil, f); err != nil {
		f.Close()
		os.Remove(path)
		fatal(err)
	}
	if err := f.Close(); err != nil {
		fatal(err)
	}
	if st, err := os.Stat(path); err == nil {
		fmt.Printf("Exported %s to %s (%s)\n", root, path, humanize.Bytes(uint64(st.Size())))
	}
}

func cmdImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dagswapd import <file.car>")
		os.Exit(1)
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	defer f.Close()

	var result struct {
		Roots  []string `json:"roots"`
		Blocks int      `json:"blocks"`
	}
	if err := cf.client().do(context.Background(), http.MethodPost, "/car", f, &result); err != nil {
		fatal(err)
	}
	fmt.Printf("Imported %d blocks, roots: %s\n", result.Blocks, strings.Join(result.Roots, ", "))
}

func cmdInvite(args []string) {
	fs := flag.NewFlagSet("invite", flag.ExitOnError)
	cf := addClientFlags(fs)
	root := fs.String("root", "", "DAG root the invited peer should sync")
	expiry := fs.Duration("expiry", discovery.DefaultInviteExpiry, "Invite expiry duration")
	fs.Parse(args)

	rootCid := cid.Undef
	if *root != "" {
		c, err := cid.Decode(*root)
		if err != nil {
			fatal(err)
		}
		rootCid = c
	}

	priv, err := network.LoadOrCreateIdentity(filepath.Join(resolveDataDir(*cf.data), network.IdentityFile))
	if err != nil {
		fatal(err)
	}

	// The daemon knows the addresses it actually listens on
	var status struct {
		Addresses []string `json:"addresses"`
	}
	if err := cf.client().do(context.Background(), http.MethodGet, "/status", nil, &status); err != nil {
		fatal(err)
	}
	addrs := make([]multiaddr.Multiaddr, 0, len(status.Addresses))
	for _, a := range status.Addresses {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			continue
		}
		addrs = append(addrs, ma)
	}

	invite, err := discovery.NewInvite(priv, addrs, rootCid, *expiry)
	if err != nil {
		fatal(err)
	}
	code, err := invite.Encode()
	if err != nil {
		fatal(err)
	}
	if qr, err := invite.ToQRString(); err == nil {
		fmt.Println(qr)
	}
	fmt.Printf("Invite code: %s\n", code)
	fmt.Printf("Expires in: %s\n", invite.ExpiresIn().Round(time.Minute))
}

func cmdPair(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dagswapd pair <invite-code> [options]")
		os.Exit(1)
	}
	code := args[0]

	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	cf := addClientFlags(fs)
	name := fs.String("name", "", "Name for the peer")
	fs.Parse(args[1:])

	invite, err := discovery.ParseInvite(code)
	if err != nil {
		fatal(fmt.Errorf("invalid invite: %w", err))
	}

	fmt.Printf("Connecting to peer %s...\n", invite.PeerID)
	req := api.PeerRequest{ID: invite.PeerID, Addrs: invite.Addresses, Name: *name}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := cf.client().postJSON(ctx, "/peers", req, nil); err != nil {
		fatal(err)
	}
	fmt.Println("Paired.")

	if root, err := invite.RootCid(); err == nil && root.Defined() {
		fmt.Printf("Fetch the shared DAG with: dagswapd sync %s --peers %s\n", root, invite.PeerID)
	}
}

func cmdPeers(args []string) {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	var peers []discovery.KnownPeer
	if err := cf.client().do(context.Background(), http.MethodGet, "/peers", nil, &peers); err != nil {
		fatal(err)
	}
	if len(peers) == 0 {
		fmt.Println("No known peers.")
		return
	}
	for _, p := range peers {
		added := humanize.Time(time.Unix(p.AddedAt, 0))
		fmt.Printf("%s %-12s added %s\n", p.PeerID, p.Name, added)
		for _, a := range p.Addresses {
			fmt.Printf("    %s\n", a)
		}
	}
}
