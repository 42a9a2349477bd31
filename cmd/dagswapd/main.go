package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/amaydixit11/dagswap/internal/config"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/term"
)

var log = logging.Logger("dagswapd")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "daemon":
		cmdDaemon(args)
	case "init":
		cmdInit(args)
	case "id":
		cmdID(args)
	case "invite":
		cmdInvite(args)
	case "pair":
		cmdPair(args)
	case "peers":
		cmdPeers(args)
	case "add":
		cmdAdd(args)
	case "cat":
		cmdCat(args)
	case "get":
		cmdQuery("get", args)
	case "sync":
		cmdQuery("sync", args)
	case "cancel":
		cmdCancel(args)
	case "queries":
		cmdQueries(args)
	case "status":
		cmdStatus(args)
	case "missing":
		cmdMissing(args)
	case "export":
		cmdExport(args)
	case "import":
		cmdImport(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`dagswapd - content-addressed DAG exchange over libp2p

Usage: dagswapd <command> [options]

Node:
  daemon   Run the node and its HTTP API
  init     Enable at-rest encryption (SQLite store)
  id       Print this node's peer ID
  status   Show node status

Peers:
  invite   Print a signed invite (QR + code), optionally for a DAG root
  pair     Add the peer from an invite code
  peers    List known peers

Blocks:
  add      Chunk a file into a DAG and store it
  cat      Print one block's payload
  missing  List the blocks of a DAG not held locally
  export   Write a complete DAG to a CAR file
  import   Load a CAR file

Queries:
  get      Fetch one block from peers
  sync     Fetch a whole DAG from peers
  cancel   Cancel a running query
  queries  List running queries

Every command accepts --data (default ~/.dagswap). Client commands talk to
the daemon's API at the address in the config file, or --api.

Examples:
  dagswapd daemon --port 4001
  dagswapd add ./photo.jpg
  dagswapd invite --root bafy...
  dagswapd pair dagswap://...
  dagswapd sync bafy...`)
}

func resolveDataDir(dir string) string {
	if dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get user home directory: %v", err)
	}
	return filepath.Join(home, ".dagswap")
}

func loadConfig(dir string) config.Config {
	cfg, err := config.Load(filepath.Join(dir, config.FileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func readPassword() ([]byte, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var password string
		fmt.Scanln(&password)
		return []byte(password), nil
	}
	return term.ReadPassword(fd)
}
