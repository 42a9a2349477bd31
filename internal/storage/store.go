// Package storage defines the block store the exchange reads from and
// writes to.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaydixit11/dagswap/internal/dag"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

var (
	// ErrNotFound is returned when a block is not in the store
	ErrNotFound = errors.New("block not found")

	// ErrInvalidBlock is returned by Insert when the payload does not hash to
	// the given CID
	ErrInvalidBlock = errors.New("block does not match cid")
)

// Store is the local content-addressed block store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Contains reports whether the block for c is present
	Contains(ctx context.Context, c cid.Cid) (bool, error)

	// Get returns the block for c, or ErrNotFound
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)

	// Insert validates data against c and stores it.
	// Returns ErrInvalidBlock on hash mismatch. Inserting a block that is
	// already present succeeds.
	Insert(ctx context.Context, c cid.Cid, data []byte) error

	// MissingBlocks returns the absent blocks of the DAG below c, including c
	// itself when absent. Each CID appears once.
	MissingBlocks(ctx context.Context, c cid.Cid) ([]cid.Cid, error)

	// Close releases all resources
	Close() error
}

// Stat summarizes a store's contents
type Stat struct {
	Blocks int   `json:"blocks"`
	Size   int64 `json:"size"`
}

// Stater is implemented by stores that can summarize their contents
type Stater interface {
	Stat(ctx context.Context) (Stat, error)
}

// Verify rebuilds a block from data and checks that it hashes to c
func Verify(c cid.Cid, data []byte) (blocks.Block, error) {
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if !sum.Equals(c) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBlock, c)
	}
	return blocks.NewBlockWithCid(data, c)
}

// Links returns the CIDs blk links to. A block whose codec has no decoder
// is opaque and treated as a leaf.
func Links(blk blocks.Block) ([]cid.Cid, error) {
	links, err := dag.Links(blk)
	if errors.Is(err, dag.ErrUnsupportedCodec) {
		return nil, nil
	}
	return links, err
}

// WalkMissing implements MissingBlocks for any store by reading present
// blocks and decoding their links. Absent blocks are not descended into.
func WalkMissing(ctx context.Context, s Store, root cid.Cid) ([]cid.Cid, error) {
	var missing []cid.Cid
	seen := map[cid.Cid]struct{}{root: {}}
	queue := []cid.Cid{root}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := queue[0]
		queue = queue[1:]

		blk, err := s.Get(ctx, c)
		if errors.Is(err, ErrNotFound) {
			missing = append(missing, c)
			continue
		}
		if err != nil {
			return nil, err
		}

		links, err := Links(blk)
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			queue = append(queue, l)
		}
	}
	return missing, nil
}

// Walk visits every block reachable from root in breadth-first order.
// It fails with ErrNotFound if any block is absent.
func Walk(ctx context.Context, s Store, root cid.Cid, fn func(blocks.Block) error) error {
	seen := map[cid.Cid]struct{}{root: {}}
	queue := []cid.Cid{root}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		blk, err := s.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", c, err)
		}
		if err := fn(blk); err != nil {
			return err
		}

		links, err := Links(blk)
		if err != nil {
			return err
		}
		for _, l := range links {
			if _, ok := seen[l]; !ok {
				seen[l] = struct{}{}
				queue = append(queue, l)
			}
		}
	}
	return nil
}
