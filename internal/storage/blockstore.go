package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"
)

// Blockstore adapts a boxo blockstore to Store
type Blockstore struct {
	bs     blockstore.Blockstore
	closer io.Closer
}

// NewBlockstore wraps an existing boxo blockstore
func NewBlockstore(bs blockstore.Blockstore) *Blockstore {
	return &Blockstore{bs: bs}
}

// NewMemory creates a store backed by an in-memory datastore
func NewMemory() *Blockstore {
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	return &Blockstore{bs: blockstore.NewBlockstore(ds)}
}

// NewLevelDB creates a store backed by a LevelDB datastore at path
func NewLevelDB(path string) (*Blockstore, error) {
	ds, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &Blockstore{bs: blockstore.NewBlockstore(ds), closer: ds}, nil
}

func (s *Blockstore) Contains(ctx context.Context, c cid.Cid) (bool, error) {
	return s.bs.Has(ctx, c)
}

func (s *Blockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	ok, err := s.bs.Has(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return s.bs.Get(ctx, c)
}

func (s *Blockstore) Insert(ctx context.Context, c cid.Cid, data []byte) error {
	blk, err := Verify(c, data)
	if err != nil {
		return err
	}
	return s.bs.Put(ctx, blk)
}

func (s *Blockstore) MissingBlocks(ctx context.Context, c cid.Cid) ([]cid.Cid, error) {
	return WalkMissing(ctx, s, c)
}

// Keys lists every stored block. Blocks are keyed by multihash, so the
// CIDs come back as CIDv1 raw regardless of how they were inserted.
func (s *Blockstore) Keys(ctx context.Context) ([]cid.Cid, error) {
	ch, err := s.bs.AllKeysChan(ctx)
	if err != nil {
		return nil, err
	}
	var out []cid.Cid
	for c := range ch {
		out = append(out, c)
	}
	return out, nil
}

// Stat counts stored blocks and sums their sizes
func (s *Blockstore) Stat(ctx context.Context) (Stat, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return Stat{}, err
	}
	st := Stat{Blocks: len(keys)}
	for _, k := range keys {
		n, err := s.bs.GetSize(ctx, k)
		if err != nil {
			return Stat{}, err
		}
		st.Size += int64(n)
	}
	return st, nil
}

func (s *Blockstore) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
