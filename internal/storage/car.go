package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	carstore "github.com/ipld/go-car/v2/blockstore"
)

// ImportCAR inserts every block of a CAR (v1 or v2) stream into s and
// returns the CAR's roots and the number of blocks read. Each block is
// verified against its CID.
func ImportCAR(ctx context.Context, s Store, r io.Reader) ([]cid.Cid, int, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read car header: %w", err)
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, n, err
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, n, fmt.Errorf("failed to read car block: %w", err)
		}
		if err := s.Insert(ctx, blk.Cid(), blk.RawData()); err != nil {
			return nil, n, fmt.Errorf("failed to insert %s: %w", blk.Cid(), err)
		}
		n++
	}
	return br.Roots, n, nil
}

// ExportCAR writes the complete DAG below root to a CARv2 file at path.
// It fails with ErrNotFound if any block is absent.
func ExportCAR(ctx context.Context, s Store, root cid.Cid, path string) (int, error) {
	rw, err := carstore.OpenReadWrite(path, []cid.Cid{root}, carstore.UseWholeCIDs(true))
	if err != nil {
		return 0, fmt.Errorf("failed to create car: %w", err)
	}

	n := 0
	err = Walk(ctx, s, root, func(blk blocks.Block) error {
		n++
		return rw.Put(ctx, blk)
	})
	if err != nil {
		rw.Discard()
		return 0, err
	}
	if err := rw.Finalize(); err != nil {
		return 0, fmt.Errorf("failed to finalize car: %w", err)
	}
	return n, nil
}
