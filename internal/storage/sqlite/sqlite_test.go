package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/amaydixit11/dagswap/internal/crypto"
	"github.com/amaydixit11/dagswap/internal/dag"
	"github.com/amaydixit11/dagswap/internal/storage"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

var _ storage.Store = (*SQLiteStore)(nil)

func TestNew(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")

	store, err := New(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	store.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func tree(t *testing.T) (root blocks.Block, all []blocks.Block) {
	t.Helper()
	l1, _ := dag.NewRawBlock([]byte("l1"))
	l2, _ := dag.NewRawBlock([]byte("l2"))
	mid, err := dag.NewNode("mid", []cid.Cid{l1.Cid(), l2.Cid()})
	if err != nil {
		t.Fatal(err)
	}
	root, err = dag.NewNode("root", []cid.Cid{mid.Cid()})
	if err != nil {
		t.Fatal(err)
	}
	return root, []blocks.Block{root, mid, l1, l2}
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := New(":memory:")
	defer store.Close()

	blk, _ := dag.NewRawBlock([]byte("test content"))

	if err := store.Insert(ctx, blk.Cid(), []byte("other content")); !errors.Is(err, storage.ErrInvalidBlock) {
		t.Fatalf("expected ErrInvalidBlock, got %v", err)
	}
	if err := store.Insert(ctx, blk.Cid(), blk.RawData()); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	if err := store.Insert(ctx, blk.Cid(), blk.RawData()); err != nil {
		t.Fatalf("second insert should be a no-op: %v", err)
	}

	got, err := store.Get(ctx, blk.Cid())
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if string(got.RawData()) != "test content" {
		t.Errorf("content mismatch")
	}

	other, _ := dag.NewRawBlock([]byte("absent"))
	if _, err := store.Get(ctx, other.Cid()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMissingBlocksFromLinks(t *testing.T) {
	ctx := context.Background()
	root, all := tree(t)
	mid, l1, l2 := all[1], all[2], all[3]

	store, _ := New(":memory:")
	defer store.Close()

	missing, err := store.MissingBlocks(ctx, root.Cid())
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || !missing[0].Equals(root.Cid()) {
		t.Fatalf("empty store should miss the root, got %v", missing)
	}

	for _, b := range []blocks.Block{root, mid, l2} {
		if err := store.Insert(ctx, b.Cid(), b.RawData()); err != nil {
			t.Fatal(err)
		}
	}
	missing, err = store.MissingBlocks(ctx, root.Cid())
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || !missing[0].Equals(l1.Cid()) {
		t.Errorf("expected only l1 missing, got %v", missing)
	}

	parents, err := store.Parents(ctx, l1.Cid())
	if err != nil {
		t.Fatal(err)
	}
	if len(parents) != 1 || !parents[0].Equals(mid.Cid()) {
		t.Errorf("expected mid as parent, got %v", parents)
	}
}

func TestInsertOpaqueCodec(t *testing.T) {
	ctx := context.Background()
	store, _ := New(":memory:")
	defer store.Close()

	prefix := dag.RawPrefix
	prefix.Codec = cid.GitRaw
	data := []byte("blob 4\x00data")
	c, err := prefix.Sum(data)
	if err != nil {
		t.Fatal(err)
	}
	root, err := dag.NewNode("root", []cid.Cid{c})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Insert(ctx, root.Cid(), root.RawData()); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(ctx, c, data); err != nil {
		t.Fatalf("block with unknown codec rejected: %v", err)
	}

	got, err := store.Get(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.RawData()) != string(data) {
		t.Errorf("unexpected data %q", got.RawData())
	}

	missing, err := store.MissingBlocks(ctx, root.Cid())
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Errorf("expected complete DAG, got %v", missing)
	}
}

func TestEncryptedStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "enc.db")
	key, _ := crypto.GenerateKey()
	root, all := tree(t)

	store, err := NewEncrypted(path, key)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range all {
		if err := store.Insert(ctx, b.Cid(), b.RawData()); err != nil {
			t.Fatal(err)
		}
	}

	var raw []byte
	if err := store.db.QueryRow("SELECT data FROM blocks WHERE cid = ?", root.Cid().Bytes()).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if string(raw) == string(root.RawData()) {
		t.Error("payload stored in plaintext")
	}

	got, err := store.Get(ctx, root.Cid())
	if err != nil || string(got.RawData()) != string(root.RawData()) {
		t.Fatalf("decrypting read failed: %v", err)
	}
	store.Close()

	// Links are plaintext so the walk works without a key
	locked, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer locked.Close()
	missing, err := locked.MissingBlocks(ctx, root.Cid())
	if err != nil || len(missing) != 0 {
		t.Errorf("expected complete dag, got %v %v", missing, err)
	}
	if _, err := locked.Get(ctx, root.Cid()); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	_, all := tree(t)
	store, _ := New(":memory:")
	defer store.Close()

	var size int64
	for _, b := range all {
		size += int64(len(b.RawData()))
		if err := store.Insert(ctx, b.Cid(), b.RawData()); err != nil {
			t.Fatal(err)
		}
	}
	st, err := store.Stat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Blocks != len(all) || st.Size != size {
		t.Errorf("got %+v, want %d blocks, %d bytes", st, len(all), size)
	}
}
