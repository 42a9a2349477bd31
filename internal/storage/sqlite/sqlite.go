// Package sqlite stores blocks and their links in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/amaydixit11/dagswap/internal/crypto"
	"github.com/amaydixit11/dagswap/internal/storage"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrLocked is returned when reading an encrypted block without a key
var ErrLocked = errors.New("block is encrypted and no key is loaded")

// SQLiteStore implements storage.Store. Links are recorded at insert time
// so MissingBlocks never decodes a block.
type SQLiteStore struct {
	db  *sql.DB
	key *crypto.Key
}

// New creates a store at path. ":memory:" creates an in-memory database.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own database otherwise
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewEncrypted creates a store that seals payloads with key
func NewEncrypted(path string, key crypto.Key) (*SQLiteStore, error) {
	s, err := New(path)
	if err != nil {
		return nil, err
	}
	s.key = &key
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS blocks (
			cid BLOB PRIMARY KEY,
			codec INTEGER NOT NULL,
			size INTEGER NOT NULL,
			data BLOB NOT NULL,
			encrypted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS links (
			parent BLOB NOT NULL,
			position INTEGER NOT NULL,
			child BLOB NOT NULL,
			PRIMARY KEY (parent, position),
			FOREIGN KEY (parent) REFERENCES blocks(cid) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_links_child ON links(child);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Contains(ctx context.Context, c cid.Cid) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM blocks WHERE cid = ?", c.Bytes()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up block: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	var data []byte
	var encrypted int
	err := s.db.QueryRowContext(ctx, "SELECT data, encrypted FROM blocks WHERE cid = ?", c.Bytes()).Scan(&data, &encrypted)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, c)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	if encrypted != 0 {
		if s.key == nil {
			return nil, ErrLocked
		}
		data, err = crypto.OpenBlock(*s.key, c, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", c, err)
		}
	}
	return blocks.NewBlockWithCid(data, c)
}

// Insert validates and stores a block together with its links (idempotent)
func (s *SQLiteStore) Insert(ctx context.Context, c cid.Cid, data []byte) error {
	blk, err := storage.Verify(c, data)
	if err != nil {
		return err
	}
	links, err := storage.Links(blk)
	if err != nil {
		return fmt.Errorf("failed to read links: %w", err)
	}

	stored, encrypted := data, 0
	if s.key != nil {
		stored, err = crypto.SealBlock(*s.key, c, data)
		if err != nil {
			return err
		}
		encrypted = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO blocks (cid, codec, size, data, encrypted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.Bytes(), int64(c.Prefix().Codec), len(data), stored, encrypted, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for i, l := range links {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO links (parent, position, child) VALUES (?, ?, ?)",
			c.Bytes(), i, l.Bytes()); err != nil {
			return fmt.Errorf("failed to insert link: %w", err)
		}
	}
	return tx.Commit()
}

// MissingBlocks walks the links table from c
func (s *SQLiteStore) MissingBlocks(ctx context.Context, c cid.Cid) ([]cid.Cid, error) {
	var missing []cid.Cid
	seen := map[cid.Cid]struct{}{c: {}}
	queue := []cid.Cid{c}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		ok, err := s.Contains(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, cur)
			continue
		}

		children, err := s.children(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, ok := seen[child]; !ok {
				seen[child] = struct{}{}
				queue = append(queue, child)
			}
		}
	}
	return missing, nil
}

func (s *SQLiteStore) children(ctx context.Context, parent cid.Cid) ([]cid.Cid, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT child FROM links WHERE parent = ? ORDER BY position", parent.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var out []cid.Cid
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		c, err := cid.Cast(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt link from %s: %w", parent, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Parents returns the stored blocks that link to c
func (s *SQLiteStore) Parents(ctx context.Context, c cid.Cid) ([]cid.Cid, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT parent FROM links WHERE child = ?", c.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var out []cid.Cid
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		p, err := cid.Cast(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Stat counts stored blocks and their plaintext size
func (s *SQLiteStore) Stat(ctx context.Context) (storage.Stat, error) {
	var st storage.Stat
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size), 0) FROM blocks").Scan(&st.Blocks, &st.Size)
	if err != nil {
		return st, fmt.Errorf("failed to stat store: %w", err)
	}
	return st, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
