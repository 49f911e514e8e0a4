package index

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"
)

// FactStore is a reference Primary implementation backed by SQLite. It stores
// one row per tracked file keyed by a content-derived identifier, which is
// enough for the sync engine's add/forget contract; a real fact engine would
// hang parsed facts off the same keys.
type FactStore struct {
	db *sql.DB
}

const factSchema = `
CREATE TABLE IF NOT EXISTS facts (
	key        TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	content    BLOB NOT NULL,
	indexed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS facts_path ON facts(path);
`

// OpenFactStore opens (creating if needed) a fact store at the given sqlite
// database path. Use ":memory:" for tests.
func OpenFactStore(dbPath string) (*FactStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open fact store: %w", err)
	}
	if _, err := db.Exec(factSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init fact store schema: %w", err)
	}
	return &FactStore{db: db}, nil
}

// Close releases the underlying database handle.
func (fs *FactStore) Close() error {
	return fs.db.Close()
}

// AddOrReplace stores the file's content under a content-derived key. Any
// prior row for the same path is removed first so a path never owns two keys.
func (fs *FactStore) AddOrReplace(ctx context.Context, path string, content []byte) (string, error) {
	key := factKey(path, content)

	tx, err := fs.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("fact store tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE path = ?`, path); err != nil {
		return "", fmt.Errorf("fact store replace %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO facts (key, path, content, indexed_at) VALUES (?, ?, ?, ?)`,
		key, path, content, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("fact store insert %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("fact store commit %s: %w", path, err)
	}
	return key, nil
}

// Forget removes the row for key. Forgetting an unknown key is a no-op so a
// retried deletion stays idempotent.
func (fs *FactStore) Forget(ctx context.Context, key string) error {
	if _, err := fs.db.ExecContext(ctx, `DELETE FROM facts WHERE key = ?`, key); err != nil {
		return fmt.Errorf("fact store forget %s: %w", key, err)
	}
	return nil
}

// Contains reports whether the store holds the given key.
func (fs *FactStore) Contains(ctx context.Context, key string) (bool, error) {
	var n int
	err := fs.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM facts WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("fact store lookup %s: %w", key, err)
	}
	return n > 0, nil
}

// factKey derives the opaque index key from path and content.
func factKey(path string, content []byte) string {
	d := xxhash.New()
	d.WriteString(path)
	d.Write([]byte{0})
	d.Write(content)
	var out [8]byte
	sum := d.Sum64()
	for i := 0; i < 8; i++ {
		out[i] = byte(sum >> (8 * i))
	}
	return hex.EncodeToString(out[:])
}
