package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"
)

// Embedder turns file content into a vector. The real embedding model lives
// outside this subsystem; tests and the default CLI wiring use a cheap local
// stand-in.
type Embedder func(ctx context.Context, content []byte) ([]float32, error)

// VecStore is a reference Secondary implementation: content vectors in
// SQLite, one row per tracked file. It satisfies the sync engine's
// add/remove contract; similarity search over the stored vectors is a
// consumer concern.
type VecStore struct {
	db    *sql.DB
	embed Embedder
}

const vecSchema = `
CREATE TABLE IF NOT EXISTS vectors (
	key        TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	dim        INTEGER NOT NULL,
	embedding  BLOB NOT NULL,
	indexed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS vectors_path ON vectors(path);
`

// OpenVecStore opens (creating if needed) a vector store at dbPath. A nil
// embedder falls back to a deterministic byte-histogram vector, which keeps
// the store usable without a model wired in.
func OpenVecStore(dbPath string, embed Embedder) (*VecStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	if _, err := db.Exec(vecSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vector store schema: %w", err)
	}
	if embed == nil {
		embed = histogramEmbedder
	}
	return &VecStore{db: db, embed: embed}, nil
}

// Close releases the underlying database handle.
func (vs *VecStore) Close() error {
	return vs.db.Close()
}

// AddOrReplace embeds the content and stores the vector under a
// content-derived key, dropping any prior row for the same path.
func (vs *VecStore) AddOrReplace(ctx context.Context, path string, content []byte) (string, error) {
	vec, err := vs.embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embed %s: %w", path, err)
	}
	key := factKey(path, content)

	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("vector store tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE path = ?`, path); err != nil {
		return "", fmt.Errorf("vector store replace %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vectors (key, path, dim, embedding, indexed_at) VALUES (?, ?, ?, ?, ?)`,
		key, path, len(vec), encodeVector(vec), time.Now().UTC()); err != nil {
		return "", fmt.Errorf("vector store insert %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("vector store commit %s: %w", path, err)
	}
	return key, nil
}

// Remove drops the row for key. Removing an unknown key is a no-op.
func (vs *VecStore) Remove(ctx context.Context, key string) error {
	if _, err := vs.db.ExecContext(ctx, `DELETE FROM vectors WHERE key = ?`, key); err != nil {
		return fmt.Errorf("vector store remove %s: %w", key, err)
	}
	return nil
}

// encodeVector packs float32s little-endian for the BLOB column.
func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// histogramEmbedder is the model-free fallback: a 64-bin byte histogram
// normalized to unit length, salted with the content hash so identical
// histograms of different content rarely collide.
func histogramEmbedder(_ context.Context, content []byte) ([]float32, error) {
	vec := make([]float32, 64)
	for _, b := range content {
		vec[b&63]++
	}
	vec[int(xxhash.Sum64(content)&63)]++

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}
