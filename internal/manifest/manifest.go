// Package manifest defines the persisted record of every tracked file's
// fingerprint, content hash, and downstream index membership. The manifest is
// the single source of truth for what each index currently holds; nothing else
// is ever consulted to decide whether a file is "in" an index.
package manifest

import (
	"time"
)

// Version is the current manifest schema version. Loading a manifest with a
// different version triggers a full rebuild instead of a misinterpretation.
const Version = 1

// FileRecord is one tracked file's last-known state.
type FileRecord struct {
	// Path is the slash-separated path relative to the tracked root. It is
	// the unique key; renames are observed as delete+add.
	Path string `json:"path"`

	// ContentHash is the xxhash64 of the file bytes at the last successful
	// index update.
	ContentHash uint64 `json:"content_hash"`

	// MTimeNS and Size form the cheap fingerprint used to short-circuit
	// content hashing on unchanged files.
	MTimeNS int64 `json:"mtime_ns"`
	Size    int64 `json:"size"`

	// InPrimary / InSecondary report whether the fact graph / vector index
	// currently hold derived data for ContentHash.
	InPrimary   bool `json:"in_primary"`
	InSecondary bool `json:"in_secondary"`

	// PrimaryKey and SecondaryKey are the opaque identifiers the indexes
	// assigned to this file's content. Empty when the corresponding
	// membership flag is false.
	PrimaryKey   string `json:"primary_key,omitempty"`
	SecondaryKey string `json:"secondary_key,omitempty"`
}

// Stale reports whether the record carries no index membership at all.
// Stale records are dropped from the manifest on the next successful sync.
func (r *FileRecord) Stale() bool {
	return !r.InPrimary && !r.InSecondary
}

// Fingerprint reports whether the record's cheap fingerprint matches the
// given size and modification time.
func (r *FileRecord) Fingerprint(size int64, mtimeNS int64) bool {
	return r.Size == size && r.MTimeNS == mtimeNS
}

// IgnoreManifest records the content hash of every ignore-rule file seen
// during the last sync, plus a combined hash over the sorted mapping. The
// combined hash changes iff an ignore file's content changed or an ignore
// file was added or removed.
type IgnoreManifest struct {
	Files    map[string]uint64 `json:"files,omitempty"`
	Combined uint64            `json:"combined"`
}

// Manifest is the root persisted object for one tracked root.
type Manifest struct {
	Version   int                    `json:"version"`
	UpdatedAt time.Time              `json:"updated_at"`
	Ignore    IgnoreManifest         `json:"ignore"`
	Files     map[string]*FileRecord `json:"files"`
}

// New returns an empty manifest at the current schema version.
func New() *Manifest {
	return &Manifest{
		Version: Version,
		Files:   make(map[string]*FileRecord),
	}
}

// Record returns the record for path, or nil if the path is untracked.
func (m *Manifest) Record(path string) *FileRecord {
	return m.Files[path]
}

// Put inserts or replaces a record, keyed by its path.
func (m *Manifest) Put(r *FileRecord) {
	m.Files[r.Path] = r
}

// Drop removes the record for path, if any.
func (m *Manifest) Drop(path string) {
	delete(m.Files, path)
}

// Prune removes records with no index membership. Returns the number of
// records dropped.
func (m *Manifest) Prune() int {
	dropped := 0
	for path, rec := range m.Files {
		if rec.Stale() {
			delete(m.Files, path)
			dropped++
		}
	}
	return dropped
}
