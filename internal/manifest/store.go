package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	syncerrors "github.com/reterhq/indexsync/internal/errors"
)

const (
	// StateDirName is the per-root directory holding the manifest and lock.
	StateDirName = ".indexsync"

	manifestFileName = "manifest.json"
	lockFileName     = "manifest.lock"
)

// ErrCorrupt is returned by Load when the manifest file exists but cannot be
// parsed. Recovery is to discard the manifest and perform a full rebuild.
var ErrCorrupt = errors.New("manifest is corrupt")

// ErrSyncInProgress is returned by Acquire when another sync already holds
// the manifest lock.
var ErrSyncInProgress = errors.New("sync already in progress")

// Store persists the manifest for one tracked root. Save is atomic: a crash
// mid-write leaves either the old or the new manifest on disk, never a
// truncated one. The Acquire/Release pair is the mutual-exclusion boundary
// between concurrent syncs of the same root.
type Store struct {
	dir string
}

// NewStore returns a store rooted at the tracked directory. State lives in
// root/.indexsync/.
func NewStore(root string) *Store {
	return &Store{dir: filepath.Join(root, StateDirName)}
}

// Path returns the manifest file's location on disk.
func (s *Store) Path() string {
	return filepath.Join(s.dir, manifestFileName)
}

// Load reads the persisted manifest. A missing file is the first-run case and
// yields an empty manifest, not an error. An unparsable file yields
// ErrCorrupt. An unknown version yields an empty manifest so every file is
// reclassified as new; the old file stays on disk until the next Save.
func (s *Store) Load() (*Manifest, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, syncerrors.NewSyncError(syncerrors.ErrorTypeManifest, "load", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if m.Version != Version {
		log.Printf("Warning: manifest version %d not understood (want %d), rebuilding from scratch", m.Version, Version)
		return New(), nil
	}

	if m.Files == nil {
		m.Files = make(map[string]*FileRecord)
	}
	return &m, nil
}

// Save atomically replaces the manifest on disk. The manifest is written to a
// temp file in the same directory, fsynced, then renamed over the old file.
func (s *Store) Save(m *Manifest) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	m.Version = Version
	m.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return syncerrors.NewSyncError(syncerrors.ErrorTypeManifest, "encode", err)
	}

	tmp, err := os.CreateTemp(s.dir, manifestFileName+".tmp-*")
	if err != nil {
		return syncerrors.NewSyncError(syncerrors.ErrorTypeManifest, "save", err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return syncerrors.NewSyncError(syncerrors.ErrorTypeManifest, "save", werr)
	}

	if err := os.Rename(tmpName, s.Path()); err != nil {
		os.Remove(tmpName)
		return syncerrors.NewSyncError(syncerrors.ErrorTypeManifest, "replace", err)
	}
	return nil
}

// Acquire takes the manifest lock for this root. A second concurrent sync
// fails fast with ErrSyncInProgress rather than blocking. A lock left behind
// by a crashed sync is reclaimed once its recorded owner is no longer alive.
func (s *Store) Acquire() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lockPath := filepath.Join(s.dir, lockFileName)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			// Record the owning PID so a crashed sync's lock can be told
			// apart from a live one.
			fmt.Fprintln(f, strconv.Itoa(os.Getpid()))
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire manifest lock: %w", err)
		}
		if attempt == 0 && !lockOwnerAlive(lockPath) {
			log.Printf("Warning: removing stale manifest lock at %s", lockPath)
			os.Remove(lockPath)
			continue
		}
		return ErrSyncInProgress
	}
	return ErrSyncInProgress
}

// lockOwnerAlive reports whether the process recorded in the lock file still
// exists. A garbled lock counts as dead; a lock naming no live owner would
// otherwise wedge every future sync.
func lockOwnerAlive(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Racing a concurrent Release; treat the lock as live and let the
		// caller fail fast.
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	sigErr := proc.Signal(syscall.Signal(0))
	if sigErr == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(sigErr, syscall.EPERM)
}

// Release drops the manifest lock. Safe to call when the lock was never
// acquired.
func (s *Store) Release() {
	os.Remove(filepath.Join(s.dir, lockFileName))
}
