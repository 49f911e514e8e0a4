// Package scan walks a tracked root and produces cheap fingerprints for every
// candidate file. The scanner never opens file content; it reports only what
// a directory listing and stat can tell.
package scan

import (
	"context"
	"io/fs"
	"log"
	"path/filepath"
	"time"

	syncerrors "github.com/reterhq/indexsync/internal/errors"
	"github.com/reterhq/indexsync/internal/ignore"
	"github.com/reterhq/indexsync/internal/manifest"
)

// FileStat is the cheap fingerprint for one candidate file.
type FileStat struct {
	// Path is slash-separated, relative to the tracked root.
	Path    string
	Size    int64
	MTime   time.Time
	AbsPath string
}

// MTimeNS returns the modification time as nanoseconds for fingerprint
// comparison against manifest records.
func (s FileStat) MTimeNS() int64 {
	return s.MTime.UnixNano()
}

// Scanner walks a tree, applying the ignore predicate before descending into
// directories so excluded subtrees cost nothing.
type Scanner struct {
	// MaxFileSize excludes files larger than this many bytes. Zero means
	// no limit.
	MaxFileSize int64
}

// Scan walks root and calls emit for every non-excluded regular file.
// Symlinks are not followed. A directory that vanishes mid-walk is skipped
// with a warning, not fatal. Re-invoking Scan re-walks the tree.
func (s *Scanner) Scan(ctx context.Context, root string, rules *ignore.RuleSet, emit func(FileStat) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			// Race with external mutation: the entry disappeared or became
			// unreadable between listing and visiting.
			log.Printf("Warning: %v", syncerrors.NewSyncError(syncerrors.ErrorTypeScan, "walk", walkErr).WithPath(filepath.ToSlash(path)))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path == root {
				return nil
			}
			if d.Name() == ".git" || d.Name() == manifest.StateDirName {
				return fs.SkipDir
			}
			if rules != nil && rules.Match(rel, true) {
				return fs.SkipDir
			}
			return nil
		}

		// Regular files only: symlinks are never followed (prevents
		// cycles), sockets and devices are not indexable.
		if !d.Type().IsRegular() {
			return nil
		}

		if rules != nil && rules.Match(rel, false) {
			return nil
		}
		if rel == ignore.RuleFileName || filepath.Base(rel) == ignore.RuleFileName {
			// Rule files drive exclusion; they are not themselves synced.
			return nil
		}

		info, err := d.Info()
		if err != nil {
			log.Printf("Warning: %v", syncerrors.NewSyncError(syncerrors.ErrorTypeScan, "stat", err).WithPath(rel))
			return nil
		}

		if s.MaxFileSize > 0 && info.Size() > s.MaxFileSize {
			return nil
		}

		return emit(FileStat{
			Path:    rel,
			Size:    info.Size(),
			MTime:   info.ModTime(),
			AbsPath: path,
		})
	})
}

// ScanAll collects the full scan into a slice. Convenience for callers that
// do not stream.
func (s *Scanner) ScanAll(ctx context.Context, root string, rules *ignore.RuleSet) ([]FileStat, error) {
	var stats []FileStat
	err := s.Scan(ctx, root, rules, func(st FileStat) error {
		stats = append(stats, st)
		return nil
	})
	return stats, err
}
