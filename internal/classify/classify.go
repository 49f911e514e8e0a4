// Package classify decides what happened to a file since the last sync using
// a two-stage check: a free fingerprint comparison first, content hashing only
// for the minority of paths that fail it. Sync cost is bounded by the number
// of actually touched files, not the repository size.
package classify

import (
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	syncerrors "github.com/reterhq/indexsync/internal/errors"
	"github.com/reterhq/indexsync/internal/manifest"
	"github.com/reterhq/indexsync/internal/scan"
)

// Verdict is the classifier's decision for one path.
type Verdict int

const (
	// New: no prior manifest record exists.
	New Verdict = iota
	// Unchanged: fingerprint matches; content was not read.
	Unchanged
	// Modified: content hash differs from the prior record.
	Modified
	// UnchangedContent: fingerprint differed but the content hash did not —
	// a touch, not an edit. The fingerprint is refreshed; the indexes are
	// not written.
	UnchangedContent
)

func (v Verdict) String() string {
	switch v {
	case New:
		return "new"
	case Unchanged:
		return "unchanged"
	case Modified:
		return "modified"
	case UnchangedContent:
		return "unchanged-content"
	default:
		return "unknown"
	}
}

// Result carries the verdict plus the content hash when one was computed.
// Hash is only meaningful for Modified, New, and UnchangedContent verdicts.
type Result struct {
	Verdict Verdict
	Hash    uint64
}

// Classifier compares scan fingerprints against manifest records.
type Classifier struct {
	// ForceHash bypasses the fingerprint short-circuit so every file is
	// hashed. Set when the combined ignore hash changed and prior
	// classifications cannot be trusted.
	ForceHash bool

	// Open is the file opener, replaceable in tests to count content reads.
	// Nil means os.Open.
	Open func(path string) (io.ReadCloser, error)
}

// Classify decides the verdict for one scanned file against its prior record.
// prior is nil for untracked paths. A file that vanishes between scan and
// hashing yields a read error; callers treat that as a deletion.
func (c *Classifier) Classify(st scan.FileStat, prior *manifest.FileRecord) (Result, error) {
	if prior == nil {
		hash, err := c.hashFile(st)
		if err != nil {
			return Result{}, err
		}
		return Result{Verdict: New, Hash: hash}, nil
	}

	// Dominant case: fingerprint match means no read and no hash.
	if !c.ForceHash && prior.Fingerprint(st.Size, st.MTimeNS()) {
		return Result{Verdict: Unchanged, Hash: prior.ContentHash}, nil
	}

	// The cheap check failed (or was bypassed); hashing is the
	// always-correct tiebreaker.
	hash, err := c.hashFile(st)
	if err != nil {
		return Result{}, err
	}
	if hash == prior.ContentHash {
		return Result{Verdict: UnchangedContent, Hash: hash}, nil
	}
	return Result{Verdict: Modified, Hash: hash}, nil
}

// hashFile streams the file through xxhash64 without loading it whole.
func (c *Classifier) hashFile(st scan.FileStat) (uint64, error) {
	open := c.Open
	if open == nil {
		open = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}

	f, err := open(st.AbsPath)
	if err != nil {
		return 0, syncerrors.NewSyncError(syncerrors.ErrorTypeRead, "open", err).WithPath(st.Path)
	}
	defer f.Close()

	d := xxhash.New()
	if _, err := io.Copy(d, f); err != nil {
		return 0, syncerrors.NewSyncError(syncerrors.ErrorTypeRead, "hash", err).WithPath(st.Path)
	}
	return d.Sum64(), nil
}
