package engine

import (
	"fmt"

	syncerrors "github.com/reterhq/indexsync/internal/errors"
)

// FileError is one per-file failure recorded during a sync. Failures never
// abort the batch; the affected record keeps its pre-apply state and the
// path is retried on a later run.
type FileError struct {
	Path string `json:"path"`
	Op   string `json:"op"`
	Err  error  `json:"-"`

	// Message mirrors Err for JSON output.
	Message string `json:"error"`
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Report summarizes one sync run.
type Report struct {
	Added     int `json:"added"`
	Modified  int `json:"modified"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Repaired  int `json:"repaired"`

	Errors []FileError `json:"errors,omitempty"`
}

// Clean reports whether the run finished without per-file errors.
func (r *Report) Clean() bool {
	return len(r.Errors) == 0
}

// addError records one per-file failure. Every recorded failure is
// recoverable: the batch continues and the path is retried on a later run.
func (r *Report) addError(path, op string, typ syncerrors.ErrorType, err error) {
	serr := syncerrors.NewSyncError(typ, op, err).WithPath(path).WithRecoverable(true)
	r.Errors = append(r.Errors, FileError{Path: path, Op: op, Err: serr, Message: serr.Error()})
}

func (r *Report) String() string {
	return fmt.Sprintf("added=%d modified=%d deleted=%d unchanged=%d repaired=%d errors=%d",
		r.Added, r.Modified, r.Deleted, r.Unchanged, r.Repaired, len(r.Errors))
}
