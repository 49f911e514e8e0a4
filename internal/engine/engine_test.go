package engine

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/reterhq/indexsync/internal/errors"
	"github.com/reterhq/indexsync/internal/manifest"
	"github.com/reterhq/indexsync/testhelpers"
)

// fixture wires an engine against fake indexes over an isolated tree, with
// content reads counted through the classifier's open hook.
type fixture struct {
	tree      *testhelpers.TreeBuilder
	primary   *testhelpers.FakeIndex
	secondary *testhelpers.FakeIndex
	store     *manifest.Store
	eng       *Engine
	reads     atomic.Int64
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		tree:      testhelpers.NewTree(t),
		primary:   testhelpers.NewFakeIndex(),
		secondary: testhelpers.NewFakeIndex(),
	}
	f.store = manifest.NewStore(f.tree.Root())
	f.eng = New(f.tree.Root(), f.store, f.primary, f.secondary, opts)
	f.eng.Classifier.Open = func(path string) (io.ReadCloser, error) {
		f.reads.Add(1)
		return os.Open(path)
	}
	return f
}

func (f *fixture) sync(t *testing.T) *Report {
	t.Helper()
	report, err := f.eng.Sync(context.Background())
	require.NoError(t, err)
	return report
}

// resetCounters clears per-run call records and the read counter between
// syncs so assertions cover exactly one run.
func (f *fixture) resetCounters() {
	f.primary.Reset()
	f.secondary.Reset()
	f.reads.Store(0)
}

func (f *fixture) record(t *testing.T, path string) *manifest.FileRecord {
	t.Helper()
	m, err := f.store.Load()
	require.NoError(t, err)
	return m.Record(path)
}

// Scenario A: empty root.
func TestSync_EmptyRoot(t *testing.T) {
	f := newFixture(t, Options{})

	report := f.sync(t)
	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 0, report.Modified)
	assert.Equal(t, 0, report.Deleted)

	m, err := f.store.Load()
	require.NoError(t, err)
	assert.Empty(t, m.Files)
}

// Scenario B: one new file lands in both indexes and the manifest.
func TestSync_AddsNewFile(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")

	report := f.sync(t)
	assert.Equal(t, 1, report.Added)
	assert.True(t, report.Clean())

	rec := f.record(t, "a.txt")
	require.NotNil(t, rec)
	assert.True(t, rec.InPrimary)
	assert.True(t, rec.InSecondary)
	assert.NotEmpty(t, rec.PrimaryKey)
	assert.NotEmpty(t, rec.SecondaryKey)
	assert.True(t, f.primary.Holds("a.txt"))
	assert.True(t, f.secondary.Holds("a.txt"))
}

// Idempotence: a second run with no filesystem change performs zero index
// writes and zero content reads.
func TestSync_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")
	f.tree.WriteFile("sub/b.txt", "y")
	f.sync(t)

	f.resetCounters()
	report := f.sync(t)

	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 0, report.Modified)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, 2, report.Unchanged)
	assert.Empty(t, f.primary.Calls())
	assert.Empty(t, f.secondary.Calls())
	assert.Zero(t, f.reads.Load(), "unchanged files must not be read or hashed")
}

// Scenario C: a touch refreshes the stored fingerprint without index writes.
func TestSync_TouchRefreshesFingerprint(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")
	f.sync(t)
	before := f.record(t, "a.txt")

	f.tree.Touch("a.txt")
	f.resetCounters()
	report := f.sync(t)

	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 0, report.Modified)
	assert.Equal(t, 1, report.Unchanged)
	assert.Empty(t, f.primary.Calls(), "touched-but-unedited file must not reach the indexes")
	assert.Empty(t, f.secondary.Calls())
	assert.Equal(t, int64(1), f.reads.Load(), "fingerprint miss falls back to one hash read")

	after := f.record(t, "a.txt")
	assert.Greater(t, after.MTimeNS, before.MTimeNS, "stored mtime must be refreshed")
	assert.Equal(t, before.ContentHash, after.ContentHash)
}

// Scenario D: an edit reaches both indexes as forget/remove then add.
func TestSync_ModifiedFile(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")
	f.sync(t)
	oldKey := f.record(t, "a.txt").PrimaryKey

	f.tree.WriteFile("a.txt", "y")
	f.tree.Touch("a.txt") // same-size edits can share an mtime second
	f.resetCounters()
	report := f.sync(t)

	assert.Equal(t, 1, report.Modified)
	assert.Equal(t, 0, report.Added)

	for _, calls := range [][]testhelpers.IndexCall{
		f.primary.CallsFor("a.txt"),
		f.secondary.CallsFor("a.txt"),
	} {
		require.Len(t, calls, 2, "exactly one removal then one add")
		assert.NotEqual(t, "add", calls[0].Op, "removal must precede the add")
		assert.Equal(t, "add", calls[1].Op)
	}

	rec := f.record(t, "a.txt")
	assert.NotEqual(t, oldKey, rec.PrimaryKey, "replaced content gets a fresh key")
}

// Scenario E: deletion forgets both indexes and drops the record.
func TestSync_DeletedFile(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")
	f.sync(t)

	f.tree.Remove("a.txt")
	f.resetCounters()
	report := f.sync(t)

	assert.Equal(t, 1, report.Deleted)
	assert.Nil(t, f.record(t, "a.txt"))
	assert.False(t, f.primary.Holds("a.txt"))
	assert.False(t, f.secondary.Holds("a.txt"))
}

// A delete-and-recreate at the same path is seen as a modification, and each
// index observes the forget strictly before the re-add.
func TestSync_RecreateOrdering(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "first")
	f.sync(t)

	f.tree.Remove("a.txt")
	f.tree.WriteFile("a.txt", "second version")
	f.tree.Touch("a.txt")
	f.resetCounters()
	report := f.sync(t)

	assert.Equal(t, 1, report.Modified)
	calls := f.primary.CallsFor("a.txt")
	require.Len(t, calls, 2)
	assert.Equal(t, "forget", calls[0].Op)
	assert.Equal(t, "add", calls[1].Op)
}

// Ignore-hash sub-case 1: a rules change that does not alter inclusion forces
// a full re-hash pass but produces zero index writes.
func TestSync_IgnoreChangeWithoutInclusionChange(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile(".gitignore", "*.log\n")
	f.tree.WriteFile("a.txt", "x")
	f.tree.WriteFile("b.txt", "y")
	f.sync(t)

	// New pattern, same inclusion for the tracked set.
	f.tree.WriteFile(".gitignore", "*.log\n*.zzz\n")
	f.resetCounters()
	report := f.sync(t)

	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 0, report.Modified)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, int64(2), f.reads.Load(), "changed ignore hash forces reclassification of every file")
	assert.Empty(t, f.primary.Calls())
	assert.Empty(t, f.secondary.Calls())

	// And with the rules stable again, the cheap path is back.
	f.resetCounters()
	f.sync(t)
	assert.Zero(t, f.reads.Load())
}

// Ignore-hash sub-case 2: a rules change that does alter inclusion drops the
// newly excluded file and later re-adds it.
func TestSync_IgnoreChangeAltersInclusion(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")
	f.tree.WriteFile("b.txt", "y")
	f.sync(t)

	f.tree.WriteFile(".gitignore", "b.txt\n")
	f.resetCounters()
	report := f.sync(t)
	assert.Equal(t, 1, report.Deleted)
	assert.Nil(t, f.record(t, "b.txt"))
	assert.False(t, f.primary.Holds("b.txt"))
	assert.True(t, f.primary.Holds("a.txt"))

	f.tree.Remove(".gitignore")
	f.resetCounters()
	report = f.sync(t)
	assert.Equal(t, 1, report.Added)
	assert.True(t, f.primary.Holds("b.txt"))
}

// A partial secondary failure leaves the primary membership intact and, with
// the retry policy on, is repaired by the next sync without an edit.
func TestSync_PartialSecondaryFailureRetried(t *testing.T) {
	f := newFixture(t, Options{RetrySecondary: true})
	f.tree.WriteFile("a.txt", "x")
	f.secondary.FailAdd["a.txt"] = true

	report := f.sync(t)
	assert.Equal(t, 1, report.Added)
	assert.False(t, report.Clean())

	// The recorded failure carries the apply-phase error type and is marked
	// recoverable: the path will be retried.
	require.Len(t, report.Errors, 1)
	var serr *syncerrors.SyncError
	require.ErrorAs(t, report.Errors[0].Err, &serr)
	assert.Equal(t, syncerrors.ErrorTypeIndexApply, serr.Type)
	assert.Equal(t, "a.txt", serr.Path)
	assert.True(t, serr.IsRecoverable())

	rec := f.record(t, "a.txt")
	require.NotNil(t, rec)
	assert.True(t, rec.InPrimary)
	assert.False(t, rec.InSecondary)

	// Failure cleared: the next sync repairs only the missing side.
	delete(f.secondary.FailAdd, "a.txt")
	f.resetCounters()
	report = f.sync(t)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 0, report.Modified)
	assert.Empty(t, f.primary.Calls(), "healthy side must not be re-derived")

	rec = f.record(t, "a.txt")
	assert.True(t, rec.InSecondary)
}

// With the retry policy off, a partial record is only repaired when the file
// is touched again.
func TestSync_PartialFailureWithoutRetryPolicy(t *testing.T) {
	f := newFixture(t, Options{RetrySecondary: false})
	f.tree.WriteFile("a.txt", "x")
	f.secondary.FailAdd["a.txt"] = true
	f.sync(t)
	delete(f.secondary.FailAdd, "a.txt")

	f.resetCounters()
	report := f.sync(t)
	assert.Equal(t, 0, report.Repaired, "no automatic repair without the policy")
	assert.False(t, f.record(t, "a.txt").InSecondary)

	// An edit re-derives everything and heals the record.
	f.tree.WriteFile("a.txt", "x2")
	f.tree.Touch("a.txt")
	report = f.sync(t)
	assert.Equal(t, 1, report.Modified)
	assert.True(t, f.record(t, "a.txt").InSecondary)
}

// A failed index call during modification leaves the record retryable: the
// next sync attempts the same file again.
func TestSync_FailedModifyIsRetriedNextRun(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")
	f.sync(t)

	f.tree.WriteFile("a.txt", "y")
	f.tree.Touch("a.txt")
	f.primary.FailAdd["a.txt"] = true
	report := f.sync(t)
	assert.Equal(t, 0, report.Modified)
	assert.False(t, report.Clean())

	delete(f.primary.FailAdd, "a.txt")
	f.resetCounters()
	report = f.sync(t)
	assert.True(t, report.Modified == 1 || report.Repaired == 1,
		"failed modify must be re-attempted, got %s", report.String())
	rec := f.record(t, "a.txt")
	assert.True(t, rec.InPrimary)
	assert.True(t, rec.InSecondary)
}

// A failed deletion keeps the record so the forget is retried.
func TestSync_FailedDeleteIsRetried(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")
	f.sync(t)
	key := f.record(t, "a.txt").PrimaryKey

	f.tree.Remove("a.txt")
	f.primary.FailForget[key] = true
	report := f.sync(t)
	assert.Equal(t, 0, report.Deleted)
	assert.False(t, report.Clean())
	require.NotNil(t, f.record(t, "a.txt"), "record must survive a failed forget")

	delete(f.primary.FailForget, key)
	report = f.sync(t)
	assert.Equal(t, 1, report.Deleted)
	assert.Nil(t, f.record(t, "a.txt"))
}

func TestSync_ConcurrentSyncFailsFast(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.Acquire())
	defer f.store.Release()

	_, err := f.eng.Sync(context.Background())
	assert.ErrorIs(t, err, manifest.ErrSyncInProgress)
}

func TestSync_CorruptManifest(t *testing.T) {
	f := newFixture(t, Options{})
	f.tree.WriteFile("a.txt", "x")
	f.sync(t)

	require.NoError(t, os.WriteFile(f.store.Path(), []byte("{broken"), 0o644))

	_, err := f.eng.Sync(context.Background())
	assert.ErrorIs(t, err, manifest.ErrCorrupt)

	// With the rebuild policy, the same situation recovers in-run.
	f2 := New(f.tree.Root(), f.store, f.primary, f.secondary, Options{RebuildOnCorrupt: true})
	report, err := f2.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added, "rebuild reclassifies every file as new")
	require.NotNil(t, f.record(t, "a.txt"))
}

func TestSync_ManyFilesAcrossWorkers(t *testing.T) {
	f := newFixture(t, Options{Workers: 4})
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		f.tree.WriteFile("src/"+n+".go", "package "+n)
	}

	report := f.sync(t)
	assert.Equal(t, 8, report.Added)
	assert.Equal(t, 8, f.primary.Len())
	assert.Equal(t, 8, f.secondary.Len())

	f.resetCounters()
	report = f.sync(t)
	assert.Equal(t, 8, report.Unchanged)
	assert.Zero(t, f.reads.Load())
}
