// Package testhelpers provides isolated fixtures for sync tests: on-disk tree
// builders and call-recording index fakes.
package testhelpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TreeBuilder creates an isolated on-disk directory tree for one test. All
// paths are slash-relative to the tree root.
type TreeBuilder struct {
	t    *testing.T
	root string
}

// NewTree creates a fresh temp tree cleaned up with the test.
func NewTree(t *testing.T) *TreeBuilder {
	t.Helper()
	return &TreeBuilder{t: t, root: t.TempDir()}
}

// Root returns the tree's root directory.
func (tb *TreeBuilder) Root() string {
	return tb.root
}

// Abs returns the absolute path for a relative path in the tree.
func (tb *TreeBuilder) Abs(rel string) string {
	return filepath.Join(tb.root, filepath.FromSlash(rel))
}

// WriteFile creates or replaces a file, creating parent directories as
// needed.
func (tb *TreeBuilder) WriteFile(rel, content string) *TreeBuilder {
	tb.t.Helper()
	abs := tb.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		tb.t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		tb.t.Fatalf("write %s: %v", rel, err)
	}
	return tb
}

// Remove deletes a file or directory tree.
func (tb *TreeBuilder) Remove(rel string) *TreeBuilder {
	tb.t.Helper()
	if err := os.RemoveAll(tb.Abs(rel)); err != nil {
		tb.t.Fatalf("remove %s: %v", rel, err)
	}
	return tb
}

// Touch bumps a file's modification time without changing its content. The
// bump is a full second forward so coarse-mtime filesystems still observe a
// change.
func (tb *TreeBuilder) Touch(rel string) *TreeBuilder {
	tb.t.Helper()
	abs := tb.Abs(rel)
	info, err := os.Stat(abs)
	if err != nil {
		tb.t.Fatalf("stat %s: %v", rel, err)
	}
	newTime := info.ModTime().Add(time.Second)
	if err := os.Chtimes(abs, newTime, newTime); err != nil {
		tb.t.Fatalf("touch %s: %v", rel, err)
	}
	return tb
}

// SetMTime pins a file's modification time exactly.
func (tb *TreeBuilder) SetMTime(rel string, mtime time.Time) *TreeBuilder {
	tb.t.Helper()
	if err := os.Chtimes(tb.Abs(rel), mtime, mtime); err != nil {
		tb.t.Fatalf("chtimes %s: %v", rel, err)
	}
	return tb
}
