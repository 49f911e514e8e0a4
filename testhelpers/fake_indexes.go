package testhelpers

import (
	"context"
	"fmt"
	"sync"
)

// IndexCall records one call into a fake index, in arrival order.
type IndexCall struct {
	Op   string // "add", "forget", "remove"
	Path string // for add calls
	Key  string // for forget/remove calls
}

// FakeIndex implements both the primary and secondary index contracts with
// call recording and injectable failures. Keys are "path#n" where n counts
// adds, so replaced content gets a fresh key like a real index would assign.
type FakeIndex struct {
	mu      sync.Mutex
	calls   []IndexCall
	entries map[string]string // key -> path
	addSeq  int

	// FailAdd / FailForget name paths or keys whose calls should fail.
	FailAdd    map[string]bool
	FailForget map[string]bool
}

// NewFakeIndex returns an empty recording index.
func NewFakeIndex() *FakeIndex {
	return &FakeIndex{
		entries:    make(map[string]string),
		FailAdd:    make(map[string]bool),
		FailForget: make(map[string]bool),
	}
}

// AddOrReplace stores content for path under a fresh key, dropping any prior
// key for the same path.
func (f *FakeIndex) AddOrReplace(ctx context.Context, path string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailAdd[path] {
		return "", fmt.Errorf("injected add failure for %s", path)
	}

	for key, p := range f.entries {
		if p == path {
			delete(f.entries, key)
		}
	}
	f.addSeq++
	key := fmt.Sprintf("%s#%d", path, f.addSeq)
	f.entries[key] = path
	f.calls = append(f.calls, IndexCall{Op: "add", Path: path, Key: key})
	return key, nil
}

// Forget drops the entry for key.
func (f *FakeIndex) Forget(ctx context.Context, key string) error {
	return f.drop("forget", key)
}

// Remove drops the entry for key (secondary-index contract name).
func (f *FakeIndex) Remove(ctx context.Context, key string) error {
	return f.drop("remove", key)
}

func (f *FakeIndex) drop(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailForget[key] {
		return fmt.Errorf("injected %s failure for %s", op, key)
	}
	delete(f.entries, key)
	f.calls = append(f.calls, IndexCall{Op: op, Key: key})
	return nil
}

// Calls returns a copy of every recorded call in order.
func (f *FakeIndex) Calls() []IndexCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]IndexCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded calls touching the given path, including
// forget/remove calls for keys that were assigned to it.
func (f *FakeIndex) CallsFor(path string) []IndexCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	keysForPath := make(map[string]bool)
	var out []IndexCall
	for _, c := range f.calls {
		switch c.Op {
		case "add":
			if c.Path == path {
				keysForPath[c.Key] = true
				out = append(out, c)
			}
		default:
			if keysForPath[c.Key] || keyPath(c.Key) == path {
				out = append(out, c)
			}
		}
	}
	return out
}

// Holds reports whether any entry currently maps to path.
func (f *FakeIndex) Holds(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.entries {
		if p == path {
			return true
		}
	}
	return false
}

// Len returns the number of live entries.
func (f *FakeIndex) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Reset clears recorded calls but keeps live entries, so per-run assertions
// start clean.
func (f *FakeIndex) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// keyPath strips the "#n" suffix this fake appends to keys.
func keyPath(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			return key[:i]
		}
	}
	return key
}
