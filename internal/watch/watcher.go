// Package watch runs the sync engine continuously: filesystem events are
// debounced into quiet-period batches, and each batch triggers one sync.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/reterhq/indexsync/internal/debug"
	"github.com/reterhq/indexsync/internal/engine"
	"github.com/reterhq/indexsync/internal/ignore"
	"github.com/reterhq/indexsync/internal/manifest"
)

// Watcher monitors a tracked root and re-syncs after each settled batch of
// filesystem events.
type Watcher struct {
	root     string
	eng      *engine.Engine
	watcher  *fsnotify.Watcher
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnSync is called with each sync's outcome. Optional; used by the CLI
	// for reporting and by tests for synchronization.
	OnSync func(*engine.Report, error)
}

// New creates a watcher for root driving the given engine.
func New(root string, eng *engine.Engine, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:     root,
		eng:      eng,
		watcher:  fsw,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start adds watches for the whole tree and begins processing events. The
// ignore rules current at start time decide which directories are watched;
// a change to a rule file triggers a sync, which re-walks with fresh rules.
func (w *Watcher) Start() error {
	rules, _, err := ignore.Load(w.root)
	if err != nil {
		return fmt.Errorf("load ignore rules: %w", err)
	}

	if err := w.addWatches(w.root, rules); err != nil {
		return fmt.Errorf("failed to add watches starting from %s: %w", w.root, err)
	}

	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.cancel()
	if err := w.watcher.Close(); err != nil {
		log.Printf("Error closing fsnotify watcher: %v", err)
	}
	w.wg.Wait()
}

// addWatches registers every non-excluded directory under dir.
func (w *Watcher) addWatches(dir string, rules *ignore.RuleSet) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // race with external mutation, keep walking
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && (d.Name() == ".git" || d.Name() == manifest.StateDirName) {
			return fs.SkipDir
		}

		rel, rerr := filepath.Rel(w.root, path)
		if rerr == nil && rel != "." && rules != nil && rules.Match(filepath.ToSlash(rel), true) {
			return fs.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			log.Printf("Warning: failed to add watch for %s: %v", path, err)
		}
		return nil
	})
}

// ownState reports whether path lives under .git or the sync state directory.
// Manifest saves must not re-trigger the sync that produced them.
func (w *Watcher) ownState(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first == ".git" || first == manifest.StateDirName
}

// processEvents debounces raw fsnotify events into sync triggers. A new
// directory gets a watch immediately so events inside it are not missed
// while the batch settles.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	trigger := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.debounce)
	}

	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ownState(ev.Name) {
				continue
			}
			if debug.Enabled() {
				debug.LogWatch("event: %s %s\n", ev.Op, ev.Name)
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
					rules, _, rerr := ignore.Load(w.root)
					if rerr == nil {
						w.addWatches(ev.Name, rules)
					}
				}
			}
			trigger()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Warning: watch error: %v", err)

		case <-timerC:
			report, err := w.eng.Sync(w.ctx)
			if err != nil && w.ctx.Err() == nil {
				log.Printf("Warning: watch-triggered sync failed: %v", err)
			}
			if w.OnSync != nil {
				w.OnSync(report, err)
			}
		}
	}
}
