// Package engine drives one sync run: diff the filesystem against the
// manifest, apply the diff to both downstream indexes, and persist the
// manifest so the next run can do less work.
package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reterhq/indexsync/internal/classify"
	"github.com/reterhq/indexsync/internal/debug"
	syncerrors "github.com/reterhq/indexsync/internal/errors"
	"github.com/reterhq/indexsync/internal/ignore"
	"github.com/reterhq/indexsync/internal/index"
	"github.com/reterhq/indexsync/internal/manifest"
	"github.com/reterhq/indexsync/internal/scan"
)

// Options tune one engine instance.
type Options struct {
	// Workers bounds the classification worker pool. Zero means NumCPU.
	Workers int

	// MaxFileSize excludes files larger than this many bytes from scanning.
	// Zero means no limit.
	MaxFileSize int64

	// RetrySecondary re-attempts derivation for files whose record shows
	// partial index membership after an earlier per-index failure, even when
	// the file itself is unchanged. When false, such records are repaired
	// only the next time the file is actually touched.
	RetrySecondary bool

	// RebuildOnCorrupt discards an unparsable manifest and performs a full
	// rebuild in the same invocation instead of failing the sync.
	RebuildOnCorrupt bool
}

// Engine synchronizes one tracked root with its two downstream indexes. The
// manifest is exclusively owned by the in-progress sync; the Acquire/Release
// pair on the store enforces that across processes.
type Engine struct {
	root      string
	store     *manifest.Store
	primary   index.Primary
	secondary index.Secondary
	scanner   *scan.Scanner
	opts      Options

	// Classifier's Open hook is replaceable in tests to count content reads.
	Classifier classify.Classifier
}

// New builds an engine for root. The store, primary, and secondary are the
// engine's collaborators; it never reaches around their contracts.
func New(root string, store *manifest.Store, primary index.Primary, secondary index.Secondary, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Engine{
		root:      root,
		store:     store,
		primary:   primary,
		secondary: secondary,
		scanner:   &scan.Scanner{MaxFileSize: opts.MaxFileSize},
		opts:      opts,
	}
}

// Sync is the single entry point. It is idempotent: two calls with no
// filesystem change between them perform zero index writes, and the second
// report shows added=modified=deleted=0.
func (e *Engine) Sync(ctx context.Context) (*Report, error) {
	if err := e.store.Acquire(); err != nil {
		return nil, err
	}
	defer e.store.Release()

	m, err := e.store.Load()
	if err != nil {
		if errors.Is(err, manifest.ErrCorrupt) && e.opts.RebuildOnCorrupt {
			log.Printf("Warning: %v; discarding manifest and rebuilding", err)
			m = manifest.New()
		} else {
			return nil, err
		}
	}

	rules, im, err := ignore.Load(e.root)
	if err != nil {
		return nil, err
	}

	// A changed combined ignore hash is the one case that invalidates every
	// prior classification: previously-excluded paths may now be includable
	// and vice versa, so the fingerprint short-circuit cannot be trusted.
	forceHash := im.Combined != m.Ignore.Combined

	report := &Report{}
	results, err := e.classifyTree(ctx, m, rules, forceHash)
	if err != nil {
		return nil, err
	}

	plan := e.buildPlan(m, results, report)
	if debug.Enabled() {
		debug.LogSync("plan: %d adds, %d mods, %d dels, %d repairs (forceHash=%v)\n",
			len(plan.Adds), len(plan.Mods), len(plan.Dels), len(plan.Repairs), forceHash)
	}
	cancelled := e.apply(ctx, m, plan, report)

	m.Ignore = im
	if pruned := m.Prune(); pruned > 0 {
		log.Printf("Pruned %d stale manifest records", pruned)
	}
	if err := e.store.Save(m); err != nil {
		return report, err
	}
	if cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// classified pairs one scanned file with its verdict.
type classified struct {
	stat scan.FileStat
	res  classify.Result
}

// classifyTree scans the root and classifies every candidate file across a
// worker pool. Files that vanish between scan and classification are left out
// of the result set, which the planner then treats as deletions.
func (e *Engine) classifyTree(ctx context.Context, m *manifest.Manifest, rules *ignore.RuleSet, forceHash bool) (map[string]classified, error) {
	cls := e.Classifier
	cls.ForceHash = forceHash

	results := make(map[string]classified)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	stats := make(chan scan.FileStat, 256)

	g.Go(func() error {
		defer close(stats)
		return e.scanner.Scan(gctx, e.root, rules, func(st scan.FileStat) error {
			select {
			case stats <- st:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			for st := range stats {
				res, err := cls.Classify(st, m.Record(st.Path))
				if err != nil {
					// Vanished or unreadable between scan and hash: the
					// path is absent from the results, so the planner
					// schedules a deletion if it was tracked.
					log.Printf("Warning: %v", err)
					continue
				}
				mu.Lock()
				results[st.Path] = classified{stat: st, res: res}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// buildPlan turns classifications into the disjoint add/modify/delete sets.
// UnchangedContent refreshes the record's fingerprint in place; neither index
// is touched for it.
func (e *Engine) buildPlan(m *manifest.Manifest, results map[string]classified, report *Report) *Plan {
	plan := &Plan{}

	for path, c := range results {
		rec := m.Record(path)
		switch c.res.Verdict {
		case classify.New:
			plan.Adds = append(plan.Adds, Change{Stat: c.stat, Hash: c.res.Hash})

		case classify.Modified:
			plan.Mods = append(plan.Mods, Change{Stat: c.stat, Hash: c.res.Hash, Prior: rec})

		case classify.Unchanged, classify.UnchangedContent:
			if c.res.Verdict == classify.UnchangedContent {
				// A touch, not an edit: refresh the fingerprint so the next
				// run takes the cheap path again.
				rec.MTimeNS = c.stat.MTimeNS()
				rec.Size = c.stat.Size
			}
			report.Unchanged++
			if e.opts.RetrySecondary && rec.InPrimary != rec.InSecondary {
				plan.Repairs = append(plan.Repairs, Change{Stat: c.stat, Hash: rec.ContentHash, Prior: rec})
			}
		}
	}

	// Manifest paths absent from the scan are deletions: removed from disk,
	// newly excluded by ignore rules, or unreadable at classification time.
	for path, rec := range m.Files {
		if _, ok := results[path]; !ok {
			plan.Dels = append(plan.Dels, rec)
		}
	}

	plan.sortDeterministic()
	return plan
}

// apply drives the index writes. Deletions run first so a path deleted and
// recreated within one run is forgotten before it is re-added; a stale index
// key never survives a rename-like replace. Returns true if the context was
// cancelled part-way; already-applied entries remain valid.
func (e *Engine) apply(ctx context.Context, m *manifest.Manifest, plan *Plan, report *Report) bool {
	for _, rec := range plan.Dels {
		if ctx.Err() != nil {
			return true
		}
		e.applyDelete(ctx, m, rec, report)
	}

	for _, ch := range plan.Adds {
		if ctx.Err() != nil {
			return true
		}
		e.applyUpsert(ctx, m, ch, report)
	}
	for _, ch := range plan.Mods {
		if ctx.Err() != nil {
			return true
		}
		e.applyUpsert(ctx, m, ch, report)
	}
	for _, ch := range plan.Repairs {
		if ctx.Err() != nil {
			return true
		}
		e.applyRepair(ctx, m, ch, report)
	}
	return ctx.Err() != nil
}

// applyDelete forgets a record from both indexes, then drops it from the
// manifest. A failed forget keeps the record so the deletion is retried next
// run.
func (e *Engine) applyDelete(ctx context.Context, m *manifest.Manifest, rec *manifest.FileRecord, report *Report) {
	ok := true
	if rec.InPrimary {
		if err := e.primary.Forget(ctx, rec.PrimaryKey); err != nil {
			report.addError(rec.Path, "forget", syncerrors.ErrorTypeIndexApply, err)
			ok = false
		} else {
			rec.InPrimary = false
			rec.PrimaryKey = ""
		}
	}
	if rec.InSecondary {
		if err := e.secondary.Remove(ctx, rec.SecondaryKey); err != nil {
			report.addError(rec.Path, "remove", syncerrors.ErrorTypeIndexApply, err)
			ok = false
		} else {
			rec.InSecondary = false
			rec.SecondaryKey = ""
		}
	}
	if ok {
		m.Drop(rec.Path)
		report.Deleted++
	}
}

// applyUpsert derives new content into both indexes for an added or modified
// file. For a modification each index sees the old key forgotten before the
// new content is added, so a stale key never survives a replace. Per-index
// fields are only mutated after that index's call succeeds; the fingerprint
// and content hash advance only when both sides fully succeed, so a partial
// failure leaves the path classified Modified on the next run and the failed
// side is retried.
func (e *Engine) applyUpsert(ctx context.Context, m *manifest.Manifest, ch Change, report *Report) {
	path := ch.Stat.Path
	content, err := os.ReadFile(ch.Stat.AbsPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Modified then deleted before apply: final filesystem state
			// wins and the path is treated as a deletion.
			if ch.Prior != nil {
				e.applyDelete(ctx, m, ch.Prior, report)
			}
			return
		}
		report.addError(path, "read", syncerrors.ErrorTypeRead, err)
		return
	}

	rec := ch.Prior
	isNew := rec == nil
	if isNew {
		rec = &manifest.FileRecord{Path: path}
	}

	primaryOK := true
	if rec.InPrimary {
		if err := e.primary.Forget(ctx, rec.PrimaryKey); err != nil {
			report.addError(path, "forget", syncerrors.ErrorTypeIndexApply, err)
			primaryOK = false
		} else {
			rec.InPrimary = false
			rec.PrimaryKey = ""
		}
	}
	if primaryOK {
		if key, err := e.primary.AddOrReplace(ctx, path, content); err != nil {
			report.addError(path, "primary", syncerrors.ErrorTypeIndexApply, err)
			primaryOK = false
		} else {
			rec.InPrimary = true
			rec.PrimaryKey = key
		}
	}

	secondaryOK := true
	if rec.InSecondary {
		if err := e.secondary.Remove(ctx, rec.SecondaryKey); err != nil {
			report.addError(path, "remove", syncerrors.ErrorTypeIndexApply, err)
			secondaryOK = false
		} else {
			rec.InSecondary = false
			rec.SecondaryKey = ""
		}
	}
	if secondaryOK {
		if key, err := e.secondary.AddOrReplace(ctx, path, content); err != nil {
			report.addError(path, "secondary", syncerrors.ErrorTypeIndexApply, err)
			secondaryOK = false
		} else {
			rec.InSecondary = true
			rec.SecondaryKey = key
		}
	}

	if primaryOK && secondaryOK {
		rec.ContentHash = ch.Hash
		rec.MTimeNS = ch.Stat.MTimeNS()
		rec.Size = ch.Stat.Size
	} else if isNew && (rec.InPrimary || rec.InSecondary) {
		// A brand-new file with one index populated still gets a record:
		// the succeeded side is real, and the partial membership marks the
		// path for repair.
		rec.ContentHash = ch.Hash
		rec.MTimeNS = ch.Stat.MTimeNS()
		rec.Size = ch.Stat.Size
	}

	if isNew {
		if rec.InPrimary || rec.InSecondary {
			m.Put(rec)
			report.Added++
		}
	} else if primaryOK && secondaryOK {
		report.Modified++
	}
}

// applyRepair re-derives only the missing side of a partially indexed,
// otherwise unchanged file.
func (e *Engine) applyRepair(ctx context.Context, m *manifest.Manifest, ch Change, report *Report) {
	rec := ch.Prior
	content, err := os.ReadFile(ch.Stat.AbsPath)
	if err != nil {
		if os.IsNotExist(err) {
			e.applyDelete(ctx, m, rec, report)
			return
		}
		report.addError(rec.Path, "read", syncerrors.ErrorTypeRead, err)
		return
	}

	repaired := false
	if !rec.InPrimary {
		if key, err := e.primary.AddOrReplace(ctx, rec.Path, content); err != nil {
			report.addError(rec.Path, "primary", syncerrors.ErrorTypeIndexApply, err)
		} else {
			rec.InPrimary = true
			rec.PrimaryKey = key
			repaired = true
		}
	}
	if !rec.InSecondary {
		if key, err := e.secondary.AddOrReplace(ctx, rec.Path, content); err != nil {
			report.addError(rec.Path, "secondary", syncerrors.ErrorTypeIndexApply, err)
		} else {
			rec.InSecondary = true
			rec.SecondaryKey = key
			repaired = true
		}
	}
	if repaired {
		report.Repaired++
	}
}
