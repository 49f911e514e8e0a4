package engine

import (
	"sort"

	"github.com/reterhq/indexsync/internal/manifest"
	"github.com/reterhq/indexsync/internal/scan"
)

// Change pairs a scanned file with its computed hash and, for modifications,
// the prior manifest record.
type Change struct {
	Stat  scan.FileStat
	Hash  uint64
	Prior *manifest.FileRecord
}

// Plan is the computed diff driving one sync run's apply phase. The Adds,
// Mods, and Dels sets are disjoint: together they partition the symmetric
// difference between the current filesystem and the manifest, plus confirmed
// content changes.
type Plan struct {
	Adds []Change
	Mods []Change
	Dels []*manifest.FileRecord

	// Repairs are fingerprint-unchanged files with partial index membership
	// left behind by an earlier per-index failure. Populated only when the
	// retry policy asks for automatic repair.
	Repairs []Change
}

// sortDeterministic orders every set by path so apply order, and therefore
// error reporting, is stable across runs.
func (p *Plan) sortDeterministic() {
	sort.Slice(p.Adds, func(i, j int) bool { return p.Adds[i].Stat.Path < p.Adds[j].Stat.Path })
	sort.Slice(p.Mods, func(i, j int) bool { return p.Mods[i].Stat.Path < p.Mods[j].Stat.Path })
	sort.Slice(p.Dels, func(i, j int) bool { return p.Dels[i].Path < p.Dels[j].Path })
	sort.Slice(p.Repairs, func(i, j int) bool { return p.Repairs[i].Stat.Path < p.Repairs[j].Stat.Path })
}

// Empty reports whether the plan requires no index writes at all.
func (p *Plan) Empty() bool {
	return len(p.Adds) == 0 && len(p.Mods) == 0 && len(p.Dels) == 0 && len(p.Repairs) == 0
}
