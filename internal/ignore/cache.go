package ignore

import (
	"encoding/binary"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/reterhq/indexsync/internal/manifest"
)

// Load discovers every ignore-rule file under root, parses it, and returns
// the composed RuleSet plus an IgnoreManifest whose combined hash changes iff
// any rule file's content changed or a rule file was added or removed.
//
// An unreadable rule file is logged and treated as empty; scanning never
// aborts because one rule file is broken.
func Load(root string) (*RuleSet, manifest.IgnoreManifest, error) {
	rs := &RuleSet{}
	im := manifest.IgnoreManifest{Files: make(map[string]uint64)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// A directory that vanished mid-walk is not fatal to rule
			// discovery.
			log.Printf("Warning: skipping %s during ignore discovery: %v", path, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			switch d.Name() {
			case ".git", manifest.StateDirName:
				if path != root {
					return fs.SkipDir
				}
			}
			return nil
		}

		if d.Name() != RuleFileName {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		content, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: failed to read %s, treating as empty: %v", rel, err)
			return nil
		}

		im.Files[rel] = xxhash.Sum64(content)
		rs.addFile(filepath.ToSlash(filepath.Dir(rel)), ParsePatterns(string(content)))
		return nil
	})
	if err != nil {
		return nil, manifest.IgnoreManifest{}, err
	}

	// Normalize "." bases (root-level rule file) to the empty base.
	for i := range rs.files {
		if rs.files[i].base == "." {
			rs.files[i].base = ""
		}
	}

	im.Combined = combineHashes(im.Files)
	return rs, im, nil
}

// combineHashes folds the sorted path→hash mapping into one value.
func combineHashes(files map[string]uint64) uint64 {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	d := xxhash.New()
	var buf [8]byte
	for _, p := range paths {
		d.WriteString(p)
		d.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], files[p])
		d.Write(buf[:])
	}
	return d.Sum64()
}
