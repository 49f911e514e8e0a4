// Package ignore loads gitignore-style exclusion rules from every rule file
// in a tree and combines them into a single predicate plus an invalidation
// hash. Rules are parsed once per sync; the combined hash tells the next sync
// whether any rule file changed.
package ignore

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RuleFileName is the ignore-rule file this cache understands.
const RuleFileName = ".gitignore"

// PatternType classifies a pattern for fast matching.
type PatternType int

const (
	PatternExact PatternType = iota
	PatternPrefix
	PatternSuffix
	PatternGlob
)

// Pattern is a single parsed ignore rule.
type Pattern struct {
	Pattern   string
	Negate    bool
	Directory bool
	Anchored  bool

	patternType PatternType
	prefix      string
	suffix      string
}

// ruleFile holds the parsed patterns of one ignore file. base is the
// slash-separated directory containing the file, relative to the tracked
// root ("" for the root itself). A rule file governs only its own subtree.
type ruleFile struct {
	base     string
	patterns []Pattern
}

// RuleSet is the composed predicate over every discovered rule file.
// Files are evaluated shallowest-first so deeper rule files override
// shallower ones, matching gitignore precedence.
type RuleSet struct {
	files []ruleFile
}

// Match reports whether path (slash-separated, relative to the tracked root)
// is excluded. isDir selects directory-pattern semantics.
func (rs *RuleSet) Match(path string, isDir bool) bool {
	path = filepath.ToSlash(path)

	ignored := false
	for _, rf := range rs.files {
		rel, ok := relativeTo(rf.base, path)
		if !ok {
			continue
		}
		for _, p := range rf.patterns {
			if matchesPattern(p, rel, isDir) {
				ignored = !p.Negate
			}
		}
	}
	return ignored
}

// Empty reports whether the set contains no patterns at all.
func (rs *RuleSet) Empty() bool {
	for _, rf := range rs.files {
		if len(rf.patterns) > 0 {
			return false
		}
	}
	return true
}

func (rs *RuleSet) addFile(base string, patterns []Pattern) {
	rs.files = append(rs.files, ruleFile{base: base, patterns: patterns})
	// Shallow-first: parent rule files are consulted before their children
	// so deeper files win on conflict.
	sort.SliceStable(rs.files, func(i, j int) bool {
		return strings.Count(rs.files[i].base, "/") < strings.Count(rs.files[j].base, "/") ||
			(strings.Count(rs.files[i].base, "/") == strings.Count(rs.files[j].base, "/") && rs.files[i].base < rs.files[j].base)
	})
}

// relativeTo strips base from path. Returns false when path is outside base's
// subtree.
func relativeTo(base, path string) (string, bool) {
	if base == "" {
		return path, true
	}
	if path == base {
		return "", false // the directory holding the rule file is never self-excluded here
	}
	if strings.HasPrefix(path, base+"/") {
		return path[len(base)+1:], true
	}
	return "", false
}

// ParsePatterns parses the content of one ignore file into rules, skipping
// blanks and comments.
func ParsePatterns(content string) []Pattern {
	var patterns []Pattern
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, parsePattern(line))
	}
	return patterns
}

// parsePattern parses a single rule line, extracting the negation, directory
// and anchoring modifiers before classifying the remainder for fast matching.
func parsePattern(line string) Pattern {
	p := Pattern{}

	if strings.HasPrefix(line, "!") {
		p.Negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.Directory = true
		line = strings.TrimSuffix(line, "/")
	}
	// A slash anywhere but the end anchors the pattern to the rule file's
	// directory, same as git.
	if strings.HasPrefix(line, "/") {
		p.Anchored = true
		line = line[1:]
	} else if strings.Contains(line, "/") {
		p.Anchored = true
	}

	p.Pattern = line
	p.patternType, p.prefix, p.suffix = classifyPattern(line)
	return p
}

// classifyPattern picks a fast-path match strategy. Anything beyond a single
// leading or trailing asterisk falls through to doublestar.
func classifyPattern(pattern string) (PatternType, string, string) {
	if !strings.ContainsAny(pattern, "*?[") {
		return PatternExact, "", ""
	}
	if strings.HasPrefix(pattern, "*") && !strings.ContainsAny(pattern[1:], "*?[") {
		return PatternSuffix, "", pattern[1:]
	}
	if strings.HasSuffix(pattern, "*") && !strings.ContainsAny(pattern[:len(pattern)-1], "*?[") {
		return PatternPrefix, pattern[:len(pattern)-1], ""
	}
	return PatternGlob, "", ""
}

// matchesPattern checks one rule against one path.
func matchesPattern(p Pattern, path string, isDir bool) bool {
	if p.Directory {
		// Directory patterns match the directory itself and everything
		// inside it.
		if isDir && matchComponents(p, path) {
			return true
		}
		return matchInsideDirectory(p, path)
	}

	return matchComponents(p, path)
}

// matchComponents applies anchored patterns to the whole path and unanchored
// ones to every path suffix, so "foo.log" matches "a/b/foo.log".
func matchComponents(p Pattern, path string) bool {
	if p.Anchored {
		return fastMatch(p, path)
	}

	if fastMatch(p, path) {
		return true
	}
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if fastMatch(p, strings.Join(parts[i:], "/")) {
			return true
		}
	}
	return false
}

// matchInsideDirectory reports whether path lies under a directory matched by
// a directory-only pattern.
func matchInsideDirectory(p Pattern, path string) bool {
	if strings.HasPrefix(path, p.Pattern+"/") {
		return true
	}
	// Walk ancestor directories and test each against the pattern; covers
	// wildcard directory patterns like "build-*/".
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if matchComponents(p, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

// fastMatch performs optimized matching based on the pattern's classification.
func fastMatch(p Pattern, path string) bool {
	switch p.patternType {
	case PatternExact:
		return p.Pattern == path
	case PatternPrefix:
		return strings.HasPrefix(path, p.prefix)
	case PatternSuffix:
		return strings.HasSuffix(path, p.suffix)
	case PatternGlob:
		matched, err := doublestar.Match(p.Pattern, path)
		return err == nil && matched
	default:
		return p.Pattern == path
	}
}
