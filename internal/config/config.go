// Package config loads indexsync settings from a .indexsync.kdl file in the
// tracked root, with CLI flags layered on top by the caller.
package config

import (
	"path/filepath"
	"runtime"
)

// ConfigFileName is looked up in the tracked root.
const ConfigFileName = ".indexsync.kdl"

type Config struct {
	Version int
	Project Project
	Sync    Sync
	Watch   Watch
	Index   Index
}

type Project struct {
	Root string
	Name string
}

type Sync struct {
	Workers          int   // 0 = auto-detect (NumCPU)
	MaxFileSize      int64 // bytes; files above this are not scanned
	RetrySecondary   bool  // re-attempt partial index membership on next sync
	RebuildOnCorrupt bool  // discard an unparsable manifest and rebuild
}

type Watch struct {
	Enabled    bool
	DebounceMs int // quiet period before a change batch triggers a sync
}

type Index struct {
	// FactDBPath is where the reference fact store keeps its database,
	// relative to the tracked root unless absolute.
	FactDBPath string
}

// Default returns the configuration used when no config file exists.
func Default(root string) *Config {
	return &Config{
		Version: 1,
		Project: Project{Root: root},
		Sync: Sync{
			Workers:        runtime.NumCPU(),
			MaxFileSize:    10 * 1024 * 1024,
			RetrySecondary: true,
		},
		Watch: Watch{
			DebounceMs: 250,
		},
		Index: Index{
			FactDBPath: filepath.Join(".indexsync", "facts.db"),
		},
	}
}

// ResolveFactDBPath returns the fact store location as an absolute path.
func (c *Config) ResolveFactDBPath() string {
	if filepath.IsAbs(c.Index.FactDBPath) {
		return c.Index.FactDBPath
	}
	return filepath.Join(c.Project.Root, c.Index.FactDBPath)
}
