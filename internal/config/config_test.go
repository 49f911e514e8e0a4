package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	root := t.TempDir()

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Project.Root)
	assert.Equal(t, int64(10*1024*1024), cfg.Sync.MaxFileSize)
	assert.True(t, cfg.Sync.RetrySecondary)
	assert.False(t, cfg.Sync.RebuildOnCorrupt)
	assert.Equal(t, 250, cfg.Watch.DebounceMs)
	assert.Positive(t, cfg.Sync.Workers)
}

func TestLoad_KDLOverrides(t *testing.T) {
	root := t.TempDir()
	kdl := `
project {
    name "demo"
}
sync {
    workers 2
    max_file_size 1048576
    retry_secondary false
    rebuild_on_corrupt true
}
watch {
    enabled true
    debounce_ms 500
}
index {
    fact_db "state/facts.db"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(kdl), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, 2, cfg.Sync.Workers)
	assert.Equal(t, int64(1048576), cfg.Sync.MaxFileSize)
	assert.False(t, cfg.Sync.RetrySecondary)
	assert.True(t, cfg.Sync.RebuildOnCorrupt)
	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, 500, cfg.Watch.DebounceMs)
	assert.Equal(t, filepath.Join(root, "state/facts.db"), cfg.ResolveFactDBPath())
}

func TestLoad_UnknownNodesIgnored(t *testing.T) {
	root := t.TempDir()
	kdl := `
future_section {
    mystery true
}
sync {
    workers 3
}
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(kdl), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sync.Workers)
}

func TestLoad_MalformedKDL(t *testing.T) {
	root := t.TempDir()
	// An unbalanced closing brace at the document level is a parse error.
	kdl := `
sync {
    workers 2
}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(kdl), 0o644))

	_, err := Load(root)
	assert.Error(t, err)
}
