package config

import (
	"os"
	"path/filepath"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"

	syncerrors "github.com/reterhq/indexsync/internal/errors"
)

// Load reads .indexsync.kdl from root if present. Absence is not an error;
// the defaults apply.
func Load(root string) (*Config, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = root
	}

	cfg := Default(absRoot)

	kdlPath := filepath.Join(absRoot, ConfigFileName)
	content, err := os.ReadFile(kdlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, syncerrors.NewSyncError(syncerrors.ErrorTypeConfig, "read", err).WithPath(ConfigFileName)
	}

	if err := parseKDL(string(content), cfg); err != nil {
		return nil, err
	}

	// Keep the root absolute regardless of what the file says; relative
	// roots resolve against the config file's directory.
	if !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Clean(filepath.Join(absRoot, cfg.Project.Root))
	}
	return cfg, nil
}

// parseKDL walks the document and overlays recognized nodes onto cfg.
// Unknown nodes are ignored so old binaries tolerate new config keys.
func parseKDL(content string, cfg *Config) error {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return syncerrors.NewSyncError(syncerrors.ErrorTypeConfig, "parse", err).WithPath(ConfigFileName)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "project":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "root":
					if s, ok := firstStringArg(cn); ok {
						cfg.Project.Root = s
					}
				case "name":
					if s, ok := firstStringArg(cn); ok {
						cfg.Project.Name = s
					}
				}
			}
		case "sync":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "workers":
					if v, ok := firstIntArg(cn); ok {
						cfg.Sync.Workers = v
					}
				case "max_file_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Sync.MaxFileSize = int64(v)
					}
				case "retry_secondary":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Sync.RetrySecondary = b
					}
				case "rebuild_on_corrupt":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Sync.RebuildOnCorrupt = b
					}
				}
			}
		case "watch":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "enabled":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Watch.Enabled = b
					}
				case "debounce_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.DebounceMs = v
					}
				}
			}
		case "index":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "fact_db":
					if s, ok := firstStringArg(cn); ok {
						cfg.Index.FactDBPath = s
					}
				}
			}
		}
	}
	return nil
}

// Helper functions leveraging the kdl-go document model
func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}
