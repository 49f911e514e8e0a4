package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/reterhq/indexsync/internal/config"
	"github.com/reterhq/indexsync/internal/engine"
	"github.com/reterhq/indexsync/internal/index"
	"github.com/reterhq/indexsync/internal/manifest"
	"github.com/reterhq/indexsync/internal/version"
	"github.com/reterhq/indexsync/internal/watch"
)

// loadConfigWithOverrides loads configuration and applies CLI flag overrides
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	root := c.String("root")
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path %q: %w", root, err)
	}

	cfg, err := config.Load(absRoot)
	if err != nil {
		return nil, err
	}

	if c.IsSet("workers") {
		cfg.Sync.Workers = c.Int("workers")
	}
	if c.IsSet("rebuild") {
		cfg.Sync.RebuildOnCorrupt = c.Bool("rebuild")
	}
	return cfg, nil
}

// buildEngine wires the engine with the reference index adapters. The
// returned closer releases both stores.
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	facts, err := index.OpenFactStore(cfg.ResolveFactDBPath())
	if err != nil {
		return nil, nil, err
	}
	vecs, err := index.OpenVecStore(filepath.Join(filepath.Dir(cfg.ResolveFactDBPath()), "vectors.db"), nil)
	if err != nil {
		facts.Close()
		return nil, nil, err
	}

	store := manifest.NewStore(cfg.Project.Root)
	eng := engine.New(cfg.Project.Root, store, facts, vecs, engine.Options{
		Workers:          cfg.Sync.Workers,
		MaxFileSize:      cfg.Sync.MaxFileSize,
		RetrySecondary:   cfg.Sync.RetrySecondary,
		RebuildOnCorrupt: cfg.Sync.RebuildOnCorrupt,
	})
	closer := func() {
		facts.Close()
		vecs.Close()
	}
	return eng, closer, nil
}

func printReport(c *cli.Context, report *engine.Report) error {
	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(report)
	}
	fmt.Println(report.String())
	for _, fe := range report.Errors {
		fmt.Fprintf(os.Stderr, "  error: %s\n", fe.Error())
	}
	return nil
}

func main() {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Println(version.FullInfo())
	}

	app := &cli.App{
		Name:                   "indexsync",
		Usage:                  "Keep fact-graph and vector indexes consistent with a source tree",
		Version:                version.Version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "tracked root directory",
				Value:   ".",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "classification worker count (0 = auto)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "emit machine-readable output",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Run one synchronization pass",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "rebuild",
						Usage: "discard a corrupt manifest and rebuild instead of failing",
					},
				},
				Action: runSync,
			},
			{
				Name:   "status",
				Usage:  "Show manifest state without syncing",
				Action: runStatus,
			},
			{
				Name:   "watch",
				Usage:  "Sync continuously on filesystem changes",
				Action: runWatch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSync(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}
	eng, closer, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer closer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := eng.Sync(ctx)
	if report != nil {
		printReport(c, report)
	}
	return err
}

func runStatus(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	store := manifest.NewStore(cfg.Project.Root)
	m, err := store.Load()
	if err != nil {
		return err
	}

	type status struct {
		Root      string    `json:"root"`
		Tracked   int       `json:"tracked"`
		Primary   int       `json:"in_primary"`
		Secondary int       `json:"in_secondary"`
		Partial   int       `json:"partial"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	st := status{Root: cfg.Project.Root, Tracked: len(m.Files), UpdatedAt: m.UpdatedAt}
	for _, rec := range m.Files {
		if rec.InPrimary {
			st.Primary++
		}
		if rec.InSecondary {
			st.Secondary++
		}
		if rec.InPrimary != rec.InSecondary {
			st.Partial++
		}
	}

	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(st)
	}
	fmt.Printf("root:         %s\n", st.Root)
	fmt.Printf("tracked:      %d\n", st.Tracked)
	fmt.Printf("in primary:   %d\n", st.Primary)
	fmt.Printf("in secondary: %d\n", st.Secondary)
	fmt.Printf("partial:      %d\n", st.Partial)
	if !st.UpdatedAt.IsZero() {
		fmt.Printf("last sync:    %s\n", st.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runWatch(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}
	eng, closer, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer closer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initial pass so the watcher starts from a consistent manifest.
	report, err := eng.Sync(ctx)
	if err != nil {
		return err
	}
	printReport(c, report)

	debounce := time.Duration(cfg.Watch.DebounceMs) * time.Millisecond
	w, err := watch.New(cfg.Project.Root, eng, debounce)
	if err != nil {
		return err
	}
	w.OnSync = func(r *engine.Report, err error) {
		if err != nil {
			return
		}
		if r.Added+r.Modified+r.Deleted+r.Repaired > 0 || !r.Clean() {
			printReport(c, r)
		}
	}

	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Fprintf(os.Stderr, "indexsync %s watching %s (Ctrl-C to stop)\n", version.Info(), cfg.Project.Root)
	<-ctx.Done()
	return nil
}
