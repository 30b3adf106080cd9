package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/datapulse/datapulse/pkg/config"
	"github.com/datapulse/datapulse/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		narrate  bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <dataset.csv | directory>",
		Short: "Re-analyze CSV files as they appear or change",
		Long: `Watch a CSV file, or a directory of them, and run the full analysis on
every create or write. Rapid successive writes to the same file are
debounced so a file being copied in triggers a single run.

Runs continue until interrupted. With a store configured, each run is
persisted and can be inspected later with 'pulse runs'.`,
		Example: `  # Re-analyze one dataset every time it is overwritten
  pulse watch enrollment.csv

  # Re-analyze every CSV dropped into the inbox, narrating each run
  pulse watch ./inbox --narrate --debounce 2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(cfg.TelemetrySettings())
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			ctx := tel.WithContext(cmd.Context())
			defer func() { _ = tel.Shutdown(context.Background()) }()
			if cfg.Telemetry.MetricsEnabled {
				if err := tel.StartMetricsServer(); err != nil {
					log.Warn().Err(err).Msg("Failed to start metrics server")
				}
			}

			return watchDirectory(ctx, cfg, args[0], narrate, debounce)
		},
	}

	cmd.Flags().BoolVar(&narrate, "narrate", false, "generate the narrative report for each run")
	cmd.Flags().DurationVar(&debounce, "debounce", time.Second, "quiet period before a changed file is analyzed")

	return cmd
}

// watchDirectory blocks until the context is cancelled, analyzing each
// matching CSV file after its writes settle. A file target watches its
// parent directory and reacts only to that file; editors replace files
// rather than write them in place, so watching the inode directly would
// miss most saves.
func watchDirectory(ctx context.Context, cfg *config.Config, target string, narrate bool, debounce time.Duration) error {
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", target, err)
	}
	dir := target
	var only string
	if !info.IsDir() {
		only, err = filepath.Abs(target)
		if err != nil {
			return err
		}
		dir = filepath.Dir(target)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Info().Str("target", target).Msg("Watching for CSV changes")

	var mu sync.Mutex
	pending := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".csv") {
				continue
			}
			if only != "" {
				abs, err := filepath.Abs(event.Name)
				if err != nil || abs != only {
					continue
				}
			}

			path := event.Name
			mu.Lock()
			if timer, exists := pending[path]; exists {
				timer.Reset(debounce)
			} else {
				pending[path] = time.AfterFunc(debounce, func() {
					mu.Lock()
					delete(pending, path)
					mu.Unlock()
					analyzeWatched(ctx, cfg, path, narrate)
				})
			}
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// analyzeWatched runs one analysis and reports the result without
// stopping the watch loop on failure.
func analyzeWatched(ctx context.Context, cfg *config.Config, path string, narrate bool) {
	if ctx.Err() != nil {
		return
	}

	log.Info().Str("dataset", path).Msg("Analyzing changed dataset")
	started := time.Now()

	// Copy the config so per-file derived state never leaks between runs.
	runCfg := *cfg
	outcome, err := runAnalysis(ctx, &runCfg, path, narrate)
	if err != nil {
		log.Error().Err(err).Str("dataset", path).Msg("Analysis failed")
		return
	}

	log.Info().
		Str("dataset", path).
		Str("run_id", outcome.Run.RunID).
		Dur("duration", time.Since(started)).
		Msg("Analysis complete")

	if jsonOutput {
		_ = printJSON(outcome)
		return
	}
	printOutcome(outcome)
	fmt.Println()
}
