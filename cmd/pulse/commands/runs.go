package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datapulse/datapulse/pkg/config"
	"github.com/datapulse/datapulse/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var (
		limit  int
		offset int
		events bool
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List persisted runs or inspect one run",
		Long: `Without arguments, list the most recent runs from the store. With a
run ID, print the run's persisted abstract, summary and report.`,
		Example: `  # List the last 20 runs
  pulse runs

  # Inspect one run, including its event log
  pulse runs 3f8a... --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if len(args) == 1 {
				return showRun(cmd.Context(), store, args[0], events)
			}
			return listRuns(cmd.Context(), store, limit, offset)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	cmd.Flags().BoolVar(&events, "events", false, "include the run's event log")

	return cmd
}

// openStore opens the configured SQLite store; persistence must be
// configured for the runs command to work.
func openStore(ctx context.Context, cfg *config.Config) (stores.Store, error) {
	sc, ok := cfg.StoreConfig()
	if !ok {
		return nil, fmt.Errorf("no store configured: set store.path in the config file")
	}

	store, err := stores.NewSQLiteStore(sc)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func listRuns(ctx context.Context, store stores.Store, limit, offset int) error {
	runs, err := store.ListRuns(ctx, limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-36s %-10s %-20s %s\n", "RUN", "STATUS", "STARTED", "SOURCE")
	for _, run := range runs {
		fmt.Printf("%-36s %-10s %-20s %s\n",
			run.ID, run.Status, run.StartedAt.Format(time.RFC3339), run.Source)
	}
	return nil
}

// runDetail is the aggregate view of one persisted run.
type runDetail struct {
	Run      *stores.Run     `json:"run"`
	Abstract json.RawMessage `json:"abstract,omitempty"`
	Summary  json.RawMessage `json:"summary,omitempty"`
	Report   json.RawMessage `json:"report,omitempty"`
	Events   []*stores.Event `json:"events,omitempty"`
}

func showRun(ctx context.Context, store stores.Store, runID string, includeEvents bool) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	detail := runDetail{Run: run}
	if abstract, err := store.GetAbstract(ctx, runID); err == nil && abstract != nil {
		detail.Abstract = json.RawMessage(abstract.Payload)
		detail.Summary = json.RawMessage(abstract.Summary)
	}
	if report, err := store.GetReport(ctx, runID); err == nil && report != nil {
		detail.Report = json.RawMessage(report.Payload)
	}
	if includeEvents {
		events, err := store.GetEvents(ctx, &runID, nil, nil, 200, 0)
		if err == nil {
			detail.Events = events
		}
	}

	return printJSON(detail)
}
