package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datapulse/datapulse/pkg/dataset"
	"github.com/datapulse/datapulse/pkg/engine"
)

func newDrillCommand() *cobra.Command {
	var (
		metric   string
		fixed    []string
		drillDim string
	)

	cmd := &cobra.Command{
		Use:   "drill <dataset.csv>",
		Short: "Re-aggregate one anomalous segment along a free dimension",
		Long: `Drill into a dimensional finding: fix some dimension values and
re-aggregate the metric along one free dimension to see which of its
values drives the deviation. The aggregation is computed fresh from the
dataset, independent of any previous run.`,
		Example: `  # Which states drive the deviation among young enrollees?
  pulse drill enrollment.csv --metric enrollment_count --fix age_group=young --dim state

  # Fix two dimensions, drill the third
  pulse drill enrollment.csv -m rejection_rate --fix state=Bihar --fix gender=F --dim district`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fixedDims := make(map[string]string, len(fixed))
			for _, pair := range fixed {
				key, value, ok := strings.Cut(pair, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --fix %q, expected column=value", pair)
				}
				fixedDims[key] = value
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open dataset: %w", err)
			}
			defer f.Close()

			ds, _, err := dataset.LoadCSV(f)
			if err != nil {
				return fmt.Errorf("failed to load dataset: %w", err)
			}

			slicer := engine.NewDimensionalSlicingEngine(cfg.Analysis.Thresholds)
			rows, err := slicer.DrillDown(ds, metric, fixedDims, drillDim)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(rows)
			}
			if len(rows) == 0 {
				fmt.Println("No groups meet the minimum sample size.")
				return nil
			}

			fmt.Printf("%-24s %14s %8s %8s %10s\n", strings.ToUpper(drillDim), "MEAN", "N", "Z", "DEV%")
			for _, row := range rows {
				fmt.Printf("%-24s %14.2f %8d %8.2f %9.1f%%\n",
					row.Value, row.MetricValue, row.SampleSize, row.ZScore, row.DeviationPct)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&metric, "metric", "m", "", "metric column to aggregate")
	cmd.Flags().StringSliceVar(&fixed, "fix", nil, "fixed dimension assignment, column=value (repeatable)")
	cmd.Flags().StringVar(&drillDim, "dim", "", "free dimension to drill along")
	_ = cmd.MarkFlagRequired("metric")
	_ = cmd.MarkFlagRequired("dim")

	return cmd
}
