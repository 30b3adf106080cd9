package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datapulse/datapulse/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "DataPulse - Statistical Analytics Core",
		Long: `DataPulse detects statistical patterns in regionally aggregated tabular
data and turns them into decision-ready reports.

A run resolves column roles, executes four engines in parallel
(correlation, volatility, dimensional slicing, anomaly detection),
applies disclosure policies to the merged abstract, and optionally hands
it to a narrator for an executive report.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newAnalyzeCommand())
	rootCmd.AddCommand(newDrillCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// loadConfig reads the config file named by --config, or the defaults.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}
