package main

import (
	"time"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string
	logLevel    string
	logDir      string
	archivePath string
	metricsAddr string
	workers     int
	seed        uint64
	engineDelay time.Duration
	noDisplay   bool

	historyRun   string
	historyModel string

	rootCmd = &cobra.Command{
		Use:   "msearch",
		Short: "Search a space of candidate models with champion trees",
		Long: `msearch grows one search tree per configured strategy. Each tree places
generations of candidate models on branches, compares them pairwise and keeps
the branch champion, first spawning new generations and then pruning the
champions found. The champions nominated by every tree meet in a final
global championship.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a campaign to completion and report the global champion",
		Args:  cobra.NoArgs,
		RunE:  runCampaign, // Defined in run.go
	}

	stepCmd = &cobra.Command{
		Use:   "step",
		Short: "Step a campaign interactively, one branch per tree at a time",
		Args:  cobra.NoArgs,
		RunE:  runStepper, // Defined in step.go
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List archived runs, one run's branch champions, or one model's wins",
		Args:  cobra.NoArgs,
		RunE:  runHistory, // Defined in history.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Directory for msearch.log, audit and search JSONL logs (overrides config)")
	rootCmd.PersistentFlags().StringVar(&archivePath, "archive", "", "LevelDB archive directory (overrides config)")

	for _, c := range []*cobra.Command{runCmd, stepCmd} {
		c.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent learning and comparison jobs per tree (overrides config)")
		c.Flags().Uint64Var(&seed, "seed", 0, "Random seed (overrides config)")
		c.Flags().DurationVar(&engineDelay, "engine-delay", 0, "Simulated cost of each learn and compare call")
		c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	}
	runCmd.Flags().BoolVar(&noDisplay, "quiet", false, "Do not draw the live flow display")

	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show the branch champions of one run")
	historyCmd.Flags().StringVar(&historyModel, "model", "", "Show every branch a model was champion of")

	rootCmd.AddCommand(runCmd, stepCmd, historyCmd)
}
