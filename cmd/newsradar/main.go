package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "newsradar",
		Short:         "Capture, score and enrich financial news from Telegram channels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(initCmd())
	root.AddCommand(listenCmd())
	root.AddCommand(stageCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(newsCmd())

	return root
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the listener, every pipeline stage, retention and the status server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "status server port (default: from config)")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create every store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Capture channel posts and feed entries into the listing store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen()
		},
	}
}

func stageCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:       "stage <extractor|dedup|scorer|enrichment>",
		Short:     "Run a single pipeline stage",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stageNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(args[0], once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	return cmd
}

func sweepCmd() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete rows older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(hours)
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 0, "retention window in hours (default: from config)")
	return cmd
}

func statsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show row counts per pipeline stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func newsCmd() *cobra.Command {
	var (
		jsonOutput bool
		ticker     string
		since      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "news",
		Short: "List enriched news items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNews(ticker, since, limit, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&ticker, "ticker", "", "only items for this ticker")
	cmd.Flags().StringVar(&since, "since", "", "only items created after this duration ago (e.g. 24h) or RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 20, "max items to show")
	return cmd
}
