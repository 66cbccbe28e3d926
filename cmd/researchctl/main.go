// Package main implements researchctl, a CLI for the researchd HTTP API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

// options holds flag values shared by the commands.
type options struct {
	// serverURL is the base URL for the researchd HTTP server
	serverURL string
	// json prints raw API responses instead of formatted output
	json bool

	sources      []string
	watch        bool
	reportOutput string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "researchctl",
		Short: "CLI for researchd",
		Long: `researchctl starts research tasks on a researchd server and shows
their progress and reports.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:8000", "researchd server URL")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	startCmd := newStartCmd(opts)
	startCmd.Flags().StringSliceVar(&opts.sources, "source", nil, "source URL to include (repeatable)")
	startCmd.Flags().BoolVar(&opts.watch, "watch", false, "follow progress until the task finishes")

	reportCmd := newReportCmd(opts)
	reportCmd.Flags().StringVarP(&opts.reportOutput, "output", "o", "", "write the report to a file instead of stdout")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newHealthCmd(opts))
	return rootCmd
}
