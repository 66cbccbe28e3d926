package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/researchd/internal/events"
	researchhttp "github.com/fyrsmithlabs/researchd/internal/http"
)

// newStartCmd starts a research task
func newStartCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start [domain]",
		Short: "Start a research task",
		Long: `Start a research task for a domain. Without a domain the server picks
a trending one.

Examples:
  # Research a given domain
  researchctl start "Quantum Computing"

  # Let the server choose and follow progress
  researchctl start --watch

  # Include source documents
  researchctl start "CRISPR" --source https://example.org/paper`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := researchhttp.StartRequest{Sources: opts.sources}
			if len(args) == 1 {
				req.Domain = args[0]
			}

			client := newClient(opts.serverURL)
			resp, err := client.Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return writeJSON(out, resp)
			}
			fmt.Fprintln(out, renderStarted(resp))

			if !opts.watch {
				return nil
			}
			return client.Watch(cmd.Context(), resp.TaskID, func(ev events.Event) {
				fmt.Fprintln(out, renderEvent(ev))
			})
		},
	}
}

// newStatusCmd shows task status
func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the status of a research task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(opts.serverURL).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(resp))
			return nil
		},
	}
}

// newReportCmd prints the final report
func newReportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "report <task-id>",
		Short: "Print the Markdown report of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := newClient(opts.serverURL).Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.reportOutput != "" {
				if err := os.WriteFile(opts.reportOutput, []byte(report), 0o644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", opts.reportOutput)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

// newListCmd lists tasks
func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List research tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newClient(opts.serverURL).List(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderList(resp, time.Now()))
			return nil
		},
	}
}

// newWatchCmd follows task progress
func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow the progress of a research task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return newClient(opts.serverURL).Watch(cmd.Context(), args[0], func(ev events.Event) {
				if opts.json {
					_ = writeJSON(out, ev)
					return
				}
				fmt.Fprintln(out, renderEvent(ev))
			})
		},
	}
}

// newHealthCmd checks server health
func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check researchd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newClient(opts.serverURL).Health(cmd.Context())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: Failed to connect to %s: %v\n", opts.serverURL, err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", opts.serverURL)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
