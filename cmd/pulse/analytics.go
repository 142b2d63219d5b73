package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pulse/pkg/persistence"
)

func newAnalyticsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Show node and tool usage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(func(db *persistence.DB) error {
				summary, err := db.Analytics().Summary(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return printJSON(cmd.OutOrStdout(), summary)
				}
				return printSummary(cmd, summary)
			})
		},
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(func(db *persistence.DB) error {
				calls, err := db.Analytics().RecentCalls(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if calls == nil {
						calls = []persistence.ToolCall{}
					}
					return printJSON(cmd.OutOrStdout(), calls)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tTOOL\tOK\tDURATION\tERROR")
				for _, c := range calls {
					fmt.Fprintf(tw, "%s\t%s\t%v\t%dms\t%s\n",
						c.CreatedAt.Local().Format("2006-01-02 15:04:05"), c.Tool, c.Success, c.DurationMS, c.Error)
				}
				return tw.Flush()
			})
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", 20, "Number of calls to show")

	var threshold time.Duration
	slow := &cobra.Command{
		Use:   "slow",
		Short: "List tools slower than a threshold on average",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(func(db *persistence.DB) error {
				tools, err := db.Analytics().SlowTools(cmd.Context(), threshold)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if tools == nil {
						tools = []persistence.SlowTool{}
					}
					return printJSON(cmd.OutOrStdout(), tools)
				}
				if len(tools) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No tool averages more than %s.\n", threshold)
					return nil
				}
				for _, t := range tools {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %6dms avg over %d calls\n", t.Tool, t.AvgDurationMS, t.Calls)
				}
				return nil
			})
		},
	}
	slow.Flags().DurationVar(&threshold, "threshold", persistence.DefaultSlowThreshold, "Average duration threshold")

	var minRate float64
	failing := &cobra.Command{
		Use:   "failing",
		Short: "List tools whose failure rate reaches a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(func(db *persistence.DB) error {
				tools, err := db.Analytics().FailingTools(cmd.Context(), minRate)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if tools == nil {
						tools = []persistence.FailingTool{}
					}
					return printJSON(cmd.OutOrStdout(), tools)
				}
				if len(tools) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failing tools.")
					return nil
				}
				for _, t := range tools {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %5.1f%% (%d of %d calls)\n", t.Tool, t.FailureRate, t.Failures, t.Calls)
				}
				return nil
			})
		},
	}
	failing.Flags().Float64Var(&minRate, "min-rate", persistence.DefaultFailureRate, "Minimum failure fraction (0-1)")

	var session string
	var runLimit int
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List recorded workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(func(db *persistence.DB) error {
				list, err := db.ListRuns(cmd.Context(), session, runLimit)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if list == nil {
						list = []persistence.Run{}
					}
					return printJSON(cmd.OutOrStdout(), list)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tRUN\tMODE\tOUTCOME\tFILES\tDURATION\tPATH")
				for _, r := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						r.StartedAt.Local().Format("2006-01-02 15:04:05"), shortID(r.RunID), r.Mode, r.Outcome,
						r.FilesModified, r.Duration.Round(time.Millisecond), strings.Join(r.Visited, " > "))
				}
				return tw.Flush()
			})
		},
	}
	runs.Flags().StringVar(&session, "session", "", "Only runs of this session")
	runs.Flags().IntVarP(&runLimit, "limit", "n", 20, "Number of runs to show")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete all analytics data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(func(db *persistence.DB) error {
				if err := db.Analytics().Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Analytics reset.")
				return nil
			})
		},
	}

	cmd.AddCommand(recent, slow, failing, runs, reset)
	return cmd
}

func printSummary(cmd *cobra.Command, s persistence.Summary) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %d calls, %d failed, %.1f%% success\n\n",
		color.New(color.Bold).Sprint("Total:"), s.TotalCalls, s.TotalFailures, s.SuccessRate)
	if len(s.ByTool) == 0 {
		return nil
	}

	tools := make([]string, 0, len(s.ByTool))
	for tool := range s.ByTool {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tCALLS\tOK\tFAILED\tAVG")
	for _, tool := range tools {
		ts := s.ByTool[tool]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%dms\n", tool, ts.Calls, ts.Success, ts.Failures, ts.AvgDurationMS)
	}
	return tw.Flush()
}
