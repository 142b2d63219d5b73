package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pulse/pkg/metrics"
)

func newMetricsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Query aggregated metrics from Prometheus",
	}

	var url string
	query := &cobra.Command{
		Use:   "query",
		Short: "Summarize run outcomes and model usage scraped by Prometheus",
		Long: `query reads pulse metrics back from a Prometheus server that scrapes
"pulse run --metrics-addr". The server defaults to metrics.prometheus_url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				_, cfg, err := a.load()
				if err != nil {
					return err
				}
				url = cfg.Metrics.PrometheusURL
			}
			if url == "" {
				return fmt.Errorf("no Prometheus server: pass --prometheus or set metrics.prometheus_url")
			}

			qs, err := metrics.NewQueryService(url)
			if err != nil {
				return err
			}
			outcomes, err := qs.GetRunOutcomes(cmd.Context())
			if err != nil {
				return err
			}
			usage, err := qs.GetModelUsage(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"runs": outcomes, "models": usage})
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "MODE\tOUTCOME\tRUNS")
			for _, mode := range sortedKeys(outcomes) {
				for _, outcome := range sortedKeys(outcomes[mode]) {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", mode, outcome, outcomes[mode][outcome])
				}
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "MODEL\tREQUESTS\tERRORS\tPROMPT\tCOMPLETION\tTOTAL")
			for _, name := range sortedKeys(usage) {
				u := usage[name]
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", u.Model, u.Requests, u.Errors, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
			}
			return tw.Flush()
		},
	}
	query.Flags().StringVar(&url, "prometheus", "", "Prometheus server URL")

	cmd.AddCommand(query)
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
