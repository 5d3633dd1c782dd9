package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenda-podcast/fd2/pkg/metrics"
)

func (a *app) statsCommand() *cobra.Command {
	var (
		prometheusURL string
		window        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize tune metrics scraped by Prometheus",
		Long: `stats queries a Prometheus server that scrapes the metrics textfile written by
tune runs and prints verdict, outcome and generation request totals.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := metrics.NewQueryService(prometheusURL)
			if err != nil {
				return failWith(exitUsage, err)
			}
			summary, err := q.TuneSummary(cmd.Context(), window)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "%s over %s\n", styles.Title.Render("tune metrics"), summary.Window)
			for _, section := range []struct {
				title  string
				counts []metrics.Count
			}{
				{"attempt verdicts", summary.Verdicts},
				{"run outcomes", summary.Outcomes},
				{"generation requests", summary.LLMRequests},
			} {
				fmt.Fprintln(a.stdout)
				if len(section.counts) == 0 {
					fmt.Fprintf(a.stdout, "%s: %s\n", section.title, styles.Muted.Render("none"))
					continue
				}
				t := newTable(section.title, "COUNT")
				for _, c := range section.counts {
					t.add(c.Label, strconv.FormatFloat(c.Value, 'f', 0, 64))
				}
				t.render(a.stdout)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prometheusURL, "prometheus", "http://localhost:9090", "Prometheus server URL")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "aggregation window")
	return cmd
}
