package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplychain-graph/internal/monitoring"
)

var statsLookbackHours int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph and ledger statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gc, err := initGraph(ctx)
		if err != nil {
			return err
		}
		defer gc.Close(ctx) //nolint:errcheck

		collector := monitoring.NewCollector(st, gc)
		snap, err := collector.Collect(ctx, statsLookbackHours)
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		formatSnapshot(os.Stdout, snap)
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsLookbackHours, "lookback", 24, "run-history window in hours")
	rootCmd.AddCommand(statsCmd)
}

// formatSnapshot writes the monitoring snapshot to out.
func formatSnapshot(out io.Writer, snap *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "GRAPH")
	if snap.Graph != nil {
		_, _ = fmt.Fprintf(w, "  Companies:\t%d\n", snap.Graph.CompanyCount)
		_, _ = fmt.Fprintf(w, "  Relationships:\t%d\n", snap.Graph.RelationshipCount)
		_, _ = fmt.Fprintf(w, "  Match score avg/min/max:\t%.2f / %.2f / %.2f\n",
			snap.Graph.AvgMatchScore, snap.Graph.MinMatchScore, snap.Graph.MaxMatchScore)
		_, _ = fmt.Fprintf(w, "  Avg relationships per company:\t%.2f\n", snap.Graph.AvgRelationships)
	} else {
		_, _ = fmt.Fprintln(w, "  (unavailable)")
	}

	_, _ = fmt.Fprintf(w, "RUNS (last %dh)\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "  Total:\t%d\n", snap.RunsTotal)
	_, _ = fmt.Fprintf(w, "  Complete:\t%d\n", snap.RunsComplete)
	_, _ = fmt.Fprintf(w, "  Partial:\t%d\n", snap.RunsPartial)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", snap.RunsFailed)
	_, _ = fmt.Fprintf(w, "  Running:\t%d\n", snap.RunsRunning)
	_, _ = fmt.Fprintf(w, "  Failure rate:\t%.0f%%\n", snap.FailRate*100)
	_, _ = fmt.Fprintf(w, "  Companies ingested:\t%d\n", snap.CompaniesIngested)
	_, _ = fmt.Fprintf(w, "  Relationships merged:\t%d\n", snap.RelationshipsMerged)

	_, _ = fmt.Fprintln(w, "DEAD LETTERS")
	_, _ = fmt.Fprintf(w, "  Depth:\t%d\n", snap.DLQDepth)

	_ = w.Flush()
}
