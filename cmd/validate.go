package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplychain-graph/internal/graph"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run structural consistency checks over the graph",
	Long:  "Checks for companies without permids or names, duplicate permids, orphaned companies, and relationships missing their creation dates. Exits non-zero when any check finds offenders.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		gc, err := initGraph(ctx)
		if err != nil {
			return err
		}
		defer gc.Close(ctx) //nolint:errcheck

		report, err := gc.ValidateConsistency(ctx)
		if err != nil {
			return eris.Wrap(err, "validate")
		}

		formatConsistency(os.Stdout, report)

		if !report.Healthy() {
			return eris.New("consistency checks found offenders")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// formatConsistency writes the consistency report to out.
func formatConsistency(out io.Writer, report *graph.ConsistencyReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHECK\tOFFENDERS")
	_, _ = fmt.Fprintln(w, "-----\t---------")
	for _, check := range report.Checks() {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", check.Name, check.Count)
	}
	_ = w.Flush()

	if report.Healthy() {
		fmt.Fprintln(out, "Graph is consistent.")
	}
}
