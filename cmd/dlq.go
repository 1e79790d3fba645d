package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead-letter queue",
	Long:  "Entities that exhausted their retries during ingestion wait here. Replaying drives them back through the idempotent merge.",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		class, _ := cmd.Flags().GetString("class")
		dueOnly, _ := cmd.Flags().GetBool("due")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{
			ErrorClass: model.ErrorClass(class),
			DueOnly:    dueOnly,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead-letter queue is empty.")
			return nil
		}

		formatDLQList(os.Stdout, entries)
		return nil
	},
}

// -- dlq retry --

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Replay due dead-letter entries through the graph merge",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		result, err := env.Pipeline.ReplayDLQ(ctx, resilience.DLQFilter{
			DueOnly: !all,
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)

		if result.Failed > 0 {
			zap.L().Warn("some dead letters failed again and were rescheduled",
				zap.Int("failed", result.Failed),
			)
		}
		return nil
	},
}

// -- dlq remove --

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove <entry-id>",
	Short: "Remove a dead-letter entry without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.RemoveDLQ(ctx, args[0]); err != nil {
			return eris.Wrap(err, "dlq remove")
		}

		zap.L().Info("dead letter removed", zap.String("id", args[0]))
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("class", "", "filter by error class (transient, permanent)")
	dlqListCmd.Flags().Bool("due", false, "only entries whose next retry is due")
	dlqListCmd.Flags().Int("limit", 50, "max number of entries to display")

	dlqRetryCmd.Flags().Int("limit", 100, "max number of entries to replay")
	dlqRetryCmd.Flags().Bool("all", false, "replay every entry, not just those due")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqRemoveCmd)
	rootCmd.AddCommand(dlqCmd)
}

// formatDLQList writes a tabular dead-letter listing to out.
func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPERMID\tNAME\tCLASS\tRETRIES\tNEXT_RETRY\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t-----\t-------\t----------\t-----")

	for _, e := range entries {
		errText := e.Error
		if len(errText) > 40 {
			errText = errText[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(e.ID),
			e.Entity.PermID,
			e.Entity.Name,
			e.ErrorClass,
			e.RetryCount,
			e.MaxRetries,
			e.NextRetryAt.Format(time.RFC3339),
			errText,
		)
	}
	_ = w.Flush()
}
