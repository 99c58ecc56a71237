package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lmm-analyzer/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect batches that failed analysis",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		total, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq")
		}
		entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: errType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq")
		}

		fmt.Fprintf(os.Stderr, "%d failed batches queued, %d retryable shown.\n", total, len(entries))
		if len(entries) == 0 {
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.ID,
				strconv.Itoa(len(e.PostIDs)),
				e.ErrorType,
				fmt.Sprintf("%d/%d", e.RetryCount, e.MaxRetries),
				e.LastFailedAt.Format("2006-01-02 15:04"),
				e.Error,
			})
		}
		fmt.Println(renderTable(
			[]string{"ID", "Posts", "Type", "Retries", "Last failure", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignRight},
			60,
		))
		fmt.Fprintf(os.Stderr, "Re-run with: analyze --retry-failed\n")
		return nil
	},
}

func init() {
	dlqCmd.Flags().String("error-type", "", "transient or permanent (default all)")
	dlqCmd.Flags().Int("limit", 50, "max entries to show")
	rootCmd.AddCommand(dlqCmd)
}
