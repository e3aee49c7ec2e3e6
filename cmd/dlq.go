package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/resilience"
)

var (
	dlqTaskType  string
	dlqErrorType string
	dlqLimit     int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered tasks",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListDeadTasks(cmd.Context(), resilience.DLQFilter{
			TaskType:  dlqTaskType,
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tTYPE\tSUBJECT\tATTEMPTS\tKIND\tFAILED\tERROR")
		for _, e := range entries {
			subject := e.RecordID
			if subject == "" {
				subject = e.WebhookID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				e.TaskID, e.TaskType, subject, e.Attempts, e.MaxRetries, e.ErrorType,
				e.LastFailedAt.Format(time.RFC3339), e.Error)
		}
		return tw.Flush()
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <task-id>...",
	Short: "Move dead-lettered tasks back onto the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range args {
			if err := env.Store.RequeueDeadTask(cmd.Context(), id); err != nil {
				return err
			}
			zap.L().Info("task requeued", zap.String("task_id", id))
		}
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqTaskType, "type", "", "filter by task type (e.g. lookup, enrich:business)")
	dlqListCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "filter by error type (transient or permanent)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum entries to show")
	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}
