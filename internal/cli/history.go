package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/nadmax/auditq/internal/repository/models"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit    int
		taskType string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently finished and running tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := a.client.RecentTasks(cmd.Context(), taskType, limit)
			if err != nil {
				return fmt.Errorf("error listing task history: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				_, err := fmt.Fprintln(out, "No tasks found.")
				return err
			}
			renderHistory(out, tasks)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of tasks to show")
	cmd.Flags().StringVar(&taskType, "type", "", "only show tasks of this type")
	return cmd
}

func renderHistory(w io.Writer, tasks []models.RecentTask) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Task ID", "Type", "Status", "Created", "Duration", "Retries"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, t := range tasks {
		duration := "-"
		if t.DurationMs != nil {
			duration = fmt.Sprintf("%dms", *t.DurationMs)
		}
		table.Append([]string{
			t.TaskID,
			t.Type,
			colorStatus(t.Status),
			t.CreatedAt.Format("2006-01-02 15:04:05"),
			duration,
			strconv.Itoa(t.RetryCount),
		})
	}
	table.Render()
}

func colorStatus(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "cancelled":
		return color.YellowString(status)
	default:
		return status
	}
}
