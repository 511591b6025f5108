package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/scheduler"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, highest priority first",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Filter by status (PENDING, ASSIGNED, IN_PROGRESS, REVIEW, COMPLETED, FAILED, CANCELLED)")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	queue, store, err := openQueue(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var tasks []*scheduler.Task
	if listStatus != "" {
		status, err := scheduler.ParseStatus(strings.ToUpper(listStatus))
		if err != nil {
			return err
		}
		tasks = queue.ListByStatus(status)
	} else {
		tasks = queue.List()
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	for _, t := range tasks {
		role := ""
		if t.Assignee != "" {
			role = fmt.Sprintf(" [%s]", t.Assignee)
		}
		fmt.Printf("%s  %-11s %-8s %-12s %s%s  %s\n",
			t.ID, t.Status, t.Priority, t.Category, t.Title, role, humanize.Time(t.CreatedAt))
	}
	return nil
}
