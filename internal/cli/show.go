package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/persistence"
)

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show task details and transition history",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := persistence.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := store.GetTask(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task %s\n", task.ID)
	fmt.Printf("  Title:     %s\n", task.Title)
	if task.Description != "" {
		fmt.Printf("  Desc:      %s\n", task.Description)
	}
	fmt.Printf("  Status:    %s\n", task.Status)
	fmt.Printf("  Priority:  %s\n", task.Priority)
	fmt.Printf("  Category:  %s\n", task.Category)
	if task.Assignee != "" {
		fmt.Printf("  Assignee:  %s\n", task.Assignee)
	}
	if task.Reason != "" {
		fmt.Printf("  Reason:    %s\n", task.Reason)
	}
	if len(task.DependsOn) > 0 {
		fmt.Printf("  DependsOn: %s\n", strings.Join(task.DependsOn, ", "))
	}
	if task.EstimatedEffort > 0 {
		fmt.Printf("  Estimated: %.1f\n", task.EstimatedEffort)
	}
	if task.ActualEffort > 0 {
		fmt.Printf("  Actual:    %.1f\n", task.ActualEffort)
	}
	fmt.Printf("  Created:   %s (%s)\n",
		task.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(task.CreatedAt))
	if task.AssignedAt != nil {
		fmt.Printf("  Assigned:  %s\n", task.AssignedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if task.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", task.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if len(task.Metadata) > 0 {
		keys := make([]string, 0, len(task.Metadata))
		for k := range task.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("  Metadata:")
		for _, k := range keys {
			fmt.Printf("    %s: %s\n", k, task.Metadata[k])
		}
	}

	history, err := store.GetHistory(ctx, task.ID)
	if err != nil {
		return err
	}
	if len(history) > 0 {
		fmt.Println("\n  Transitions:")
		for _, rec := range history {
			note := ""
			if rec.Reason != "" {
				note = fmt.Sprintf(" (%s)", rec.Reason)
			}
			fmt.Printf("    %s  %s -> %s%s\n",
				rec.At.Local().Format("2006-01-02 15:04:05"), rec.From, rec.To, note)
		}
	}
	return nil
}
