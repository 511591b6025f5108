package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [id] [reason...]",
	Short: "Withdraw a task that has not started executing",
	Long: `Cancels a PENDING or ASSIGNED task. Tasks already executing, in review
or finished are refused; cancellation is a withdrawal, not an abort.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	queue, store, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reason := strings.Join(args[1:], " ")
	task, err := queue.Cancel(ctx, args[0], reason)
	if err != nil {
		return err
	}

	fmt.Printf("Cancelled %s: %s\n", task.ID, task.Title)
	return nil
}
