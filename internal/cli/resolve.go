package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/orchestrator"
)

var (
	resolveReject bool
	resolveNote   string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [id]",
	Short: "Approve or reject a task waiting in review",
	Long: `Applies a verdict to a REVIEW task: approval completes it and chains any
configured pipeline follow-up, rejection fails it. Without an id, lists
the tasks waiting for a verdict.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveReject, "reject", false, "Reject instead of approve")
	resolveCmd.Flags().StringVarP(&resolveNote, "note", "n", "", "Reviewer note, recorded as the transition reason")
}

func runResolve(cmd *cobra.Command, args []string) error {
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

	log := cliLogger()
	pipelines := orchestrator.NewPipelineManager(cfg.Pipelines, queue, nil, log)
	reviews := orchestrator.NewReviewChannel(queue, nil, pipelines, log, 1)

	if len(args) == 0 {
		waiting := reviews.Pending()
		if len(waiting) == 0 {
			fmt.Println("Nothing waiting for review.")
			return nil
		}
		for _, t := range waiting {
			fmt.Printf("%s  %-12s %s  %s\n", t.ID, t.Category, t.Title, humanize.Time(t.CreatedAt))
		}
		return nil
	}

	task, err := reviews.Resolve(ctx, args[0], !resolveReject, resolveNote)
	if err != nil {
		return err
	}

	verdict := "approved"
	if resolveReject {
		verdict = "rejected"
	}
	fmt.Printf("Task %s %s, now %s\n", task.ID, verdict, task.Status)
	return nil
}
