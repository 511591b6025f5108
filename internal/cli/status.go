package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/monitor"
	"github.com/aristath/conductor/internal/scheduler"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Queue counts, metric values and active alerts",
	Long: `Prints task counts per status, samples the configured metrics once
against the current queue, and lists any thresholds currently crossed.`,
	RunE: runStatus,
}

var statusOrder = []scheduler.Status{
	scheduler.StatusPending,
	scheduler.StatusAssigned,
	scheduler.StatusInProgress,
	scheduler.StatusReview,
	scheduler.StatusCompleted,
	scheduler.StatusFailed,
	scheduler.StatusCancelled,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	counts := queue.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Tasks: %d total\n", total)
	for _, status := range statusOrder {
		fmt.Printf("  %-13s %d\n", strings.ToLower(string(status))+":", counts[status])
	}

	source := monitor.NewQueueSource(queue, cfg.Monitor.FailureRateWindow())
	defs, err := monitor.DefsFromConfig(cfg.Metrics, source)
	if err != nil {
		return err
	}
	mon := monitor.New(defs, nil, cliLogger())
	mon.Sample(ctx)
	snap := mon.Snapshot()

	if len(snap.Values) > 0 {
		fmt.Println("\nMetrics:")
		for _, v := range snap.Values {
			unit := ""
			if v.Unit != "" {
				unit = " " + v.Unit
			}
			mark := ""
			if v.Severity != monitor.SeverityInfo {
				mark = "  <- " + string(v.Severity)
			}
			fmt.Printf("  %-20s %8.2f%s (warn %g, crit %g)%s\n",
				v.Name, v.Value, unit, v.WarnAt, v.CritAt, mark)
		}
	}

	if len(snap.Alerts) > 0 {
		fmt.Println("\nAlerts:")
		for _, a := range snap.Alerts {
			fmt.Printf("  [%s] %s at %.2f, threshold %g\n", a.Severity, a.Metric, a.Value, a.Threshold)
			for _, action := range a.SuggestedActions {
				fmt.Printf("      * %s\n", action)
			}
		}
	}

	waiting := queue.ListByStatus(scheduler.StatusReview)
	if len(waiting) > 0 {
		fmt.Println("\nAwaiting review (conductor resolve <id>):")
		for _, t := range waiting {
			fmt.Printf("  %s  %-12s %s  %s\n", t.ID, t.Category, t.Title, humanize.Time(t.CreatedAt))
		}
	}
	return nil
}
