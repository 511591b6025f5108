package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/scheduler"
)

var (
	addID        string
	addCategory  string
	addPriority  string
	addDesc      string
	addDependsOn []string
	addEffort    float64
	addMeta      []string
	addFile      string
)

var addCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Enqueue a task",
	Long: `Enqueues a new task described by flags, or a batch from a JSON file
(an array of task objects, or a single object). A batch is validated and
inserted atomically; its members may depend on each other by explicit id.`,
	RunE: runAdd,
}

func init() {
	addCmd.Flags().StringVarP(&addCategory, "category", "c", "", "Task category, matched against role capabilities")
	addCmd.Flags().StringVarP(&addPriority, "priority", "p", "MEDIUM", "Priority: CRITICAL, HIGH, MEDIUM, LOW")
	addCmd.Flags().StringVarP(&addDesc, "desc", "d", "", "Task description")
	addCmd.Flags().StringSliceVar(&addDependsOn, "depends-on", nil, "Ids of tasks that must complete first")
	addCmd.Flags().Float64Var(&addEffort, "effort", 0, "Estimated effort")
	addCmd.Flags().StringSliceVar(&addMeta, "meta", nil, "Metadata as key=value, repeatable")
	addCmd.Flags().StringVar(&addID, "id", "", "Explicit task id (default: generated)")
	addCmd.Flags().StringVarP(&addFile, "file", "f", "", "Read task(s) from a JSON file instead of flags")
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	var batch []*scheduler.Task
	if addFile != "" {
		batch, err = readTaskFile(addFile)
	} else {
		batch, err = taskFromFlags(args)
	}
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	queue, store, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := queue.EnqueueAll(ctx, batch)
	if err != nil {
		return err
	}

	for i, id := range ids {
		fmt.Printf("%s  %-12s %-8s %s\n", id, batch[i].Category, batch[i].Priority, batch[i].Title)
	}
	return nil
}

func taskFromFlags(args []string) ([]*scheduler.Task, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("a task title is required (or use --file)")
	}

	priority, err := scheduler.ParsePriority(strings.ToUpper(addPriority))
	if err != nil {
		return nil, err
	}
	metadata, err := parseMeta(addMeta)
	if err != nil {
		return nil, err
	}

	return []*scheduler.Task{{
		ID:              addID,
		Title:           strings.Join(args, " "),
		Description:     addDesc,
		Priority:        priority,
		Category:        addCategory,
		DependsOn:       addDependsOn,
		EstimatedEffort: addEffort,
		Metadata:        metadata,
	}}, nil
}

// parseMeta turns repeated key=value flags into a metadata map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata must be key=value, got %q", pair)
		}
		meta[key] = value
	}
	return meta, nil
}

// readTaskFile decodes a JSON array of tasks, falling back to a single
// object.
func readTaskFile(path string) ([]*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var batch []*scheduler.Task
	if err := json.Unmarshal(data, &batch); err == nil {
		return batch, nil
	}

	var single scheduler.Task
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return []*scheduler.Task{&single}, nil
}
