package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Autonomous task orchestration",
	Long: `conductor runs a priority task queue: tasks are dispatched to role-matched
executors, successful work waits in review, and a monitor watches queue
health. "serve" runs the service; the other commands talk to the same
database from the command line.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(configCmd)
}
