package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
}

var configInitGlobal bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Long: `Writes the built-in default configuration to .conductor/config.yaml in
the current directory, or to ~/.conductor/config.yaml with --global.
Existing files are left alone.`,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitGlobal, "global", false, "Write the user-level config instead of the project one")
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(".conductor", "config.yaml")
	if configInitGlobal {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".conductor", "config.yaml")
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit roles and executor.command, then run: conductor serve")
	return nil
}
