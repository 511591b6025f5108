package main

import (
	"os"

	"github.com/aristath/conductor/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
