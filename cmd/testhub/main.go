package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "testhub",
		Short: "Scheduled API and UI test runner",
		Long: `testhub stores scheduled test tasks, polls for the ones that are due,
runs them on a bounded worker pool and notifies the configured channels
about the outcome.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "testhub.toml", "config file path (.toml or .yaml)")
	root.AddCommand(newRunCmd(), newServeCmd(), newCheckNotificationsCmd(), newSeedCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
