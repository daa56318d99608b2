package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flags struct {
	config   string
	csvPath  string
	trace    string
	scenario string
	tasks    int
	messages int
}

func main() {
	root := &cobra.Command{
		Use:   "spillsim",
		Short: "Run state-ownership kernel scenarios against a live instance",
		Long: `spillsim boots the task & state-ownership kernel with simulated
collaborators (memory manager, lock subsystem, hardware registry) and runs a
scenario against it: fair-share scheduling, channel pipelines, fault storms,
or lock contention. Afterwards it audits the ownership bookkeeping and
reports anything a terminated task left behind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario()
		},
	}
	root.Flags().StringVarP(&flags.config, "config", "c", "config.yml", "kernel config YAML")
	root.Flags().StringVar(&flags.csvPath, "csv", "", "write scheduler events to this CSV file")
	root.Flags().StringVar(&flags.trace, "trace", "", "write JSON drain reports to this file")
	root.Flags().StringVarP(&flags.scenario, "scenario", "s", "fair", "scenario: fair | pipeline | faultstorm | locks")
	root.Flags().IntVar(&flags.tasks, "tasks", 4, "number of worker tasks")
	root.Flags().IntVar(&flags.messages, "messages", 32, "messages pushed through the pipeline scenario")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
