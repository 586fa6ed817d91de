package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/config"
)

func newValidateCmd() *cobra.Command {
	var settingsPath string
	var showDOT bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load settings, build the pipeline graph, and check it for structural defects",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(settingsPath)
			if err != nil {
				return err
			}

			graph, err := settings.BuildGraph()
			if err != nil {
				return err
			}
			if err := graph.Validate(); err != nil {
				return fmt.Errorf("invalid pipeline: %w", err)
			}

			if showDOT {
				fmt.Fprintln(cmd.OutOrStdout(), graph.DOT())
				return nil
			}

			order, err := graph.TopologicalOrder()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid pipeline, %d nodes:\n", len(order))
			for _, nodeID := range order {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", nodeID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&settingsPath, "settings", "s", config.DefaultConfigPath, "path to elspeth.yaml")
	cmd.Flags().BoolVar(&showDOT, "dot", false, "print the pipeline graph as Graphviz DOT instead")
	return cmd
}
