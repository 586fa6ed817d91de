package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/canonical"
	"github.com/tachyon-beep/elspeth/internal/config"
)

func newRunCmd() *cobra.Command {
	var settingsPath string
	var verbose bool
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline described by settings, start to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger(verbose)

			p, err := buildPipeline(ctx, settingsPath, logger)
			if err != nil {
				return err
			}
			defer p.close()

			if dryRun {
				order, err := p.graph.TopologicalOrder()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dry run: pipeline valid, %d nodes, no run recorded\n", len(order))
				return nil
			}

			runConfig, err := settingsAsMap(settingsPath)
			if err != nil {
				return err
			}

			if err := p.orch.Run(ctx, runConfig, canonical.Version); err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "run completed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&settingsPath, "settings", "s", config.DefaultConfigPath, "path to elspeth.yaml")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and wire the pipeline without recording a run")
	return cmd
}
