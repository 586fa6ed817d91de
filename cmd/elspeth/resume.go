package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/config"
)

func newResumeCmd() *cobra.Command {
	var settingsPath string
	var runID string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a previously failed or interrupted run from its last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("elspeth: --run is required")
			}

			ctx := cmd.Context()
			logger := newLogger(verbose)

			p, err := buildPipeline(ctx, settingsPath, logger)
			if err != nil {
				return err
			}
			defer p.close()

			if err := p.orch.Resume(ctx, runID); err != nil {
				return fmt.Errorf("resume failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "run resumed and completed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&settingsPath, "settings", "s", config.DefaultConfigPath, "path to elspeth.yaml")
	cmd.Flags().StringVar(&runID, "run", "", "run_id to resume")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}
