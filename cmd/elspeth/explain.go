package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/lineage"
)

func newExplainCmd() *cobra.Command {
	var settingsPath string
	var runID string
	var tokenID string
	var rowID string
	var sink string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Reconstruct a token's or row's full audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokenID == "" && rowID == "" {
				return fmt.Errorf("elspeth: --token or --row is required")
			}

			ctx := cmd.Context()
			settings, err := config.Load(settingsPath)
			if err != nil {
				return err
			}

			backend := landscape.Backend(settings.Landscape.Backend)
			if backend == "" {
				backend = landscape.BackendSQLite
			}
			conn, err := landscape.NewConnection(ctx, backend, settings.Landscape.URL)
			if err != nil {
				return fmt.Errorf("elspeth: open landscape: %w", err)
			}
			defer conn.Close()

			recorder := landscape.NewRecorder(conn, newLogger(false))

			resolvedRun := runID
			if resolvedRun == "" || resolvedRun == "latest" {
				runs, err := recorder.ListRuns(ctx)
				if err != nil {
					return fmt.Errorf("elspeth: list runs: %w", err)
				}
				if len(runs) == 0 {
					return fmt.Errorf("elspeth: no runs recorded")
				}
				resolvedRun = runs[0].RunID
			}

			result, err := lineage.Explain(ctx, recorder, resolvedRun, tokenID, rowID, sink)
			if err != nil {
				return fmt.Errorf("explain failed: %w", err)
			}
			if result == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no token found for that row")
				return nil
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			printLineageText(cmd, result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&settingsPath, "settings", "s", config.DefaultConfigPath, "path to elspeth.yaml")
	cmd.Flags().StringVar(&runID, "run", "latest", "run_id to query, or \"latest\"")
	cmd.Flags().StringVar(&tokenID, "token", "", "token_id to explain")
	cmd.Flags().StringVar(&rowID, "row", "", "row_id to explain (ambiguous rows require --sink)")
	cmd.Flags().StringVar(&sink, "sink", "", "disambiguates --row when it forked into multiple terminal tokens")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the lineage result as JSON")
	return cmd
}

func printLineageText(cmd *cobra.Command, result *lineage.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "token %s (row %s)\n", result.Token.TokenID, result.SourceRow.RowID)
	if result.Outcome != nil {
		fmt.Fprintf(out, "outcome: %s at sink %s\n", result.Outcome.Outcome, result.Outcome.SinkName)
	} else {
		fmt.Fprintln(out, "outcome: none recorded yet")
	}
	fmt.Fprintf(out, "node states (%d):\n", len(result.NodeStates))
	for _, ns := range result.NodeStates {
		fmt.Fprintf(out, "  %s  node=%s  status=%s\n", ns.StateID, ns.NodeID, ns.Status)
		if calls, ok := result.Calls[ns.StateID]; ok {
			for _, c := range calls {
				fmt.Fprintf(out, "    call %s -> %s\n", c.CallType, c.Status)
			}
		}
		if verrs, ok := result.ValidationErrors[ns.StateID]; ok {
			for _, v := range verrs {
				fmt.Fprintf(out, "    validation error: %s: %s\n", v.ErrorType, v.ErrorMessage)
			}
		}
		if terrs, ok := result.TransformErrors[ns.StateID]; ok {
			for _, te := range terrs {
				fmt.Fprintf(out, "    transform error: %s\n", te.ErrorMessage)
			}
		}
	}
	if len(result.ParentTokens) > 0 {
		fmt.Fprintf(out, "forked from %d parent token(s)\n", len(result.ParentTokens))
	}
}
