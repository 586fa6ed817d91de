package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

func newPluginsCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect plugins registered with the process-wide registry",
	}
	root.AddCommand(newPluginsListCmd())
	return root
}

func newPluginsListCmd() *cobra.Command {
	var kind string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every registered plugin, optionally filtered by kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			plugins := pluginapi.DefaultRegistry.List(kind)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plugins)
			}

			if len(plugins) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no plugins registered")
				return nil
			}
			for _, p := range plugins {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", p.Kind, p.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "type", "", "filter by plugin kind (source, transform, gate, aggregation, sink)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
