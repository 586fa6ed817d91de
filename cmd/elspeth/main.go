package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "elspeth",
		Short:         "Run auditable, deterministic Sense/Decide/Act pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newValidateCmd(),
		newRunCmd(),
		newResumeCmd(),
		newExplainCmd(),
		newPluginsCmd(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fail(err)
	}
	os.Exit(0)
}
