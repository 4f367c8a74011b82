package cmd

import (
	"github.com/spf13/cobra"

	"github.com/3leaps/clipforge/internal/server/handlers"
	"github.com/3leaps/clipforge/pkg/output"
)

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	Annotations: map[string]string{"config": "skip"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return emit(cmd.Context(), output.TypeVersion, handlers.GetVersionInfo())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
