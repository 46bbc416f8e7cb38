package commands

import (
	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/udpcore/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print udpcorectl build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionView(appversion.Get("udpcorectl"))
			return printOut(cmd.OutOrStdout(), &info)
		},
	}
}
