package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/twrp-evacuate/internal/utils/osutil"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

// versionCmd shows the application version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "twrp-evacuate %s %s\n", Version, osutil.Platform())
	},
}
