package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l3v3l/pulse/internal/build"
)

// versionCmd prints the CLI version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pulse version %s\n", build.Version())
	},
}
