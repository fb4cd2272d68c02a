package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// VersionCmd used to get the current version of flowbroker
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of flowbroker",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("flowbroker v0.1.0")
	},
}
