package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowbroker",
	Short: "Flowbroker is a distributed workflow scheduler",
	Long: `Flowbroker schedules DAG-structured workflow plans across a fleet of
execution nodes, with broker failover backed by raft leader election.
`,
	Args:      cobra.OnlyValidArgs,
	ValidArgs: []string{"help", "version", "start", "init"},
	Run: func(cmd *cobra.Command, args []string) {
	},
}

func init() {
	rootCmd.AddCommand(VersionCmd)
	rootCmd.AddCommand(StartCmd)
	rootCmd.AddCommand(InitCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
