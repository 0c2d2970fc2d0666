package cmd

import (
	"github.com/spf13/cobra"

	"cellbox/cell"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

// initCmd is the re-exec entry the engine spawns inside fresh namespaces.
// Never invoked by a user directly.
var initCmd = &cobra.Command{
	Use:    cell.InitCommandName,
	Short:  "Init process of an isolated executable",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return cell.RunInitProcess()
	},
}
