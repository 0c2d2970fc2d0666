package cmd

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "cellbox",
	Short: "cellbox is a host-local workload isolation engine built on cgroups and namespaces.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
