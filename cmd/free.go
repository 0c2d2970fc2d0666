package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(freeCmd)
}

var freeCmd = &cobra.Command{
	Use:   "free NAME",
	Short: "Free an idle cell and remove its cgroup node",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("missing cell name")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		e, err := newEngine()
		if err != nil {
			return err
		}
		name := args[0]
		if err := e.cells.Free(name); err != nil {
			return err
		}
		return e.forget(name)
	},
}
