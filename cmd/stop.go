package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd)
}

var stopCmd = &cobra.Command{
	Use:   "stop CELL EXECUTABLE",
	Short: "Stop an executable of a cell",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return fmt.Errorf("missing cell name or executable name")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		e, err := newEngine()
		if err != nil {
			return err
		}
		cellName, execName := args[0], args[1]
		if err := e.cells.Stop(cellName, execName); err != nil {
			return err
		}
		return e.persist(cellName)
	},
}
