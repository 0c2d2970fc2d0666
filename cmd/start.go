package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cellbox/cell"
	"cellbox/util"
)

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().String("name", "", "Executable name, random when empty")
	startCmd.Flags().String("description", "", "Executable description")
}

var startCmd = &cobra.Command{
	Use:   "start CELL COMMAND",
	Short: "Start an executable inside a cell",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return fmt.Errorf("missing cell name or command")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		execName, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		if execName == "" {
			random, err := util.RandString(10)
			if err != nil {
				return fmt.Errorf("generate executable name failed: %v", err)
			}
			execName = random
		}

		e, err := newEngine()
		if err != nil {
			return err
		}
		cellName := args[0]
		pid, err := e.cells.Start(cellName, cell.Executable{
			Name:        execName,
			Command:     strings.Join(args[1:], " "),
			Description: description,
		})
		if err != nil {
			return err
		}
		if err := e.persist(cellName); err != nil {
			return err
		}
		fmt.Printf("executable %s started in cell %s with pid %d\n", execName, cellName, pid)
		return nil
	},
}
