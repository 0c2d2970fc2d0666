package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"cellbox/cell"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all the cells",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		e, err := newEngine()
		if err != nil {
			return err
		}
		return listCells(e.cells)
	},
}

func listCells(cells *cell.Registry) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "CGROUP", "STATUS", "EXECUTABLES", "CREATED"})
	for _, info := range cells.List() {
		version := "v1"
		if info.CgroupV2 {
			version = "v2"
		}
		status := "idle"
		if info.Running() {
			status = "running"
		}
		var execs string
		for i, exe := range info.Executables {
			if i > 0 {
				execs += ","
			}
			execs += fmt.Sprintf("%s(%d)", exe.Name, exe.Pid)
		}
		table.Append([]string{
			info.Name,
			version,
			status,
			execs,
			info.Created.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
	return nil
}
