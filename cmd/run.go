package cmd

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cellbox/cell"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Uint64("cpu-weight", 0, "Relative CPU weight, 1..10000")
	runCmd.Flags().Int64("cpu-max", 0, "CPU quota in microseconds per period, omit for unlimited")
	runCmd.Flags().String("cpuset-cpus", "", "CPUs the cell may run on, e.g. 0-3,7")
	runCmd.Flags().String("cpuset-mems", "", "Memory nodes the cell may use")
	runCmd.Flags().Bool("isolate-process", false, "Give the cell its own pid, mount, ipc and uts namespaces")
	runCmd.Flags().Bool("isolate-network", false, "Give the cell its own network namespace")
}

// runCmd is the one-shot path: allocate a throwaway cell, run the command to
// completion inside it, then free the cell again.
var runCmd = &cobra.Command{
	Use:   "run NAME COMMAND",
	Short: "Allocate a cell, run a command in it and free it on exit",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return fmt.Errorf("missing cell name or command")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		spec := cellSpecFromFlags(cmd)

		e, err := newEngine()
		if err != nil {
			return err
		}
		name := args[0]
		if _, err := e.cells.Allocate(name, spec); err != nil {
			return err
		}

		if _, err := e.cells.Start(name, cell.Executable{
			Name:    "main",
			Command: strings.Join(args[1:], " "),
		}); err != nil {
			if freeErr := e.cells.Free(name); freeErr != nil {
				log.Warnf("free cell %s: %v", name, freeErr)
			}
			return err
		}

		waitErr := e.cells.Wait(name, "main")
		if err := e.cells.Free(name); err != nil {
			return err
		}
		return waitErr
	},
}
