package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cellbox/cell"
	"cellbox/cgroups/controllers"
)

func init() {
	rootCmd.AddCommand(allocateCmd)
	allocateCmd.Flags().Uint64("cpu-weight", 0, "Relative CPU weight, 1..10000")
	allocateCmd.Flags().Int64("cpu-max", 0, "CPU quota in microseconds per period, omit for unlimited")
	allocateCmd.Flags().String("cpuset-cpus", "", "CPUs the cell may run on, e.g. 0-3,7")
	allocateCmd.Flags().String("cpuset-mems", "", "Memory nodes the cell may use")
	allocateCmd.Flags().Bool("isolate-process", false, "Give the cell its own pid, mount, ipc and uts namespaces")
	allocateCmd.Flags().Bool("isolate-network", false, "Give the cell its own network namespace")
}

var allocateCmd = &cobra.Command{
	Use:   "allocate NAME",
	Short: "Allocate a cell: a named cgroup node with optional namespaces",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("missing cell name")
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
		v2, err := e.cells.Allocate(name, spec)
		if err != nil {
			return err
		}
		if err := e.persist(name); err != nil {
			return err
		}
		version := "v1"
		if v2 {
			version = "v2"
		}
		fmt.Printf("cell %s allocated on cgroup %s\n", name, version)
		return nil
	},
}

func cellSpecFromFlags(cmd *cobra.Command) cell.Spec {
	var spec cell.Spec

	if cmd.Flags().Changed("cpu-weight") || cmd.Flags().Changed("cpu-max") {
		cpu := &controllers.Cpu{}
		if cmd.Flags().Changed("cpu-weight") {
			weight, _ := cmd.Flags().GetUint64("cpu-weight")
			cpu.Weight = &weight
		}
		if cmd.Flags().Changed("cpu-max") {
			max, _ := cmd.Flags().GetInt64("cpu-max")
			cpu.Max = &max
		}
		spec.Cpu = cpu
	}

	cpus, _ := cmd.Flags().GetString("cpuset-cpus")
	mems, _ := cmd.Flags().GetString("cpuset-mems")
	if cpus != "" || mems != "" {
		spec.Cpuset = &controllers.Cpuset{Cpus: cpus, Mems: mems}
	}

	spec.IsolateProcess, _ = cmd.Flags().GetBool("isolate-process")
	spec.IsolateNetwork, _ = cmd.Flags().GetBool("isolate-network")
	return spec
}
