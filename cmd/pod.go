package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"cellbox/network"
	"cellbox/pod"
)

// DefaultLibraryRoot is where the library fetcher looks for bundles when a
// container names no registry base.
const DefaultLibraryRoot = "/var/lib/cellbox/library"

func init() {
	rootCmd.AddCommand(podCmd)
	podAllocateCmd.Flags().StringSliceP("container", "c", []string{}, "Container as NAME=IMAGE or NAME=IMAGE@REGISTRY, repeatable")
	podAllocateCmd.Flags().String("network", "", "Network to attach the pod to")
	podAllocateCmd.Flags().String("library", DefaultLibraryRoot, "Bundle library directory")
	podCmd.AddCommand(podAllocateCmd)
	podStartCmd.Flags().String("library", DefaultLibraryRoot, "Bundle library directory")
	podCmd.AddCommand(podStartCmd)
	podStopCmd.Flags().String("library", DefaultLibraryRoot, "Bundle library directory")
	podCmd.AddCommand(podStopCmd)
	podFreeCmd.Flags().String("library", DefaultLibraryRoot, "Bundle library directory")
	podCmd.AddCommand(podFreeCmd)
	podListCmd.Flags().String("library", DefaultLibraryRoot, "Bundle library directory")
	podCmd.AddCommand(podListCmd)
}

var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Pod commands: container groups sharing one isolation boundary",
}

func newPodManager(cmd *cobra.Command) (*pod.Manager, *engine, error) {
	e, err := newEngine()
	if err != nil {
		return nil, nil, err
	}
	networks, err := network.NewManager("")
	if err != nil {
		return nil, nil, err
	}
	library, _ := cmd.Flags().GetString("library")
	pods, err := pod.NewManager(pod.Config{
		Cells:    e.cells,
		Fetcher:  &pod.LibraryFetcher{DefaultRegistry: library},
		Networks: networks,
	})
	if err != nil {
		return nil, nil, err
	}
	return pods, e, nil
}

// parseContainer splits NAME=IMAGE or NAME=IMAGE@REGISTRY.
func parseContainer(arg string) (pod.Container, error) {
	parts := strings.SplitN(arg, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return pod.Container{}, fmt.Errorf("malformed container %q, want NAME=IMAGE", arg)
	}
	c := pod.Container{Name: parts[0], Image: parts[1]}
	if at := strings.SplitN(c.Image, "@", 2); len(at) == 2 {
		c.Image, c.Registry = at[0], at[1]
	}
	return c, nil
}

var podAllocateCmd = &cobra.Command{
	Use:   "allocate NAME [flags]",
	Short: "Allocate a pod and fetch its container bundles",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("missing pod name")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		containerArgs, _ := cmd.Flags().GetStringSlice("container")
		nw, _ := cmd.Flags().GetString("network")

		spec := pod.Spec{Name: args[0], Network: nw}
		for _, arg := range containerArgs {
			c, err := parseContainer(arg)
			if err != nil {
				return err
			}
			spec.Containers = append(spec.Containers, c)
		}

		pods, e, err := newPodManager(cmd)
		if err != nil {
			return err
		}
		if err := pods.Allocate(spec); err != nil {
			return err
		}
		return e.persist(spec.Name)
	},
}

var podStartCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start every container of a pod",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("missing pod name")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		pods, e, err := newPodManager(cmd)
		if err != nil {
			return err
		}
		if err := pods.Start(args[0]); err != nil {
			return err
		}
		return e.persist(args[0])
	},
}

var podStopCmd = &cobra.Command{
	Use:   "stop POD CONTAINER",
	Short: "Stop one container of a pod",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return fmt.Errorf("missing pod name or container name")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		pods, e, err := newPodManager(cmd)
		if err != nil {
			return err
		}
		if err := pods.Stop(args[0], args[1]); err != nil {
			return err
		}
		return e.persist(args[0])
	},
}

var podFreeCmd = &cobra.Command{
	Use:   "free NAME",
	Short: "Free an idle pod, its bundles and its network endpoint",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("missing pod name")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		pods, e, err := newPodManager(cmd)
		if err != nil {
			return err
		}
		if err := pods.Free(args[0]); err != nil {
			return err
		}
		return e.forget(args[0])
	},
}

var podListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all the pods",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		pods, _, err := newPodManager(cmd)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"NAME"})
		for _, name := range pods.Names() {
			table.Append([]string{name})
		}
		table.Render()
		return nil
	},
}
