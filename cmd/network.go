package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"cellbox/network"
)

func init() {
	rootCmd.AddCommand(networkCmd)
	networkCreateCmd.Flags().String("driver", "bridge", "Network driver")
	networkCreateCmd.Flags().String("subnet", "", "Subnet CIDR")
	networkCmd.AddCommand(networkCreateCmd)
	networkCmd.AddCommand(networkListCmd)
	networkCmd.AddCommand(networkDeleteCmd)
}

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Pod network commands",
}

var networkCreateCmd = &cobra.Command{
	Use:   "create NETWORK [flags]",
	Short: "Create a pod network",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("missing network name")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		networks, err := network.NewManager("")
		if err != nil {
			return err
		}
		driver, _ := cmd.Flags().GetString("driver")
		subnet, _ := cmd.Flags().GetString("subnet")
		return networks.Create(driver, subnet, args[0])
	},
}

var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pod networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		networks, err := network.NewManager("")
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"NAME", "DRIVER", "SUBNET"})
		for _, nw := range networks.List() {
			table.Append([]string{nw.Name, nw.Driver, nw.IPRange.String()})
		}
		table.Render()
		return nil
	},
}

var networkDeleteCmd = &cobra.Command{
	Use:   "remove NETWORK",
	Short: "Remove a pod network",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("missing network name")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		networks, err := network.NewManager("")
		if err != nil {
			return err
		}
		return networks.Delete(args[0])
	},
}
