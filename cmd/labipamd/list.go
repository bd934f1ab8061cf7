package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/labipam/labipam/api"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active allocations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()

		quiet, err := flags.GetBool("quiet")
		if err != nil {
			return err
		}
		cluster, err := flags.GetString("cluster")
		if err != nil {
			return err
		}

		a, closeFn, err := openAllocator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		allocations, err := a.List(context.Background(), cluster)
		if err != nil {
			return err
		}

		var output func(a *api.Allocation)

		if !quiet {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer func() {
				// Ignore flushing errors - there's nothing we can do.
				_ = w.Flush()
			}()
			fmt.Fprintln(w, "LAB UID\tCLUSTER\tFIRST\tLAST\tALLOCATED")
			output = func(a *api.Allocation) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.LabUID,
					a.Cluster,
					a.Addresses[0],
					a.Addresses[len(a.Addresses)-1],
					humanize.Time(a.AllocatedAt),
				)
			}
		} else {
			output = func(a *api.Allocation) { fmt.Fprintln(cmd.OutOrStdout(), a.LabUID) }
		}

		for _, alloc := range allocations {
			output(alloc)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolP("quiet", "q", false, "Only display lab UIDs")
	listCmd.Flags().String("cluster", "", "Only list allocations of this cluster")
}
