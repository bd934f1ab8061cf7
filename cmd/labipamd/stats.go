package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show capacity and utilization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeFn, err := openAllocator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := a.Stats(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer func() {
			// Ignore flushing errors - there's nothing we can do.
			_ = w.Flush()
		}()

		fmt.Fprintf(w, "Network:\t%s\n", stats.Network)
		fmt.Fprintf(w, "Total addresses:\t%s\n", humanize.Comma(int64(stats.TotalAddresses)))
		fmt.Fprintf(w, "Protected:\t%s\n", humanize.Comma(int64(stats.ProtectedAddresses)))
		fmt.Fprintf(w, "Usable:\t%s\n", humanize.Comma(int64(stats.UsableAddresses)))
		fmt.Fprintf(w, "Allocated:\t%s\n", humanize.Comma(int64(stats.AllocatedAddresses)))
		fmt.Fprintf(w, "Available:\t%s\n", humanize.Comma(int64(stats.AvailableAddresses)))
		fmt.Fprintf(w, "Utilization:\t%.3f%%\n", stats.UtilizationPercent)
		fmt.Fprintf(w, "Active labs:\t%d\n", stats.ActiveLabs)
		fmt.Fprintf(w, "Estimated remaining labs:\t%s\n", humanize.Comma(int64(stats.EstimatedRemainingLabs)))

		if len(stats.Clusters) == 0 {
			return nil
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "CLUSTER\tLABS\tADDRESSES\tNEXT")
		for _, c := range stats.Clusters {
			next := c.NextAddress
			if next == "" {
				next = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", c.Cluster, c.Labs, c.AllocatedAddresses, next)
		}
		return nil
	},
}
