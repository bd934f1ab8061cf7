package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/labipam/labipam/manager/allocator/protected"
	"github.com/spf13/cobra"
)

var protectedCmd = &cobra.Command{
	Use:   "protected",
	Short: "Show the protected ranges of the configured network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		edges, err := cmd.Flags().GetBool("edges")
		if err != nil {
			return err
		}

		// only the configuration is needed, the state file is not opened
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		network, err := config.Network()
		if err != nil {
			return err
		}
		f, err := protected.New(network)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, r := range f.Ranges(edges) {
			fmt.Fprintln(out, r)
		}
		fmt.Fprintf(out, "%s of %s addresses protected, %s usable\n",
			humanize.Comma(int64(f.ProtectedCount())),
			humanize.Comma(int64(f.Size())),
			humanize.Comma(int64(f.UsableCount())),
		)
		return nil
	},
}

func init() {
	protectedCmd.Flags().Bool("edges", false, "Also list the first and last address of every block")
}
