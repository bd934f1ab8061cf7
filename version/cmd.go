package version

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Cmd prints the version of the running binary. With --short only the
// version number is printed, which is what deployment scripts compare.
var Cmd = &cobra.Command{
	Use:   "version",
	Short: "Print the labipam version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		short, err := cmd.Flags().GetBool("short")
		if err != nil {
			return err
		}
		if short {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		}
		FprintVersion(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	Cmd.Flags().Bool("short", false, "Only print the version number")
}
