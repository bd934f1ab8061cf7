package main

import (
	"os"

	"github.com/labipam/labipam/log"
	"github.com/labipam/labipam/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := mainCmd.Execute(); err != nil {
		log.L.Fatal(err)
	}
}

var (
	mainCmd = &cobra.Command{
		Use:          os.Args[0],
		Short:        "Allocate blocks of public addresses to lab environments",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logrus.SetOutput(os.Stderr)
			flag, err := cmd.Flags().GetString("log-level")
			if err != nil {
				log.L.Fatal(err)
			}
			level, err := logrus.ParseLevel(flag)
			if err != nil {
				log.L.Fatal(err)
			}
			logrus.SetLevel(level)
		},
	}
)

func init() {
	mainCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (options \"debug\", \"info\", \"warn\", \"error\", \"fatal\", \"panic\")")
	mainCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")
	mainCmd.PersistentFlags().StringP("db-path", "d", "", "Path to the state file (overrides $DATABASE_PATH)")
	mainCmd.PersistentFlags().StringP("network", "n", "", "Network to allocate from (overrides $PUBLIC_NETWORK_CIDR)")
	mainCmd.PersistentFlags().String("store-driver", "", "Store driver (\"bolt\" or \"memory\")")
	mainCmd.PersistentFlags().String("reuse-policy", "", "Whether released blocks are offered again (\"bump\" or \"reclaim\")")

	mainCmd.AddCommand(
		serveCmd,
		allocateCmd,
		deallocateCmd,
		getCmd,
		listCmd,
		statsCmd,
		protectedCmd,
		version.Cmd,
	)
}
