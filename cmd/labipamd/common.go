package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/labipam/labipam/api"
	"github.com/labipam/labipam/manager"
	"github.com/labipam/labipam/manager/allocator"
	"github.com/spf13/cobra"
)

// loadConfig builds the configuration from defaults, the config file, the
// environment and finally the flags set on the command line.
func loadConfig(cmd *cobra.Command) (*manager.Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	config, err := manager.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	for name, dst := range map[string]*string{
		"db-path":      &config.Store.Path,
		"network":      &config.NetworkCIDR,
		"store-driver": &config.Store.Driver,
		"reuse-policy": &config.Allocator.ReusePolicy,
		"listen-addr":  &config.ListenAddr,
	} {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetString(name); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// openAllocator opens the local state file for the offline commands.
func openAllocator(cmd *cobra.Command) (*allocator.Allocator, func(), error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	a, s, err := manager.NewAllocator(context.Background(), config)
	if err != nil {
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		s.Close()
	}, nil
}

func printEnv(w io.Writer, a *api.Allocation) {
	env := a.Env()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, env[k])
	}
}

func addClusterFlag(cmd *cobra.Command) {
	cmd.Flags().String("cluster", api.DefaultCluster, "Cluster the lab belongs to")
}
