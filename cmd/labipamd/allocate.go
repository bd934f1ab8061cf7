package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/labipam/labipam/api"
	"github.com/spf13/cobra"
)

var (
	allocateCmd = &cobra.Command{
		Use:   "allocate <lab_uid>",
		Short: "Allocate addresses for a lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := cmd.Flags().GetString("cluster")
			if err != nil {
				return err
			}

			a, closeFn, err := openAllocator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			alloc, err := a.Allocate(context.Background(), args[0], cluster)
			if err != nil {
				return err
			}
			return printAllocation(cmd, alloc)
		},
	}

	getCmd = &cobra.Command{
		Use:   "get <lab_uid>",
		Short: "Show the addresses of a lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := cmd.Flags().GetString("cluster")
			if err != nil {
				return err
			}

			a, closeFn, err := openAllocator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			alloc, err := a.Get(context.Background(), args[0], cluster)
			if err != nil {
				return err
			}
			return printAllocation(cmd, alloc)
		},
	}

	deallocateCmd = &cobra.Command{
		Use:     "deallocate <lab_uid>",
		Aliases: []string{"release"},
		Short:   "Release the addresses of a lab",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := cmd.Flags().GetString("cluster")
			if err != nil {
				return err
			}

			a, closeFn, err := openAllocator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := a.Deallocate(context.Background(), args[0], cluster); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s in cluster %s\n", args[0], cluster)
			return nil
		},
	}
)

func printAllocation(cmd *cobra.Command, alloc *api.Allocation) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(alloc)
	}
	printEnv(cmd.OutOrStdout(), alloc)
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{allocateCmd, getCmd, deallocateCmd} {
		addClusterFlag(cmd)
	}
	for _, cmd := range []*cobra.Command{allocateCmd, getCmd} {
		cmd.Flags().Bool("json", false, "Print the allocation as JSON")
	}
}
