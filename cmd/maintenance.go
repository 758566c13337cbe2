package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel stale job records whose broker job is gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			res, err := rt.app.Sync.SweepStale(ctx)
			if perr := printJSON(cmd, res); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete finished job records and rate-limit hits past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			res, err := rt.app.Sync.PurgeOld(ctx)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
}
