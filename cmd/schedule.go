package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage auto-scrape repeats",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Register repeats for every eligible vendor",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, ctx, cancel, err := scheduleRuntime(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				summary, err := rt.app.Scheduler.InitializeOnServerStart(ctx)
				if err != nil {
					return fmt.Errorf("initialize repeats: %w", err)
				}
				return printJSON(cmd, summary)
			},
		},
		&cobra.Command{
			Use:   "sync VENDOR_ID",
			Short: "Re-register the repeat for one vendor after an edit",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, ctx, cancel, err := scheduleRuntime(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				res, err := rt.app.Scheduler.SyncVendor(ctx, args[0])
				if err != nil {
					return fmt.Errorf("sync %s: %w", args[0], err)
				}
				return printJSON(cmd, res)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Remove every auto-scrape repeat",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, ctx, cancel, err := scheduleRuntime(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				n, err := rt.app.Scheduler.StopAllAutoJobs(ctx)
				if err != nil {
					return fmt.Errorf("stop repeats: %w", err)
				}
				return printJSON(cmd, map[string]int{"removed": n})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print job and queue statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, ctx, cancel, err := scheduleRuntime(cmd)
				if err != nil {
					return err
				}
				defer cancel()
				stats, err := rt.app.Scheduler.GetJobStatistics(ctx)
				if err != nil {
					return fmt.Errorf("job statistics: %w", err)
				}
				return printJSON(cmd, stats)
			},
		},
	)
	return cmd
}

func scheduleRuntime(cmd *cobra.Command) (*runtime, context.Context, context.CancelFunc, error) {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	return rt, ctx, cancel, nil
}
