package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/seedprice-pipeline/internal/jobs"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

func newEnqueueCmd() *cobra.Command {
	var (
		mode      string
		startPage int
		endPage   int
	)
	cmd := &cobra.Command{
		Use:   "enqueue VENDOR_ID",
		Short: "Submit a scrape job for one vendor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			job, err := rt.app.JobService.Submit(ctx, jobs.SubmitRequest{
				VendorID:  args[0],
				Mode:      pipeline.JobMode(strings.ToLower(mode)),
				PageRange: pipeline.PageRange{StartPage: startPage, EndPage: endPage},
			})
			if err != nil {
				return fmt.Errorf("submit %s: %w", args[0], err)
			}
			return printJSON(cmd, jobs.NewJobView(job))
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(pipeline.ModeManual), "job mode: manual or test")
	cmd.Flags().IntVar(&startPage, "start-page", 0, "first listing page (default 1)")
	cmd.Flags().IntVar(&endPage, "end-page", 0, "last listing page (default: until pagination ends)")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit batch scrape jobs for active vendors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			res, err := rt.app.JobService.SubmitBatch(ctx, strings.ToLower(scope))
			if err != nil {
				return fmt.Errorf("submit batch: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", jobs.ScopePriority, "vendors to scrape: priority or all")
	return cmd
}
