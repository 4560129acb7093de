package main

import (
	"strconv"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dmitrijs2005/filevault/internal/server"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/ui"
	"github.com/spf13/cobra"
)

func newDrainCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Encrypt every queued upload now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = " Encrypting queued uploads..."
				_ = s.Color("cyan")
				if !o.verbose {
					s.Start()
				}
				stats, err := svc.Worker.Drain(cmd.Context())
				s.Stop()
				if err != nil {
					ui.Fail(cmd.OutOrStdout(), "drain finished with errors")
					return err
				}

				out := cmd.OutOrStdout()
				if stats.Processed == 0 {
					ui.Hint(out, "queue is empty")
				} else {
					ui.OK(out, "%d processed: %d complete, %d failed, %d superseded",
						stats.Processed, stats.Completed, stats.Failed, stats.Superseded)
				}
				if stats.Swept > 0 {
					ui.Hint(out, "swept %d expired failed source(s)", stats.Swept)
				}
				return nil
			})
		},
	}
}

func newFailuresCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failures",
		Short: "List recent encryption failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				failed, err := svc.Files.RecentFailures(cmd.Context())
				if err != nil {
					return err
				}
				if len(failed) == 0 {
					ui.OK(cmd.OutOrStdout(), "no failures recorded")
					return nil
				}
				rows := [][]string{{"id", "file", "failed at", "reason", "source"}}
				for _, f := range failed {
					rows = append(rows, []string{
						strconv.FormatInt(f.ID, 10),
						strconv.FormatInt(f.FileID, 10),
						f.FailedAt.Format(time.RFC3339),
						f.Reason,
						f.SourcePath,
					})
				}
				return ui.Table(cmd.OutOrStdout(), rows)
			})
		},
	}
}
