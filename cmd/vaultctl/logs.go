package main

import (
	"strconv"
	"time"

	"github.com/dmitrijs2005/filevault/internal/server"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/ui"
	"github.com/spf13/cobra"
)

func logRows(entries []*models.DownloadLogEntry) [][]string {
	rows := [][]string{{"id", "user", "downloaded at"}}
	for _, e := range entries {
		rows = append(rows, []string{strconv.FormatInt(e.ID, 10), e.UserID, e.DownloadedAt.Format(time.RFC3339)})
	}
	return rows
}

func newLogsCmd(o *rootOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "logs <file-id>",
		Short: "List download log entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := parseID(args[0], "file id")
			if err != nil {
				return err
			}
			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				entries, err := svc.Files.ListDownloadLogs(cmd.Context(), fileID, limit, offset)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					ui.Hint(cmd.OutOrStdout(), "no downloads recorded")
					return nil
				}
				return ui.Table(cmd.OutOrStdout(), logRows(entries))
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "entries per page (max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.AddCommand(newLogsDeleteCmd(o))
	return cmd
}

func newLogsDeleteCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <log-id>",
		Short: "Delete a log entry and decrement the download counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logID, err := parseID(args[0], "log id")
			if err != nil {
				return err
			}
			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				if err := svc.Files.DeleteDownloadLog(cmd.Context(), logID); err != nil {
					return err
				}
				ui.OK(cmd.OutOrStdout(), "log entry %d deleted", logID)
				return nil
			})
		},
	}
}
