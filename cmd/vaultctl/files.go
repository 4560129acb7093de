package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/server"
	"github.com/dmitrijs2005/filevault/internal/server/access"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/dmitrijs2005/filevault/internal/server/services"
	"github.com/dmitrijs2005/filevault/internal/ui"
	"github.com/spf13/cobra"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", what, s)
	}
	return id, nil
}

func newSubmitCmd(o *rootOptions) *cobra.Command {
	var (
		level      string
		name       string
		regenerate bool
	)

	cmd := &cobra.Command{
		Use:   "submit <project-id> <archive.zip>",
		Short: "Queue a .zip archive for encryption as the project's file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				res, err := svc.Intake.Submit(cmd.Context(), services.SubmitRequest{
					ProjectID:       projectID,
					Upload:          &services.Upload{Filename: filepath.Base(args[1]), Body: f},
					SecurityLevel:   level,
					ProjectNameHint: name,
					RegenerateToken: regenerate,
				})
				if errors.Is(err, common.ErrIntakeInProgress) {
					ui.Fail(cmd.OutOrStdout(), "another upload for project %d is in progress", projectID)
					return err
				}
				if err != nil {
					return err
				}
				ui.OK(cmd.OutOrStdout(), "queued %s as file %d (%s)", ui.Highlight.Sprint(res.Record.OriginalFilename),
					res.Record.ID, ui.Status(string(res.Record.EncryptionStatus)))
				ui.Hint(cmd.OutOrStdout(), "run %s to encrypt it now", ui.Info.Sprint("vaultctl drain"))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&level, "level", "l", "", "security level (wb1, wb2, wb3)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "project name used for the display name")
	cmd.Flags().BoolVar(&regenerate, "regenerate-token", false, "issue a new download token")
	return cmd
}

func newPolicyCmd(o *rootOptions) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "policy <project-id>",
		Short: "Change the security level of the project's file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				res, err := svc.Intake.Submit(cmd.Context(), services.SubmitRequest{ProjectID: projectID, SecurityLevel: level})
				if err != nil {
					return err
				}
				switch {
				case res.Record == nil:
					ui.Fail(cmd.OutOrStdout(), "project %d has no file", projectID)
				case res.PolicyChanged:
					ui.OK(cmd.OutOrStdout(), "security level set to %s", access.RolesToSecurityLevel(res.Record.AllowedRoles))
				default:
					ui.Hint(cmd.OutOrStdout(), "security level unchanged")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&level, "level", "l", "", "security level (wb1, wb2, wb3)")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show the project's file, its download link and queue state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				ctx := cmd.Context()
				rec, err := svc.Files.GetProjectFile(ctx, projectID)
				if errors.Is(err, common.ErrorNotFound) {
					ui.Fail(cmd.OutOrStdout(), "project %d has no file", projectID)
					return nil
				}
				if err != nil {
					return err
				}
				link, err := svc.Files.DownloadURL(rec)
				if err != nil {
					return err
				}
				jobs, err := svc.Files.PendingJobs(ctx, projectID)
				if err != nil {
					return err
				}

				return ui.Fields(cmd.OutOrStdout(),
					"file", strconv.FormatInt(rec.ID, 10),
					"name", rec.DisplayName,
					"original", rec.OriginalFilename,
					"status", ui.Status(string(rec.EncryptionStatus)),
					"level", access.RolesToSecurityLevel(rec.AllowedRoles),
					"roles", strings.Join(rec.AllowedRoles, ","),
					"downloads", strconv.FormatInt(rec.DownloadCount, 10),
					"queued jobs", strconv.Itoa(len(jobs)),
					"link", link,
				)
			})
		},
	}
}

func newRegenTokenCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "regen-token <file-id>",
		Short: "Issue a new download token; old links stop working",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileID, err := parseID(args[0], "file id")
			if err != nil {
				return err
			}
			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				rec, err := svc.Files.RegenerateToken(cmd.Context(), fileID)
				if err != nil {
					return err
				}
				link, err := svc.Files.DownloadURL(rec)
				if err != nil {
					return err
				}
				ui.OK(cmd.OutOrStdout(), "new link: %s", link)
				return nil
			})
		},
	}
}

func newDeleteProjectCmd(o *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete-project <project-id>",
		Short: "Delete every file of a project, locally and offsite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("refusing to delete project %d without --yes", projectID)
			}
			return o.withServices(cmd, func(_ *config.Config, svc *server.Services) error {
				report, err := svc.Files.DeleteProjectFiles(cmd.Context(), projectID)
				if report != nil {
					ui.OK(cmd.OutOrStdout(), "deleted %d record(s) and %d file(s)", report.Records, report.FilesRemoved)
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func newLevelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "List the security levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := [][]string{{"level", "label", "roles"}}
			for _, l := range access.SecurityLevels() {
				rows = append(rows, []string{l.Value, l.Label, strings.Join(access.SecurityLevelToRoles(l.Value), ",")})
			}
			return ui.Table(cmd.OutOrStdout(), rows)
		},
	}
}
