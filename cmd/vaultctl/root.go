package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server"
	"github.com/dmitrijs2005/filevault/internal/server/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath  string
	dsn         string
	storageRoot string
	verbose     bool
}

// openServices is a seam so commands can be exercised without a database.
var openServices = func(ctx context.Context, c *config.Config, l logging.Logger) (*server.Services, error) {
	return server.NewServices(ctx, c, l)
}

func (o *rootOptions) config() (*config.Config, error) {
	c := &config.Config{}
	c.LoadDefaults()
	if o.configPath != "" {
		if err := config.ApplyJSONFile(c, o.configPath); err != nil {
			return nil, err
		}
	}
	if o.dsn != "" {
		c.DatabaseDSN = o.dsn
	}
	if o.storageRoot != "" {
		c.StorageRoot = o.storageRoot
	}
	return c, nil
}

func (o *rootOptions) logger(w io.Writer) logging.Logger {
	if !o.verbose {
		return logging.NopLogger{}
	}
	return logging.NewJSONLogger(w, slog.LevelDebug)
}

// withServices loads config, wires the services and hands them to fn.
func (o *rootOptions) withServices(cmd *cobra.Command, fn func(*config.Config, *server.Services) error) error {
	c, err := o.config()
	if err != nil {
		return err
	}
	svc, err := openServices(cmd.Context(), c, o.logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(c, svc)
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "vaultctl - administer the project file vault",
		Long: `vaultctl manages the encrypted project file vault.

It submits archives for encryption, changes security levels, drains the
encryption queue, inspects download logs and mints session tokens.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "path to a server JSON config file")
	cmd.PersistentFlags().StringVar(&o.dsn, "dsn", "", "PostgreSQL DSN (overrides the config file)")
	cmd.PersistentFlags().StringVar(&o.storageRoot, "storage-root", "", "absolute storage root (overrides the config file)")
	cmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(
		newSubmitCmd(o),
		newPolicyCmd(o),
		newDrainCmd(o),
		newStatusCmd(o),
		newFailuresCmd(o),
		newLogsCmd(o),
		newDeleteProjectCmd(o),
		newRegenTokenCmd(o),
		newLevelsCmd(),
		newTokenCmd(o),
	)
	return cmd
}
