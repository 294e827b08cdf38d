// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/element-hq/syncrooms/internal"
	"github.com/element-hq/syncrooms/setup/config"
)

// rootOptions holds the global flags and the configuration they produce.
type rootOptions struct {
	ConfigPath string
	Database   string
	Verbose    bool

	cfg *config.SyncRooms
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "syncrooms",
		Short: "Sliding sync room list resolution",
		Long: `Resolves which rooms belong in a user's sliding sync lists, and keeps
the DM room cache up to date from account data notifications.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd.Flags().Changed("database"))
			if err != nil {
				return err
			}
			opts.cfg = cfg

			internal.SetupStdLogging()
			if len(cfg.Logging) > 0 {
				internal.SetupHookLogging(cfg.Logging)
			} else {
				// Keep stdout for command output.
				logrus.SetOutput(cmd.ErrOrStderr())
			}
			if opts.Verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}

			if cfg.Global.Sentry.Enabled {
				logrus.Info("Setting up Sentry for debugging...")
				err = sentry.Init(sentry.ClientOptions{
					Dsn:              cfg.Global.Sentry.DSN,
					Environment:      cfg.Global.Sentry.Environment,
					ServerName:       string(cfg.Global.ServerName),
					Release:          "syncrooms@" + internal.VersionString(),
					AttachStacktrace: true,
				})
				if err != nil {
					return fmt.Errorf("sentry.Init: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.cfg != nil && opts.cfg.Global.Sentry.Enabled {
				if !sentry.Flush(time.Second * 5) {
					logrus.Warnf("failed to flush all Sentry events!")
				}
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a syncrooms.yaml config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "database", "file:syncrooms.db", "database connection string, used when no config file is given or to override it")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newConsumeCommand(opts))

	return cmd
}

// loadConfig reads the config file if one was given. Otherwise it generates a
// single database config with an in-memory JetStream.
func (o *rootOptions) loadConfig(databaseChanged bool) (*config.SyncRooms, error) {
	if o.ConfigPath != "" {
		cfg, err := config.LoadConfig(o.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("config.LoadConfig: %w", err)
		}
		if databaseChanged {
			cfg.Global.DatabaseOptions.ConnectionString = config.DataSource(o.Database)
			cfg.SyncAPI.Database.ConnectionString = ""
		}
		return cfg, nil
	}

	cfg := &config.SyncRooms{}
	cfg.Defaults(config.DefaultOpts{
		Generate:       true,
		SingleDatabase: true,
	})
	cfg.Global.DatabaseOptions.ConnectionString = config.DataSource(o.Database)
	cfg.Global.JetStream.InMemory = true
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}
