// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/element-hq/syncrooms/internal/caching"
	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/setup/jetstream"
	"github.com/element-hq/syncrooms/syncapi/consumers"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/sync"
)

func newConsumeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume account data notifications",
		Long: `Stores m.direct account data published on JetStream and evicts the DM
rooms cached for the user. Runs until interrupted. Metrics are served when
enabled in the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConsume(ctx, rootOpts)
		},
	}
}

func runConsume(ctx context.Context, rootOpts *rootOptions) error {
	cfg := rootOpts.cfg

	conMan := sqlutil.NewConnectionManager(ctx, cfg.Global.DatabaseOptions)
	db, err := storage.NewSyncServerDatasource(ctx, conMan, cfg.SyncAPI.DatabaseOptions())
	if err != nil {
		return fmt.Errorf("storage.NewSyncServerDatasource: %w", err)
	}
	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, cfg.Global.Cache.EnablePrometheus)
	provider := sync.NewRoomListProvider(&cfg.SyncAPI, db, caches)

	var natsInstance jetstream.NATSInstance
	js, nc, err := natsInstance.Prepare(&cfg.Global.JetStream)
	if err != nil {
		return fmt.Errorf("natsInstance.Prepare: %w", err)
	}
	defer nc.Close()

	consumer := consumers.NewOutputClientDataConsumer(ctx, &cfg.SyncAPI, js, db, provider.DMRooms())
	if err = consumer.Start(); err != nil {
		return fmt.Errorf("consumer.Start: %w", err)
	}

	if cfg.Global.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.Global.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logrus.Infof("Serving metrics on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("Metrics listener failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("Failed to shut down metrics listener")
			}
		}()
	}

	logrus.Info("Consuming account data, press Ctrl+C to stop")
	<-ctx.Done()
	logrus.Info("Shutting down")
	if natsInstance.Server != nil {
		natsInstance.Shutdown()
	}
	return nil
}
