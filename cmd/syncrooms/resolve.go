// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/element-hq/syncrooms/internal/caching"
	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/sync"
	"github.com/element-hq/syncrooms/syncapi/types"
)

type resolveOptions struct {
	FixturePath string
	UserID      string
	From        string
	To          string
	Dump        bool
}

func newResolveCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &resolveOptions{}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the room lists of a fixture",
		Long: `Loads a YAML fixture into the configured database, then resolves the
room lists in the fixture request for the user between two stream tokens.

The output has the lists and, for every room in a list window or room
subscription, its membership record and merged room config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), rootOpts, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.FixturePath, "fixture", "f", "", "YAML fixture to load (required)")
	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "user to resolve rooms for (required)")
	cmd.Flags().StringVar(&opts.From, "from", "", "from token, empty for an initial sync")
	cmd.Flags().StringVar(&opts.To, "to", "", "to token (required)")
	cmd.Flags().BoolVar(&opts.Dump, "dump", false, "dump the resolved response instead of printing JSON")
	_ = cmd.MarkFlagRequired("fixture")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

// resolvedRooms is the JSON output of the resolve command.
type resolvedRooms struct {
	Lists map[string]types.SlidingList `json:"lists"`
	Rooms map[string]resolvedRoom      `json:"rooms"`
}

type resolvedRoom struct {
	types.MembershipRecord
	TimelineLimit int                 `json:"timeline_limit"`
	RequiredState map[string][]string `json:"required_state"`
}

func runResolve(ctx context.Context, rootOpts *rootOptions, opts *resolveOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cfg := rootOpts.cfg

	to, err := types.ParseStreamToken(opts.To)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	var from *types.StreamToken
	if opts.From != "" {
		parsed, err := types.ParseStreamToken(opts.From)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		from = &parsed
	}

	f, err := loadFixture(opts.FixturePath)
	if err != nil {
		return fmt.Errorf("loadFixture: %w", err)
	}
	req, err := f.RequestLists()
	if err != nil {
		return fmt.Errorf("fixture request: %w", err)
	}
	req.UserID = opts.UserID
	req.FromToken = from
	req.ToToken = to

	conMan := sqlutil.NewConnectionManager(ctx, cfg.Global.DatabaseOptions)
	db, err := storage.NewSyncServerDatasource(ctx, conMan, cfg.SyncAPI.DatabaseOptions())
	if err != nil {
		return fmt.Errorf("storage.NewSyncServerDatasource: %w", err)
	}
	if err = f.Store(ctx, db); err != nil {
		return fmt.Errorf("fixture: %w", err)
	}

	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, cfg.Global.Cache.EnablePrometheus)
	provider := sync.NewRoomListProvider(&cfg.SyncAPI, db, caches)
	res, err := provider.ResolveRoomLists(ctx, req)
	if err != nil {
		return err
	}

	if opts.Dump {
		_, err = fmt.Fprintln(out, litter.Options{
			HidePrivateFields: false,
			HideZeroValues:    true,
		}.Sdump(res))
		return err
	}
	return writeResolved(out, res)
}

func writeResolved(out io.Writer, res *types.RoomListsResponse) error {
	output := resolvedRooms{
		Lists: res.Lists,
		Rooms: make(map[string]resolvedRoom, len(res.Rooms)),
	}
	for roomID, record := range res.Rooms {
		room := resolvedRoom{
			MembershipRecord: record,
			RequiredState:    map[string][]string{},
		}
		if roomConfig := res.RoomConfigs[roomID]; roomConfig != nil {
			room.TimelineLimit = roomConfig.TimelineLimit
			room.RequiredState = roomConfig.RequiredStateMap()
		}
		output.Rooms[roomID] = room
	}
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("json.MarshalIndent: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}
