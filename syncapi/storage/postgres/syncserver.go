// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/setup/config"
	"github.com/element-hq/syncrooms/syncapi/storage/postgres/deltas"
	"github.com/element-hq/syncrooms/syncapi/storage/shared"
	_ "github.com/lib/pq"
)

// SyncServerDatasource is the postgres implementation of the sync API database.
type SyncServerDatasource struct {
	shared.Database
}

// NewDatabase creates a new sync server database
func NewDatabase(ctx context.Context, conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (*SyncServerDatasource, error) {
	var d SyncServerDatasource
	var err error
	if d.DB, d.Writer, err = conMan.Connection(dbProperties); err != nil {
		return nil, err
	}
	// Every read of a request sees the same snapshot.
	d.SnapshotOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

	m := sqlutil.NewMigrator(d.DB)
	m.AddMigrations(sqlutil.Migration{
		Version: "syncapi: create room list tables",
		Up:      deltas.UpCreateRoomListTables,
		Down:    deltas.DownCreateRoomListTables,
	})
	if err = m.Up(ctx); err != nil {
		return nil, err
	}

	if d.MembershipSnapshots, err = NewPostgresMembershipSnapshotsTable(d.DB); err != nil {
		return nil, err
	}
	if d.MembershipChanges, err = NewPostgresMembershipChangesTable(d.DB); err != nil {
		return nil, err
	}
	if d.CurrentRoomState, err = NewPostgresCurrentRoomStateTable(d.DB); err != nil {
		return nil, err
	}
	if d.StateDeltas, err = NewPostgresStateDeltasTable(d.DB); err != nil {
		return nil, err
	}
	if d.StrippedState, err = NewPostgresStrippedStateTable(d.DB); err != nil {
		return nil, err
	}
	if d.RoomEvents, err = NewPostgresRoomEventsTable(d.DB); err != nil {
		return nil, err
	}
	if d.AccountData, err = NewPostgresAccountDataTable(d.DB); err != nil {
		return nil, err
	}
	return &d, nil
}
