// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/setup/config"
	"github.com/element-hq/syncrooms/syncapi/storage/shared"
	"github.com/element-hq/syncrooms/syncapi/storage/sqlite3/deltas"
)

// SyncServerDatasource is the sqlite implementation of the sync API database.
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

	m := sqlutil.NewMigrator(d.DB)
	m.AddMigrations(sqlutil.Migration{
		Version: "syncapi: create room list tables",
		Up:      deltas.UpCreateRoomListTables,
		Down:    deltas.DownCreateRoomListTables,
	})
	if err = m.Up(ctx); err != nil {
		return nil, err
	}

	if err = d.prepare(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *SyncServerDatasource) prepare() (err error) {
	if d.MembershipSnapshots, err = NewSqliteMembershipSnapshotsTable(d.DB); err != nil {
		return err
	}
	if d.MembershipChanges, err = NewSqliteMembershipChangesTable(d.DB); err != nil {
		return err
	}
	if d.CurrentRoomState, err = NewSqliteCurrentRoomStateTable(d.DB); err != nil {
		return err
	}
	if d.StateDeltas, err = NewSqliteStateDeltasTable(d.DB); err != nil {
		return err
	}
	if d.StrippedState, err = NewSqliteStrippedStateTable(d.DB); err != nil {
		return err
	}
	if d.RoomEvents, err = NewSqliteRoomEventsTable(d.DB); err != nil {
		return err
	}
	if d.AccountData, err = NewSqliteAccountDataTable(d.DB); err != nil {
		return err
	}
	return nil
}
