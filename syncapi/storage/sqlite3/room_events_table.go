// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/syncapi/storage/tables"
	"github.com/element-hq/syncrooms/syncapi/types"
)

const insertRoomEventSQL = `
	INSERT INTO syncapi_room_events (event_id, room_id, type, instance_name, stream_pos)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (event_id) DO NOTHING
`

// The room list is substituted in at query time, as sqlite has no arrays. The
// upper stream position is an integer and is formatted into the query so that
// every host parameter is left for the room list.
const selectLatestPositionsInRoomsSQL = `
	SELECT room_id, instance_name, MAX(stream_pos)
	FROM syncapi_room_events
	WHERE room_id IN ($1) AND stream_pos <= %d
	GROUP BY room_id, instance_name
`

const selectLatestPositionForWriterSQL = `
	SELECT MAX(stream_pos) FROM syncapi_room_events
	WHERE room_id = $1 AND instance_name = $2 AND stream_pos <= $3
`

type roomEventsStatements struct {
	db                                *sql.DB
	insertRoomEventStmt               *sql.Stmt
	selectLatestPositionForWriterStmt *sql.Stmt
}

func NewSqliteRoomEventsTable(db *sql.DB) (tables.RoomEvents, error) {
	s := &roomEventsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertRoomEventStmt, insertRoomEventSQL},
		{&s.selectLatestPositionForWriterStmt, selectLatestPositionForWriterSQL},
	}.Prepare(db)
}

func (s *roomEventsStatements) InsertRoomEvent(
	ctx context.Context, txn *sql.Tx, roomID, eventID, eventType string, pos types.WriterPosition,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertRoomEventStmt)
	_, err := stmt.ExecContext(ctx, eventID, roomID, eventType, pos.Writer, pos.Position)
	return err
}

func (s *roomEventsStatements) SelectLatestPositionsInRooms(
	ctx context.Context, txn *sql.Tx, roomIDs []string, upToPos types.StreamPosition,
) ([]tables.RoomWriterPosition, error) {
	var qp sqlutil.QueryProvider = s.db
	if txn != nil {
		qp = txn
	}
	params := make([]interface{}, len(roomIDs))
	for i, roomID := range roomIDs {
		params[i] = roomID
	}
	query := fmt.Sprintf(selectLatestPositionsInRoomsSQL, int64(upToPos))
	var result []tables.RoomWriterPosition
	err := sqlutil.RunLimitedVariablesQuery(
		ctx, query, qp, params, sqlutil.SQLite3MaxVariables,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var p tables.RoomWriterPosition
				if err := rows.Scan(&p.RoomID, &p.Position.Writer, &p.Position.Position); err != nil {
					return err
				}
				result = append(result, p)
			}
			return rows.Err()
		},
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *roomEventsStatements) SelectLatestPositionForWriter(
	ctx context.Context, txn *sql.Tx, roomID, writer string, upToPos types.StreamPosition,
) (types.StreamPosition, error) {
	stmt := sqlutil.TxStmt(txn, s.selectLatestPositionForWriterStmt)
	var pos sql.NullInt64
	if err := stmt.QueryRowContext(ctx, roomID, writer, upToPos).Scan(&pos); err != nil {
		return 0, err
	}
	if !pos.Valid {
		return 0, sql.ErrNoRows
	}
	return types.StreamPosition(pos.Int64), nil
}
