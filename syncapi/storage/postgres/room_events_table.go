// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/syncapi/storage/tables"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/lib/pq"
)

const insertRoomEventSQL = `
	INSERT INTO syncapi_room_events (event_id, room_id, type, instance_name, stream_pos)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (event_id) DO NOTHING
`

const selectLatestPositionsInRoomsSQL = `
	SELECT room_id, instance_name, MAX(stream_pos)
	FROM syncapi_room_events
	WHERE room_id = ANY($1) AND stream_pos <= $2
	GROUP BY room_id, instance_name
`

const selectLatestPositionForWriterSQL = `
	SELECT MAX(stream_pos) FROM syncapi_room_events
	WHERE room_id = $1 AND instance_name = $2 AND stream_pos <= $3
`

type roomEventsStatements struct {
	insertRoomEventStmt               *sql.Stmt
	selectLatestPositionsInRoomsStmt  *sql.Stmt
	selectLatestPositionForWriterStmt *sql.Stmt
}

func NewPostgresRoomEventsTable(db *sql.DB) (tables.RoomEvents, error) {
	s := &roomEventsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertRoomEventStmt, insertRoomEventSQL},
		{&s.selectLatestPositionsInRoomsStmt, selectLatestPositionsInRoomsSQL},
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
	stmt := sqlutil.TxStmt(txn, s.selectLatestPositionsInRoomsStmt)
	rows, err := stmt.QueryContext(ctx, pq.StringArray(roomIDs), upToPos)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck

	var result []tables.RoomWriterPosition
	for rows.Next() {
		var p tables.RoomWriterPosition
		if err := rows.Scan(&p.RoomID, &p.Position.Writer, &p.Position.Position); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
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
