// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/syncapi/storage/tables"
	"github.com/element-hq/syncrooms/syncapi/types"
)

const insertStateDeltaSQL = `
	INSERT INTO syncapi_state_deltas
		(room_id, type, state_key, instance_name, stream_pos, event_id, sender, content)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const selectStateDeltasForRoomSQL = `
	SELECT room_id, type, state_key, instance_name, stream_pos, event_id, sender, content
	FROM syncapi_state_deltas
	WHERE room_id = $1 AND stream_pos > $2 AND stream_pos <= $3
	ORDER BY stream_pos ASC, instance_name ASC, id ASC
`

type stateDeltasStatements struct {
	insertStateDeltaStmt         *sql.Stmt
	selectStateDeltasForRoomStmt *sql.Stmt
}

func NewSqliteStateDeltasTable(db *sql.DB) (tables.StateDeltas, error) {
	s := &stateDeltasStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStateDeltaStmt, insertStateDeltaSQL},
		{&s.selectStateDeltasForRoomStmt, selectStateDeltasForRoomSQL},
	}.Prepare(db)
}

func (s *stateDeltasStatements) InsertStateDelta(
	ctx context.Context, txn *sql.Tx, delta *types.StateDelta,
) error {
	var eventID, sender, content sql.NullString
	if delta.Event != nil {
		eventID = sql.NullString{String: delta.Event.EventID, Valid: true}
		sender = sql.NullString{String: delta.Event.Sender, Valid: true}
		content = sql.NullString{String: string(delta.Event.Content), Valid: true}
	}
	stmt := sqlutil.TxStmt(txn, s.insertStateDeltaStmt)
	_, err := stmt.ExecContext(ctx,
		delta.RoomID, delta.Type, delta.StateKey,
		delta.Position.Writer, delta.Position.Position,
		eventID, sender, content,
	)
	return err
}

func (s *stateDeltasStatements) SelectStateDeltasForRoom(
	ctx context.Context, txn *sql.Tx, roomID string, afterPos, upToPos types.StreamPosition,
) ([]types.StateDelta, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStateDeltasForRoomStmt)
	rows, err := stmt.QueryContext(ctx, roomID, afterPos, upToPos)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck

	var deltas []types.StateDelta
	for rows.Next() {
		var d types.StateDelta
		var eventID, sender, content sql.NullString
		if err := rows.Scan(
			&d.RoomID, &d.Type, &d.StateKey, &d.Position.Writer, &d.Position.Position,
			&eventID, &sender, &content,
		); err != nil {
			return nil, err
		}
		if content.Valid {
			d.Event = &types.StateEvent{
				EventID:  eventID.String,
				Type:     d.Type,
				StateKey: d.StateKey,
				Sender:   sender.String,
				Content:  []byte(content.String),
			}
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}
