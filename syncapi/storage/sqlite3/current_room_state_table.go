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

const upsertRoomStateSQL = `
	INSERT INTO syncapi_current_state (room_id, type, state_key, event_id, sender, content)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (room_id, type, state_key)
	DO UPDATE SET event_id = $4, sender = $5, content = $6
`

const deleteRoomStateSQL = `
	DELETE FROM syncapi_current_state
	WHERE room_id = $1 AND type = $2 AND state_key = $3
`

const selectStateEventSQL = `
	SELECT event_id, type, state_key, sender, content
	FROM syncapi_current_state
	WHERE room_id = $1 AND type = $2 AND state_key = $3
`

type currentRoomStateStatements struct {
	upsertRoomStateStmt  *sql.Stmt
	deleteRoomStateStmt  *sql.Stmt
	selectStateEventStmt *sql.Stmt
}

func NewSqliteCurrentRoomStateTable(db *sql.DB) (tables.CurrentRoomState, error) {
	s := &currentRoomStateStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertRoomStateStmt, upsertRoomStateSQL},
		{&s.deleteRoomStateStmt, deleteRoomStateSQL},
		{&s.selectStateEventStmt, selectStateEventSQL},
	}.Prepare(db)
}

func (s *currentRoomStateStatements) UpsertRoomState(
	ctx context.Context, txn *sql.Tx, roomID string, event *types.StateEvent,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertRoomStateStmt)
	_, err := stmt.ExecContext(ctx, roomID, event.Type, event.StateKey, event.EventID, event.Sender, string(event.Content))
	return err
}

func (s *currentRoomStateStatements) DeleteRoomState(
	ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey string,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteRoomStateStmt)
	_, err := stmt.ExecContext(ctx, roomID, eventType, stateKey)
	return err
}

func (s *currentRoomStateStatements) SelectStateEvent(
	ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey string,
) (*types.StateEvent, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStateEventStmt)
	var ev types.StateEvent
	var content string
	if err := stmt.QueryRowContext(ctx, roomID, eventType, stateKey).Scan(
		&ev.EventID, &ev.Type, &ev.StateKey, &ev.Sender, &content,
	); err != nil {
		return nil, err
	}
	ev.Content = []byte(content)
	return &ev, nil
}
