// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/syncapi/storage/tables"
	"github.com/element-hq/syncrooms/syncapi/types"
)

const upsertStrippedStateSQL = `
	INSERT INTO syncapi_stripped_state (user_id, room_id, events)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id, room_id)
	DO UPDATE SET events = $3
`

const selectStrippedStateSQL = `
	SELECT events FROM syncapi_stripped_state
	WHERE user_id = $1 AND room_id = $2
`

type strippedStateStatements struct {
	upsertStrippedStateStmt *sql.Stmt
	selectStrippedStateStmt *sql.Stmt
}

func NewPostgresStrippedStateTable(db *sql.DB) (tables.StrippedState, error) {
	s := &strippedStateStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertStrippedStateStmt, upsertStrippedStateSQL},
		{&s.selectStrippedStateStmt, selectStrippedStateSQL},
	}.Prepare(db)
}

func (s *strippedStateStatements) UpsertStrippedState(
	ctx context.Context, txn *sql.Tx, userID, roomID string, events []types.StrippedStateEvent,
) error {
	if events == nil {
		events = []types.StrippedStateEvent{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.upsertStrippedStateStmt)
	_, err = stmt.ExecContext(ctx, userID, roomID, string(eventsJSON))
	return err
}

func (s *strippedStateStatements) SelectStrippedState(
	ctx context.Context, txn *sql.Tx, userID, roomID string,
) ([]types.StrippedStateEvent, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStrippedStateStmt)
	var eventsJSON string
	if err := stmt.QueryRowContext(ctx, userID, roomID).Scan(&eventsJSON); err != nil {
		return nil, err
	}
	events := []types.StrippedStateEvent{}
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return nil, err
	}
	return events, nil
}
