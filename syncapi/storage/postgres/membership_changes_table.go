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
)

const insertMembershipChangeSQL = `
	INSERT INTO syncapi_membership_changes
		(room_id, user_id, event_id, sender, membership, instance_name, stream_pos,
		 prev_event_id, prev_sender, prev_membership, prev_instance_name, prev_stream_pos)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const selectMembershipChangesForUserSQL = `
	SELECT room_id, user_id, event_id, sender, membership, instance_name, stream_pos,
		prev_event_id, prev_sender, prev_membership, prev_instance_name, prev_stream_pos
	FROM syncapi_membership_changes
	WHERE user_id = $1 AND stream_pos > $2 AND stream_pos <= $3
	ORDER BY stream_pos ASC, instance_name ASC, id ASC
`

type membershipChangesStatements struct {
	insertMembershipChangeStmt         *sql.Stmt
	selectMembershipChangesForUserStmt *sql.Stmt
}

func NewPostgresMembershipChangesTable(db *sql.DB) (tables.MembershipChanges, error) {
	s := &membershipChangesStatements{}
	return s, sqlutil.StatementList{
		{&s.insertMembershipChangeStmt, insertMembershipChangeSQL},
		{&s.selectMembershipChangesForUserStmt, selectMembershipChangesForUserSQL},
	}.Prepare(db)
}

func (s *membershipChangesStatements) InsertMembershipChange(
	ctx context.Context, txn *sql.Tx, change *types.MembershipChange,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertMembershipChangeStmt)
	_, err := stmt.ExecContext(ctx,
		change.RoomID,
		change.UserID,
		change.EventID,
		change.Sender,
		change.Membership,
		change.Position.Writer,
		change.Position.Position,
		change.PrevEventID,
		change.PrevSender,
		change.PrevMembership,
		change.PrevPosition.Writer,
		change.PrevPosition.Position,
	)
	return err
}

func (s *membershipChangesStatements) SelectMembershipChangesForUser(
	ctx context.Context, txn *sql.Tx, userID string, afterPos, upToPos types.StreamPosition,
) ([]types.MembershipChange, error) {
	stmt := sqlutil.TxStmt(txn, s.selectMembershipChangesForUserStmt)
	rows, err := stmt.QueryContext(ctx, userID, afterPos, upToPos)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck

	var changes []types.MembershipChange
	for rows.Next() {
		var c types.MembershipChange
		if err := rows.Scan(
			&c.RoomID, &c.UserID, &c.EventID, &c.Sender, &c.Membership,
			&c.Position.Writer, &c.Position.Position,
			&c.PrevEventID, &c.PrevSender, &c.PrevMembership,
			&c.PrevPosition.Writer, &c.PrevPosition.Position,
		); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
