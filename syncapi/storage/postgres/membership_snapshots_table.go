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
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const upsertMembershipSnapshotSQL = `
	INSERT INTO syncapi_membership_snapshots
		(room_id, user_id, sender, membership_event_id, membership, forgotten, instance_name, stream_pos)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (room_id, user_id)
	DO UPDATE SET
		sender = $3,
		membership_event_id = $4,
		membership = $5,
		forgotten = $6,
		instance_name = $7,
		stream_pos = $8
`

const selectMembershipSnapshotSQL = `
	SELECT room_id, user_id, sender, membership_event_id, membership, forgotten, instance_name, stream_pos
	FROM syncapi_membership_snapshots
	WHERE room_id = $1 AND user_id = $2
`

const selectMembershipSnapshotsForUserSQL = `
	SELECT room_id, user_id, sender, membership_event_id, membership, forgotten, instance_name, stream_pos
	FROM syncapi_membership_snapshots
	WHERE user_id = $1
	ORDER BY room_id
`

const selectForgottenRoomsForUserSQL = `
	SELECT room_id FROM syncapi_membership_snapshots
	WHERE user_id = $1 AND forgotten = TRUE
	ORDER BY room_id
`

const updateMembershipForgottenSQL = `
	UPDATE syncapi_membership_snapshots
	SET forgotten = $3
	WHERE room_id = $1 AND user_id = $2
`

const selectIsServerInRoomSQL = `
	SELECT EXISTS (
		SELECT 1 FROM syncapi_membership_snapshots
		WHERE room_id = $1 AND membership = $2
	)
`

type membershipSnapshotsStatements struct {
	upsertMembershipSnapshotStmt         *sql.Stmt
	selectMembershipSnapshotStmt         *sql.Stmt
	selectMembershipSnapshotsForUserStmt *sql.Stmt
	selectForgottenRoomsForUserStmt      *sql.Stmt
	updateMembershipForgottenStmt        *sql.Stmt
	selectIsServerInRoomStmt             *sql.Stmt
}

func NewPostgresMembershipSnapshotsTable(db *sql.DB) (tables.MembershipSnapshots, error) {
	s := &membershipSnapshotsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipSnapshotStmt, upsertMembershipSnapshotSQL},
		{&s.selectMembershipSnapshotStmt, selectMembershipSnapshotSQL},
		{&s.selectMembershipSnapshotsForUserStmt, selectMembershipSnapshotsForUserSQL},
		{&s.selectForgottenRoomsForUserStmt, selectForgottenRoomsForUserSQL},
		{&s.updateMembershipForgottenStmt, updateMembershipForgottenSQL},
		{&s.selectIsServerInRoomStmt, selectIsServerInRoomSQL},
	}.Prepare(db)
}

func (s *membershipSnapshotsStatements) UpsertMembershipSnapshot(
	ctx context.Context, txn *sql.Tx, snapshot *types.MembershipSnapshot,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertMembershipSnapshotStmt)
	_, err := stmt.ExecContext(ctx,
		snapshot.RoomID,
		snapshot.UserID,
		snapshot.Sender,
		snapshot.MembershipEventID,
		snapshot.Membership,
		snapshot.Forgotten,
		snapshot.Position.Writer,
		snapshot.Position.Position,
	)
	return err
}

func (s *membershipSnapshotsStatements) SelectMembershipSnapshot(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) (*types.MembershipSnapshot, error) {
	stmt := sqlutil.TxStmt(txn, s.selectMembershipSnapshotStmt)
	snapshot, err := scanMembershipSnapshot(stmt.QueryRowContext(ctx, roomID, userID))
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *membershipSnapshotsStatements) SelectMembershipSnapshotsForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]types.MembershipSnapshot, error) {
	stmt := sqlutil.TxStmt(txn, s.selectMembershipSnapshotsForUserStmt)
	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck

	var snapshots []types.MembershipSnapshot
	for rows.Next() {
		snapshot, err := scanMembershipSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func (s *membershipSnapshotsStatements) SelectForgottenRoomsForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectForgottenRoomsForUserStmt)
	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint: errcheck

	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

func (s *membershipSnapshotsStatements) UpdateMembershipForgotten(
	ctx context.Context, txn *sql.Tx, roomID, userID string, forgotten bool,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateMembershipForgottenStmt)
	_, err := stmt.ExecContext(ctx, roomID, userID, forgotten)
	return err
}

func (s *membershipSnapshotsStatements) SelectIsServerInRoom(
	ctx context.Context, txn *sql.Tx, roomID string,
) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectIsServerInRoomStmt)
	var exists bool
	err := stmt.QueryRowContext(ctx, roomID, spec.Join).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMembershipSnapshot(row rowScanner) (types.MembershipSnapshot, error) {
	var snapshot types.MembershipSnapshot
	err := row.Scan(
		&snapshot.RoomID,
		&snapshot.UserID,
		&snapshot.Sender,
		&snapshot.MembershipEventID,
		&snapshot.Membership,
		&snapshot.Forgotten,
		&snapshot.Position.Writer,
		&snapshot.Position.Position,
	)
	return snapshot, err
}
