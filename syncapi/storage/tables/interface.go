// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncrooms/syncapi/types"
)

// MembershipSnapshots holds the current membership of every local user in
// every room they have ever been in.
type MembershipSnapshots interface {
	UpsertMembershipSnapshot(ctx context.Context, txn *sql.Tx, snapshot *types.MembershipSnapshot) error
	// SelectMembershipSnapshot returns sql.ErrNoRows if the user has never been in the room.
	SelectMembershipSnapshot(ctx context.Context, txn *sql.Tx, roomID, userID string) (*types.MembershipSnapshot, error)
	// SelectMembershipSnapshotsForUser returns every snapshot for the user,
	// forgotten rooms included.
	SelectMembershipSnapshotsForUser(ctx context.Context, txn *sql.Tx, userID string) ([]types.MembershipSnapshot, error)
	SelectForgottenRoomsForUser(ctx context.Context, txn *sql.Tx, userID string) ([]string, error)
	UpdateMembershipForgotten(ctx context.Context, txn *sql.Tx, roomID, userID string, forgotten bool) error
	// SelectIsServerInRoom reports whether any local user is joined to the room.
	SelectIsServerInRoom(ctx context.Context, txn *sql.Tx, roomID string) (bool, error)
}

// MembershipChanges is the append-only log of membership changes for local users.
type MembershipChanges interface {
	InsertMembershipChange(ctx context.Context, txn *sql.Tx, change *types.MembershipChange) error
	// SelectMembershipChangesForUser returns the changes with afterPos < stream_pos <= upToPos,
	// ordered by position. The caller applies the exact per-writer bounds.
	SelectMembershipChangesForUser(ctx context.Context, txn *sql.Tx, userID string, afterPos, upToPos types.StreamPosition) ([]types.MembershipChange, error)
}

// CurrentRoomState holds the current state of rooms the server is in.
type CurrentRoomState interface {
	UpsertRoomState(ctx context.Context, txn *sql.Tx, roomID string, event *types.StateEvent) error
	DeleteRoomState(ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey string) error
	// SelectStateEvent returns sql.ErrNoRows if there is no such state.
	SelectStateEvent(ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey string) (*types.StateEvent, error)
}

// StateDeltas is the log of changes to rooms' current state.
type StateDeltas interface {
	InsertStateDelta(ctx context.Context, txn *sql.Tx, delta *types.StateDelta) error
	// SelectStateDeltasForRoom returns the deltas with afterPos < stream_pos <= upToPos,
	// ordered by position.
	SelectStateDeltasForRoom(ctx context.Context, txn *sql.Tx, roomID string, afterPos, upToPos types.StreamPosition) ([]types.StateDelta, error)
}

// StrippedState holds the stripped state that came with invites and knocks
// for rooms the server is not in.
type StrippedState interface {
	UpsertStrippedState(ctx context.Context, txn *sql.Tx, userID, roomID string, events []types.StrippedStateEvent) error
	// SelectStrippedState returns sql.ErrNoRows if no stripped state was stored.
	SelectStrippedState(ctx context.Context, txn *sql.Tx, userID, roomID string) ([]types.StrippedStateEvent, error)
}

// RoomWriterPosition is the latest position a writer persisted in a room.
type RoomWriterPosition struct {
	RoomID   string
	Position types.WriterPosition
}

// RoomEvents records the stream position of every event in a room.
type RoomEvents interface {
	InsertRoomEvent(ctx context.Context, txn *sql.Tx, roomID, eventID, eventType string, pos types.WriterPosition) error
	// SelectLatestPositionsInRooms returns, for every room and writer, the
	// highest position <= upToPos.
	SelectLatestPositionsInRooms(ctx context.Context, txn *sql.Tx, roomIDs []string, upToPos types.StreamPosition) ([]RoomWriterPosition, error)
	// SelectLatestPositionForWriter returns sql.ErrNoRows if the writer has
	// no event in the room at or before upToPos.
	SelectLatestPositionForWriter(ctx context.Context, txn *sql.Tx, roomID, writer string, upToPos types.StreamPosition) (types.StreamPosition, error)
}

// AccountData holds global account data for local users.
type AccountData interface {
	UpsertAccountData(ctx context.Context, txn *sql.Tx, userID, dataType string, content []byte) error
	// SelectAccountData returns sql.ErrNoRows if the user has no account data of that type.
	SelectAccountData(ctx context.Context, txn *sql.Tx, userID, dataType string) ([]byte, error)
}
