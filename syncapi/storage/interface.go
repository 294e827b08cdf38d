// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/syncapi/storage/shared"
	"github.com/element-hq/syncrooms/syncapi/types"
)

// DatabaseTransaction is a read-only view of the sync database. Every read of
// a single room list request goes through the same transaction.
type DatabaseTransaction interface {
	sqlutil.Transaction
	Reader
}

var _ DatabaseTransaction = (*shared.DatabaseTransaction)(nil)

type Reader interface {
	// MembershipSnapshotsForUser returns the user's current membership in
	// every room, forgotten rooms included.
	MembershipSnapshotsForUser(ctx context.Context, userID string) ([]types.MembershipSnapshot, error)
	// MembershipChangesForUser returns the changes after from and up to and
	// including to, ordered by position. A nil bound is open.
	MembershipChangesForUser(ctx context.Context, userID string, from, to *types.StreamToken) ([]types.MembershipChange, error)
	ForgottenRoomsForUser(ctx context.Context, userID string) (mapset.Set[string], error)
	// CurrentStateEvent returns nil if the room has no such state.
	CurrentStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*types.StateEvent, error)
	CurrentStateDeltasForRoom(ctx context.Context, roomID string, from, to *types.StreamToken) ([]types.StateDelta, error)
	IsServerInRoom(ctx context.Context, roomID string) (bool, error)
	// StrippedStateForRemoteInvite returns nil if nothing was stored.
	StrippedStateForRemoteInvite(ctx context.Context, userID, roomID string) ([]types.StrippedStateEvent, error)
	// LatestEventPositionsInRooms leaves out rooms without an event at or
	// before to.
	LatestEventPositionsInRooms(ctx context.Context, roomIDs []string, to types.StreamToken) (map[string]types.WriterPosition, error)
	DMRoomIDs(ctx context.Context, userID string) ([]string, error)
}

type Database interface {
	// NewDatabaseSnapshot begins a read transaction. The caller must Commit
	// or Rollback it.
	NewDatabaseSnapshot(ctx context.Context) (*shared.DatabaseTransaction, error)

	StoreMembershipChange(ctx context.Context, change types.MembershipChange) (types.MembershipChange, error)
	StoreCurrentStateEvent(ctx context.Context, roomID string, event *types.StateEvent, pos types.WriterPosition) error
	RemoveCurrentStateEvent(ctx context.Context, roomID, eventType, stateKey string, pos types.WriterPosition) error
	StoreStateDelta(ctx context.Context, delta types.StateDelta) error
	StoreStrippedState(ctx context.Context, userID, roomID string, events []types.StrippedStateEvent) error
	StoreRoomEvent(ctx context.Context, roomID, eventID, eventType string, pos types.WriterPosition) error
	SetRoomForgotten(ctx context.Context, roomID, userID string, forgotten bool) error
	UpsertAccountData(ctx context.Context, userID, dataType string, content []byte) error
}
