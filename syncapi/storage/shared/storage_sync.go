// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"math"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// DirectChatsAccountDataType is the account data type listing a user's DM rooms.
const DirectChatsAccountDataType = "m.direct"

type DatabaseTransaction struct {
	*Database
	ctx context.Context
	txn *sql.Tx
}

func (d *DatabaseTransaction) Commit() error {
	if d.txn == nil {
		return nil
	}
	return d.txn.Commit()
}

func (d *DatabaseTransaction) Rollback() error {
	if d.txn == nil {
		return nil
	}
	return d.txn.Rollback()
}

// lowerBound and upperBound narrow a query to the positions a token range can
// possibly contain. The exact per-writer check happens in inRange.
func lowerBound(from *types.StreamToken) types.StreamPosition {
	if from == nil {
		return -1
	}
	return from.MinStream()
}

func upperBound(to *types.StreamToken) types.StreamPosition {
	if to == nil {
		return math.MaxInt64
	}
	return to.MaxPosition()
}

func inRange(from, to *types.StreamToken, pos types.WriterPosition) bool {
	if from != nil && from.IsAfter(pos) {
		return false
	}
	return to == nil || to.IsAfter(pos)
}

func (d *DatabaseTransaction) MembershipSnapshotsForUser(ctx context.Context, userID string) ([]types.MembershipSnapshot, error) {
	snapshots, err := d.MembershipSnapshots.SelectMembershipSnapshotsForUser(ctx, d.txn, userID)
	return snapshots, errors.Wrap(err, "d.MembershipSnapshots.SelectMembershipSnapshotsForUser")
}

// MembershipChangesForUser returns the user's membership changes after from
// and up to and including to, ordered by position. A nil bound is open.
func (d *DatabaseTransaction) MembershipChangesForUser(ctx context.Context, userID string, from, to *types.StreamToken) ([]types.MembershipChange, error) {
	changes, err := d.MembershipChanges.SelectMembershipChangesForUser(ctx, d.txn, userID, lowerBound(from), upperBound(to))
	if err != nil {
		return nil, errors.Wrap(err, "d.MembershipChanges.SelectMembershipChangesForUser")
	}
	filtered := changes[:0]
	for _, change := range changes {
		if inRange(from, to, change.Position) {
			filtered = append(filtered, change)
		}
	}
	return filtered, nil
}

func (d *DatabaseTransaction) ForgottenRoomsForUser(ctx context.Context, userID string) (mapset.Set[string], error) {
	roomIDs, err := d.MembershipSnapshots.SelectForgottenRoomsForUser(ctx, d.txn, userID)
	if err != nil {
		return nil, errors.Wrap(err, "d.MembershipSnapshots.SelectForgottenRoomsForUser")
	}
	return mapset.NewThreadUnsafeSet(roomIDs...), nil
}

// CurrentStateEvent returns nil if the room has no such state.
func (d *DatabaseTransaction) CurrentStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*types.StateEvent, error) {
	ev, err := d.CurrentRoomState.SelectStateEvent(ctx, d.txn, roomID, eventType, stateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, errors.Wrap(err, "d.CurrentRoomState.SelectStateEvent")
}

// CurrentStateDeltasForRoom returns the room's state deltas after from and up
// to and including to, ordered by position.
func (d *DatabaseTransaction) CurrentStateDeltasForRoom(ctx context.Context, roomID string, from, to *types.StreamToken) ([]types.StateDelta, error) {
	deltas, err := d.StateDeltas.SelectStateDeltasForRoom(ctx, d.txn, roomID, lowerBound(from), upperBound(to))
	if err != nil {
		return nil, errors.Wrap(err, "d.StateDeltas.SelectStateDeltasForRoom")
	}
	filtered := deltas[:0]
	for _, delta := range deltas {
		if inRange(from, to, delta.Position) {
			filtered = append(filtered, delta)
		}
	}
	return filtered, nil
}

func (d *DatabaseTransaction) IsServerInRoom(ctx context.Context, roomID string) (bool, error) {
	inRoom, err := d.MembershipSnapshots.SelectIsServerInRoom(ctx, d.txn, roomID)
	return inRoom, errors.Wrap(err, "d.MembershipSnapshots.SelectIsServerInRoom")
}

// StrippedStateForRemoteInvite returns nil if no stripped state was stored for
// the invite or knock.
func (d *DatabaseTransaction) StrippedStateForRemoteInvite(ctx context.Context, userID, roomID string) ([]types.StrippedStateEvent, error) {
	events, err := d.StrippedState.SelectStrippedState(ctx, d.txn, userID, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return events, errors.Wrap(err, "d.StrippedState.SelectStrippedState")
}

// LatestEventPositionsInRooms returns the position of the latest event in
// each room that to has seen. Rooms with no such event are left out.
func (d *DatabaseTransaction) LatestEventPositionsInRooms(ctx context.Context, roomIDs []string, to types.StreamToken) (map[string]types.WriterPosition, error) {
	result := make(map[string]types.WriterPosition, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	positions, err := d.RoomEvents.SelectLatestPositionsInRooms(ctx, d.txn, roomIDs, to.MaxPosition())
	if err != nil {
		return nil, errors.Wrap(err, "d.RoomEvents.SelectLatestPositionsInRooms")
	}
	for _, p := range positions {
		pos := p.Position
		if !to.IsAfter(pos) {
			// The writer is behind the token's maximum, so look again with
			// the writer's own bound.
			pos.Position, err = d.RoomEvents.SelectLatestPositionForWriter(ctx, d.txn, p.RoomID, pos.Writer, to.Position(pos.Writer))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, errors.Wrap(err, "d.RoomEvents.SelectLatestPositionForWriter")
			}
		}
		if existing, ok := result[p.RoomID]; !ok || laterPosition(pos, existing) {
			result[p.RoomID] = pos
		}
	}
	return result, nil
}

func laterPosition(a, b types.WriterPosition) bool {
	if a.Position != b.Position {
		return a.Position > b.Position
	}
	return a.Writer > b.Writer
}

// DMRoomIDs returns the rooms listed in the user's m.direct account data,
// sorted and without duplicates.
func (d *DatabaseTransaction) DMRoomIDs(ctx context.Context, userID string) ([]string, error) {
	content, err := d.AccountData.SelectAccountData(ctx, d.txn, userID, DirectChatsAccountDataType)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "d.AccountData.SelectAccountData")
	}
	return ParseDirectChats(content), nil
}

// ParseDirectChats extracts the room IDs from m.direct content, which maps
// user IDs to lists of room IDs. Anything that isn't a string is ignored.
func ParseDirectChats(content []byte) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	gjson.ParseBytes(content).ForEach(func(_, rooms gjson.Result) bool {
		if !rooms.IsArray() {
			return true
		}
		for _, room := range rooms.Array() {
			if room.Type == gjson.String && room.Str != "" {
				seen.Add(room.Str)
			}
		}
		return true
	})
	roomIDs := seen.ToSlice()
	sort.Strings(roomIDs)
	return roomIDs
}
