// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

// ResolveRoomsForUser works out which rooms belong in the user's sync window
// (from, to] and the membership that explains each one. A nil from means an
// initial sync.
//
// Rooms are included if, as of to, the user is joined, invited, knocking,
// banned or was kicked. With a from token, rooms the user left inside the
// window are included as well and marked as newly left. Forgotten rooms are
// never included, whatever the window.
func ResolveRoomsForUser(
	ctx context.Context,
	snapshot storage.DatabaseTransaction,
	userID string,
	from *types.StreamToken,
	to types.StreamToken,
) (map[string]types.MembershipRecord, error) {
	snapshots, err := snapshot.MembershipSnapshotsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot.MembershipSnapshotsForUser: %w", err)
	}
	forgotten, err := snapshot.ForgottenRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot.ForgottenRoomsForUser: %w", err)
	}
	if forgotten == nil {
		forgotten = mapset.NewThreadUnsafeSet[string]()
	}

	current := make(map[string]types.MembershipSnapshot, len(snapshots))
	for _, s := range snapshots {
		if s.Forgotten {
			forgotten.Add(s.RoomID)
			continue
		}
		if forgotten.Contains(s.RoomID) {
			continue
		}
		current[s.RoomID] = s
	}

	atTo, err := membershipsAtToken(ctx, snapshot, userID, current, forgotten, to)
	if err != nil {
		return nil, err
	}

	results := make(map[string]types.MembershipRecord, len(atTo))
	for roomID, record := range atTo {
		if isSyncableMembership(record, userID) {
			results[roomID] = record
		}
	}

	if from == nil {
		// Without a from token there is no window for a leave to be new in,
		// and nothing to be newly joined against.
		return results, nil
	}

	changes, err := snapshot.MembershipChangesForUser(ctx, userID, from, &to)
	if err != nil {
		return nil, fmt.Errorf("snapshot.MembershipChangesForUser: %w", err)
	}
	firstInRange := make(map[string]types.MembershipChange)
	lastInRange := make(map[string]types.MembershipChange)
	hasNonJoinInRange := make(map[string]bool)
	for _, change := range changes {
		if forgotten.Contains(change.RoomID) {
			continue
		}
		if _, ok := firstInRange[change.RoomID]; !ok {
			firstInRange[change.RoomID] = change
		}
		lastInRange[change.RoomID] = change
		if change.Membership != spec.Join {
			hasNonJoinInRange[change.RoomID] = true
		}
	}

	for roomID, last := range lastInRange {
		record, ok := atTo[roomID]
		if !ok {
			return nil, &types.InconsistentMembershipError{
				RoomID:        roomID,
				UserID:        userID,
				ActualEventID: last.EventID,
				Detail:        "membership change in range but no membership at to_token",
			}
		}
		if record.EventID != last.EventID {
			return nil, &types.InconsistentMembershipError{
				RoomID:          roomID,
				UserID:          userID,
				ExpectedEventID: record.EventID,
				ActualEventID:   last.EventID,
				Detail:          "last membership change in range is not the membership at to_token",
			}
		}
		if last.Membership == spec.Leave {
			record.NewlyLeft = true
			results[roomID] = record
			util.GetLogger(ctx).WithField("room_id", roomID).Debug("[V4_SYNC] Room newly left in range")
		}
	}

	for roomID, record := range results {
		if record.Membership != spec.Join {
			continue
		}
		first, ok := firstInRange[roomID]
		if !ok {
			continue
		}
		if !first.HasPrevMembership() || first.PrevMembership != spec.Join || hasNonJoinInRange[roomID] {
			record.NewlyJoined = true
			results[roomID] = record
		}
	}

	return results, nil
}

// membershipsAtToken rewinds the user's current memberships to how they
// stood at to, using the changes made after it. Rooms the user had no
// membership in at to are left out.
func membershipsAtToken(
	ctx context.Context,
	snapshot storage.DatabaseTransaction,
	userID string,
	current map[string]types.MembershipSnapshot,
	forgotten mapset.Set[string],
	to types.StreamToken,
) (map[string]types.MembershipRecord, error) {
	changes, err := snapshot.MembershipChangesForUser(ctx, userID, &to, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot.MembershipChangesForUser: %w", err)
	}
	firstAfter := make(map[string]types.MembershipChange)
	lastAfter := make(map[string]types.MembershipChange)
	for _, change := range changes {
		if forgotten.Contains(change.RoomID) {
			continue
		}
		if _, ok := firstAfter[change.RoomID]; !ok {
			firstAfter[change.RoomID] = change
		}
		lastAfter[change.RoomID] = change
	}

	for roomID, last := range lastAfter {
		s, ok := current[roomID]
		if !ok {
			return nil, &types.InconsistentMembershipError{
				RoomID:        roomID,
				UserID:        userID,
				ActualEventID: last.EventID,
				Detail:        "membership change after to_token but no current membership",
			}
		}
		if s.MembershipEventID != last.EventID || s.Membership != last.Membership {
			return nil, &types.InconsistentMembershipError{
				RoomID:          roomID,
				UserID:          userID,
				ExpectedEventID: s.MembershipEventID,
				ActualEventID:   last.EventID,
				Detail:          "current membership is not the latest membership change",
			}
		}
	}

	records := make(map[string]types.MembershipRecord, len(current))
	for roomID, s := range current {
		first, changed := firstAfter[roomID]
		if !changed {
			if !to.IsAfter(s.Position) {
				return nil, &types.InconsistentMembershipError{
					RoomID:          roomID,
					UserID:          userID,
					ExpectedEventID: s.MembershipEventID,
					Detail:          "current membership is after to_token but has no membership change",
				}
			}
			records[roomID] = types.MembershipRecord{
				RoomID:     roomID,
				EventID:    s.MembershipEventID,
				Sender:     s.Sender,
				Membership: s.Membership,
				Position:   s.Position,
			}
			continue
		}
		if !first.HasPrevMembership() {
			// The user first got a membership in the room after to.
			continue
		}
		records[roomID] = types.MembershipRecord{
			RoomID:     roomID,
			EventID:    first.PrevEventID,
			Sender:     first.PrevSender,
			Membership: first.PrevMembership,
			Position:   first.PrevPosition,
		}
	}
	return records, nil
}

// isSyncableMembership reports whether the membership keeps the room in the
// sync window without being newly left. Kicks do. Leaving on your own doesn't,
// and neither does a leave without a sender.
func isSyncableMembership(record types.MembershipRecord, userID string) bool {
	if types.IsDurableMembership(record.Membership) {
		return true
	}
	return record.Membership == spec.Leave && record.Sender != "" && record.Sender != userID
}
