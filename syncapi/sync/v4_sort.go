// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// SortRooms orders rooms by their latest activity as of to, most recent first.
func SortRooms(
	ctx context.Context,
	snapshot storage.DatabaseTransaction,
	rooms map[string]types.MembershipRecord,
	to types.StreamToken,
) ([]types.MembershipRecord, error) {
	keys, err := roomSortKeys(ctx, snapshot, rooms, to)
	if err != nil {
		return nil, err
	}
	return sortRoomsByKey(rooms, keys), nil
}

// roomSortKeys returns the position of the latest event in each room as of
// to. For memberships other than join, activity after the membership event is
// not visible to the user, so the key is capped at that event.
func roomSortKeys(
	ctx context.Context,
	snapshot storage.DatabaseTransaction,
	rooms map[string]types.MembershipRecord,
	to types.StreamToken,
) (map[string]types.StreamPosition, error) {
	roomIDs := make([]string, 0, len(rooms))
	for roomID := range rooms {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	latest, err := snapshot.LatestEventPositionsInRooms(ctx, roomIDs, to)
	if err != nil {
		return nil, fmt.Errorf("snapshot.LatestEventPositionsInRooms: %w", err)
	}

	keys := make(map[string]types.StreamPosition, len(rooms))
	for roomID, record := range rooms {
		key := record.Position.Position
		if pos, ok := latest[roomID]; ok {
			if record.Membership == spec.Join || pos.Position < key {
				key = pos.Position
			}
		}
		keys[roomID] = key
	}
	return keys, nil
}

// sortRoomsByKey sorts descending by key, then by room ID so the order is
// stable between requests.
func sortRoomsByKey(rooms map[string]types.MembershipRecord, keys map[string]types.StreamPosition) []types.MembershipRecord {
	sorted := make([]types.MembershipRecord, 0, len(rooms))
	for _, record := range rooms {
		sorted = append(sorted, record)
	}
	sort.Slice(sorted, func(i, j int) bool {
		ki, kj := keys[sorted[i].RoomID], keys[sorted[j].RoomID]
		if ki != kj {
			return ki > kj
		}
		return sorted[i].RoomID < sorted[j].RoomID
	})
	return sorted
}

// ApplySlidingWindow extracts the requested range from a sorted room list
func ApplySlidingWindow(rooms []types.MembershipRecord, rangeSpec []int) []types.MembershipRecord {
	if len(rangeSpec) != 2 {
		// Invalid range, return all rooms
		return rooms
	}

	start := rangeSpec[0]
	end := rangeSpec[1]

	// Clamp to valid bounds
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	if end >= len(rooms) {
		end = len(rooms) - 1
	}

	// Return empty if out of bounds
	if start >= len(rooms) {
		return []types.MembershipRecord{}
	}

	// Extract slice (end is inclusive in MSC4186)
	return rooms[start : end+1]
}

// GenerateSyncOperation creates a SYNC operation covering the window.
func GenerateSyncOperation(rooms []types.MembershipRecord, rangeSpec []int) types.SlidingOperation {
	roomIDs := make([]string, len(rooms))
	for i, room := range rooms {
		roomIDs[i] = room.RoomID
	}

	return types.SlidingOperation{
		Op:      "SYNC",
		Range:   rangeSpec,
		RoomIDs: roomIDs,
	}
}
