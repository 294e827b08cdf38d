// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/element-hq/syncrooms/internal/caching"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// RoomLookup answers the questions list filters ask about rooms, remembering
// the answers for the rest of the request. Reads through the snapshot are
// serialised, so a RoomLookup can be shared by lists filtered concurrently.
type RoomLookup struct {
	snapshot  storage.DatabaseTransaction
	reqCache  *caching.RequestCache
	roomTypes caching.RoomTypeCache // may be nil
	userID    string
	to        types.StreamToken
	mu        gosync.Mutex
}

func NewRoomLookup(snapshot storage.DatabaseTransaction, roomTypes caching.RoomTypeCache, userID string, to types.StreamToken) *RoomLookup {
	return &RoomLookup{
		snapshot:  snapshot,
		reqCache:  caching.NewRequestCache(),
		roomTypes: roomTypes,
		userID:    userID,
		to:        to,
	}
}

// roomFilterInfo is what is known about a room for filtering. A nil field
// means there is no information, which is not the same as false or no type.
type roomFilterInfo struct {
	Encrypted *bool
	RoomType  *string
}

// FilterRooms returns the rooms that match every predicate set in the filter.
// The input map is not modified.
func FilterRooms(
	ctx context.Context,
	lookup *RoomLookup,
	rooms map[string]types.MembershipRecord,
	filter *types.SlidingRoomFilter,
	dmRoomIDs mapset.Set[string],
) (map[string]types.MembershipRecord, error) {
	filtered := make(map[string]types.MembershipRecord, len(rooms))
	for roomID, record := range rooms {
		ok, err := lookup.matches(ctx, record, filter, dmRoomIDs)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered[roomID] = record
		}
	}
	return filtered, nil
}

func (l *RoomLookup) matches(
	ctx context.Context,
	record types.MembershipRecord,
	filter *types.SlidingRoomFilter,
	dmRoomIDs mapset.Set[string],
) (bool, error) {
	if filter.IsEmpty() {
		return true, nil
	}

	if filter.IsDM != nil {
		isDM := dmRoomIDs != nil && dmRoomIDs.Contains(record.RoomID)
		if isDM != *filter.IsDM {
			return false, nil
		}
	}

	if filter.IsInvite != nil {
		if (record.Membership == spec.Invite) != *filter.IsInvite {
			return false, nil
		}
	}

	if !filter.NeedsRoomInfo() {
		return true, nil
	}
	info, err := l.roomInfoForFilter(ctx, record)
	if err != nil {
		return false, err
	}

	if filter.IsEncrypted != nil {
		// Not knowing is neither encrypted nor unencrypted.
		if info.Encrypted == nil || *info.Encrypted != *filter.IsEncrypted {
			return false, nil
		}
	}

	if filter.RoomTypes != nil || filter.NotRoomTypes != nil {
		if info.RoomType == nil {
			return false, nil
		}
		if slices.Contains(filter.NotRoomTypes, *info.RoomType) {
			return false, nil
		}
		if filter.RoomTypes != nil && !slices.Contains(filter.RoomTypes, *info.RoomType) {
			return false, nil
		}
	}

	return true, nil
}

func (l *RoomLookup) isServerInRoom(ctx context.Context, roomID string) (bool, error) {
	return caching.Remember(l.reqCache, "in_room:"+roomID, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.snapshot.IsServerInRoom(ctx, roomID)
	})
}

// roomInfoForFilter looks the room up in current state if the server is in
// it. Otherwise invites and knocks use the stripped state that came with
// them, and anything else uses the room state as it was when the server left.
func (l *RoomLookup) roomInfoForFilter(ctx context.Context, record types.MembershipRecord) (roomFilterInfo, error) {
	return caching.Remember(l.reqCache, "info:"+record.RoomID, func() (roomFilterInfo, error) {
		inRoom, err := l.isServerInRoom(ctx, record.RoomID)
		if err != nil {
			return roomFilterInfo{}, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		switch {
		case inRoom:
			return l.currentRoomInfo(ctx, record.RoomID)
		case record.Membership == spec.Invite || record.Membership == spec.Knock:
			return l.strippedRoomInfo(ctx, record.RoomID)
		default:
			return l.departedRoomInfo(ctx, record.RoomID)
		}
	})
}

func (l *RoomLookup) currentRoomInfo(ctx context.Context, roomID string) (roomFilterInfo, error) {
	var info roomFilterInfo
	if l.roomTypes != nil {
		if roomType, ok := l.roomTypes.GetRoomType(roomID); ok {
			info.RoomType = &roomType
		}
	}
	if info.RoomType == nil {
		create, err := l.snapshot.CurrentStateEvent(ctx, roomID, spec.MRoomCreate, "")
		if err != nil {
			return info, fmt.Errorf("l.snapshot.CurrentStateEvent: %w", err)
		}
		if create != nil {
			roomType := roomTypeFromCreateContent(create.Content)
			info.RoomType = &roomType
			if l.roomTypes != nil {
				l.roomTypes.StoreRoomType(roomID, roomType)
			}
		}
	}

	encryption, err := l.snapshot.CurrentStateEvent(ctx, roomID, types.MRoomEncryption, "")
	if err != nil {
		return info, fmt.Errorf("l.snapshot.CurrentStateEvent: %w", err)
	}
	encrypted := encryption != nil
	info.Encrypted = &encrypted
	return info, nil
}

func (l *RoomLookup) strippedRoomInfo(ctx context.Context, roomID string) (roomFilterInfo, error) {
	var info roomFilterInfo
	events, err := l.snapshot.StrippedStateForRemoteInvite(ctx, l.userID, roomID)
	if err != nil {
		return info, fmt.Errorf("l.snapshot.StrippedStateForRemoteInvite: %w", err)
	}
	if events == nil {
		return info, nil
	}
	encrypted := false
	for _, ev := range events {
		switch ev.Type {
		case spec.MRoomCreate:
			roomType := roomTypeFromCreateContent(ev.Content)
			info.RoomType = &roomType
		case types.MRoomEncryption:
			encrypted = true
		}
	}
	info.Encrypted = &encrypted
	return info, nil
}

func (l *RoomLookup) departedRoomInfo(ctx context.Context, roomID string) (roomFilterInfo, error) {
	var info roomFilterInfo
	deltas, err := l.snapshot.CurrentStateDeltasForRoom(ctx, roomID, nil, &l.to)
	if err != nil {
		return info, fmt.Errorf("l.snapshot.CurrentStateDeltasForRoom: %w", err)
	}
	if len(deltas) == 0 {
		return info, nil
	}
	// The server leaving removes every state entry, so keep the last value
	// each entry had rather than the removal.
	var create, encryption *types.StateEvent
	for _, delta := range deltas {
		if delta.Event == nil || delta.StateKey != "" {
			continue
		}
		switch delta.Type {
		case spec.MRoomCreate:
			create = delta.Event
		case types.MRoomEncryption:
			encryption = delta.Event
		}
	}
	if create != nil {
		roomType := roomTypeFromCreateContent(create.Content)
		info.RoomType = &roomType
	}
	encrypted := encryption != nil
	info.Encrypted = &encrypted
	util.GetLogger(ctx).WithFields(logrus.Fields{
		"room_id":   roomID,
		"deltas":    len(deltas),
		"encrypted": encrypted,
	}).Debug("[V4_SYNC] Using last known state for departed room")
	return info, nil
}

// roomTypeFromCreateContent returns "" for rooms without a type.
func roomTypeFromCreateContent(content []byte) string {
	if res := gjson.GetBytes(content, "type"); res.Type == gjson.String {
		return res.Str
	}
	return ""
}
