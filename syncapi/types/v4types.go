// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
)

// RoomListsRequest is the part of a sliding sync request that decides which
// rooms are sent and how they are ordered.
type RoomListsRequest struct {
	UserID string
	// FromToken is nil on an initial sync.
	FromToken *StreamToken
	ToToken   StreamToken

	// Named list configurations with sliding windows
	Lists map[string]SlidingListConfig `json:"lists,omitempty"`

	// Explicit room subscriptions by room ID
	RoomSubscriptions map[string]RoomSubscriptionConfig `json:"room_subscriptions,omitempty"`
}

// SlidingListConfig defines a filtered, windowed view of rooms
type SlidingListConfig struct {
	// Maximum number of timeline events to return per room
	TimelineLimit int `json:"timeline_limit"`

	// State event filtering configuration
	RequiredState RequiredStateConfig `json:"required_state"`

	// Sliding window range [start, end] (inclusive). Omitted = no windowing
	// MSC4186 uses "range" (singular), MSC3575 used "ranges" (plural, nested array)
	Range []int `json:"range,omitempty"`

	// Room filtering criteria
	Filters *SlidingRoomFilter `json:"filters,omitempty"`
}

// UnmarshalJSON implements custom unmarshaling to support both "range" (MSC4186)
// and "ranges" (MSC3575) field names for backwards compatibility with older clients
func (c *SlidingListConfig) UnmarshalJSON(data []byte) error {
	type Alias SlidingListConfig
	aux := &struct {
		*Alias
		Ranges [][]int `json:"ranges,omitempty"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(c.Range) == 0 && len(aux.Ranges) > 0 && len(aux.Ranges[0]) == 2 {
		c.Range = aux.Ranges[0]
	}

	return nil
}

// RoomSyncConfig converts the list's timeline and state parameters.
func (c *SlidingListConfig) RoomSyncConfig() *RoomSyncConfig {
	return FromRoomConfig(RoomSyncConfigParams{
		TimelineLimit: c.TimelineLimit,
		RequiredState: c.RequiredState.Pairs(),
	})
}

// RequiredStateConfig controls which state events to return
type RequiredStateConfig struct {
	// State event patterns to include (type, state_key pairs)
	// Supports wildcards: ["*", "*"], ["m.room.member", "$ME"], ["m.room.member", "$LAZY"]
	Include [][]string `json:"include,omitempty"`
}

// UnmarshalJSON accepts the shorthand array form [["type", "key"], ...] as
// well as {"include": [...]}.
func (r *RequiredStateConfig) UnmarshalJSON(data []byte) error {
	var arr [][]string
	if err := json.Unmarshal(data, &arr); err == nil {
		r.Include = arr
		return nil
	}

	type Alias RequiredStateConfig
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(r),
	}
	return json.Unmarshal(data, aux)
}

// Pairs returns the well-formed (type, state_key) pairs. Entries that are not
// pairs are skipped; rejecting them is up to the request layer.
func (r *RequiredStateConfig) Pairs() [][2]string {
	pairs := make([][2]string, 0, len(r.Include))
	for _, entry := range r.Include {
		if len(entry) != 2 {
			continue
		}
		pairs = append(pairs, [2]string{entry[0], entry[1]})
	}
	return pairs
}

// SlidingRoomFilter contains criteria for filtering rooms in a list. Unset
// fields don't filter anything.
type SlidingRoomFilter struct {
	// Filter to DM rooms only
	IsDM *bool `json:"is_dm,omitempty"`

	// Filter to encrypted rooms only
	IsEncrypted *bool `json:"is_encrypted,omitempty"`

	// Filter to invites only
	IsInvite *bool `json:"is_invite,omitempty"`

	// Include rooms of these types (e.g., "m.space"). "" or null is a room
	// without a type.
	RoomTypes []string `json:"room_types,omitempty"`

	// Exclude rooms of these types. Takes precedence over RoomTypes.
	NotRoomTypes []string `json:"not_room_types,omitempty"`
}

// IsEmpty reports whether the filter has no predicates set.
func (f *SlidingRoomFilter) IsEmpty() bool {
	return f == nil || (f.IsDM == nil && f.IsEncrypted == nil && f.IsInvite == nil &&
		f.RoomTypes == nil && f.NotRoomTypes == nil)
}

// NeedsRoomInfo reports whether evaluating the filter needs room state.
func (f *SlidingRoomFilter) NeedsRoomInfo() bool {
	return f != nil && (f.IsEncrypted != nil || f.RoomTypes != nil || f.NotRoomTypes != nil)
}

// RoomSubscriptionConfig for direct room subscriptions
type RoomSubscriptionConfig struct {
	// Maximum number of timeline events to return
	TimelineLimit int `json:"timeline_limit"`

	// State event filtering configuration
	RequiredState RequiredStateConfig `json:"required_state"`
}

// RoomSyncConfig converts the subscription's timeline and state parameters.
func (c *RoomSubscriptionConfig) RoomSyncConfig() *RoomSyncConfig {
	return FromRoomConfig(RoomSyncConfigParams{
		TimelineLimit: c.TimelineLimit,
		RequiredState: c.RequiredState.Pairs(),
	})
}

// RoomListsResponse is the resolved set of lists and per-room configs.
type RoomListsResponse struct {
	Lists map[string]SlidingList `json:"lists"`
	// Rooms holds the membership record for every room in any list window or
	// room subscription.
	Rooms map[string]MembershipRecord `json:"rooms"`
	// RoomConfigs is the merged config for every room in Rooms.
	RoomConfigs map[string]*RoomSyncConfig `json:"-"`
}

// SlidingList represents a list result with operations
type SlidingList struct {
	// Total count of rooms matching filters
	Count int `json:"count"`

	// Operations describing how to update the list
	Ops []SlidingOperation `json:"ops,omitempty"`
}

// SlidingOperation describes a change to a room list
type SlidingOperation struct {
	// Operation type: "SYNC", "INSERT", "DELETE", "INVALIDATE"
	Op string `json:"op"`

	// Range [start, end] for SYNC/INVALIDATE operations
	Range []int `json:"range,omitempty"`

	// Room IDs for SYNC/INSERT operations
	RoomIDs []string `json:"room_ids,omitempty"`
}
