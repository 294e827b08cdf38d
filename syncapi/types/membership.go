// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// MembershipRecord is the membership that explains why a room is part of a
// user's sync window. It is computed fresh for every request.
type MembershipRecord struct {
	RoomID string `json:"room_id"`
	// EventID is empty when the server left the room without an explicit
	// leave event for this user.
	EventID     string         `json:"event_id,omitempty"`
	Sender      string         `json:"sender"`
	Membership  string         `json:"membership"`
	Position    WriterPosition `json:"position"`
	NewlyJoined bool           `json:"newly_joined"`
	NewlyLeft   bool           `json:"newly_left"`
}

// MembershipSnapshot is the current membership of a local user in a room.
type MembershipSnapshot struct {
	RoomID            string
	UserID            string
	Sender            string
	MembershipEventID string
	Membership        string
	Forgotten         bool
	Position          WriterPosition
}

// MembershipChange is one entry of the append-only membership log for a user.
// The Prev fields describe the membership that this change replaced, and are
// empty when the user had no membership in the room before.
type MembershipChange struct {
	RoomID         string         `yaml:"room_id"`
	UserID         string         `yaml:"user_id"`
	EventID        string         `yaml:"event_id"`
	Sender         string         `yaml:"sender"`
	Membership     string         `yaml:"membership"`
	Position       WriterPosition `yaml:"position"`
	PrevEventID    string         `yaml:"prev_event_id"`
	PrevSender     string         `yaml:"prev_sender"`
	PrevMembership string         `yaml:"prev_membership"`
	PrevPosition   WriterPosition `yaml:"prev_position"`
}

// HasPrevMembership reports whether the user had a membership before this change.
func (c *MembershipChange) HasPrevMembership() bool {
	return c.PrevMembership != ""
}

// StateEvent is a state event as far as the room list engine cares about it.
type StateEvent struct {
	EventID  string          `json:"event_id,omitempty"`
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   string          `json:"sender,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// StateDelta is an entry in a room's current state delta log. Event is nil when
// the state entry was removed, which happens when the server leaves the room.
type StateDelta struct {
	RoomID   string
	Type     string
	StateKey string
	Position WriterPosition
	Event    *StateEvent
}

// StrippedStateEvent is a piece of state attached to an invite or knock, as seen
// by a server that is not in the room.
type StrippedStateEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   string          `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

// IsDurableMembership reports whether the membership keeps a room in the sync
// window on its own.
func IsDurableMembership(membership string) bool {
	switch membership {
	case spec.Join, spec.Invite, spec.Knock, spec.Ban:
		return true
	}
	return false
}

// MRoomEncryption is the state event that turns on encryption in a room.
const MRoomEncryption = "m.room.encryption"
