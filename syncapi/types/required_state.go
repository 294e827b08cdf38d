// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"sort"
)

// Sentinel values accepted in required_state requests.
const (
	StateWildcard = "*"
	StateLazy     = "$LAZY"
	StateMe       = "$ME"
)

// StateTypeMatcher matches an event type: either one concrete type or any type.
type StateTypeMatcher struct {
	Any       bool
	EventType string
}

// StateKeyKind says how a StateKeyMatcher matches.
type StateKeyKind uint8

const (
	StateKeyConcrete StateKeyKind = iota
	StateKeyAny
	StateKeyLazy
	StateKeyMe
)

// StateKeyMatcher matches a state key.
type StateKeyMatcher struct {
	Kind     StateKeyKind
	StateKey string
}

// RequiredStateEntry is one (type, state_key) pattern.
type RequiredStateEntry struct {
	Type StateTypeMatcher
	Key  StateKeyMatcher
}

// ParseRequiredStateEntry turns the request's string pair into matchers.
func ParseRequiredStateEntry(eventType, stateKey string) RequiredStateEntry {
	var e RequiredStateEntry
	if eventType == StateWildcard {
		e.Type = StateTypeMatcher{Any: true}
	} else {
		e.Type = StateTypeMatcher{EventType: eventType}
	}
	switch stateKey {
	case StateWildcard:
		e.Key = StateKeyMatcher{Kind: StateKeyAny}
	case StateLazy:
		e.Key = StateKeyMatcher{Kind: StateKeyLazy}
	case StateMe:
		e.Key = StateKeyMatcher{Kind: StateKeyMe}
	default:
		e.Key = StateKeyMatcher{StateKey: stateKey}
	}
	return e
}

// Strings returns the request form of the entry.
func (e RequiredStateEntry) Strings() (eventType, stateKey string) {
	eventType = e.Type.EventType
	if e.Type.Any {
		eventType = StateWildcard
	}
	switch e.Key.Kind {
	case StateKeyAny:
		stateKey = StateWildcard
	case StateKeyLazy:
		stateKey = StateLazy
	case StateKeyMe:
		stateKey = StateMe
	default:
		stateKey = e.Key.StateKey
	}
	return
}

func (m StateTypeMatcher) covers(other StateTypeMatcher) bool {
	if m.Any {
		return true
	}
	return !other.Any && m.EventType == other.EventType
}

func (m StateKeyMatcher) covers(other StateKeyMatcher) bool {
	if m.Kind == StateKeyAny {
		return true
	}
	if m.Kind != other.Kind {
		return false
	}
	return m.Kind != StateKeyConcrete || m.StateKey == other.StateKey
}

// Covers reports whether every (type, key) matched by other is matched by e.
// A wildcard type only absorbs entries with the same key, and a wildcard key
// only absorbs entries with the same type, so (*, k) never covers (t, *).
func (e RequiredStateEntry) Covers(other RequiredStateEntry) bool {
	return e.Type.covers(other.Type) && e.Key.covers(other.Key)
}

func (e RequiredStateEntry) less(other RequiredStateEntry) bool {
	at, ak := e.Strings()
	bt, bk := other.Strings()
	if at != bt {
		return at < bt
	}
	return ak < bk
}

// RoomSyncConfigParams is the part of a list or room subscription that feeds
// into a RoomSyncConfig.
type RoomSyncConfigParams struct {
	TimelineLimit int
	RequiredState [][2]string
}

// RoomSyncConfig is the normalised timeline limit and required state for a room.
//
// The required state is kept as the minimal set of entries with the same
// coverage as everything inserted: no entry is covered by another. That makes
// Combine commutative, associative and idempotent, since the result only
// depends on the coverage of its inputs.
type RoomSyncConfig struct {
	TimelineLimit int
	entries       []RequiredStateEntry
}

// FromRoomConfig flattens a list or room subscription into a RoomSyncConfig.
func FromRoomConfig(params RoomSyncConfigParams) *RoomSyncConfig {
	c := &RoomSyncConfig{TimelineLimit: params.TimelineLimit}
	for _, pair := range params.RequiredState {
		c.Insert(ParseRequiredStateEntry(pair[0], pair[1]))
	}
	return c
}

// Insert adds an entry unless it is already covered, dropping anything the new
// entry covers.
func (c *RoomSyncConfig) Insert(entry RequiredStateEntry) {
	for _, existing := range c.entries {
		if existing.Covers(entry) {
			return
		}
	}
	kept := c.entries[:0]
	for _, existing := range c.entries {
		if !entry.Covers(existing) {
			kept = append(kept, existing)
		}
	}
	c.entries = append(kept, entry)
	sort.Slice(c.entries, func(i, j int) bool {
		return c.entries[i].less(c.entries[j])
	})
}

// CombineWith merges other into c.
func (c *RoomSyncConfig) CombineWith(other *RoomSyncConfig) {
	if other == nil {
		return
	}
	if other.TimelineLimit > c.TimelineLimit {
		c.TimelineLimit = other.TimelineLimit
	}
	for _, entry := range other.entries {
		c.Insert(entry)
	}
}

// Combine returns a new config covering everything a or b covers, with the
// larger timeline limit.
func Combine(a, b *RoomSyncConfig) *RoomSyncConfig {
	out := a.Clone()
	out.CombineWith(b)
	return out
}

// Clone returns a deep copy. Cloning nil returns an empty config.
func (c *RoomSyncConfig) Clone() *RoomSyncConfig {
	if c == nil {
		return &RoomSyncConfig{}
	}
	return &RoomSyncConfig{
		TimelineLimit: c.TimelineLimit,
		entries:       append([]RequiredStateEntry(nil), c.entries...),
	}
}

// Entries returns the normalised entries, sorted.
func (c *RoomSyncConfig) Entries() []RequiredStateEntry {
	return append([]RequiredStateEntry(nil), c.entries...)
}

// IsAllState reports whether the config asks for every state event.
func (c *RoomSyncConfig) IsAllState() bool {
	return len(c.entries) == 1 && c.entries[0].Type.Any && c.entries[0].Key.Kind == StateKeyAny
}

// Covers reports whether the (type, key) pair is requested. The pair uses the
// request string form, so "$LAZY" and "$ME" keys are only covered by the same
// sentinel or a wildcard key.
func (c *RoomSyncConfig) Covers(eventType, stateKey string) bool {
	query := ParseRequiredStateEntry(eventType, stateKey)
	for _, entry := range c.entries {
		if entry.Covers(query) {
			return true
		}
	}
	return false
}

// RequiredStateMap returns the config as event type to sorted state keys, using
// the sentinel strings for wildcards.
func (c *RoomSyncConfig) RequiredStateMap() map[string][]string {
	out := make(map[string][]string, len(c.entries))
	for _, entry := range c.entries {
		eventType, stateKey := entry.Strings()
		out[eventType] = append(out[eventType], stateKey)
	}
	return out
}

// Equal reports whether both configs have the same timeline limit and coverage.
func (c *RoomSyncConfig) Equal(other *RoomSyncConfig) bool {
	// nil is the empty config, as for Clone.
	if c == nil {
		c = &RoomSyncConfig{}
	}
	if other == nil {
		other = &RoomSyncConfig{}
	}
	if c.TimelineLimit != other.TimelineLimit || len(c.entries) != len(other.entries) {
		return false
	}
	for i := range c.entries {
		if c.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}
