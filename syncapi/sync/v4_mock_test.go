// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// mockSnapshot implements storage.DatabaseTransaction for testing
// Uses interface embedding - only override methods needed for tests
type mockSnapshot struct {
	storage.DatabaseTransaction

	snapshots    map[string]map[string]types.MembershipSnapshot // userID -> roomID -> snapshot
	changes      []types.MembershipChange                       // in position order
	forgotten    map[string]mapset.Set[string]                  // userID -> room IDs
	stateEvents  map[string]map[string]*types.StateEvent        // roomID -> "type|stateKey" -> event
	deltas       map[string][]types.StateDelta                  // roomID -> deltas
	stripped     map[string][]types.StrippedStateEvent          // roomID -> stripped state
	roomEvents   map[string][]types.WriterPosition              // roomID -> event positions
	serverInRoom map[string]bool
	dmRooms      map[string][]string

	// calls counts reads by method name
	calls map[string]int
	// failWith makes the named method return the error
	failWith map[string]error
}

// newMockSnapshot creates a new mock snapshot with default empty maps
func newMockSnapshot() *mockSnapshot {
	return &mockSnapshot{
		snapshots:    make(map[string]map[string]types.MembershipSnapshot),
		forgotten:    make(map[string]mapset.Set[string]),
		stateEvents:  make(map[string]map[string]*types.StateEvent),
		deltas:       make(map[string][]types.StateDelta),
		stripped:     make(map[string][]types.StrippedStateEvent),
		roomEvents:   make(map[string][]types.WriterPosition),
		serverInRoom: make(map[string]bool),
		dmRooms:      make(map[string][]string),
		calls:        make(map[string]int),
		failWith:     make(map[string]error),
	}
}

// AddMembership records a membership change the way the storage layer does:
// the previous membership comes from the current snapshot, which is then
// replaced.
func (m *mockSnapshot) AddMembership(roomID, userID, eventID, sender, membership string, pos types.WriterPosition) types.MembershipChange {
	change := types.MembershipChange{
		RoomID:     roomID,
		UserID:     userID,
		EventID:    eventID,
		Sender:     sender,
		Membership: membership,
		Position:   pos,
	}
	if m.snapshots[userID] == nil {
		m.snapshots[userID] = make(map[string]types.MembershipSnapshot)
	}
	if prev, ok := m.snapshots[userID][roomID]; ok {
		change.PrevEventID = prev.MembershipEventID
		change.PrevSender = prev.Sender
		change.PrevMembership = prev.Membership
		change.PrevPosition = prev.Position
	}
	m.changes = append(m.changes, change)
	m.snapshots[userID][roomID] = types.MembershipSnapshot{
		RoomID:            roomID,
		UserID:            userID,
		Sender:            sender,
		MembershipEventID: eventID,
		Membership:        membership,
		Position:          pos,
	}
	if eventID != "" {
		m.AddRoomEvent(roomID, pos)
	}
	return change
}

// Forget marks the room as forgotten by the user
func (m *mockSnapshot) Forget(roomID, userID string) {
	if m.forgotten[userID] == nil {
		m.forgotten[userID] = mapset.NewThreadUnsafeSet[string]()
	}
	m.forgotten[userID].Add(roomID)
}

// AddRoomEvent records an event of any type in the room
func (m *mockSnapshot) AddRoomEvent(roomID string, pos types.WriterPosition) {
	m.roomEvents[roomID] = append(m.roomEvents[roomID], pos)
}

// SetStateEvent sets a current state event for a room
func (m *mockSnapshot) SetStateEvent(roomID string, event *types.StateEvent) {
	if m.stateEvents[roomID] == nil {
		m.stateEvents[roomID] = make(map[string]*types.StateEvent)
	}
	m.stateEvents[roomID][event.Type+"|"+event.StateKey] = event
}

// AddStateDelta appends to a room's state delta log
func (m *mockSnapshot) AddStateDelta(delta types.StateDelta) {
	m.deltas[delta.RoomID] = append(m.deltas[delta.RoomID], delta)
}

func (m *mockSnapshot) SetStrippedState(roomID string, events []types.StrippedStateEvent) {
	m.stripped[roomID] = events
}

func (m *mockSnapshot) fail(method string) error {
	m.calls[method]++
	return m.failWith[method]
}

func inTokenRange(from, to *types.StreamToken, pos types.WriterPosition) bool {
	if from != nil && from.IsAfter(pos) {
		return false
	}
	return to == nil || to.IsAfter(pos)
}

// Interface implementations

func (m *mockSnapshot) MembershipSnapshotsForUser(ctx context.Context, userID string) ([]types.MembershipSnapshot, error) {
	if err := m.fail("MembershipSnapshotsForUser"); err != nil {
		return nil, err
	}
	var result []types.MembershipSnapshot
	for _, s := range m.snapshots[userID] {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RoomID < result[j].RoomID })
	return result, nil
}

func (m *mockSnapshot) MembershipChangesForUser(ctx context.Context, userID string, from, to *types.StreamToken) ([]types.MembershipChange, error) {
	if err := m.fail("MembershipChangesForUser"); err != nil {
		return nil, err
	}
	var result []types.MembershipChange
	for _, c := range m.changes {
		if c.UserID == userID && inTokenRange(from, to, c.Position) {
			result = append(result, c)
		}
	}
	return result, nil
}

func (m *mockSnapshot) ForgottenRoomsForUser(ctx context.Context, userID string) (mapset.Set[string], error) {
	if err := m.fail("ForgottenRoomsForUser"); err != nil {
		return nil, err
	}
	if set, ok := m.forgotten[userID]; ok {
		return set.Clone(), nil
	}
	return mapset.NewThreadUnsafeSet[string](), nil
}

func (m *mockSnapshot) CurrentStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*types.StateEvent, error) {
	if err := m.fail("CurrentStateEvent"); err != nil {
		return nil, err
	}
	if roomEvents, ok := m.stateEvents[roomID]; ok {
		if event, ok := roomEvents[eventType+"|"+stateKey]; ok {
			return event, nil
		}
	}
	return nil, nil
}

func (m *mockSnapshot) CurrentStateDeltasForRoom(ctx context.Context, roomID string, from, to *types.StreamToken) ([]types.StateDelta, error) {
	if err := m.fail("CurrentStateDeltasForRoom"); err != nil {
		return nil, err
	}
	var result []types.StateDelta
	for _, d := range m.deltas[roomID] {
		if inTokenRange(from, to, d.Position) {
			result = append(result, d)
		}
	}
	return result, nil
}

func (m *mockSnapshot) IsServerInRoom(ctx context.Context, roomID string) (bool, error) {
	if err := m.fail("IsServerInRoom"); err != nil {
		return false, err
	}
	return m.serverInRoom[roomID], nil
}

func (m *mockSnapshot) StrippedStateForRemoteInvite(ctx context.Context, userID, roomID string) ([]types.StrippedStateEvent, error) {
	if err := m.fail("StrippedStateForRemoteInvite"); err != nil {
		return nil, err
	}
	return m.stripped[roomID], nil
}

func (m *mockSnapshot) LatestEventPositionsInRooms(ctx context.Context, roomIDs []string, to types.StreamToken) (map[string]types.WriterPosition, error) {
	if err := m.fail("LatestEventPositionsInRooms"); err != nil {
		return nil, err
	}
	result := make(map[string]types.WriterPosition)
	for _, roomID := range roomIDs {
		for _, pos := range m.roomEvents[roomID] {
			if !to.IsAfter(pos) {
				continue
			}
			if existing, ok := result[roomID]; !ok || pos.Position > existing.Position {
				result[roomID] = pos
			}
		}
	}
	return result, nil
}

func (m *mockSnapshot) DMRoomIDs(ctx context.Context, userID string) ([]string, error) {
	if err := m.fail("DMRoomIDs"); err != nil {
		return nil, err
	}
	return m.dmRooms[userID], nil
}

// Transaction interface methods (no-ops for testing)
func (m *mockSnapshot) Commit() error   { return nil }
func (m *mockSnapshot) Rollback() error { return nil }

// timeline hands out increasing positions on a single writer, and event IDs
// that say what happened.
type timeline struct {
	snapshot *mockSnapshot
	writer   string
	pos      types.StreamPosition
}

func newTimeline(snapshot *mockSnapshot) *timeline {
	return &timeline{snapshot: snapshot, writer: "master"}
}

func (tl *timeline) next() types.WriterPosition {
	tl.pos++
	return types.WriterPosition{Writer: tl.writer, Position: tl.pos}
}

// Token returns a scalar token covering everything so far.
func (tl *timeline) Token() types.StreamToken {
	return types.NewScalarStreamToken(tl.pos)
}

func (tl *timeline) TokenPtr() *types.StreamToken {
	token := tl.Token()
	return &token
}

func (tl *timeline) membership(roomID, userID, sender, membership string) string {
	pos := tl.next()
	eventID := fmt.Sprintf("$%s_%s_%d", membership, roomID[1:], pos.Position)
	tl.snapshot.AddMembership(roomID, userID, eventID, sender, membership, pos)
	return eventID
}

func (tl *timeline) Join(roomID, userID string) string {
	return tl.membership(roomID, userID, userID, spec.Join)
}

func (tl *timeline) Leave(roomID, userID string) string {
	return tl.membership(roomID, userID, userID, spec.Leave)
}

func (tl *timeline) Kick(roomID, userID, sender string) string {
	return tl.membership(roomID, userID, sender, spec.Leave)
}

func (tl *timeline) Invite(roomID, userID, sender string) string {
	return tl.membership(roomID, userID, sender, spec.Invite)
}

func (tl *timeline) Knock(roomID, userID string) string {
	return tl.membership(roomID, userID, userID, spec.Knock)
}

func (tl *timeline) Ban(roomID, userID, sender string) string {
	return tl.membership(roomID, userID, sender, spec.Ban)
}

// Message sends a non-membership event in the room.
func (tl *timeline) Message(roomID string) types.WriterPosition {
	pos := tl.next()
	tl.snapshot.AddRoomEvent(roomID, pos)
	return pos
}
