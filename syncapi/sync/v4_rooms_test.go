// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "@alice:test"
	bob   = "@bob:test"
)

func resolve(t *testing.T, m *mockSnapshot, from *types.StreamToken, to types.StreamToken) map[string]types.MembershipRecord {
	t.Helper()
	rooms, err := ResolveRoomsForUser(context.Background(), m, alice, from, to)
	require.NoError(t, err)
	return rooms
}

func roomIDs(rooms map[string]types.MembershipRecord) []string {
	ids := make([]string, 0, len(rooms))
	for id := range rooms {
		ids = append(ids, id)
	}
	return ids
}

func TestResolveRooms_NewlyJoined(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	from := tl.TokenPtr()
	eventID := tl.Join("!a:test", alice)

	rooms := resolve(t, m, from, tl.Token())
	require.Len(t, rooms, 1)
	record := rooms["!a:test"]
	assert.Equal(t, eventID, record.EventID)
	assert.Equal(t, spec.Join, record.Membership)
	assert.Equal(t, alice, record.Sender)
	assert.True(t, record.NewlyJoined)
	assert.False(t, record.NewlyLeft)
}

func TestResolveRooms_AlreadyJoined(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	tl.Join("!a:test", alice)
	from := tl.TokenPtr()
	tl.Message("!a:test")

	rooms := resolve(t, m, from, tl.Token())
	require.Len(t, rooms, 1)
	assert.False(t, rooms["!a:test"].NewlyJoined)
	assert.False(t, rooms["!a:test"].NewlyLeft)
}

func TestResolveRooms_NoFromToken(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	tl.Join("!a:test", alice)
	tl.Join("!b:test", alice)
	tl.Leave("!b:test", alice)

	rooms := resolve(t, m, nil, tl.Token())
	assert.ElementsMatch(t, []string{"!a:test"}, roomIDs(rooms))
	assert.False(t, rooms["!a:test"].NewlyJoined, "an initial sync has nothing to be newly joined against")
}

func TestResolveRooms_DurableMemberships(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	invite := tl.Invite("!invite:test", alice, bob)
	knock := tl.Knock("!knock:test", alice)
	tl.Join("!ban:test", alice)
	ban := tl.Ban("!ban:test", alice, bob)

	rooms := resolve(t, m, nil, tl.Token())
	require.Len(t, rooms, 3)

	tests := []struct {
		roomID     string
		eventID    string
		sender     string
		membership string
	}{
		{"!invite:test", invite, bob, spec.Invite},
		{"!knock:test", knock, alice, spec.Knock},
		{"!ban:test", ban, bob, spec.Ban},
	}
	for _, tt := range tests {
		t.Run(tt.membership, func(t *testing.T) {
			record, ok := rooms[tt.roomID]
			require.True(t, ok)
			assert.Equal(t, tt.eventID, record.EventID)
			assert.Equal(t, tt.sender, record.Sender)
			assert.Equal(t, tt.membership, record.Membership)
			assert.False(t, record.NewlyJoined)
			assert.False(t, record.NewlyLeft)
		})
	}
}

func TestResolveRooms_Leaves(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	tl.Join("!kicked:test", alice)
	kick := tl.Kick("!kicked:test", alice, bob)
	tl.Join("!left:test", alice)
	tl.Leave("!left:test", alice)
	// The server dropping the membership without a leave event of its own.
	tl.Join("!purged:test", alice)
	m.AddMembership("!purged:test", alice, "", "", spec.Leave, tl.next())

	rooms := resolve(t, m, nil, tl.Token())
	assert.ElementsMatch(t, []string{"!kicked:test"}, roomIDs(rooms))
	assert.Equal(t, kick, rooms["!kicked:test"].EventID)
	assert.Equal(t, bob, rooms["!kicked:test"].Sender)
	assert.False(t, rooms["!kicked:test"].NewlyLeft, "no from token")
}

func TestResolveRooms_NewlyLeft(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	tl.Join("!old:test", alice)
	tl.Leave("!old:test", alice)
	tl.Join("!left:test", alice)
	tl.Join("!kicked:test", alice)
	from := tl.TokenPtr()
	leave := tl.Leave("!left:test", alice)
	tl.Kick("!kicked:test", alice, bob)

	rooms := resolve(t, m, from, tl.Token())
	assert.ElementsMatch(t, []string{"!left:test", "!kicked:test"}, roomIDs(rooms))

	left := rooms["!left:test"]
	assert.Equal(t, leave, left.EventID)
	assert.Equal(t, spec.Leave, left.Membership)
	assert.True(t, left.NewlyLeft)
	assert.False(t, left.NewlyJoined)

	assert.True(t, rooms["!kicked:test"].NewlyLeft)
}

func TestResolveRooms_JoinedAndLeftInRange(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	from := tl.TokenPtr()
	tl.Join("!a:test", alice)
	leave := tl.Leave("!a:test", alice)

	rooms := resolve(t, m, from, tl.Token())
	require.Len(t, rooms, 1)
	record := rooms["!a:test"]
	assert.Equal(t, leave, record.EventID)
	assert.True(t, record.NewlyLeft)
	assert.False(t, record.NewlyJoined, "only joins can be newly joined")
}

func TestResolveRooms_RejoinedInRange(t *testing.T) {
	tests := []struct {
		name        string
		joinBefore  bool
		newlyJoined bool
	}{
		{name: "first join in range", joinBefore: false, newlyJoined: true},
		{name: "left and rejoined in range", joinBefore: true, newlyJoined: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockSnapshot()
			tl := newTimeline(m)

			if tt.joinBefore {
				tl.Join("!a:test", alice)
			}
			from := tl.TokenPtr()
			if !tt.joinBefore {
				tl.Join("!a:test", alice)
			}
			tl.Leave("!a:test", alice)
			rejoin := tl.Join("!a:test", alice)

			rooms := resolve(t, m, from, tl.Token())
			require.Len(t, rooms, 1)
			record := rooms["!a:test"]
			assert.Equal(t, rejoin, record.EventID)
			assert.Equal(t, tt.newlyJoined, record.NewlyJoined)
			assert.False(t, record.NewlyLeft)
		})
	}
}

func TestResolveRooms_ProfileChanges(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	tl.Join("!a:test", alice)
	from := tl.TokenPtr()
	// A display name change is a join replacing a join.
	update := tl.Join("!a:test", alice)

	rooms := resolve(t, m, from, tl.Token())
	require.Len(t, rooms, 1)
	assert.Equal(t, update, rooms["!a:test"].EventID)
	assert.False(t, rooms["!a:test"].NewlyJoined)

	// With the window covering the original join as well it is newly joined.
	rooms = resolve(t, m, &types.StreamToken{}, tl.Token())
	assert.True(t, rooms["!a:test"].NewlyJoined)
}

func TestResolveRooms_RewindsChangesAfterTo(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	join := tl.Join("!a:test", alice)
	tl.Invite("!b:test", alice, bob)
	to := tl.Token()
	tl.Leave("!a:test", alice)
	tl.Join("!b:test", alice)
	tl.Join("!c:test", alice)

	rooms := resolve(t, m, nil, to)
	assert.ElementsMatch(t, []string{"!a:test", "!b:test"}, roomIDs(rooms))
	assert.Equal(t, join, rooms["!a:test"].EventID)
	assert.Equal(t, spec.Join, rooms["!a:test"].Membership)
	assert.Equal(t, spec.Invite, rooms["!b:test"].Membership)
	assert.Equal(t, bob, rooms["!b:test"].Sender)
}

func TestResolveRooms_FromAheadOfTo(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	tl.Join("!a:test", alice)
	to := tl.Token()
	tl.Leave("!a:test", alice)
	tl.Join("!b:test", alice)
	from := tl.TokenPtr()

	rooms := resolve(t, m, from, to)
	assert.ElementsMatch(t, []string{"!a:test"}, roomIDs(rooms))
	assert.False(t, rooms["!a:test"].NewlyJoined)
	assert.False(t, rooms["!a:test"].NewlyLeft)
}

func TestResolveRooms_Forgotten(t *testing.T) {
	m := newMockSnapshot()
	tl := newTimeline(m)

	tl.Join("!forgotten:test", alice)
	tl.Join("!flagged:test", alice)
	from := tl.TokenPtr()
	tl.Leave("!forgotten:test", alice)
	tl.Kick("!flagged:test", alice, bob)
	m.Forget("!forgotten:test", alice)
	flagged := m.snapshots[alice]["!flagged:test"]
	flagged.Forgotten = true
	m.snapshots[alice]["!flagged:test"] = flagged

	rooms := resolve(t, m, from, tl.Token())
	assert.Empty(t, rooms)

	rooms = resolve(t, m, nil, tl.Token())
	assert.Empty(t, rooms)
}

func TestResolveRooms_ShardedWriters(t *testing.T) {
	m := newMockSnapshot()

	// worker2 is stuck at 3 while worker1 has moved on to 10.
	to, err := types.NewMultiWriterStreamToken(3, map[string]types.StreamPosition{"worker1": 10})
	require.NoError(t, err)

	m.AddMembership("!seen:test", alice, "$seen", alice, spec.Join, types.WriterPosition{Writer: "worker1", Position: 6})
	m.AddMembership("!unseen:test", alice, "$unseen", alice, spec.Join, types.WriterPosition{Writer: "worker2", Position: 5})
	m.AddMembership("!early:test", alice, "$early", alice, spec.Join, types.WriterPosition{Writer: "worker2", Position: 2})

	rooms := resolve(t, m, nil, to)
	assert.ElementsMatch(t, []string{"!seen:test", "!early:test"}, roomIDs(rooms))

	from, err := types.NewMultiWriterStreamToken(2, map[string]types.StreamPosition{"worker1": 5})
	require.NoError(t, err)
	rooms = resolve(t, m, &from, to)
	assert.True(t, rooms["!seen:test"].NewlyJoined)
	assert.False(t, rooms["!early:test"].NewlyJoined)
}

func TestResolveRooms_Inconsistent(t *testing.T) {
	t.Run("snapshot disagrees with the latest change", func(t *testing.T) {
		m := newMockSnapshot()
		tl := newTimeline(m)
		to := tl.Token()
		tl.Join("!a:test", alice)
		snapshot := m.snapshots[alice]["!a:test"]
		snapshot.MembershipEventID = "$other"
		m.snapshots[alice]["!a:test"] = snapshot

		_, err := ResolveRoomsForUser(context.Background(), m, alice, nil, to)
		var ime *types.InconsistentMembershipError
		require.True(t, errors.As(err, &ime))
		assert.Equal(t, "!a:test", ime.RoomID)
		assert.Equal(t, "$other", ime.ExpectedEventID)
	})

	t.Run("snapshot after to without a change", func(t *testing.T) {
		m := newMockSnapshot()
		tl := newTimeline(m)
		to := tl.Token()
		tl.Join("!a:test", alice)
		m.changes = nil

		_, err := ResolveRoomsForUser(context.Background(), m, alice, nil, to)
		var ime *types.InconsistentMembershipError
		require.True(t, errors.As(err, &ime))
	})

	t.Run("change in range without a membership at to", func(t *testing.T) {
		m := newMockSnapshot()
		tl := newTimeline(m)
		from := tl.TokenPtr()
		tl.Join("!a:test", alice)
		delete(m.snapshots[alice], "!a:test")

		_, err := ResolveRoomsForUser(context.Background(), m, alice, from, tl.Token())
		var ime *types.InconsistentMembershipError
		require.True(t, errors.As(err, &ime))
	})
}

func TestResolveRooms_StorageErrors(t *testing.T) {
	for _, method := range []string{"MembershipSnapshotsForUser", "ForgottenRoomsForUser", "MembershipChangesForUser"} {
		t.Run(method, func(t *testing.T) {
			m := newMockSnapshot()
			tl := newTimeline(m)
			tl.Join("!a:test", alice)
			boom := errors.New("boom")
			m.failWith[method] = boom

			_, err := ResolveRoomsForUser(context.Background(), m, alice, &types.StreamToken{}, tl.Token())
			assert.ErrorIs(t, err, boom)
		})
	}
}
