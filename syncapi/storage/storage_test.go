package storage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/setup/config"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/element-hq/syncrooms/test"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "@alice:localhost"

func mustCreateDatabase(t *testing.T, dbType test.DBType) (storage.Database, func()) {
	connStr, close := test.PrepareDBConnectionString(t, dbType)
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	db, err := storage.NewSyncServerDatasource(context.Background(), cm, &config.DatabaseOptions{
		ConnectionString: config.DataSource(connStr),
	})
	if err != nil {
		t.Fatalf("NewSyncServerDatasource returned %s", err)
	}
	return db, close
}

func mustSnapshot(t *testing.T, db storage.Database) storage.DatabaseTransaction {
	t.Helper()
	snapshot, err := db.NewDatabaseSnapshot(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = snapshot.Rollback()
	})
	return snapshot
}

func pos(writer string, p types.StreamPosition) types.WriterPosition {
	return types.WriterPosition{Writer: writer, Position: p}
}

func mustToken(t *testing.T, min types.StreamPosition, positions map[string]types.StreamPosition) types.StreamToken {
	t.Helper()
	token, err := types.NewMultiWriterStreamToken(min, positions)
	require.NoError(t, err)
	return token
}

func TestStoreMembershipChange(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		join, err := db.StoreMembershipChange(ctx, types.MembershipChange{
			RoomID: "!a:localhost", UserID: alice, EventID: "$join", Sender: alice,
			Membership: spec.Join, Position: pos("master", 3),
		})
		require.NoError(t, err)
		assert.False(t, join.HasPrevMembership())

		leave, err := db.StoreMembershipChange(ctx, types.MembershipChange{
			RoomID: "!a:localhost", UserID: alice, EventID: "$leave", Sender: alice,
			Membership: spec.Leave, Position: pos("master", 7),
		})
		require.NoError(t, err)
		assert.Equal(t, "$join", leave.PrevEventID)
		assert.Equal(t, spec.Join, leave.PrevMembership)
		assert.Equal(t, pos("master", 3), leave.PrevPosition)

		snapshot := mustSnapshot(t, db)
		snapshots, err := snapshot.MembershipSnapshotsForUser(ctx, alice)
		require.NoError(t, err)
		require.Len(t, snapshots, 1)
		assert.Equal(t, "$leave", snapshots[0].MembershipEventID)
		assert.Equal(t, spec.Leave, snapshots[0].Membership)
		assert.Equal(t, pos("master", 7), snapshots[0].Position)

		changes, err := snapshot.MembershipChangesForUser(ctx, alice, nil, nil)
		require.NoError(t, err)
		require.Len(t, changes, 2)
		assert.Equal(t, "$join", changes[0].EventID)
		assert.Equal(t, "$leave", changes[1].EventID)
		assert.Equal(t, "$join", changes[1].PrevEventID)

		inRoom, err := snapshot.IsServerInRoom(ctx, "!a:localhost")
		require.NoError(t, err)
		assert.False(t, inRoom)
	})
}

func TestMembershipChangesForUser_PerWriterBounds(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		for i, c := range []types.MembershipChange{
			{RoomID: "!a:localhost", EventID: "$a", Position: pos("worker1", 4)},
			{RoomID: "!b:localhost", EventID: "$b", Position: pos("worker1", 13)},
			{RoomID: "!c:localhost", EventID: "$c", Position: pos("worker2", 12)},
			{RoomID: "!d:localhost", EventID: "$d", Position: pos("worker2", 9)},
		} {
			c.UserID, c.Sender, c.Membership = alice, alice, spec.Join
			_, err := db.StoreMembershipChange(ctx, c)
			require.NoError(t, err, "change %d", i)
		}

		from := types.NewScalarStreamToken(5)
		// worker2 lags behind at min_stream.
		to := mustToken(t, 10, map[string]types.StreamPosition{"worker1": 14})

		snapshot := mustSnapshot(t, db)
		changes, err := snapshot.MembershipChangesForUser(ctx, alice, &from, &to)
		require.NoError(t, err)
		var eventIDs []string
		for _, c := range changes {
			eventIDs = append(eventIDs, c.EventID)
		}
		assert.Equal(t, []string{"$d", "$b"}, eventIDs)

		changes, err = snapshot.MembershipChangesForUser(ctx, alice, &to, nil)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, "$c", changes[0].EventID)
	})
}

func TestForgottenRooms(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		for _, roomID := range []string{"!a:localhost", "!b:localhost"} {
			_, err := db.StoreMembershipChange(ctx, types.MembershipChange{
				RoomID: roomID, UserID: alice, EventID: "$leave" + roomID, Sender: alice,
				Membership: spec.Leave, Position: pos("master", 2),
			})
			require.NoError(t, err)
		}
		require.NoError(t, db.SetRoomForgotten(ctx, "!a:localhost", alice, true))

		snapshot := mustSnapshot(t, db)
		forgotten, err := snapshot.ForgottenRoomsForUser(ctx, alice)
		require.NoError(t, err)
		assert.True(t, forgotten.Contains("!a:localhost"))
		assert.False(t, forgotten.Contains("!b:localhost"))
		require.NoError(t, snapshot.Rollback())

		// Rejoining clears the flag.
		_, err = db.StoreMembershipChange(ctx, types.MembershipChange{
			RoomID: "!a:localhost", UserID: alice, EventID: "$rejoin", Sender: alice,
			Membership: spec.Join, Position: pos("master", 5),
		})
		require.NoError(t, err)
		snapshot = mustSnapshot(t, db)
		forgotten, err = snapshot.ForgottenRoomsForUser(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, 0, forgotten.Cardinality())
	})
}

func TestCurrentStateAndDeltas(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()
		roomID := "!a:localhost"

		encryption := &types.StateEvent{
			EventID: "$enc", Type: types.MRoomEncryption, Sender: alice,
			Content: []byte(`{"algorithm":"m.megolm.v1.aes-sha2"}`),
		}
		require.NoError(t, db.StoreCurrentStateEvent(ctx, roomID, encryption, pos("master", 4)))
		require.NoError(t, db.RemoveCurrentStateEvent(ctx, roomID, types.MRoomEncryption, "", pos("master", 9)))

		snapshot := mustSnapshot(t, db)
		ev, err := snapshot.CurrentStateEvent(ctx, roomID, types.MRoomEncryption, "")
		require.NoError(t, err)
		assert.Nil(t, ev)

		deltas, err := snapshot.CurrentStateDeltasForRoom(ctx, roomID, nil, nil)
		require.NoError(t, err)
		require.Len(t, deltas, 2)
		require.NotNil(t, deltas[0].Event)
		assert.Equal(t, "$enc", deltas[0].Event.EventID)
		assert.JSONEq(t, `{"algorithm":"m.megolm.v1.aes-sha2"}`, string(deltas[0].Event.Content))
		assert.Nil(t, deltas[1].Event, "removal")

		to := types.NewScalarStreamToken(5)
		deltas, err = snapshot.CurrentStateDeltasForRoom(ctx, roomID, nil, &to)
		require.NoError(t, err)
		assert.Len(t, deltas, 1)
		require.NoError(t, snapshot.Rollback())

		create := &types.StateEvent{
			EventID: "$create", Type: spec.MRoomCreate, Sender: alice,
			Content: []byte(`{"type":"m.space"}`),
		}
		require.NoError(t, db.StoreCurrentStateEvent(ctx, roomID, create, pos("master", 10)))
		snapshot = mustSnapshot(t, db)
		ev, err = snapshot.CurrentStateEvent(ctx, roomID, spec.MRoomCreate, "")
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, "$create", ev.EventID)
		assert.JSONEq(t, `{"type":"m.space"}`, string(ev.Content))
	})
}

func TestStrippedState(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		events := []types.StrippedStateEvent{
			{Type: spec.MRoomCreate, Sender: "@bob:remote", Content: []byte(`{"creator":"@bob:remote"}`)},
		}
		require.NoError(t, db.StoreStrippedState(ctx, alice, "!remote:remote", events))

		snapshot := mustSnapshot(t, db)
		got, err := snapshot.StrippedStateForRemoteInvite(ctx, alice, "!remote:remote")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, spec.MRoomCreate, got[0].Type)
		assert.JSONEq(t, `{"creator":"@bob:remote"}`, string(got[0].Content))

		got, err = snapshot.StrippedStateForRemoteInvite(ctx, alice, "!other:remote")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestLatestEventPositionsInRooms(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		for _, e := range []struct {
			roomID, eventID string
			pos             types.WriterPosition
		}{
			{"!a:localhost", "$a1", pos("worker1", 5)},
			{"!a:localhost", "$a2", pos("worker2", 8)},
			{"!a:localhost", "$a3", pos("worker2", 12)},
			{"!b:localhost", "$b1", pos("worker2", 12)},
			{"!c:localhost", "$c1", pos("worker1", 14)},
			{"!c:localhost", "$c2", pos("worker1", 20)},
		} {
			require.NoError(t, db.StoreRoomEvent(ctx, e.roomID, e.eventID, "m.room.message", e.pos))
		}

		to := mustToken(t, 10, map[string]types.StreamPosition{"worker1": 14})
		snapshot := mustSnapshot(t, db)
		got, err := snapshot.LatestEventPositionsInRooms(ctx, []string{"!a:localhost", "!b:localhost", "!c:localhost", "!d:localhost"}, to)
		require.NoError(t, err)
		assert.Equal(t, map[string]types.WriterPosition{
			"!a:localhost": pos("worker2", 8),
			"!c:localhost": pos("worker1", 14),
		}, got)

		got, err = snapshot.LatestEventPositionsInRooms(ctx, nil, to)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestLatestEventPositionsInRooms_MoreRoomsThanQueryVariables(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		roomIDs := make([]string, 0, sqlutil.SQLite3MaxVariables+100)
		for i := 0; i < cap(roomIDs); i++ {
			roomID := fmt.Sprintf("!r%d:localhost", i)
			roomIDs = append(roomIDs, roomID)
			require.NoError(t, db.StoreRoomEvent(ctx, roomID, fmt.Sprintf("$e%d", i), "m.room.message", pos("worker1", types.StreamPosition(i%5+1))))
		}
		// past the upper position, so not visible
		require.NoError(t, db.StoreRoomEvent(ctx, roomIDs[len(roomIDs)-1], "$late", "m.room.message", pos("worker1", 50)))

		to := mustToken(t, 10, nil)
		snapshot := mustSnapshot(t, db)
		got, err := snapshot.LatestEventPositionsInRooms(ctx, roomIDs, to)
		require.NoError(t, err)
		assert.Len(t, got, len(roomIDs))
		assert.Equal(t, pos("worker1", 1), got["!r0:localhost"])
		last := len(roomIDs) - 1
		assert.Equal(t, pos("worker1", types.StreamPosition(last%5+1)), got[roomIDs[last]])
	})
}

func TestDMRoomIDs(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()

		snapshot := mustSnapshot(t, db)
		roomIDs, err := snapshot.DMRoomIDs(ctx, alice)
		require.NoError(t, err)
		assert.Empty(t, roomIDs)
		require.NoError(t, snapshot.Rollback())

		content := []byte(`{"@bob:localhost": ["!b:localhost", "!a:localhost"], "@carol:localhost": ["!a:localhost", 5], "@dave:localhost": "!x:localhost"}`)
		require.NoError(t, db.UpsertAccountData(ctx, alice, "m.direct", content))

		snapshot = mustSnapshot(t, db)
		roomIDs, err = snapshot.DMRoomIDs(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, []string{"!a:localhost", "!b:localhost"}, roomIDs)
	})
}
