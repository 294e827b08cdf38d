// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/syncrooms/internal/caching"
	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/setup/config"
	"github.com/element-hq/syncrooms/setup/jetstream"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/storage/shared"
	"github.com/element-hq/syncrooms/test"
)

const alice = "@alice:localhost"

// memoryDMRooms is a DMRoomsCache that applies writes immediately.
type memoryDMRooms struct {
	mu    sync.Mutex
	rooms map[string][]string
}

func (c *memoryDMRooms) GetDMRooms(userID string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms, ok := c.rooms[userID]
	return rooms, ok
}

func (c *memoryDMRooms) StoreDMRooms(userID string, roomIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[userID] = roomIDs
}

func (c *memoryDMRooms) EvictDMRooms(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, userID)
}

// failingDatabase fails every account data write.
type failingDatabase struct {
	storage.Database
	err error
}

func (d *failingDatabase) UpsertAccountData(ctx context.Context, userID, dataType string, content []byte) error {
	return d.err
}

func testConfig() *config.SyncRooms {
	var cfg config.SyncRooms
	cfg.Defaults(config.DefaultOpts{Generate: true, SingleDatabase: true})
	cfg.Global.JetStream.InMemory = true
	cfg.Global.JetStream.NoLog = true
	return &cfg
}

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

func accountDataMsg(userID, roomID, dataType, content string) *nats.Msg {
	msg := nats.NewMsg("")
	msg.Header.Set(jetstream.UserID, userID)
	if roomID != "" {
		msg.Header.Set(jetstream.RoomID, roomID)
	}
	msg.Header.Set(jetstream.DataType, dataType)
	msg.Data = []byte(content)
	return msg
}

func dmRoomIDs(t *testing.T, db storage.Database) []string {
	t.Helper()
	snapshot, err := db.NewDatabaseSnapshot(context.Background())
	require.NoError(t, err)
	defer snapshot.Rollback() // nolint: errcheck
	roomIDs, err := snapshot.DMRoomIDs(context.Background(), alice)
	require.NoError(t, err)
	return roomIDs
}

func TestOutputClientDataConsumer_onMessage(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, close := mustCreateDatabase(t, dbType)
		defer close()
		ctx := context.Background()
		cfg := testConfig()

		cache := &memoryDMRooms{rooms: map[string][]string{alice: {"!stale:localhost"}}}
		loader := caching.NewDMRoomsLoader(cache)
		s := NewOutputClientDataConsumer(ctx, &cfg.SyncAPI, nil, db, loader)

		tests := []struct {
			name    string
			msg     *nats.Msg
			ack     bool
			evicted bool
			rooms   []string
		}{
			{
				name:  "room account data is ignored",
				msg:   accountDataMsg(alice, "!a:localhost", shared.DirectChatsAccountDataType, `{"@bob:localhost":["!a:localhost"]}`),
				ack:   true,
				rooms: []string{},
			},
			{
				name:  "other types are ignored",
				msg:   accountDataMsg(alice, "", "m.push_rules", `{}`),
				ack:   true,
				rooms: []string{},
			},
			{
				name:  "remote users are ignored",
				msg:   accountDataMsg("@alice:remote", "", shared.DirectChatsAccountDataType, `{"@bob:localhost":["!a:localhost"]}`),
				ack:   true,
				rooms: []string{},
			},
			{
				name:  "malformed content is dropped",
				msg:   accountDataMsg(alice, "", shared.DirectChatsAccountDataType, `["!a:localhost"]`),
				ack:   true,
				rooms: []string{},
			},
			{
				name:    "m.direct is stored",
				msg:     accountDataMsg(alice, "", shared.DirectChatsAccountDataType, `{"@bob:localhost":["!b:localhost","!a:localhost"]}`),
				ack:     true,
				evicted: true,
				rooms:   []string{"!a:localhost", "!b:localhost"},
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.ack, s.onMessage(ctx, []*nats.Msg{tt.msg}))
				_, cached := cache.GetDMRooms(alice)
				assert.Equal(t, tt.evicted, !cached)
				assert.Equal(t, tt.rooms, dmRoomIDs(t, db))
			})
		}
	})
}

func TestOutputClientDataConsumer_StorageFailure(t *testing.T) {
	cfg := testConfig()
	boom := errors.New("boom")
	s := NewOutputClientDataConsumer(context.Background(), &cfg.SyncAPI, nil, &failingDatabase{err: boom}, nil)

	msg := accountDataMsg(alice, "", shared.DirectChatsAccountDataType, `{}`)
	assert.False(t, s.onMessage(context.Background(), []*nats.Msg{msg}), "storage failures are redelivered")
}

func TestOutputClientDataConsumer_JetStream(t *testing.T) {
	db, close := mustCreateDatabase(t, test.DBTypeSQLite)
	defer close()
	cfg := testConfig()
	cfg.Global.JetStream.StoragePath = config.Path(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var natsInstance jetstream.NATSInstance
	js, nc, err := natsInstance.Prepare(&cfg.Global.JetStream)
	require.NoError(t, err)
	defer nc.Close()
	defer natsInstance.Shutdown()

	s := NewOutputClientDataConsumer(ctx, &cfg.SyncAPI, js, db, nil)
	require.NoError(t, s.Start())

	msg := accountDataMsg(alice, "", shared.DirectChatsAccountDataType, `{"@bob:localhost":["!dm:localhost"]}`)
	msg.Subject = cfg.Global.JetStream.Prefixed(jetstream.OutputClientData)
	_, err = js.PublishMsg(msg)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		roomIDs := dmRoomIDs(t, db)
		return len(roomIDs) == 1 && roomIDs[0] == "!dm:localhost"
	}, 10*time.Second, 50*time.Millisecond)
}
