// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpCreateRoomListTables creates the tables the room list engine reads from:
// membership snapshots and their change log, current room state and its delta
// log, stripped state for remote invites, event positions and account data.
func UpCreateRoomListTables(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
-- Current membership of every local user in every room they have been in.
CREATE TABLE IF NOT EXISTS syncapi_membership_snapshots (
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    sender TEXT NOT NULL DEFAULT '',
    -- empty when the server left the room without a leave event for the user
    membership_event_id TEXT NOT NULL DEFAULT '',
    membership TEXT NOT NULL,
    forgotten BOOLEAN NOT NULL DEFAULT FALSE,
    instance_name TEXT NOT NULL DEFAULT '',
    stream_pos BIGINT NOT NULL,
    PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS syncapi_membership_snapshots_user_idx
    ON syncapi_membership_snapshots(user_id);

CREATE INDEX IF NOT EXISTS syncapi_membership_snapshots_room_membership_idx
    ON syncapi_membership_snapshots(room_id, membership);

-- Append-only log of membership changes. The prev_* columns hold the
-- membership that the change replaced and are empty for a first membership.
CREATE TABLE IF NOT EXISTS syncapi_membership_changes (
    id BIGSERIAL PRIMARY KEY,
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_id TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    membership TEXT NOT NULL,
    instance_name TEXT NOT NULL DEFAULT '',
    stream_pos BIGINT NOT NULL,
    prev_event_id TEXT NOT NULL DEFAULT '',
    prev_sender TEXT NOT NULL DEFAULT '',
    prev_membership TEXT NOT NULL DEFAULT '',
    prev_instance_name TEXT NOT NULL DEFAULT '',
    prev_stream_pos BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS syncapi_membership_changes_user_pos_idx
    ON syncapi_membership_changes(user_id, stream_pos);

-- Current state of rooms the server is in.
CREATE TABLE IF NOT EXISTS syncapi_current_state (
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    event_id TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    PRIMARY KEY (room_id, type, state_key)
);

-- Log of changes to current state. A NULL content means the entry was
-- removed, which happens when the server leaves the room.
CREATE TABLE IF NOT EXISTS syncapi_state_deltas (
    id BIGSERIAL PRIMARY KEY,
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    instance_name TEXT NOT NULL DEFAULT '',
    stream_pos BIGINT NOT NULL,
    event_id TEXT,
    sender TEXT,
    content TEXT
);

CREATE INDEX IF NOT EXISTS syncapi_state_deltas_room_pos_idx
    ON syncapi_state_deltas(room_id, stream_pos);

-- Stripped state received with invites and knocks, as a JSON array.
CREATE TABLE IF NOT EXISTS syncapi_stripped_state (
    user_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    events TEXT NOT NULL,
    PRIMARY KEY (user_id, room_id)
);

-- Stream positions of room events, used to order rooms by activity.
CREATE TABLE IF NOT EXISTS syncapi_room_events (
    event_id TEXT NOT NULL PRIMARY KEY,
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    instance_name TEXT NOT NULL DEFAULT '',
    stream_pos BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS syncapi_room_events_room_writer_pos_idx
    ON syncapi_room_events(room_id, instance_name, stream_pos);

-- Global account data, e.g. m.direct.
CREATE TABLE IF NOT EXISTS syncapi_account_data (
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    content TEXT NOT NULL,
    PRIMARY KEY (user_id, type)
);
`)
	if err != nil {
		return fmt.Errorf("failed to create room list tables: %w", err)
	}
	return nil
}

// DownCreateRoomListTables drops the room list tables.
func DownCreateRoomListTables(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
DROP TABLE IF EXISTS syncapi_account_data;
DROP TABLE IF EXISTS syncapi_room_events;
DROP TABLE IF EXISTS syncapi_stripped_state;
DROP TABLE IF EXISTS syncapi_state_deltas;
DROP TABLE IF EXISTS syncapi_current_state;
DROP TABLE IF EXISTS syncapi_membership_changes;
DROP TABLE IF EXISTS syncapi_membership_snapshots;
`)
	if err != nil {
		return fmt.Errorf("failed to drop room list tables: %w", err)
	}
	return nil
}
