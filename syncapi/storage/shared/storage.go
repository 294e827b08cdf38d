// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncrooms/internal/sqlutil"
	"github.com/element-hq/syncrooms/syncapi/storage/tables"
	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"
)

// Database holds the tables and the write path shared by the sqlite and
// postgres implementations.
type Database struct {
	DB     *sql.DB
	Writer sqlutil.Writer
	// SnapshotOptions are used to begin snapshot transactions. nil means the
	// driver defaults.
	SnapshotOptions     *sql.TxOptions
	MembershipSnapshots tables.MembershipSnapshots
	MembershipChanges   tables.MembershipChanges
	CurrentRoomState    tables.CurrentRoomState
	StateDeltas         tables.StateDeltas
	StrippedState       tables.StrippedState
	RoomEvents          tables.RoomEvents
	AccountData         tables.AccountData
}

// NewDatabaseSnapshot opens a transaction that every read of a single
// request goes through, so they all see the same data.
func (d *Database) NewDatabaseSnapshot(ctx context.Context) (*DatabaseTransaction, error) {
	txn, err := d.DB.BeginTx(ctx, d.SnapshotOptions)
	if err != nil {
		return nil, err
	}
	return &DatabaseTransaction{
		Database: d,
		ctx:      ctx,
		txn:      txn,
	}, nil
}

// StoreMembershipChange appends a membership change for a local user and
// updates their membership snapshot. The Prev fields are taken from the
// snapshot being replaced, so the log and the snapshots can't disagree.
// A new membership clears the forgotten flag.
func (d *Database) StoreMembershipChange(ctx context.Context, change types.MembershipChange) (types.MembershipChange, error) {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		prev, err := d.MembershipSnapshots.SelectMembershipSnapshot(ctx, txn, change.RoomID, change.UserID)
		switch {
		case err == nil:
			change.PrevEventID = prev.MembershipEventID
			change.PrevSender = prev.Sender
			change.PrevMembership = prev.Membership
			change.PrevPosition = prev.Position
		case errors.Is(err, sql.ErrNoRows):
			change.PrevEventID, change.PrevSender, change.PrevMembership = "", "", ""
			change.PrevPosition = types.WriterPosition{}
		default:
			return errors.Wrap(err, "d.MembershipSnapshots.SelectMembershipSnapshot")
		}

		if err = d.MembershipChanges.InsertMembershipChange(ctx, txn, &change); err != nil {
			return errors.Wrap(err, "d.MembershipChanges.InsertMembershipChange")
		}
		if err = d.MembershipSnapshots.UpsertMembershipSnapshot(ctx, txn, &types.MembershipSnapshot{
			RoomID:            change.RoomID,
			UserID:            change.UserID,
			Sender:            change.Sender,
			MembershipEventID: change.EventID,
			Membership:        change.Membership,
			Position:          change.Position,
		}); err != nil {
			return errors.Wrap(err, "d.MembershipSnapshots.UpsertMembershipSnapshot")
		}
		// The server leaving a room has no event of its own.
		if change.EventID != "" {
			if err = d.RoomEvents.InsertRoomEvent(ctx, txn, change.RoomID, change.EventID, spec.MRoomMember, change.Position); err != nil {
				return errors.Wrap(err, "d.RoomEvents.InsertRoomEvent")
			}
		}
		return nil
	})
	return change, err
}

// StoreCurrentStateEvent makes the event part of the room's current state and
// records the change in the state delta log.
func (d *Database) StoreCurrentStateEvent(ctx context.Context, roomID string, event *types.StateEvent, pos types.WriterPosition) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.CurrentRoomState.UpsertRoomState(ctx, txn, roomID, event); err != nil {
			return errors.Wrap(err, "d.CurrentRoomState.UpsertRoomState")
		}
		if err := d.StateDeltas.InsertStateDelta(ctx, txn, &types.StateDelta{
			RoomID:   roomID,
			Type:     event.Type,
			StateKey: event.StateKey,
			Position: pos,
			Event:    event,
		}); err != nil {
			return errors.Wrap(err, "d.StateDeltas.InsertStateDelta")
		}
		if event.EventID != "" {
			if err := d.RoomEvents.InsertRoomEvent(ctx, txn, roomID, event.EventID, event.Type, pos); err != nil {
				return errors.Wrap(err, "d.RoomEvents.InsertRoomEvent")
			}
		}
		return nil
	})
}

// RemoveCurrentStateEvent drops an entry from the room's current state, as
// happens to every entry when the server leaves the room.
func (d *Database) RemoveCurrentStateEvent(ctx context.Context, roomID, eventType, stateKey string, pos types.WriterPosition) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.CurrentRoomState.DeleteRoomState(ctx, txn, roomID, eventType, stateKey); err != nil {
			return errors.Wrap(err, "d.CurrentRoomState.DeleteRoomState")
		}
		if err := d.StateDeltas.InsertStateDelta(ctx, txn, &types.StateDelta{
			RoomID:   roomID,
			Type:     eventType,
			StateKey: stateKey,
			Position: pos,
		}); err != nil {
			return errors.Wrap(err, "d.StateDeltas.InsertStateDelta")
		}
		return nil
	})
}

// StoreStateDelta appends to the state delta log without touching current state.
func (d *Database) StoreStateDelta(ctx context.Context, delta types.StateDelta) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return errors.Wrap(d.StateDeltas.InsertStateDelta(ctx, txn, &delta), "d.StateDeltas.InsertStateDelta")
	})
}

// StoreStrippedState replaces the stripped state that came with an invite or
// knock for the user.
func (d *Database) StoreStrippedState(ctx context.Context, userID, roomID string, events []types.StrippedStateEvent) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return errors.Wrap(d.StrippedState.UpsertStrippedState(ctx, txn, userID, roomID, events), "d.StrippedState.UpsertStrippedState")
	})
}

// StoreRoomEvent records the position of an event in a room.
func (d *Database) StoreRoomEvent(ctx context.Context, roomID, eventID, eventType string, pos types.WriterPosition) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return errors.Wrap(d.RoomEvents.InsertRoomEvent(ctx, txn, roomID, eventID, eventType, pos), "d.RoomEvents.InsertRoomEvent")
	})
}

// SetRoomForgotten marks the room as forgotten by the user.
func (d *Database) SetRoomForgotten(ctx context.Context, roomID, userID string, forgotten bool) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return errors.Wrap(d.MembershipSnapshots.UpdateMembershipForgotten(ctx, txn, roomID, userID, forgotten), "d.MembershipSnapshots.UpdateMembershipForgotten")
	})
}

// UpsertAccountData stores global account data for the user.
func (d *Database) UpsertAccountData(ctx context.Context, userID, dataType string, content []byte) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return errors.Wrap(d.AccountData.UpsertAccountData(ctx, txn, userID, dataType, content), "d.AccountData.UpsertAccountData")
	})
}
