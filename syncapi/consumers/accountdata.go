// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/syncrooms/internal/caching"
	"github.com/element-hq/syncrooms/internal/util"
	"github.com/element-hq/syncrooms/setup/config"
	"github.com/element-hq/syncrooms/setup/jetstream"
	"github.com/element-hq/syncrooms/syncapi/storage"
	"github.com/element-hq/syncrooms/syncapi/storage/shared"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// OutputClientDataConsumer consumes account data updates made by local users
// and keeps the DM rooms used by is_dm filters up to date.
type OutputClientDataConsumer struct {
	ctx        context.Context
	jetstream  nats.JetStreamContext
	durable    string
	topic      string
	db         storage.Database
	dmRooms    *caching.DMRoomsLoader
	serverName spec.ServerName
}

// NewOutputClientDataConsumer creates a new consumer. Call
// Start() to begin consuming. dmRooms may be nil.
func NewOutputClientDataConsumer(
	ctx context.Context,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	dmRooms *caching.DMRoomsLoader,
) *OutputClientDataConsumer {
	return &OutputClientDataConsumer{
		ctx:        ctx,
		jetstream:  js,
		durable:    cfg.Matrix.JetStream.Durable("SyncAPIClientDataConsumer"),
		topic:      cfg.Matrix.JetStream.Prefixed(jetstream.OutputClientData),
		db:         store,
		dmRooms:    dmRooms,
		serverName: cfg.Matrix.ServerName,
	}
}

// Start starts consumption.
func (s *OutputClientDataConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

// onMessage is called when a user's account data changes. The user ID, room
// ID and data type are in the headers and the content is the message body.
func (s *OutputClientDataConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	userID := msg.Header.Get(jetstream.UserID)
	roomID := msg.Header.Get(jetstream.RoomID)
	dataType := msg.Header.Get(jetstream.DataType)
	logger := log.WithFields(log.Fields{
		"user_id": userID,
		"type":    dataType,
	})

	// Only global m.direct feeds into room lists.
	if roomID != "" || dataType != shared.DirectChatsAccountDataType {
		return true
	}
	if !util.IsLocalUser(userID, s.serverName) {
		logger.Debug("[ACCOUNT_DATA] Ignoring account data for non-local user")
		return true
	}
	if !gjson.ValidBytes(msg.Data) || !gjson.ParseBytes(msg.Data).IsObject() {
		err := fmt.Errorf("account data for %s is not a JSON object", userID)
		sentry.CaptureException(err)
		logger.WithError(err).Error("[ACCOUNT_DATA] client data consumer: message parse failure")
		return true
	}

	if err := s.db.UpsertAccountData(ctx, userID, dataType, msg.Data); err != nil {
		sentry.CaptureException(err)
		logger.WithError(err).Error("[ACCOUNT_DATA] Could not save account data")
		return false
	}
	if s.dmRooms != nil {
		s.dmRooms.Evict(userID)
	}

	logger.WithField("dm_rooms", len(shared.ParseDirectChats(msg.Data))).Debug("[ACCOUNT_DATA] Updated DM rooms")
	return true
}
