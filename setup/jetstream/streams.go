// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	UserID   = "user_id"
	RoomID   = "room_id"
	DataType = "type"
)

var (
	OutputClientData = "OutputClientData"
)

var safeCharacters = regexp.MustCompile("[^A-Za-z0-9$]+")

// Tokenise turns an arbitrary string, such as a user ID, into something safe
// to use in a subject or durable name.
func Tokenise(str string) string {
	return safeCharacters.ReplaceAllString(str, "_")
}

var streams = []*nats.StreamConfig{
	{
		Name:      OutputClientData,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    time.Hour * 24,
	},
}
