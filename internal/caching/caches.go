// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

// Caches contains a set of references to caches. They may be
// different implementations as long as they satisfy the Cache
// interface.
type Caches struct {
	RoomTypes Cache[string, string]   // room ID -> room type, "" for none
	DMRooms   Cache[string, []string] // user ID -> DM room IDs from m.direct
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

// RoomTypeCache remembers the type of a room. A room's type is set by its
// create event and never changes.
type RoomTypeCache interface {
	GetRoomType(roomID string) (roomType string, ok bool)
	StoreRoomType(roomID string, roomType string)
}

func (c Caches) GetRoomType(roomID string) (string, bool) {
	return c.RoomTypes.Get(roomID)
}

func (c Caches) StoreRoomType(roomID string, roomType string) {
	c.RoomTypes.Set(roomID, roomType)
}
