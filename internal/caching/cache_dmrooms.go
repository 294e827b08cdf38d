// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// DMRoomsCache holds the rooms a user marked as direct chats in m.direct
// account data.
type DMRoomsCache interface {
	GetDMRooms(userID string) (roomIDs []string, ok bool)
	StoreDMRooms(userID string, roomIDs []string)
	EvictDMRooms(userID string)
}

func (c Caches) GetDMRooms(userID string) ([]string, bool) {
	return c.DMRooms.Get(userID)
}

func (c Caches) StoreDMRooms(userID string, roomIDs []string) {
	c.DMRooms.Set(userID, roomIDs)
}

func (c Caches) EvictDMRooms(userID string) {
	c.DMRooms.Unset(userID)
}

// SetDMRoomsMaxAge changes how long DM room sets stay cached.
func (c *Caches) SetDMRoomsMaxAge(maxAge time.Duration) {
	if p, ok := c.DMRooms.(*RistrettoCachePartition[string, []string]); ok {
		p.MaxAge = maxAge
	}
}

// DMRoomsLoader reads DM rooms through the cache. Concurrent misses for the
// same user share one load.
type DMRoomsLoader struct {
	cache DMRoomsCache
	group singleflight.Group
	// generation is bumped on every eviction so that a load which raced with
	// an account data update doesn't put stale rooms back in the cache.
	generation atomic.Uint64
	hits       atomic.Int64
	misses     atomic.Int64
}

func NewDMRoomsLoader(cache DMRoomsCache) *DMRoomsLoader {
	return &DMRoomsLoader{cache: cache}
}

// Generation returns the current eviction generation. Callers read it before
// opening the database snapshot that Load will read from, so that an eviction
// which happens after the snapshot was taken keeps the result out of the cache.
func (l *DMRoomsLoader) Generation() uint64 {
	return l.generation.Load()
}

// Load returns the DM rooms for the user, calling load on a cache miss. The
// loaded rooms are only cached if nothing was evicted since generation.
func (l *DMRoomsLoader) Load(
	ctx context.Context, userID string, generation uint64,
	load func(ctx context.Context, userID string) ([]string, error),
) (mapset.Set[string], error) {
	if roomIDs, ok := l.cache.GetDMRooms(userID); ok {
		l.hits.Inc()
		return mapset.NewThreadUnsafeSet(roomIDs...), nil
	}
	l.misses.Inc()
	// Loads from snapshots taken before an eviction don't share a result
	// with loads taken after it.
	key := fmt.Sprintf("%s|%d", userID, generation)
	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		roomIDs, err := load(ctx, userID)
		if err != nil {
			return nil, err
		}
		if l.generation.Load() == generation {
			l.cache.StoreDMRooms(userID, roomIDs)
		}
		return roomIDs, nil
	})
	if err != nil {
		return nil, err
	}
	return mapset.NewThreadUnsafeSet(v.([]string)...), nil
}

// Evict drops the cached rooms for the user.
func (l *DMRoomsLoader) Evict(userID string) {
	l.generation.Inc()
	l.cache.EvictDMRooms(userID)
}

// Stats returns the number of cache hits and misses so far.
func (l *DMRoomsLoader) Stats() (hits, misses int64) {
	return l.hits.Load(), l.misses.Load()
}
