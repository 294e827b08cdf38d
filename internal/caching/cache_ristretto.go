// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"reflect"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
	"github.com/element-hq/syncrooms/setup/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	roomTypesCache byte = iota + 1
	dmRoomsCache
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

// keyable is the set of types usable as a partition key.
type keyable interface {
	~string | ~int | ~int64 | ~uint64
}

func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64((maxCost / 1024) * 10), // 10 counters per 1KB data, affects bloom filter size
		BufferItems: 64,                           // recommended by the ristretto godocs as a sane buffer size value
		MaxCost:     int64(maxCost),               // max cost is in bytes, as per the config
		Metrics:     true,
		KeyToHash: func(key interface{}) (uint64, uint64) {
			return z.KeyToHash(key)
		},
	})
	if err != nil {
		panic(err)
	}
	if enablePrometheus {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "syncrooms",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		})
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "syncrooms",
			Subsystem: "caching_ristretto",
			Name:      "cost",
		}, func() float64 {
			return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
		})
	}
	return &Caches{
		RoomTypes: &RistrettoCachePartition[string, string]{ // room ID -> room type
			cache:  cache,
			Prefix: roomTypesCache,
			MaxAge: maxAge,
		},
		DMRooms: &RistrettoCachePartition[string, []string]{ // user ID -> DM room IDs
			cache:   cache,
			Prefix:  dmRoomsCache,
			Mutable: true,
			MaxAge:  maxAge,
		},
	}
}

// RistrettoCachePartition is a typed view over a shared ristretto cache. The
// prefix keeps keys of different partitions apart.
type RistrettoCachePartition[K keyable, V any] struct {
	cache   *ristretto.Cache
	Prefix  byte
	Mutable bool
	MaxAge  time.Duration
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%c%v", c.Prefix, key)
}

func (c *RistrettoCachePartition[K, V]) setWithCost(key K, value V, cost int64) {
	bkey := c.key(key)
	if !c.Mutable {
		if v, ok := c.cache.Get(bkey); ok && v != nil && !reflect.DeepEqual(v, value) {
			panic(fmt.Sprintf("invalid use of immutable cache tries to change value of %v from %v to %v", key, v, value))
		}
	}
	c.cache.SetWithTTL(bkey, value, int64(len(bkey))+cost, c.MaxAge)
}

func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	var cost int64
	switch cv := any(value).(type) {
	case string:
		cost = int64(len(cv))
	case []string:
		for _, s := range cv {
			cost += int64(len(s))
		}
	default:
		cost = int64(unsafe.Sizeof(value))
	}
	c.setWithCost(key, value, cost)
}

func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	if !c.Mutable {
		panic(fmt.Sprintf("invalid use of immutable cache tries to unset value of %v", key))
	}
	c.cache.Del(c.key(key))
}

func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}
