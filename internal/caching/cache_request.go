// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	gocache "github.com/patrickmn/go-cache"
)

// RequestCache memoises lookups for the duration of a single request. It must
// not outlive the request, as nothing in it is ever invalidated.
type RequestCache struct {
	cache *gocache.Cache
}

func NewRequestCache() *RequestCache {
	return &RequestCache{
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// Remember returns the memoised value for key, calling load to compute it the
// first time. Errors are not memoised.
func Remember[V any](c *RequestCache, key string, load func() (V, error)) (V, error) {
	if c != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.(V), nil
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if c != nil {
		c.cache.Set(key, v, gocache.NoExpiration)
	}
	return v, nil
}

// Len returns the number of memoised values.
func (c *RequestCache) Len() int {
	return c.cache.ItemCount()
}
