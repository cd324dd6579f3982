// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"github.com/golang/groupcache/lru"
)

// DefaultCacheSize is the number of deserialized datasets kept in memory.
// The cache is purely a read optimization and never authoritative; sizing it
// down only costs repeat file reads.
const DefaultCacheSize = 128

// datasetCache is a bounded LRU of recently used datasets, consulted before
// touching the file on Get.
type datasetCache struct {
	lru *lru.Cache
}

func newDatasetCache(maxEntries int) *datasetCache {
	return &datasetCache{lru: lru.New(maxEntries)}
}

func (c *datasetCache) get(uid int32) (*Dataset, bool) {
	v, ok := c.lru.Get(uid)
	if !ok {
		return nil, false
	}
	return v.(*Dataset), true
}

func (c *datasetCache) add(ds *Dataset) {
	c.lru.Add(ds.UID, ds)
}

func (c *datasetCache) remove(uid int32) {
	c.lru.Remove(uid)
}

func (c *datasetCache) purge() {
	c.lru.Clear()
}
