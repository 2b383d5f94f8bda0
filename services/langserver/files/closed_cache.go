// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package files

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultClosedFileTTL is how long closed-document contents are retained.
const DefaultClosedFileTTL = time.Hour

// DefaultClosedFileCacheSize bounds the number of retained documents.
const DefaultClosedFileCacheSize = 256

// closedEntry is one retained document.
type closedEntry struct {
	text     string
	storedAt time.Time
}

// ClosedFileCache retains the contents of recently closed documents so an
// immediate reopen or cross-file navigation avoids a disk round trip.
//
// Entries expire after a TTL; expired entries are discarded lazily on read
// and in bulk by the eviction sweeper's SweepExpired pass. The cache is
// LRU-bounded so a pathological close storm cannot grow it without limit.
//
// Thread Safety: safe for concurrent use.
type ClosedFileCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, closedEntry]
	ttl time.Duration
	now func() time.Time
}

// NewClosedFileCache creates a cache with the given capacity and TTL.
// Non-positive inputs fall back to the defaults.
func NewClosedFileCache(size int, ttl time.Duration) *ClosedFileCache {
	if size <= 0 {
		size = DefaultClosedFileCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultClosedFileTTL
	}
	// lru.New only errors on a non-positive size, which is guarded above.
	cache, _ := lru.New[string, closedEntry](size)
	return &ClosedFileCache{
		lru: cache,
		ttl: ttl,
		now: time.Now,
	}
}

// Put stores the contents of a just-closed document.
func (c *ClosedFileCache) Put(uri, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(uri, closedEntry{text: text, storedAt: c.now()})
}

// Get returns the retained contents of uri, discarding the entry if it has
// expired since it was stored.
func (c *ClosedFileCache) Get(uri string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(uri)
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.lru.Remove(uri)
		return "", false
	}
	return entry.text, true
}

// Remove drops a document, typically because it was reopened.
func (c *ClosedFileCache) Remove(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(uri)
}

// SweepExpired removes all expired entries and returns how many were
// discarded. Called by the eviction sweeper each cycle.
func (c *ClosedFileCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	swept := 0
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.storedAt) >= c.ttl {
			c.lru.Remove(key)
			swept++
		}
	}
	return swept
}

// Len returns the number of retained documents, including not-yet-swept
// expired ones.
func (c *ClosedFileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
