// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scancache provides the reference-counted cache of classpath-wide
// symbol scans.
//
// Building a classpath scan is expensive (it walks every jar and class dir
// on the project's classpath), but scopes that share an identical classpath
// can share one scan. The cache keys scans by classpath identity, counts
// holders, and destroys a scan only when its last holder releases it.
//
// The cache is an explicitly constructed, injected service with its own
// lock and lifecycle; there is no process-wide global.
package scancache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/compile"
)

// ErrClosed is returned by Acquire after the cache has been closed.
var ErrClosed = errors.New("scan cache is closed")

// =============================================================================
// KEYS & RESULTS
// =============================================================================

// Key identifies a classpath/classloader configuration. Two scopes with the
// same Key share one scan.
type Key string

// KeyFor derives the cache key for a classpath. Entry order does not affect
// identity.
func KeyFor(classpath []string) Key {
	sorted := make([]string, len(classpath))
	copy(sorted, classpath)
	sort.Strings(sorted)

	h := sha256.New()
	for _, entry := range sorted {
		h.Write([]byte(entry))
		h.Write([]byte{0})
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// ScanResult is the opaque product of a classpath scan. Close releases the
// underlying resources (classloaders, mmapped indexes) and is called by the
// cache exactly once, when the refcount returns to zero.
type ScanResult interface {
	Close() error
}

// BuildFunc builds the scan for a key. It may be slow and memory-heavy;
// unrecoverable failures should be reported as *compile.FatalError so
// callers can degrade instead of retrying immediately.
type BuildFunc func(ctx context.Context, key Key) (ScanResult, error)

// =============================================================================
// CACHE
// =============================================================================

// entry is one cached scan plus its holder count.
type entry struct {
	result ScanResult
	refs   int
}

// Handle is one holder's reference to a shared scan. The scan stays valid
// until the handle's matching Release. Handles are not shared between
// holders; each Acquire returns a fresh one.
type Handle struct {
	key      Key
	result   ScanResult
	released bool
}

// Key returns the classpath identity this handle refers to.
func (h *Handle) Key() Key {
	return h.key
}

// Result returns the shared scan. Valid until Release.
func (h *Handle) Result() ScanResult {
	return h.result
}

// Cache is the shared, refcounted scan cache.
//
// Thread Safety: safe for concurrent use. Builds for the same key are
// deduplicated; mutation of the holder table goes through a single lock
// (this is not a hot path next to compilation).
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool

	flight singleflight.Group
	build  BuildFunc
	logger *slog.Logger
}

// New creates a Cache that builds scans with the given BuildFunc.
func New(build BuildFunc, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[Key]*entry),
		build:   build,
		logger:  logger.With(slog.String("subsystem", "scan_cache")),
	}
}

// Acquire returns a handle on the scan for key, building it if no holder
// currently exists. Concurrent acquires for the same cold key perform one
// build.
//
// Outputs:
//   - *Handle: A fresh handle. Must be released exactly once via Release.
//   - error: Non-nil if the build failed or the cache is closed. The
//     handle is nil in that case and the failure is not cached; the next
//     Acquire retries.
func (c *Cache) Acquire(ctx context.Context, key Key) (*Handle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// The flight ensures one build per cold key. It returns the map
		// entry; the refcount increment happens per caller afterwards.
		got, err, _ := c.flight.Do(string(key), func() (any, error) {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return nil, ErrClosed
			}
			if e, ok := c.entries[key]; ok {
				c.mu.Unlock()
				return e, nil
			}
			c.mu.Unlock()

			result, err := c.safeBuild(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("building classpath scan: %w", err)
			}

			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				closeQuietly(result, c.logger, key)
				return nil, ErrClosed
			}
			e := &entry{result: result}
			c.entries[key] = e
			c.mu.Unlock()
			return e, nil
		})
		if err != nil {
			return nil, err
		}
		e := got.(*entry)

		// The entry may have been destroyed between the flight returning
		// and this holder registering (last holder released). Retry.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current == e {
			e.refs++
			c.mu.Unlock()
			return &Handle{key: key, result: e.result}, nil
		}
		c.mu.Unlock()
	}
}

// safeBuild runs the BuildFunc with panic containment. A scan walks
// arbitrary jars and class dirs; a crash there must surface as a fatal
// build error the scope layer can degrade on, not kill the process.
func (c *Cache) safeBuild(ctx context.Context, key Key) (result ScanResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classpath scan panicked",
				slog.String("key", abbreviate(key)),
				slog.Any("panic", r),
			)
			result = nil
			err = compile.Fatal("classpath scan", fmt.Errorf("panic: %v", r))
		}
	}()
	return c.build(ctx, key)
}

// Release drops one holder's reference. When the last holder releases, the
// scan is destroyed. Releasing a handle twice is a no-op; the shared scan
// is never double-released.
func (c *Cache) Release(h *Handle) {
	if h == nil {
		return
	}

	c.mu.Lock()
	if h.released {
		c.mu.Unlock()
		return
	}
	h.released = true

	e, ok := c.entries[h.key]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.refs--
	destroy := e.refs <= 0
	if destroy {
		delete(c.entries, h.key)
	}
	c.mu.Unlock()

	if destroy {
		c.logger.Debug("destroying classpath scan",
			slog.String("key", abbreviate(h.key)),
		)
		closeQuietly(e.result, c.logger, h.key)
	}
}

// Refs returns the current holder count for key. Zero means cold.
func (c *Cache) Refs(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Close destroys all cached scans regardless of holder counts and rejects
// further acquires. Used at process teardown only, after scopes have been
// disposed. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	remaining := c.entries
	c.entries = make(map[Key]*entry)
	c.mu.Unlock()

	for key, e := range remaining {
		if e.refs > 0 {
			c.logger.Warn("destroying scan with live holders at teardown",
				slog.String("key", abbreviate(key)),
				slog.Int("refs", e.refs),
			)
		}
		closeQuietly(e.result, c.logger, key)
	}
}

// closeQuietly closes a scan result, logging rather than propagating
// failures. Cleanup failure must never block the rest of a teardown.
func closeQuietly(result ScanResult, logger *slog.Logger, key Key) {
	if result == nil {
		return
	}
	if err := result.Close(); err != nil {
		logger.Warn("closing classpath scan failed",
			slog.String("key", abbreviate(key)),
			slog.String("error", err.Error()),
		)
	}
}

// abbreviate shortens a key for log lines.
func abbreviate(key Key) string {
	s := string(key)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
