// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scancache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/compile"
)

// fakeScan counts closes so tests can assert single destruction.
type fakeScan struct {
	closed atomic.Int32
}

func (f *fakeScan) Close() error {
	f.closed.Add(1)
	return nil
}

// countingBuilder counts invocations and hands out fresh fakeScans.
func countingBuilder(builds *atomic.Int32, scans *sync.Map) BuildFunc {
	return func(ctx context.Context, key Key) (ScanResult, error) {
		builds.Add(1)
		scan := &fakeScan{}
		scans.Store(key, scan)
		return scan, nil
	}
}

func TestKeyFor(t *testing.T) {
	t.Run("order independent", func(t *testing.T) {
		a := KeyFor([]string{"/lib/a.jar", "/lib/b.jar"})
		b := KeyFor([]string{"/lib/b.jar", "/lib/a.jar"})
		assert.Equal(t, a, b)
	})

	t.Run("different entries differ", func(t *testing.T) {
		a := KeyFor([]string{"/lib/a.jar"})
		b := KeyFor([]string{"/lib/b.jar"})
		assert.NotEqual(t, a, b)
	})

	t.Run("no separator ambiguity", func(t *testing.T) {
		a := KeyFor([]string{"/lib/ab", "/lib/c"})
		b := KeyFor([]string{"/lib/a", "b/lib/c"})
		assert.NotEqual(t, a, b)
	})
}

func TestCacheAcquireRelease(t *testing.T) {
	t.Run("cold acquire builds once", func(t *testing.T) {
		var builds atomic.Int32
		var scans sync.Map
		cache := New(countingBuilder(&builds, &scans), nil)

		key := KeyFor([]string{"/lib/a.jar"})
		h, err := cache.Acquire(context.Background(), key)
		require.NoError(t, err)
		require.NotNil(t, h.Result())
		assert.Equal(t, int32(1), builds.Load())
		assert.Equal(t, 1, cache.Refs(key))
	})

	t.Run("second acquire shares the scan", func(t *testing.T) {
		var builds atomic.Int32
		var scans sync.Map
		cache := New(countingBuilder(&builds, &scans), nil)

		key := KeyFor([]string{"/lib/a.jar"})
		h1, err := cache.Acquire(context.Background(), key)
		require.NoError(t, err)
		h2, err := cache.Acquire(context.Background(), key)
		require.NoError(t, err)

		assert.Equal(t, int32(1), builds.Load())
		assert.Same(t, h1.Result(), h2.Result())
		assert.Equal(t, 2, cache.Refs(key))
	})

	t.Run("last release destroys", func(t *testing.T) {
		var builds atomic.Int32
		var scans sync.Map
		cache := New(countingBuilder(&builds, &scans), nil)

		key := KeyFor([]string{"/lib/a.jar"})
		h1, _ := cache.Acquire(context.Background(), key)
		h2, _ := cache.Acquire(context.Background(), key)

		cache.Release(h1)
		scanAny, _ := scans.Load(key)
		scan := scanAny.(*fakeScan)
		assert.Equal(t, int32(0), scan.closed.Load(), "scan destroyed while a holder remains")
		assert.Equal(t, 1, cache.Refs(key))

		cache.Release(h2)
		assert.Equal(t, int32(1), scan.closed.Load())
		assert.Equal(t, 0, cache.Refs(key))
	})

	t.Run("double release is a no-op", func(t *testing.T) {
		var builds atomic.Int32
		var scans sync.Map
		cache := New(countingBuilder(&builds, &scans), nil)

		key := KeyFor([]string{"/lib/a.jar"})
		h1, _ := cache.Acquire(context.Background(), key)
		h2, _ := cache.Acquire(context.Background(), key)

		cache.Release(h1)
		cache.Release(h1)
		cache.Release(h1)

		scanAny, _ := scans.Load(key)
		scan := scanAny.(*fakeScan)
		assert.Equal(t, int32(0), scan.closed.Load(), "double release destroyed a shared scan")
		assert.Equal(t, 1, cache.Refs(key))

		cache.Release(h2)
		assert.Equal(t, int32(1), scan.closed.Load())
	})

	t.Run("rebuild after refcount hits zero", func(t *testing.T) {
		var builds atomic.Int32
		var scans sync.Map
		cache := New(countingBuilder(&builds, &scans), nil)

		key := KeyFor([]string{"/lib/a.jar"})
		h, _ := cache.Acquire(context.Background(), key)
		cache.Release(h)

		h2, err := cache.Acquire(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, int32(2), builds.Load(), "expected a fresh build after destruction")
		cache.Release(h2)
	})

	t.Run("release of nil handle", func(t *testing.T) {
		cache := New(countingBuilder(&atomic.Int32{}, &sync.Map{}), nil)
		cache.Release(nil)
	})
}

func TestCacheConcurrentAcquire(t *testing.T) {
	// Many concurrent cold acquires must produce exactly one build, and
	// every holder must get its own refcount slot.
	var builds atomic.Int32
	var scans sync.Map
	cache := New(countingBuilder(&builds, &scans), nil)
	key := KeyFor([]string{"/lib/shared.jar"})

	const holders = 32
	handles := make([]*Handle, holders)
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := cache.Acquire(context.Background(), key)
			if err == nil {
				handles[i] = h
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, holders, cache.Refs(key))

	for _, h := range handles {
		cache.Release(h)
	}
	assert.Equal(t, 0, cache.Refs(key))

	scanAny, _ := scans.Load(key)
	assert.Equal(t, int32(1), scanAny.(*fakeScan).closed.Load())
}

func TestCacheBuildFailure(t *testing.T) {
	boom := errors.New("scan walk failed")
	var calls atomic.Int32
	cache := New(func(ctx context.Context, key Key) (ScanResult, error) {
		calls.Add(1)
		return nil, boom
	}, nil)

	key := KeyFor([]string{"/lib/a.jar"})
	_, err := cache.Acquire(context.Background(), key)
	require.ErrorIs(t, err, boom)

	// Failures are not cached; the next acquire retries the build.
	_, err = cache.Acquire(context.Background(), key)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheBuildPanic(t *testing.T) {
	var calls atomic.Int32
	cache := New(func(ctx context.Context, key Key) (ScanResult, error) {
		calls.Add(1)
		panic("jar walk exploded")
	}, nil)

	key := KeyFor([]string{"/lib/a.jar"})
	h, err := cache.Acquire(context.Background(), key)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.True(t, compile.IsFatal(err), "a crashed build must surface as a fatal error")

	// Like other build failures, a crash is not cached; the next acquire
	// retries.
	_, err = cache.Acquire(context.Background(), key)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheClose(t *testing.T) {
	t.Run("destroys live scans and rejects acquires", func(t *testing.T) {
		var builds atomic.Int32
		var scans sync.Map
		cache := New(countingBuilder(&builds, &scans), nil)

		key := KeyFor([]string{"/lib/a.jar"})
		_, err := cache.Acquire(context.Background(), key)
		require.NoError(t, err)

		cache.Close()

		scanAny, _ := scans.Load(key)
		assert.Equal(t, int32(1), scanAny.(*fakeScan).closed.Load())

		_, err = cache.Acquire(context.Background(), key)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("idempotent", func(t *testing.T) {
		cache := New(countingBuilder(&atomic.Int32{}, &sync.Map{}), nil)
		cache.Close()
		cache.Close()
	})
}

func TestCacheAcquireCancelled(t *testing.T) {
	cache := New(countingBuilder(&atomic.Int32{}, &sync.Map{}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Acquire(ctx, KeyFor([]string{"/lib/a.jar"}))
	assert.ErrorIs(t, err, context.Canceled)
}
