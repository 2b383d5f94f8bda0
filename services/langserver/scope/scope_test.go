// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/compile"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/scancache"
)

// fakeUnit counts closes.
type fakeUnit struct {
	closed atomic.Int32
}

func (u *fakeUnit) Close() error {
	u.closed.Add(1)
	return nil
}

// fakeAST optionally carries a droppable reference index.
type fakeAST struct {
	hasIndex bool
}

func (a *fakeAST) HasReferenceIndex() bool { return a.hasIndex }

func (a *fakeAST) WithoutReferenceIndex() compile.ASTModel {
	if !a.hasIndex {
		return a
	}
	return &fakeAST{hasIndex: false}
}

// fakeCompiler scripts outputs, errors, and panics.
type fakeCompiler struct {
	calls     atomic.Int32
	err       error
	panicWith any
	withIndex bool

	diagnostics []compile.Diagnostic
	lastUnit    atomic.Pointer[fakeUnit]
}

func (c *fakeCompiler) Compile(ctx context.Context, req compile.Request) (*compile.Output, error) {
	c.calls.Add(1)
	if c.panicWith != nil {
		panic(c.panicWith)
	}
	if c.err != nil {
		return nil, c.err
	}
	unit := &fakeUnit{}
	c.lastUnit.Store(unit)
	return &compile.Output{
		Unit:        unit,
		AST:         &fakeAST{hasIndex: c.withIndex},
		Diagnostics: c.diagnostics,
		Full:        req.Full(),
	}, nil
}

// fakeScan counts closes for scan-release assertions.
type fakeScan struct {
	closed atomic.Int32
}

func (f *fakeScan) Close() error {
	f.closed.Add(1)
	return nil
}

func newTestScope(t *testing.T, compiler compile.Compiler) *Scope {
	t.Helper()
	return NewScope("/work/proj", Deps{
		Compiler: compiler,
		GCHint:   func() {},
	})
}

func TestEnsureCompiled(t *testing.T) {
	t.Run("publishes snapshot and flags", func(t *testing.T) {
		compiler := &fakeCompiler{diagnostics: []compile.Diagnostic{{Message: "unused import", Severity: compile.SeverityWarning}}}
		s := newTestScope(t, compiler)

		result := s.EnsureCompiled(context.Background(), nil)
		require.True(t, result.Available())
		assert.Len(t, result.Diagnostics, 1)

		snap := s.Snapshot()
		require.NotNil(t, snap)
		assert.Equal(t, uint64(1), snap.Generation)
		assert.True(t, snap.Full)

		st := s.Stats()
		assert.True(t, st.Compiled)
		assert.True(t, st.FullyCompiled)
		assert.False(t, st.Evicted)
		assert.False(t, st.CompilationFailed)
	})

	t.Run("cached diagnostics without changes", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)

		require.True(t, s.EnsureCompiled(context.Background(), nil).Available())
		require.True(t, s.EnsureCompiled(context.Background(), nil).Available())
		assert.Equal(t, int32(1), compiler.calls.Load(), "unchanged scope must not recompile")
	})

	t.Run("changed documents recompile and bump generation", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)

		s.EnsureCompiled(context.Background(), nil)
		first := s.Snapshot()
		s.EnsureCompiled(context.Background(), []string{"file:///work/proj/A.groovy"})
		second := s.Snapshot()

		assert.Equal(t, int32(2), compiler.calls.Load())
		assert.Greater(t, second.Generation, first.Generation)
	})

	t.Run("old unit closed on republish", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)

		s.EnsureCompiled(context.Background(), nil)
		oldUnit := compiler.lastUnit.Load()
		s.EnsureCompiled(context.Background(), []string{"file:///work/proj/A.groovy"})

		assert.Equal(t, int32(1), oldUnit.closed.Load())
		assert.Equal(t, int32(0), compiler.lastUnit.Load().closed.Load())
	})

	t.Run("disposed scope is unavailable", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)
		s.Dispose()

		result := s.EnsureCompiled(context.Background(), nil)
		assert.False(t, result.Available())
		assert.Equal(t, int32(0), compiler.calls.Load())
	})
}

func TestStickyFailure(t *testing.T) {
	t.Run("fatal error latches without re-invoking", func(t *testing.T) {
		compiler := &fakeCompiler{err: compile.Fatal("compile", errors.New("metaspace exhausted"))}
		s := newTestScope(t, compiler)

		result := s.EnsureCompiled(context.Background(), nil)
		require.False(t, result.Available())

		// Repeated accesses return the cached failure cheaply.
		for i := 0; i < 5; i++ {
			result = s.EnsureCompiled(context.Background(), nil)
			assert.False(t, result.Available())
			assert.ErrorIs(t, result.Err, compile.ErrCompilationFailed)
		}
		assert.Equal(t, int32(1), compiler.calls.Load())
		assert.True(t, s.Stats().CompilationFailed)
	})

	t.Run("transient error does not latch", func(t *testing.T) {
		compiler := &fakeCompiler{err: errors.New("broker hiccup")}
		s := newTestScope(t, compiler)

		require.False(t, s.EnsureCompiled(context.Background(), nil).Available())
		require.False(t, s.EnsureCompiled(context.Background(), nil).Available())
		assert.Equal(t, int32(2), compiler.calls.Load())
		assert.False(t, s.Stats().CompilationFailed)
	})

	t.Run("compiler panic converts to fatal", func(t *testing.T) {
		compiler := &fakeCompiler{panicWith: "OOM"}
		s := newTestScope(t, compiler)

		result := s.EnsureCompiled(context.Background(), nil)
		require.False(t, result.Available())
		assert.True(t, compile.IsFatal(result.Err))
		assert.True(t, s.Stats().CompilationFailed)
	})

	t.Run("reset clears the latch and retries", func(t *testing.T) {
		compiler := &fakeCompiler{err: compile.Fatal("compile", errors.New("heap exhausted"))}
		s := newTestScope(t, compiler)

		s.EnsureCompiled(context.Background(), nil)
		require.True(t, s.Stats().CompilationFailed)

		compiler.err = nil
		s.ResetCompilationFailed()

		result := s.EnsureCompiled(context.Background(), nil)
		assert.True(t, result.Available())
		assert.Equal(t, int32(2), compiler.calls.Load())
		assert.False(t, s.Stats().CompilationFailed)
	})

	t.Run("eviction clears a latch on an evicted scope", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)

		require.True(t, s.EnsureCompiled(context.Background(), nil).Available())
		s.Evict()

		// The failure latches while the scope is already evicted.
		compiler.err = compile.Fatal("compile", errors.New("heap exhausted"))
		require.False(t, s.EnsureCompiled(context.Background(), nil).Available())
		require.True(t, s.Stats().CompilationFailed)

		// The force-retry path still clears it.
		compiler.err = nil
		s.Evict()
		require.False(t, s.Stats().CompilationFailed)

		result := s.EnsureCompiled(context.Background(), nil)
		assert.True(t, result.Available())
		assert.Equal(t, int32(3), compiler.calls.Load())
	})

	t.Run("classpath change clears the latch", func(t *testing.T) {
		compiler := &fakeCompiler{err: compile.Fatal("compile", errors.New("bad jar"))}
		s := newTestScope(t, compiler)

		s.EnsureCompiled(context.Background(), nil)
		require.True(t, s.Stats().CompilationFailed)

		compiler.err = nil
		s.SetClasspath([]string{"/lib/fixed.jar"})
		assert.False(t, s.Stats().CompilationFailed)
		assert.True(t, s.EnsureCompiled(context.Background(), nil).Available())
	})
}

func TestSetClasspath(t *testing.T) {
	t.Run("identical entries are a no-op", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)

		s.SetClasspath([]string{"/lib/a.jar"})
		s.EnsureCompiled(context.Background(), nil)
		s.SetClasspath([]string{"/lib/a.jar"})

		assert.True(t, s.Stats().Compiled, "no-op classpath update must not invalidate")
	})

	t.Run("changed entries invalidate compiled state", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)

		s.SetClasspath([]string{"/lib/a.jar"})
		s.EnsureCompiled(context.Background(), nil)
		s.SetClasspath([]string{"/lib/a.jar", "/lib/b.jar"})

		st := s.Stats()
		assert.False(t, st.Compiled)
		assert.Nil(t, s.Snapshot())
		assert.Equal(t, []string{"/lib/a.jar", "/lib/b.jar"}, s.Classpath())
	})
}

func TestScanSharing(t *testing.T) {
	newCacheAndScope := func(buildErr error) (*scancache.Cache, *Scope, *fakeScan) {
		scan := &fakeScan{}
		cache := scancache.New(func(ctx context.Context, key scancache.Key) (scancache.ScanResult, error) {
			if buildErr != nil {
				return nil, buildErr
			}
			return scan, nil
		}, nil)
		s := NewScope("/work/proj", Deps{
			Compiler:  &fakeCompiler{},
			ScanCache: cache,
			GCHint:    func() {},
		})
		s.SetClasspath([]string{"/lib/a.jar"})
		return cache, s, scan
	}

	t.Run("scan acquired lazily on compile", func(t *testing.T) {
		cache, s, _ := newCacheAndScope(nil)
		require.True(t, s.EnsureCompiled(context.Background(), nil).Available())
		assert.Equal(t, 1, cache.Refs(scancache.KeyFor([]string{"/lib/a.jar"})))
	})

	t.Run("scan failure degrades instead of failing the request", func(t *testing.T) {
		_, s, _ := newCacheAndScope(errors.New("jar walk failed"))
		result := s.EnsureCompiled(context.Background(), nil)
		assert.True(t, result.Available(), "request must keep working without the scan")
	})

	t.Run("scan builder panic degrades instead of crashing", func(t *testing.T) {
		cache := scancache.New(func(ctx context.Context, key scancache.Key) (scancache.ScanResult, error) {
			panic("corrupt jar entry")
		}, nil)
		s := NewScope("/work/proj", Deps{
			Compiler:  &fakeCompiler{},
			ScanCache: cache,
			GCHint:    func() {},
		})
		s.SetClasspath([]string{"/lib/a.jar"})

		result := s.EnsureCompiled(context.Background(), nil)
		assert.True(t, result.Available(), "request must keep working without the scan")
		s.RLock()
		assert.Nil(t, s.ScanHandle())
		s.RUnlock()
	})

	t.Run("eviction releases the scan exactly once", func(t *testing.T) {
		cache, s, scan := newCacheAndScope(nil)
		s.EnsureCompiled(context.Background(), nil)

		s.Evict()
		s.Evict()

		assert.Equal(t, 0, cache.Refs(scancache.KeyFor([]string{"/lib/a.jar"})))
		assert.Equal(t, int32(1), scan.closed.Load())
	})
}

func TestEviction(t *testing.T) {
	t.Run("evict drops heavy state and keeps the shell", func(t *testing.T) {
		hints := atomic.Int32{}
		done := make(chan struct{}, 1)
		compiler := &fakeCompiler{}
		s := NewScope("/work/proj", Deps{
			Compiler: compiler,
			GCHint: func() {
				hints.Add(1)
				done <- struct{}{}
			},
		})

		s.EnsureCompiled(context.Background(), nil)
		unit := compiler.lastUnit.Load()
		s.Evict()
		<-done

		st := s.Stats()
		assert.True(t, st.Evicted)
		assert.False(t, st.Compiled)
		assert.False(t, st.Disposed)
		assert.Nil(t, s.Snapshot())
		assert.Equal(t, int32(1), unit.closed.Load())
		assert.Equal(t, int32(1), hints.Load())
	})

	t.Run("reactivation recompiles exactly once", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)

		s.EnsureCompiled(context.Background(), nil)
		s.Evict()

		result := s.EnsureCompiled(context.Background(), nil)
		require.True(t, result.Available())
		assert.Equal(t, int32(2), compiler.calls.Load())
		st := s.Stats()
		assert.False(t, st.Evicted)
		assert.True(t, st.Compiled)
	})

	t.Run("EvictIfEligible honors the recheck", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)
		s.EnsureCompiled(context.Background(), nil)

		assert.False(t, s.EvictIfEligible(func(Stats) bool { return false }))
		assert.True(t, s.Stats().Compiled)

		assert.True(t, s.EvictIfEligible(func(Stats) bool { return true }))
		assert.True(t, s.Stats().Evicted)

		// Already evicted: not eligible again.
		assert.False(t, s.EvictIfEligible(func(Stats) bool { return true }))
	})

	t.Run("EvictIfEligible does not refresh access time", func(t *testing.T) {
		compiler := &fakeCompiler{}
		s := newTestScope(t, compiler)
		s.EnsureCompiled(context.Background(), nil)
		before := s.LastAccess()

		s.EvictIfEligible(func(Stats) bool { return true })
		assert.Equal(t, before, s.LastAccess())
	})
}

func TestDispose(t *testing.T) {
	compiler := &fakeCompiler{}
	s := newTestScope(t, compiler)
	s.EnsureCompiled(context.Background(), nil)
	unit := compiler.lastUnit.Load()

	s.Dispose()
	s.Dispose()

	st := s.Stats()
	assert.True(t, st.Disposed)
	assert.Nil(t, s.Snapshot())
	assert.Equal(t, int32(1), unit.closed.Load())
}

func TestDropDerivedIndexes(t *testing.T) {
	t.Run("drops and republishes", func(t *testing.T) {
		compiler := &fakeCompiler{withIndex: true}
		s := newTestScope(t, compiler)
		s.EnsureCompiled(context.Background(), nil)
		gen := s.Snapshot().Generation

		require.True(t, s.DropDerivedIndexes())

		snap := s.Snapshot()
		assert.False(t, snap.AST.HasReferenceIndex())
		assert.Greater(t, snap.Generation, gen)

		// Nothing left to drop.
		assert.False(t, s.DropDerivedIndexes())
	})

	t.Run("no snapshot, nothing to drop", func(t *testing.T) {
		s := newTestScope(t, &fakeCompiler{})
		assert.False(t, s.DropDerivedIndexes())
	})
}

func TestPeek(t *testing.T) {
	compiler := &fakeCompiler{}
	s := newTestScope(t, compiler)
	s.EnsureCompiled(context.Background(), nil)

	t.Run("unlocked scope reports stats", func(t *testing.T) {
		st, ok := s.Peek()
		require.True(t, ok)
		assert.True(t, st.Compiled)
	})

	t.Run("write-locked scope reports busy", func(t *testing.T) {
		s.Lock()
		defer s.Unlock()
		_, ok := s.Peek()
		assert.False(t, ok)
	})
}

func TestAccessTimeTracking(t *testing.T) {
	compiler := &fakeCompiler{}
	s := newTestScope(t, compiler)
	before := s.LastAccess()

	// Lock-based access refreshes the timestamp.
	s.RLock()
	s.RUnlock()
	assert.False(t, s.LastAccess().Before(before))

	// Peek and Stats do not.
	mid := s.LastAccess()
	s.Peek()
	s.Stats()
	assert.Equal(t, mid, s.LastAccess())
}
