// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scope owns per-project compiled state and its lifecycle.
//
// A Scope is the unit of state for one build-tool project root: the opaque
// compiled artifacts, a reader/writer lock, lifecycle flags, and an access
// timestamp. Scopes are created by the Registry, cycle between compiled and
// evicted for the life of the editor session, and are destroyed only on
// project removal or process shutdown.
//
// Locking discipline: one RWMutex per scope, never shared and never held
// two-at-a-time across scopes. The global compilation semaphore is acquired
// only after a scope's write lock is already held, and released as soon as
// the compiler returns, so a permit is never held while waiting on another
// scope's lock.
package scope

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/compile"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/files"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/scancache"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Deps carries the collaborators a Scope needs. The zero value is usable in
// tests; nil fields get safe defaults.
type Deps struct {
	// ScanCache is the shared classpath-scan cache. Nil disables
	// classpath-aware features.
	ScanCache *scancache.Cache

	// Compiler is the external compiler collaborator.
	Compiler compile.Compiler

	// Permits is the global compilation semaphore shared by every scope.
	// Nil gets a private single-permit semaphore (tests only; production
	// wiring always shares the fabric's).
	Permits *semaphore.Weighted

	// Files exposes open-document state for compile requests.
	Files files.Provider

	// Logger receives scope lifecycle events.
	Logger *slog.Logger

	// Tracer traces compilations. Nil uses the global provider.
	Tracer trace.Tracer

	// Metrics is optional; nil disables metric updates.
	Metrics *Metrics

	// GCHint is the advisory reclamation hint run after an eviction.
	// Best effort only; no correctness property depends on it.
	// Nil gets debug.FreeOSMemory.
	GCHint func()

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (d *Deps) fill() {
	if d.Permits == nil {
		d.Permits = semaphore.NewWeighted(1)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("langserver/scope")
	}
	if d.GCHint == nil {
		d.GCHint = func() { debug.FreeOSMemory() }
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
}

// =============================================================================
// SCOPE
// =============================================================================

// Scope is one build-tool project's compiled state.
//
// Thread Safety: safe for concurrent use. Writers (compiles, evictions,
// classpath changes) serialize on the per-scope write lock; readers use
// Snapshot without any lock.
type Scope struct {
	projectRoot string
	deps        Deps
	logger      *slog.Logger

	mu        sync.RWMutex
	published atomic.Pointer[Snapshot]

	// All fields below are guarded by mu.
	generation        uint64
	scan              *scancache.Handle
	classpath         []string
	locator           map[string][]string // private symbol locator, not shared
	compiled          bool
	fullyCompiled     bool
	classpathResolved bool
	compilationFailed bool
	failureCause      error
	evicted           bool
	disposed          bool

	lastAccess atomic.Int64 // unix nanos
}

// NewScope creates the scope for a project root.
func NewScope(projectRoot string, deps Deps) *Scope {
	deps.fill()
	s := &Scope{
		projectRoot: projectRoot,
		deps:        deps,
		logger:      deps.Logger.With(slog.String("project_root", projectRoot)),
		locator:     make(map[string][]string),
	}
	s.lastAccess.Store(deps.Clock().UnixNano())
	return s
}

// ProjectRoot returns the immutable identity of the scope.
func (s *Scope) ProjectRoot() string {
	return s.projectRoot
}

// =============================================================================
// LOCKING & ACCESS TIME
// =============================================================================

// Lock acquires the scope's write lock and records the access. Request
// handlers that mutate scope state go through here.
func (s *Scope) Lock() {
	s.mu.Lock()
	s.TouchAccess()
}

// Unlock releases the write lock.
func (s *Scope) Unlock() {
	s.mu.Unlock()
}

// RLock acquires the scope's read lock and records the access.
func (s *Scope) RLock() {
	s.mu.RLock()
	s.TouchAccess()
}

// RUnlock releases the read lock.
func (s *Scope) RUnlock() {
	s.mu.RUnlock()
}

// TouchAccess records an access now. O(1). Access time tracks lock
// acquisition, not successful compiles, so an active-but-not-yet-compiled
// scope is not evicted while in use.
func (s *Scope) TouchAccess() {
	s.lastAccess.Store(s.deps.Clock().UnixNano())
}

// LastAccess returns when the scope was last locked.
func (s *Scope) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// IdleFor returns how long the scope has been idle as of now.
func (s *Scope) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(s.LastAccess())
	if idle < 0 {
		return 0
	}
	return idle
}

// =============================================================================
// READ PATHS
// =============================================================================

// Snapshot returns the last-published compiled state without locking, or
// nil when none is published. See Snapshot's doc for staleness semantics.
func (s *Scope) Snapshot() *Snapshot {
	return s.published.Load()
}

// Stats is a point-in-time view of the lifecycle flags.
type Stats struct {
	Compiled          bool
	FullyCompiled     bool
	ClasspathResolved bool
	CompilationFailed bool
	Evicted           bool
	Disposed          bool
	Generation        uint64
	LastAccess        time.Time
}

// Peek returns the lifecycle flags without blocking. When the scope is
// write-locked (a compile or eviction is running), Peek reports false so
// callers like the sweeper skip the scope instead of queueing behind it.
// Peek does not refresh the access time.
func (s *Scope) Peek() (Stats, bool) {
	if !s.mu.TryRLock() {
		return Stats{}, false
	}
	defer s.mu.RUnlock()
	return s.statsLocked(), true
}

// Stats returns the lifecycle flags, blocking on the lock if needed. Does
// not refresh the access time.
func (s *Scope) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Scope) statsLocked() Stats {
	return Stats{
		Compiled:          s.compiled,
		FullyCompiled:     s.fullyCompiled,
		ClasspathResolved: s.classpathResolved,
		CompilationFailed: s.compilationFailed,
		Evicted:           s.evicted,
		Disposed:          s.disposed,
		Generation:        s.generation,
		LastAccess:        s.LastAccess(),
	}
}

// =============================================================================
// COMPILATION
// =============================================================================

// EnsureCompiled makes sure the scope holds compiled state, compiling
// through the external collaborator when needed, and returns the typed
// result for the caller.
//
// Description:
//
//	Takes the write lock, then: returns the cached failure while the
//	sticky failure flag is set; returns the published diagnostics when
//	compiled state is current and no changes were passed; otherwise lazily
//	acquires the classpath scan, takes a global compilation permit, and
//	invokes the compiler. Successful output is published as a new
//	immutable snapshot and clears the evicted flag.
//
// Inputs:
//   - ctx: Cancels waiting on the compilation permit and the compile.
//   - changed: Document URIs that changed; empty requests a full compile
//     when no compiled state exists yet.
//
// Outputs:
//   - compile.Result: Diagnostics on success; Unavailable with the cause
//     otherwise.
//
// Thread Safety: safe for concurrent use; callers must NOT already hold
// the scope lock.
func (s *Scope) EnsureCompiled(ctx context.Context, changed []string) compile.Result {
	s.Lock()
	defer s.Unlock()
	return s.ensureCompiledLocked(ctx, changed)
}

func (s *Scope) ensureCompiledLocked(ctx context.Context, changed []string) compile.Result {
	if s.disposed {
		return compile.Result{Kind: compile.ResultUnavailable, Err: fmt.Errorf("scope %s is disposed", s.projectRoot)}
	}

	// Sticky failure: do not re-invoke the compiler until an explicit
	// reset (classpath change or operator action).
	if s.compilationFailed {
		return compile.Result{
			Kind: compile.ResultUnavailable,
			Err:  fmt.Errorf("%w: %v", compile.ErrCompilationFailed, s.failureCause),
		}
	}

	if s.compiled && !s.evicted && len(changed) == 0 {
		if snap := s.published.Load(); snap != nil {
			return compile.Result{Kind: compile.ResultDiagnostics, Diagnostics: snap.Diagnostics}
		}
	}

	// Lazy classpath scan; degrades on failure.
	if err := s.ensureScanIndexedLocked(ctx); err != nil {
		return compile.Result{Kind: compile.ResultUnavailable, Err: err}
	}

	req := compile.Request{
		ProjectRoot: s.projectRoot,
		Classpath:   slices.Clone(s.classpath),
		ChangedURIs: slices.Clone(changed),
		Sources:     s.openSources(),
	}

	// The permit is taken with the write lock already held and released
	// the moment the compiler returns; it bounds the memory-heavy region
	// only and is never held across another scope's lock.
	if err := s.deps.Permits.Acquire(ctx, 1); err != nil {
		return compile.Result{Kind: compile.ResultUnavailable, Err: fmt.Errorf("waiting for compilation permit: %w", err)}
	}
	start := s.deps.Clock()
	out, err := s.invokeCompiler(ctx, req)
	s.deps.Permits.Release(1)

	if err != nil {
		if compile.IsFatal(err) {
			s.compilationFailed = true
			s.failureCause = err
			s.logger.Error("fatal compile failure; scope latched until reset",
				slog.String("error", err.Error()),
			)
			if s.deps.Metrics != nil {
				s.deps.Metrics.CompilesTotal.WithLabelValues("fatal").Inc()
			}
		} else {
			s.logger.Warn("compile produced no result",
				slog.String("error", err.Error()),
			)
			if s.deps.Metrics != nil {
				s.deps.Metrics.CompilesTotal.WithLabelValues("unavailable").Inc()
			}
		}
		return compile.Result{Kind: compile.ResultUnavailable, Err: err}
	}

	s.publishLocked(out)

	if s.deps.Metrics != nil {
		s.deps.Metrics.CompilesTotal.WithLabelValues("success").Inc()
		s.deps.Metrics.CompileDuration.Observe(s.deps.Clock().Sub(start).Seconds())
	}
	return compile.Result{Kind: compile.ResultDiagnostics, Diagnostics: out.Diagnostics}
}

// invokeCompiler calls the collaborator with panic containment. A panic
// inside the compiler is the Go shape of the unrecoverable-runtime-error
// class and converts to a fatal failure instead of crashing the process.
func (s *Scope) invokeCompiler(ctx context.Context, req compile.Request) (out *compile.Output, err error) {
	ctx, span := s.deps.Tracer.Start(ctx, "scope.compile",
		trace.WithAttributes(
			attribute.String("project_root", s.projectRoot),
			attribute.Int("changed_uris", len(req.ChangedURIs)),
			attribute.Bool("full", req.Full()),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = compile.Fatal("compile", fmt.Errorf("compiler panic: %v", r))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	return s.deps.Compiler.Compile(ctx, req)
}

// publishLocked replaces the published snapshot wholesale. The previous
// compilation unit is closed best-effort; readers holding the old snapshot
// accept the documented staleness window.
func (s *Scope) publishLocked(out *compile.Output) {
	old := s.published.Load()

	s.generation++
	snap := &Snapshot{
		Unit:        out.Unit,
		AST:         out.AST,
		Diagnostics: out.Diagnostics,
		Generation:  s.generation,
		Full:        out.Full,
		CreatedAt:   s.deps.Clock(),
	}
	s.published.Store(snap)

	s.compiled = true
	if out.Full {
		s.fullyCompiled = true
	}
	s.evicted = false

	if old != nil && old.Unit != nil && old.Unit != out.Unit {
		s.closeUnitQuietly(old.Unit)
	}
}

// openSources gathers in-editor contents of open documents under this
// project root.
func (s *Scope) openSources() map[string]string {
	if s.deps.Files == nil {
		return nil
	}
	sources := make(map[string]string)
	for _, uri := range s.deps.Files.OpenURIs() {
		if !files.UnderRoot(files.URIToPath(uri), s.projectRoot) {
			continue
		}
		if text, ok := s.deps.Files.Contents(uri); ok {
			sources[uri] = text
		}
	}
	return sources
}

// =============================================================================
// CLASSPATH SCAN
// =============================================================================

// EnsureScanIndexed lazily acquires the shared classpath scan. Idempotent.
// Callers must NOT already hold the scope lock; those use the Locked
// variant.
func (s *Scope) EnsureScanIndexed(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	return s.ensureScanIndexedLocked(ctx)
}

// EnsureScanIndexedLocked is the variant for callers that already hold the
// write lock. Re-checks presence under the lock before doing the expensive
// build.
func (s *Scope) EnsureScanIndexedLocked(ctx context.Context) error {
	return s.ensureScanIndexedLocked(ctx)
}

func (s *Scope) ensureScanIndexedLocked(ctx context.Context) error {
	// Double-check: a concurrent writer may have acquired the scan
	// between the caller's unlocked observation and this point.
	if s.scan != nil || s.scanCacheUnavailable() {
		return nil
	}
	if !s.classpathResolved || len(s.classpath) == 0 {
		return nil
	}

	ctx, span := s.deps.Tracer.Start(ctx, "scope.scan_index",
		trace.WithAttributes(attribute.String("project_root", s.projectRoot)),
	)
	defer span.End()

	handle, err := s.deps.ScanCache.Acquire(ctx, scancache.KeyFor(s.classpath))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Degrade: classpath-aware features stay unavailable; the
		// request itself keeps working.
		span.RecordError(err)
		s.logger.Error("classpath scan failed; classpath-aware features degraded",
			slog.String("error", err.Error()),
		)
		return nil
	}
	s.scan = handle
	return nil
}

func (s *Scope) scanCacheUnavailable() bool {
	return s.deps.ScanCache == nil
}

// ScanHandle returns the current scan handle, or nil while degraded or
// evicted. Callers must hold at least the read lock.
func (s *Scope) ScanHandle() *scancache.Handle {
	return s.scan
}

// =============================================================================
// CLASSPATH & RESETS
// =============================================================================

// SetClasspath installs new classpath data, deterministically invalidating
// cached compiled state when the entries changed. Clears the sticky failure
// flag so the next access retries compilation.
func (s *Scope) SetClasspath(entries []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if s.classpathResolved && slices.Equal(s.classpath, entries) {
		return
	}

	s.releaseHeavyStateLocked()
	s.resetCompilationFailedLocked()
	s.classpath = slices.Clone(entries)
	s.classpathResolved = true

	s.logger.Info("classpath updated; compiled state invalidated",
		slog.Int("entries", len(entries)),
	)
}

// Classpath returns a copy of the resolved classpath entries.
func (s *Scope) Classpath() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.classpath)
}

// ResetCompilationFailed clears the sticky failure flag together with the
// compiled flags, so the next access retries compilation. This is the
// operator-facing force-retry path; classpath changes reset through the
// same internals.
func (s *Scope) ResetCompilationFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCompilationFailedLocked()
}

func (s *Scope) resetCompilationFailedLocked() {
	s.compilationFailed = false
	s.failureCause = nil
	s.compiled = false
	s.fullyCompiled = false
}

// =============================================================================
// EVICTION & DISPOSAL
// =============================================================================

// EvictHeavyState releases the scope's heavy state while keeping the shell
// for later reactivation. MUST be called with the write lock held. Calling
// it on an already-evicted scope clears only the failure latch and never
// double-releases the shared scan handle.
func (s *Scope) EvictHeavyState() {
	// A fatal failure can latch while the scope is already evicted; the
	// force-retry path must still clear it, so the reset happens before
	// the early return.
	s.resetCompilationFailedLocked()
	if s.evicted {
		return
	}
	s.releaseHeavyStateLocked()
	s.evicted = true

	s.logger.Info("scope evicted")

	// Advisory reclamation hint; never relied upon for correctness.
	if hint := s.deps.GCHint; hint != nil {
		go hint()
	}
}

// Evict takes the write lock and evicts. Convenience for callers outside
// the sweeper's double-checked path.
func (s *Scope) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EvictHeavyState()
}

// EvictIfEligible is the sweeper's double-checked eviction path. It takes
// the write lock WITHOUT refreshing the access time (a maintenance
// acquisition must not look like user activity), re-verifies eligibility
// under the lock via the callback (conditions may have changed between the
// unlocked scan and this acquisition), and evicts only if still valid.
// Returns whether an eviction happened.
func (s *Scope) EvictIfEligible(eligible func(Stats) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || s.evicted || !s.compiled {
		return false
	}
	if eligible != nil && !eligible(s.statsLocked()) {
		return false
	}
	s.EvictHeavyState()
	return true
}

// releaseHeavyStateLocked runs every cleanup step even when an earlier one
// fails: scan handle release, compilation unit close, snapshot clear.
func (s *Scope) releaseHeavyStateLocked() {
	if s.scan != nil {
		s.deps.ScanCache.Release(s.scan)
		s.scan = nil
	}
	if snap := s.published.Swap(nil); snap != nil && snap.Unit != nil {
		s.closeUnitQuietly(snap.Unit)
	}
}

// Dispose releases everything unconditionally and permanently. Used at
// project removal and process teardown; the scope must not be used after.
func (s *Scope) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.releaseHeavyStateLocked()
	s.resetCompilationFailedLocked()
	// Locator/index structures are privately owned, not shared; dropped
	// only here, not on eviction.
	s.locator = nil
	s.evicted = true
	s.disposed = true
	s.logger.Debug("scope disposed")
}

// closeUnitQuietly closes a compilation unit; cleanup failure is logged
// and never interrupts the surrounding sequence.
func (s *Scope) closeUnitQuietly(unit compile.CompilationUnit) {
	if err := unit.Close(); err != nil {
		s.logger.Warn("closing compilation unit failed",
			slog.String("error", err.Error()),
		)
	}
}

// =============================================================================
// DERIVED INDEX SHEDDING
// =============================================================================

// DropDerivedIndexes republishes the current snapshot without its derived
// reference index, trading recompute cost for memory now. Used by the
// sweeper while dynamic TTL scaling is active. Returns whether anything was
// dropped.
func (s *Scope) DropDerivedIndexes() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.published.Load()
	if snap == nil || snap.AST == nil || !snap.AST.HasReferenceIndex() {
		return false
	}

	trimmed := *snap
	trimmed.AST = snap.AST.WithoutReferenceIndex()
	s.generation++
	trimmed.Generation = s.generation
	s.published.Store(&trimmed)

	s.logger.Debug("dropped derived reference index")
	return true
}
