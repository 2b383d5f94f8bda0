// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweeper evicts idle and pressure-selected scopes.
//
// The sweeper is stateless between cycles except for its schedule. Each
// cycle: emit a memory/scope profile, sweep the ancillary closed-file
// cache, then apply three policies in order — pressure eviction of the
// single least-recently-accessed eligible scope when the heap ratio
// crosses the threshold, dynamic TTL shrinking (with derived-index
// shedding) while the ratio sits between the floor and the threshold, and
// standard TTL eviction of idle scopes. A scope with any open file under
// its root is never evicted, regardless of idle time or pressure.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tomaszrup/groovy-language-server-sub001/pkg/logging"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/files"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/pool"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/scope"
)

// =============================================================================
// CONFIG
// =============================================================================

const (
	// DefaultTTL is the idle duration after which a scope becomes
	// eligible for eviction.
	DefaultTTL = 10 * time.Minute

	// DefaultPressureThreshold is the heap ratio above which pressure
	// eviction fires.
	DefaultPressureThreshold = 0.75

	// DefaultScalingFloor is the heap ratio at which TTL shrinking
	// begins.
	DefaultScalingFloor = 0.60

	// minSweepInterval floors the sweep schedule.
	minSweepInterval = 30 * time.Second

	// defaultSubmitTimeout bounds how long a cycle waits for a slot on a
	// saturated scheduling pool before skipping.
	defaultSubmitTimeout = 1 * time.Second
)

// Config configures the sweeper. Zero values get defaults; TTL zero
// disables sweeping entirely.
type Config struct {
	// TTL is the idle eviction threshold. Zero disables the sweeper.
	TTL time.Duration

	// PressureThreshold is the heap ratio triggering pressure eviction.
	PressureThreshold float64

	// ScalingFloor is the heap ratio where dynamic TTL shrinking starts.
	// Must be below PressureThreshold.
	ScalingFloor float64
}

func (c Config) withDefaults() Config {
	if c.PressureThreshold <= 0 {
		c.PressureThreshold = DefaultPressureThreshold
	}
	if c.ScalingFloor <= 0 {
		c.ScalingFloor = DefaultScalingFloor
	}
	return c
}

// EffectiveTTL computes the TTL in force at the given heap ratio.
//
// Below the floor the configured TTL applies unchanged; between floor and
// threshold it shrinks linearly toward 50% of the configured value; at or
// above the threshold it is half (pressure eviction has already taken
// over there).
func EffectiveTTL(ttl time.Duration, ratio, floor, threshold float64) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if threshold <= floor || ratio <= floor {
		return ttl
	}
	if ratio >= threshold {
		return ttl / 2
	}
	scale := 1 - 0.5*(ratio-floor)/(threshold-floor)
	return time.Duration(float64(ttl) * scale)
}

// SweepInterval returns the schedule for a TTL: max(30s, TTL/5).
func SweepInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 5; interval > minSweepInterval {
		return interval
	}
	return minSweepInterval
}

// =============================================================================
// SWEEPER
// =============================================================================

// Deps carries the sweeper's collaborators.
type Deps struct {
	// Registry supplies the scopes to sweep.
	Registry *scope.Registry

	// Files reports open documents; scopes with open files are immune.
	Files files.Provider

	// ClosedFiles is the ancillary cache swept each cycle. Optional.
	ClosedFiles *files.ClosedFileCache

	// Memory supplies heap observations. Nil gets the runtime reader.
	Memory MemoryReader

	// Logger receives sweep events.
	Logger *slog.Logger

	// Tracer traces sweep cycles. Nil uses the global provider.
	Tracer trace.Tracer

	// Metrics is optional; nil disables metric updates.
	Metrics *Metrics

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

func (d *Deps) fill() {
	if d.Memory == nil {
		d.Memory = NewRuntimeMemoryReader()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("langserver/sweeper")
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
}

// Sweeper periodically evicts heavy state from idle scopes.
//
// Thread Safety: safe for concurrent use. Start/Stop/SetTTL may be called
// from any goroutine.
type Sweeper struct {
	deps          Deps
	logger        *slog.Logger
	submitTimeout time.Duration

	mu        sync.Mutex
	ttl       time.Duration
	threshold float64
	floor     float64
	started   bool
	running   bool
	stop      chan struct{}
	fabric    *pool.Fabric
}

// New creates a sweeper. Start schedules it on the fabric's scheduling
// pool.
func New(cfg Config, deps Deps) *Sweeper {
	cfg = cfg.withDefaults()
	deps.fill()
	return &Sweeper{
		deps:          deps,
		logger:        deps.Logger.With(slog.String("subsystem", "eviction_sweeper")),
		submitTimeout: defaultSubmitTimeout,
		ttl:           cfg.TTL,
		threshold:     cfg.PressureThreshold,
		floor:         cfg.ScalingFloor,
	}
}

// Start begins periodic sweeping on the fabric's scheduling pool. With a
// zero TTL the sweeper stays disabled until SetTTL enables it. Idempotent.
func (s *Sweeper) Start(fabric *pool.Fabric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.fabric = fabric
	if s.ttl <= 0 {
		s.logger.Info("eviction sweeper disabled (ttl=0)")
		return
	}
	s.startLocked()
}

// startLocked launches the schedule loop. Caller holds s.mu.
func (s *Sweeper) startLocked() {
	if s.running || s.fabric == nil {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.loop(s.stop)
	s.logger.Info("eviction sweeper started",
		slog.Duration("ttl", s.ttl),
		slog.Duration("interval", SweepInterval(s.ttl)),
		slog.Float64("pressure_threshold", s.threshold),
	)
}

// Stop halts sweeping. Idempotent; in-flight sweeps finish on the
// scheduling pool.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Sweeper) stopLocked() {
	if !s.running {
		return
	}
	close(s.stop)
	s.running = false
	s.logger.Info("eviction sweeper stopped")
}

// SetTTL reconfigures the idle threshold at runtime. Setting zero disables
// the sweeper; setting non-zero after that re-enables it.
func (s *Sweeper) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	if !s.started {
		return
	}
	if ttl <= 0 {
		s.stopLocked()
		return
	}
	s.startLocked()
}

// SetPressureThreshold reconfigures the pressure eviction ratio.
func (s *Sweeper) SetPressureThreshold(ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ratio > 0 && ratio <= 1 {
		s.threshold = ratio
	}
}

// loop waits out the interval, then hands the sweep to the scheduling
// pool. stop is captured so a Stop/Start cycle cannot strand a new loop.
func (s *Sweeper) loop(stop <-chan struct{}) {
	for {
		s.mu.Lock()
		interval := SweepInterval(s.ttl)
		fabric := s.fabric
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !s.submitSweep(fabric) {
			return
		}
	}
}

// submitSweep hands one cycle to the scheduling pool. The wait for a queue
// slot is bounded: a saturated pool skips the cycle instead of stalling the
// schedule. Returns false once the pool has shut down.
func (s *Sweeper) submitSweep(fabric *pool.Fabric) bool {
	ctx := logging.IntoContext(context.Background(), s.logger)
	ctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	err := fabric.SchedulingPool().Submit(ctx, "eviction_sweep", s.SweepOnce)
	switch {
	case err == nil:
		return true
	case errors.Is(err, pool.ErrPoolClosed):
		// Fabric is shutting down; the sweeper is done.
		return false
	default:
		s.logger.Warn("scheduling pool saturated; skipping sweep cycle",
			slog.String("error", err.Error()),
		)
		return true
	}
}

// =============================================================================
// SWEEP CYCLE
// =============================================================================

// SweepOnce runs one full sweep cycle. Exported for tests and for
// operator-triggered sweeps.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	_, span := s.deps.Tracer.Start(ctx, "sweeper.cycle")
	defer span.End()

	start := s.deps.Clock()
	now := start

	s.mu.Lock()
	ttl := s.ttl
	threshold := s.threshold
	floor := s.floor
	s.mu.Unlock()

	scopes := s.deps.Registry.AllScopes()
	openPaths := s.openPaths()

	// Step 1: memory/scope profile. Diagnostic only, no side effects.
	mem := s.deps.Memory.ReadMemory()
	ratio := mem.Ratio()
	s.logger.Debug("sweep profile",
		slog.Uint64("heap_used", mem.HeapUsed),
		slog.Uint64("heap_max", mem.HeapMax),
		slog.Float64("heap_ratio", ratio),
		slog.Int("goroutines", mem.Goroutines),
		slog.Int("scopes", len(scopes)),
		slog.Int("open_files", len(openPaths)),
	)
	if s.deps.Metrics != nil {
		s.deps.Metrics.HeapRatio.Set(ratio)
	}
	span.SetAttributes(
		attribute.Float64("heap_ratio", ratio),
		attribute.Int("scopes", len(scopes)),
	)

	// Step 2: ancillary time-bounded caches. Bookkeeping only.
	if s.deps.ClosedFiles != nil {
		if swept := s.deps.ClosedFiles.SweepExpired(); swept > 0 {
			s.logger.Debug("swept closed-file cache", slog.Int("entries", swept))
			if s.deps.Metrics != nil {
				s.deps.Metrics.ClosedFilesSwept.Add(float64(swept))
			}
		}
	}

	// Step 3-4: pressure eviction overrides TTL.
	if ratio > threshold {
		s.evictUnderPressure(scopes, openPaths, now)
	}

	// Step 5: dynamic TTL scaling with derived-index shedding.
	effTTL := EffectiveTTL(ttl, ratio, floor, threshold)
	if s.deps.Metrics != nil {
		s.deps.Metrics.EffectiveTTLSeconds.Set(effTTL.Seconds())
	}
	if ratio > floor && ratio < threshold {
		s.shedDerivedIndexes(scopes)
	}

	// Step 6: standard TTL eviction.
	if ttl > 0 {
		s.evictIdle(scopes, openPaths, effTTL, now)
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.SweepDuration.Observe(s.deps.Clock().Sub(start).Seconds())
	}
}

// evictUnderPressure evicts the single least-recently-accessed eligible
// scope, independent of TTL. No eligible scope is not a fatal condition.
func (s *Sweeper) evictUnderPressure(scopes []*scope.Scope, openPaths []string, now time.Time) {
	var victim *scope.Scope
	var victimAccess time.Time

	for _, sc := range scopes {
		st, ok := sc.Peek()
		if !ok {
			// Scope is busy; it is in use and not a candidate.
			continue
		}
		if !st.Compiled || st.Evicted || st.Disposed {
			continue
		}
		if s.hasOpenFileUnder(sc.ProjectRoot(), openPaths) {
			continue
		}
		if victim == nil || st.LastAccess.Before(victimAccess) {
			victim = sc
			victimAccess = st.LastAccess
		}
	}

	if victim == nil {
		s.logger.Info("memory pressure but no eligible scope to evict")
		return
	}

	evicted := victim.EvictIfEligible(func(st scope.Stats) bool {
		return !s.hasOpenFileUnder(victim.ProjectRoot(), s.openPaths())
	})
	if evicted {
		s.logger.Warn("pressure-evicted scope",
			slog.String("project_root", victim.ProjectRoot()),
			slog.Duration("idle", now.Sub(victimAccess)),
		)
		if s.deps.Metrics != nil {
			s.deps.Metrics.EvictionsTotal.WithLabelValues("pressure").Inc()
		}
	}
}

// shedDerivedIndexes drops cheap recomputable indexes from all compiled
// scopes' snapshots, trading recompute cost for memory now.
func (s *Sweeper) shedDerivedIndexes(scopes []*scope.Scope) {
	dropped := 0
	for _, sc := range scopes {
		st, ok := sc.Peek()
		if !ok || !st.Compiled || st.Evicted {
			continue
		}
		if sc.DropDerivedIndexes() {
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Info("shed derived indexes under memory scaling",
			slog.Int("scopes", dropped),
		)
		if s.deps.Metrics != nil {
			s.deps.Metrics.IndexesShed.Add(float64(dropped))
		}
	}
}

// evictIdle applies the standard TTL policy, re-verifying every condition
// under each scope's write lock before evicting (the unlocked scan may be
// stale by the time the lock is acquired).
func (s *Sweeper) evictIdle(scopes []*scope.Scope, openPaths []string, effTTL time.Duration, now time.Time) {
	if effTTL <= 0 {
		return
	}
	for _, sc := range scopes {
		st, ok := sc.Peek()
		if !ok {
			continue
		}
		if !st.Compiled || st.Evicted || st.Disposed {
			continue
		}
		if s.hasOpenFileUnder(sc.ProjectRoot(), openPaths) {
			continue
		}
		if now.Sub(st.LastAccess) < effTTL {
			continue
		}

		root := sc.ProjectRoot()
		evicted := sc.EvictIfEligible(func(st scope.Stats) bool {
			if s.hasOpenFileUnder(root, s.openPaths()) {
				return false
			}
			return s.deps.Clock().Sub(st.LastAccess) >= effTTL
		})
		if evicted {
			s.logger.Info("evicted idle scope",
				slog.String("project_root", root),
				slog.Duration("idle", now.Sub(st.LastAccess)),
				slog.Duration("effective_ttl", effTTL),
			)
			if s.deps.Metrics != nil {
				s.deps.Metrics.EvictionsTotal.WithLabelValues("ttl").Inc()
			}
		}
	}
}

// openPaths resolves the currently open URIs to filesystem paths.
func (s *Sweeper) openPaths() []string {
	if s.deps.Files == nil {
		return nil
	}
	uris := s.deps.Files.OpenURIs()
	paths := make([]string, 0, len(uris))
	for _, uri := range uris {
		if p := files.URIToPath(uri); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// hasOpenFileUnder reports whether any open document lives under root.
func (s *Sweeper) hasOpenFileUnder(root string, openPaths []string) bool {
	for _, p := range openPaths {
		if files.UnderRoot(p, root) {
			return true
		}
	}
	return false
}
