// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// lowMemoryCeiling is the usable-memory threshold below which only a
// single concurrent compilation is allowed.
const lowMemoryCeiling = 1 << 30 // 1 GiB

// DefaultShutdownGrace bounds how long in-flight tasks get at teardown.
const DefaultShutdownGrace = 5 * time.Second

// =============================================================================
// CONFIG
// =============================================================================

// Config sizes the fabric. Zero values mean "derive from the host".
type Config struct {
	// SchedulingWorkers sizes the scheduling pool. Default 2.
	SchedulingWorkers int

	// ImportWorkers sizes the import pool. Default max(2, min(4, NumCPU)).
	ImportWorkers int

	// CompileWorkers sizes the background-compile pool.
	// Default min(2, NumCPU).
	CompileWorkers int

	// CompilePermits caps concurrent compiler invocations across every
	// pool and caller thread. Default 1 when the usable memory ceiling is
	// below 1 GiB, else min(2, NumCPU).
	CompilePermits int

	// MemoryCeilingBytes overrides the detected usable memory ceiling.
	// Used by tests and constrained deployments.
	MemoryCeilingBytes int64

	// ShutdownGrace bounds Shutdown's wait for in-flight tasks.
	// Default 5s.
	ShutdownGrace time.Duration
}

// withDefaults resolves the derived sizes.
func (c Config) withDefaults() Config {
	ncpu := runtime.NumCPU()
	if c.SchedulingWorkers <= 0 {
		c.SchedulingWorkers = 2
	}
	if c.ImportWorkers <= 0 {
		c.ImportWorkers = max(2, min(4, ncpu))
	}
	if c.CompileWorkers <= 0 {
		c.CompileWorkers = min(2, ncpu)
	}
	if c.CompilePermits <= 0 {
		ceiling := c.MemoryCeilingBytes
		if ceiling <= 0 {
			ceiling = usableMemoryCeiling()
		}
		if ceiling < lowMemoryCeiling {
			c.CompilePermits = 1
		} else {
			c.CompilePermits = min(2, ncpu)
		}
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// usableMemoryCeiling reports the process's memory ceiling in bytes. When
// no limit is configured (GOMEMLIMIT unset), the ceiling is treated as
// unbounded.
func usableMemoryCeiling() int64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return math.MaxInt64
	}
	return limit
}

// =============================================================================
// FABRIC
// =============================================================================

// Fabric bundles the three pools and the global compilation semaphore.
//
// Thread Safety: safe for concurrent use. Shutdown is idempotent.
type Fabric struct {
	scheduling *Pool
	importPool *Pool
	compile    *Pool

	permits     *semaphore.Weighted
	permitCount int

	grace  time.Duration
	logger *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

// NewFabric builds the pools from cfg.
func NewFabric(cfg Config, logger *slog.Logger, metrics *Metrics) *Fabric {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("subsystem", "pool_fabric"))

	f := &Fabric{
		scheduling:  NewPool("scheduling", cfg.SchedulingWorkers, 128, logger, metrics),
		importPool:  NewPool("import", cfg.ImportWorkers, 64, logger, metrics),
		compile:     NewPool("compile", cfg.CompileWorkers, 64, logger, metrics),
		permits:     semaphore.NewWeighted(int64(cfg.CompilePermits)),
		permitCount: cfg.CompilePermits,
		grace:       cfg.ShutdownGrace,
		logger:      logger,
		timers:      make(map[*time.Timer]struct{}),
	}
	logger.Info("pool fabric started",
		slog.Int("scheduling_workers", cfg.SchedulingWorkers),
		slog.Int("import_workers", cfg.ImportWorkers),
		slog.Int("compile_workers", cfg.CompileWorkers),
		slog.Int("compile_permits", cfg.CompilePermits),
	)
	return f
}

// SchedulingPool returns the pool for lightweight timer-style work. It
// never performs CPU- or memory-heavy work itself; tasks on it hand real
// work to the other pools.
func (f *Fabric) SchedulingPool() *Pool { return f.scheduling }

// ImportPool returns the pool for build-tool import and classpath
// resolution.
func (f *Fabric) ImportPool() *Pool { return f.importPool }

// CompilePool returns the background-compile pool.
func (f *Fabric) CompilePool() *Pool { return f.compile }

// CompilePermits returns the global compilation semaphore. Every code path
// that invokes the compiler acquires a permit first and releases it in a
// guaranteed-cleanup path, regardless of which pool it runs on.
func (f *Fabric) CompilePermits() *semaphore.Weighted { return f.permits }

// PermitCount returns the configured permit cap.
func (f *Fabric) PermitCount() int { return f.permitCount }

// Schedule arranges for fn to be submitted to the scheduling pool after
// delay. The returned function cancels a not-yet-fired timer. Timers fired
// after shutdown are dropped silently.
func (f *Fabric) Schedule(ctx context.Context, delay time.Duration, name string, fn func(ctx context.Context)) (cancel func()) {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		f.timerMu.Lock()
		delete(f.timers, timer)
		stopped := f.stopped
		f.timerMu.Unlock()
		if stopped {
			return
		}
		if err := f.scheduling.Submit(ctx, name, fn); err != nil {
			f.logger.Debug("dropping timer task",
				slog.String("task", name),
				slog.String("error", err.Error()),
			)
		}
	})

	f.timerMu.Lock()
	if f.stopped {
		f.timerMu.Unlock()
		timer.Stop()
		return func() {}
	}
	f.timers[timer] = struct{}{}
	f.timerMu.Unlock()

	return func() {
		timer.Stop()
		f.timerMu.Lock()
		delete(f.timers, timer)
		f.timerMu.Unlock()
	}
}

// Shutdown stops all pools with a bounded grace period for in-flight
// tasks. Pools are stopped in any order; the call is idempotent, safe even
// if some pools never received work, and never panics.
func (f *Fabric) Shutdown(ctx context.Context) error {
	f.shutdownOnce.Do(func() {
		f.timerMu.Lock()
		f.stopped = true
		for timer := range f.timers {
			timer.Stop()
		}
		f.timers = nil
		f.timerMu.Unlock()

		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.grace)
			defer cancel()
		}

		for _, p := range []*Pool{f.scheduling, f.importPool, f.compile} {
			if err := p.Shutdown(ctx); err != nil && f.shutdownErr == nil {
				f.shutdownErr = err
			}
		}
		f.logger.Info("pool fabric stopped")
	})
	return f.shutdownErr
}
