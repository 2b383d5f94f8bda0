// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package langserver wires the project-scope core: the pool fabric, the
// shared scan cache, the scope registry, the eviction sweeper, and the
// build-file watcher. The editor transport layer sits above this package
// and calls into Service; the compiler and build importer sit below it and
// are injected as collaborators.
package langserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomaszrup/groovy-language-server-sub001/pkg/logging"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/buildimport"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/compile"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/config"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/files"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/pool"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/scancache"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/scope"
	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/sweeper"
)

// compileDebounce coalesces keystroke-rate change notifications into one
// background compile per scope.
const compileDebounce = 300 * time.Millisecond

// Collaborators are the external systems the core drives. Compiler and
// Files are required; Importer and ScanBuilder are optional and disable
// their features when nil.
type Collaborators struct {
	// Compiler produces compiled state for a scope.
	Compiler compile.Compiler

	// Importer resolves project classpaths from build descriptors.
	Importer buildimport.Importer

	// Files reports open documents and their contents.
	Files files.Provider

	// ScanBuilder builds classpath scans for the shared cache.
	ScanBuilder scancache.BuildFunc
}

// Service owns the lifecycle of the scope core.
//
// Thread Safety: safe for concurrent use. ShutdownAll is idempotent.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	fabric      *pool.Fabric
	scanCache   *scancache.Cache
	registry    *scope.Registry
	sweeper     *sweeper.Sweeper
	watcher     *buildimport.Watcher
	closedFiles *files.ClosedFileCache

	mu      sync.Mutex
	pending map[string]func() // project root -> armed debounce cancel

	shutdownOnce sync.Once
	shutdownErr  error
	stopped      chan struct{}
}

// New wires the core from config and collaborators. workspaceRoot anchors
// the default scope. Metrics register against reg; a nil reg disables them.
func New(cfg config.Config, workspaceRoot string, collab Collaborators, logger *slog.Logger, reg prometheus.Registerer) (*Service, error) {
	if collab.Compiler == nil {
		return nil, fmt.Errorf("langserver: a Compiler collaborator is required")
	}
	if collab.Files == nil {
		return nil, fmt.Errorf("langserver: a Files collaborator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		poolMetrics    *pool.Metrics
		scopeMetrics   *scope.Metrics
		sweeperMetrics *sweeper.Metrics
	)
	if reg != nil {
		poolMetrics = pool.NewMetrics(reg)
		scopeMetrics = scope.NewMetrics(reg)
		sweeperMetrics = sweeper.NewMetrics(reg)
	}

	fabric := pool.NewFabric(pool.Config{
		SchedulingWorkers: cfg.Pools.SchedulingWorkers,
		ImportWorkers:     cfg.Pools.ImportWorkers,
		CompileWorkers:    cfg.Pools.CompileWorkers,
		CompilePermits:    cfg.Pools.CompilePermits,
	}, logger, poolMetrics)

	var scanCache *scancache.Cache
	if collab.ScanBuilder != nil {
		scanCache = scancache.New(collab.ScanBuilder, logger)
	}

	registry := scope.NewRegistry(workspaceRoot, scope.Deps{
		ScanCache: scanCache,
		Compiler:  collab.Compiler,
		Permits:   fabric.CompilePermits(),
		Files:     collab.Files,
		Logger:    logger,
		Metrics:   scopeMetrics,
	})

	closedFiles := files.NewClosedFileCache(cfg.Scope.ClosedFileCacheSize, cfg.Scope.ClosedFileTTL)

	sw := sweeper.New(sweeper.Config{
		TTL:               cfg.Scope.TTL,
		PressureThreshold: cfg.Scope.PressureThreshold,
		ScalingFloor:      cfg.Scope.ScalingFloor,
	}, sweeper.Deps{
		Registry:    registry,
		Files:       collab.Files,
		ClosedFiles: closedFiles,
		Logger:      logger,
		Metrics:     sweeperMetrics,
	})

	s := &Service{
		cfg:         cfg,
		logger:      logger.With(slog.String("subsystem", "langserver")),
		fabric:      fabric,
		scanCache:   scanCache,
		registry:    registry,
		sweeper:     sw,
		closedFiles: closedFiles,
		pending:     make(map[string]func()),
		stopped:     make(chan struct{}),
	}

	if collab.Importer != nil {
		watcher, err := buildimport.NewWatcher(collab.Importer, registry, fabric, cfg.Watcher.Debounce, logger)
		if err != nil {
			// The core works without live classpath refresh; imports still
			// run once per OpenProject.
			logger.Warn("build-file watcher unavailable", slog.String("error", err.Error()))
		} else {
			s.watcher = watcher
		}
	}
	return s, nil
}

// Start launches the background machinery. Call once after New.
func (s *Service) Start() {
	s.sweeper.Start(s.fabric)
	s.registry.DefaultScope()
	s.logger.Info("langserver core started",
		slog.Int("compile_permits", s.fabric.PermitCount()),
		slog.Duration("scope_ttl", s.cfg.Scope.TTL),
	)
}

// Registry exposes scope routing for the transport layer.
func (s *Service) Registry() *scope.Registry { return s.registry }

// Fabric exposes the worker pools for the transport layer.
func (s *Service) Fabric() *pool.Fabric { return s.fabric }

// ClosedFiles exposes the closed-document retention cache.
func (s *Service) ClosedFiles() *files.ClosedFileCache { return s.closedFiles }

// Sweeper exposes runtime eviction tuning.
func (s *Service) Sweeper() *sweeper.Sweeper { return s.sweeper }

// =============================================================================
// PROJECT LIFECYCLE
// =============================================================================

// OpenProject registers a build-tool project root: its scope is created,
// its build descriptors are watched, and an initial classpath import runs
// on the import pool when an importer is wired.
func (s *Service) OpenProject(ctx context.Context, root string) *scope.Scope {
	sc := s.registry.GetOrCreate(root)
	if s.watcher != nil {
		s.watcher.WatchRoot(root)
		s.watcher.Reimport(ctx, root)
	}
	return sc
}

// RemoveProject destroys a project's scope on workspace-folder removal.
func (s *Service) RemoveProject(root string) {
	if s.watcher != nil {
		s.watcher.UnwatchRoot(root)
	}
	s.cancelPending(root)
	s.registry.RemoveScope(root)
}

// InvalidateProject is the operator force-retry path: evict the scope's
// state and clear any latched compile failure so the next access retries.
func (s *Service) InvalidateProject(root string) {
	s.registry.InvalidateScope(root)
}

// =============================================================================
// DOCUMENT EVENTS
// =============================================================================

// NotifyChange schedules a debounced background compile for the scope
// owning uri. Safe to call at keystroke rate; rapid changes to one scope
// collapse into a single compile.
func (s *Service) NotifyChange(uri string) {
	sc := s.scopeFor(uri)
	if sc == nil {
		return
	}
	root := sc.ProjectRoot()

	s.mu.Lock()
	if cancel, ok := s.pending[root]; ok {
		cancel()
	}
	ctx := logging.IntoContext(context.Background(), s.logger)
	s.pending[root] = s.fabric.Schedule(ctx, compileDebounce, "debounced_compile", func(ctx context.Context) {
		s.mu.Lock()
		delete(s.pending, root)
		s.mu.Unlock()

		err := s.fabric.CompilePool().Submit(ctx, "background_compile", func(ctx context.Context) {
			result := sc.EnsureCompiled(ctx, []string{uri})
			if !result.Available() {
				logging.FromContext(ctx).Debug("background compile unavailable",
					slog.String("project_root", root),
					slog.String("error", result.Err.Error()),
				)
			}
		})
		if err != nil {
			logging.FromContext(ctx).Debug("dropping background compile, pools stopped",
				slog.String("project_root", root),
			)
		}
	})
	s.mu.Unlock()
}

// EnsureCompiled compiles the scope owning uri synchronously and returns
// the typed result. This is the request-path entry (hover, completion).
func (s *Service) EnsureCompiled(ctx context.Context, uri string) compile.Result {
	sc := s.scopeFor(uri)
	if sc == nil {
		return compile.Result{Kind: compile.ResultUnavailable, Err: fmt.Errorf("no scope for %s", uri)}
	}
	return sc.EnsureCompiled(ctx, nil)
}

// Snapshot returns the owning scope's last-published compiled state, or
// nil when nothing is published. Lock-free; may be one generation stale.
func (s *Service) Snapshot(uri string) *scope.Snapshot {
	sc := s.scopeFor(uri)
	if sc == nil {
		return nil
	}
	return sc.Snapshot()
}

// FileClosed retains a just-closed document's contents for fast reopen.
func (s *Service) FileClosed(uri, text string) {
	s.closedFiles.Put(uri, text)
}

// FileOpened drops any retained contents; the live buffer wins now.
func (s *Service) FileOpened(uri string) {
	s.closedFiles.Remove(uri)
}

// scopeFor routes a URI, falling back to the default scope for documents
// outside every imported project.
func (s *Service) scopeFor(uri string) *scope.Scope {
	if sc := s.registry.FindScope(uri); sc != nil {
		return sc
	}
	return s.registry.DefaultScope()
}

// cancelPending drops an armed debounce timer for root, if any.
func (s *Service) cancelPending(root string) {
	s.mu.Lock()
	if cancel, ok := s.pending[root]; ok {
		delete(s.pending, root)
		cancel()
	}
	s.mu.Unlock()
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// ShutdownAll tears the core down in dependency order: the watcher first
// (no new imports), then the sweeper, then the pools (bounded grace for
// in-flight work), then every scope, then the scan cache. Exactly-once;
// concurrent and repeat calls wait for the first to finish and share its
// result.
func (s *Service) ShutdownAll(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		defer close(s.stopped)
		s.logger.Info("langserver core shutting down")

		if s.watcher != nil {
			if err := s.watcher.Close(); err != nil {
				s.logger.Warn("closing build watcher", slog.String("error", err.Error()))
			}
		}
		s.sweeper.Stop()

		s.mu.Lock()
		for root, cancel := range s.pending {
			delete(s.pending, root)
			cancel()
		}
		s.mu.Unlock()

		if err := s.fabric.Shutdown(ctx); err != nil {
			s.shutdownErr = err
			s.logger.Warn("pool fabric shutdown incomplete", slog.String("error", err.Error()))
		}

		s.registry.DisposeAll()
		if s.scanCache != nil {
			s.scanCache.Close()
		}
		s.logger.Info("langserver core stopped")
	})
	<-s.stopped
	return s.shutdownErr
}
