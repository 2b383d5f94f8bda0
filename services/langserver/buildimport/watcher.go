// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package buildimport

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/pool"
)

// DefaultDebounce coalesces rapid build-file edits (an IDE save burst, a
// git checkout) into one re-import.
const DefaultDebounce = 2 * time.Second

// buildFileNames are the build descriptors whose changes trigger a
// classpath re-import.
var buildFileNames = map[string]struct{}{
	"build.gradle":     {},
	"build.gradle.kts": {},
	"settings.gradle":  {},
	"pom.xml":          {},
}

// ClasspathSink receives resolved classpaths. Satisfied by the scope
// registry.
type ClasspathSink interface {
	UpdateClasspath(root string, entries []string)
}

// Watcher watches project roots for build-file changes and re-runs the
// importer, debounced, on the fabric's import pool.
//
// Thread Safety: safe for concurrent use. Close is idempotent.
type Watcher struct {
	importer Importer
	sink     ClasspathSink
	fabric   *pool.Fabric
	debounce time.Duration
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	roots   map[string]struct{}
	pending map[string]func() // root -> cancel for the armed debounce timer
	closed  bool

	done chan struct{}
}

// NewWatcher creates a build-file watcher and starts its event loop.
// debounce <= 0 selects DefaultDebounce.
func NewWatcher(importer Importer, sink ClasspathSink, fabric *pool.Fabric, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		importer: importer,
		sink:     sink,
		fabric:   fabric,
		debounce: debounce,
		logger:   logger.With(slog.String("subsystem", "build_watcher")),
		fsw:      fsw,
		roots:    make(map[string]struct{}),
		pending:  make(map[string]func()),
		done:     make(chan struct{}),
	}
	go w.eventLoop()
	return w, nil
}

// WatchRoot registers a project root directory. Watching is non-recursive;
// build descriptors live at the root of the project they describe.
// Failures degrade to a warning: the server keeps working with the last
// known classpath.
func (w *Watcher) WatchRoot(root string) {
	root = filepath.Clean(root)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, ok := w.roots[root]; ok {
		w.mu.Unlock()
		return
	}
	w.roots[root] = struct{}{}
	w.mu.Unlock()

	if err := w.fsw.Add(root); err != nil {
		w.logger.Warn("cannot watch project root",
			slog.String("project_root", root),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Debug("watching project root", slog.String("project_root", root))
}

// UnwatchRoot deregisters a project root and cancels any armed re-import.
func (w *Watcher) UnwatchRoot(root string) {
	root = filepath.Clean(root)

	w.mu.Lock()
	delete(w.roots, root)
	if cancel, ok := w.pending[root]; ok {
		delete(w.pending, root)
		cancel()
	}
	closed := w.closed
	w.mu.Unlock()

	if !closed {
		_ = w.fsw.Remove(root)
	}
}

// Close stops the watcher. Idempotent; in-flight imports finish on the
// import pool.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for root, cancel := range w.pending {
		delete(w.pending, root)
		cancel()
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

// eventLoop drains fsnotify until Close.
func (w *Watcher) eventLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("build watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent arms (or re-arms) the debounce timer for a root whose build
// descriptor changed.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if _, ok := buildFileNames[filepath.Base(event.Name)]; !ok {
		return
	}
	root := filepath.Dir(event.Name)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, ok := w.roots[root]; !ok {
		w.mu.Unlock()
		return
	}
	if cancel, ok := w.pending[root]; ok {
		cancel()
	}
	w.pending[root] = w.fabric.Schedule(context.Background(), w.debounce, "build_reimport", func(ctx context.Context) {
		w.mu.Lock()
		delete(w.pending, root)
		w.mu.Unlock()
		w.Reimport(ctx, root)
	})
	w.mu.Unlock()

	w.logger.Debug("build file changed",
		slog.String("file", event.Name),
		slog.String("project_root", root),
	)
}

// Reimport hands classpath resolution for root to the import pool and
// feeds the result into the registry. Called on debounce expiry and once
// per project open. Resolution failure keeps the previous classpath.
func (w *Watcher) Reimport(ctx context.Context, root string) {
	err := w.fabric.ImportPool().Submit(ctx, "resolve_classpath", func(ctx context.Context) {
		entries, err := w.importer.ResolveClasspath(ctx, root)
		if err != nil {
			w.logger.Warn("classpath resolution failed, keeping previous classpath",
				slog.String("project_root", root),
				slog.String("error", err.Error()),
			)
			return
		}
		w.sink.UpdateClasspath(root, entries)
		w.logger.Info("classpath refreshed",
			slog.String("project_root", root),
			slog.Int("entries", len(entries)),
		)
	})
	if err != nil {
		w.logger.Debug("dropping re-import, pools stopped",
			slog.String("project_root", root),
		)
	}
}
