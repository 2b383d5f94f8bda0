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
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/files"
)

// Registry routes document URIs to their owning scopes and owns scope
// lifecycles.
//
// One scope exists per build-tool project root. Routing picks the
// longest-matching root so nested projects win over their parents. A
// default scope at the workspace root catches documents that belong to no
// imported project.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	defaultRoot string
	deps        Deps
	logger      *slog.Logger

	mu     sync.RWMutex
	scopes map[string]*Scope
}

// NewRegistry creates a registry whose default scope lives at defaultRoot.
// All scopes it creates share the collaborators in deps.
func NewRegistry(defaultRoot string, deps Deps) *Registry {
	deps.fill()
	return &Registry{
		defaultRoot: filepath.Clean(defaultRoot),
		deps:        deps,
		logger:      deps.Logger.With(slog.String("subsystem", "scope_registry")),
		scopes:      make(map[string]*Scope),
	}
}

// FindScope routes a document URI to its owning scope by longest-matching
// project root. Returns nil when no registered root contains the document.
func (r *Registry) FindScope(uri string) *Scope {
	path := files.URIToPath(uri)
	if path == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Scope
	bestLen := -1
	for root, s := range r.scopes {
		if files.UnderRoot(path, root) && len(root) > bestLen {
			best = s
			bestLen = len(root)
		}
	}
	return best
}

// DefaultScope returns the workspace-root scope, creating it lazily.
func (r *Registry) DefaultScope() *Scope {
	return r.GetOrCreate(r.defaultRoot)
}

// GetOrCreate returns the scope for a project root, creating it on first
// sight (workspace init or dynamic discovery).
func (r *Registry) GetOrCreate(root string) *Scope {
	root = filepath.Clean(root)

	r.mu.RLock()
	s, ok := r.scopes[root]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scopes[root]; ok {
		return s
	}
	s = NewScope(root, r.deps)
	r.scopes[root] = s
	if r.deps.Metrics != nil {
		r.deps.Metrics.ScopesLive.Inc()
	}
	r.logger.Info("scope created", slog.String("project_root", root))
	return s
}

// AllScopes returns a snapshot list of the registered scopes, for sweeping.
func (r *Registry) AllScopes() []*Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		out = append(out, s)
	}
	return out
}

// UpdateClasspath feeds new classpath data for a project into its scope,
// creating the scope if the build import discovered a new project. Cached
// compiled state is invalidated deterministically when entries changed.
func (r *Registry) UpdateClasspath(root string, entries []string) {
	r.GetOrCreate(root).SetClasspath(entries)
}

// InvalidateScope is the operator force-retry path: it evicts the scope's
// heavy state and clears its sticky failure flag so the next access
// recompiles. No-op for unknown roots.
func (r *Registry) InvalidateScope(root string) {
	r.mu.RLock()
	s, ok := r.scopes[filepath.Clean(root)]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.Evict()
	r.logger.Info("scope invalidated", slog.String("project_root", root))
}

// RemoveScope permanently destroys a scope on project removal.
func (r *Registry) RemoveScope(root string) {
	root = filepath.Clean(root)

	r.mu.Lock()
	s, ok := r.scopes[root]
	if ok {
		delete(r.scopes, root)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Dispose()
	if r.deps.Metrics != nil {
		r.deps.Metrics.ScopesLive.Dec()
	}
	r.logger.Info("scope removed", slog.String("project_root", root))
}

// DisposeAll destroys every scope. Used at process teardown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	scopes := r.scopes
	r.scopes = make(map[string]*Scope)
	r.mu.Unlock()

	for _, s := range scopes {
		s.Dispose()
		if r.deps.Metrics != nil {
			r.deps.Metrics.ScopesLive.Dec()
		}
	}
}
