// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package files defines the file-state collaborator boundary and the
// closed-file content cache.
//
// The protocol layer owns document lifecycles; this core only needs two
// views of them: which documents are currently open (eviction must never
// touch a project with open files) and what a document currently contains
// (compilation needs in-editor text, not disk text).
package files

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// Provider exposes editor document state to the core.
//
// Thread Safety: implementations must be safe for concurrent use.
type Provider interface {
	// OpenURIs returns the set of currently open document URIs.
	OpenURIs() []string

	// Contents returns the current text of the document and whether the
	// document is known to the provider.
	Contents(uri string) (string, bool)
}

// URIToPath converts a file:// URI to a filesystem path. Non-file URIs and
// unparseable input return the empty string.
func URIToPath(uri string) string {
	if uri == "" {
		return ""
	}
	if !strings.HasPrefix(uri, "file:") {
		// Already a plain path.
		return filepath.Clean(uri)
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return ""
	}
	p := u.Path
	if runtime.GOOS == "windows" && len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.Clean(p)
}

// UnderRoot reports whether path is root or lives below root.
func UnderRoot(path, root string) bool {
	if path == "" || root == "" {
		return false
	}
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
