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
	"time"

	"github.com/tomaszrup/groovy-language-server-sub001/services/langserver/compile"
)

// Snapshot is the published, immutable view of a scope's compiled state.
//
// Writers build a complete new Snapshot under the scope's write lock and
// publish it with a single atomic store; readers load it with a single
// atomic load and never coordinate with writers. A reader that captured a
// reference before a replacement keeps seeing a fully consistent old state.
// The snapshot may therefore be one compile generation stale; that staleness
// window is documented behavior, not a bug.
type Snapshot struct {
	// Unit is the opaque compiler working state this snapshot came from.
	Unit compile.CompilationUnit

	// AST is the immutable syntax-tree model for read-only queries.
	AST compile.ASTModel

	// Diagnostics are the findings of the compile that produced this
	// snapshot.
	Diagnostics []compile.Diagnostic

	// Generation increases by one for every publication on the owning
	// scope. Reads observe a strictly monotonic sequence of generations.
	Generation uint64

	// Full reports whether the snapshot came from a full project compile
	// rather than a single-file one.
	Full bool

	// CreatedAt is when the snapshot was published.
	CreatedAt time.Time
}
