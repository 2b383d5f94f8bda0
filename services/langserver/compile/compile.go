// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compile defines the boundary to the external compiler collaborator.
//
// The core never parses source text or implements language semantics; it
// hands scope state to a Compiler and stores whatever opaque handles come
// back. Everything in this package exists so the lifecycle layer can talk
// about compiled state without knowing what is inside it.
package compile

import (
	"context"
	"time"
)

// =============================================================================
// OPAQUE COMPILED STATE
// =============================================================================

// CompilationUnit is the opaque handle to a compiler's working state for one
// project. Owned exclusively by a single scope and replaced wholesale on each
// successful compile. Close releases compiler-held resources (classloaders,
// temp dirs); failures are best effort for callers.
type CompilationUnit interface {
	Close() error
}

// ASTModel is an immutable view of the syntax trees produced by the last
// successful compile, plus derived lookup structures.
//
// Implementations must be safe for concurrent readers; the core publishes
// them by atomic reference swap and never mutates one in place.
type ASTModel interface {
	// HasReferenceIndex reports whether a derived reference index is
	// currently attached to this model.
	HasReferenceIndex() bool

	// WithoutReferenceIndex returns a copy of the model with the derived
	// reference index dropped, or the receiver when none is attached.
	// Dropping the index trades recompute cost later for memory now.
	WithoutReferenceIndex() ASTModel
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// Severity classifies a diagnostic.
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
	SeverityInformation
	SeverityHint
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "information"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// Diagnostic is one compiler finding, positioned in a document.
type Diagnostic struct {
	URI       string
	Line      int
	Column    int
	EndLine   int
	EndColumn int
	Severity  Severity
	Message   string
	Source    string
}

// =============================================================================
// COMPILER COLLABORATOR
// =============================================================================

// Request describes one compiler invocation.
type Request struct {
	// ProjectRoot identifies the project being compiled.
	ProjectRoot string

	// Classpath holds the resolved dependency entries for the project.
	// Empty when the build import has not completed; the compiler is
	// expected to degrade rather than fail.
	Classpath []string

	// ChangedURIs restricts the compile to the given documents when
	// non-empty. An empty slice requests a full compile.
	ChangedURIs []string

	// Sources maps open-document URIs to their in-editor contents,
	// overriding whatever is on disk.
	Sources map[string]string
}

// Full reports whether the request asks for a full project compile.
func (r Request) Full() bool {
	return len(r.ChangedURIs) == 0
}

// Output is the result of a successful compiler invocation. Transient
// source problems are reported through Diagnostics, not through errors.
type Output struct {
	Unit        CompilationUnit
	AST         ASTModel
	Diagnostics []Diagnostic
	Full        bool
	Duration    time.Duration
}

// Compiler is the external compiler/type-checker collaborator.
//
// Compile may be slow and memory-heavy. Implementations report transient
// source problems as Diagnostics on a nil-error Output; an error return
// means no usable result was produced. Unrecoverable failures (memory
// exhaustion class) must be returned as *FatalError so the scope layer can
// latch its sticky failure state.
type Compiler interface {
	Compile(ctx context.Context, req Request) (*Output, error)
}

// =============================================================================
// TYPED RESULT
// =============================================================================

// ResultKind distinguishes "diagnostics produced" from "no result available".
type ResultKind int

const (
	// ResultDiagnostics means the compile ran and produced diagnostics
	// (possibly zero of them).
	ResultDiagnostics ResultKind = iota

	// ResultUnavailable means no result could be produced; the caller may
	// retry later, or serve a previously published snapshot.
	ResultUnavailable
)

// Result is what compilation paths hand back to request handlers.
type Result struct {
	Kind        ResultKind
	Diagnostics []Diagnostic

	// Err carries the failure when Kind is ResultUnavailable.
	Err error
}

// Available reports whether the result carries usable diagnostics.
func (r Result) Available() bool {
	return r.Kind == ResultDiagnostics
}
