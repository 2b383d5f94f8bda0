// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package buildimport defines the build-import collaborator boundary and
// the build-file watcher that keeps classpaths current.
//
// Import itself (talking to Gradle/Maven, possibly spawning build daemons)
// is an external collaborator; this package only decides when it runs and
// feeds its results into the scope registry.
package buildimport

import "context"

// Importer resolves a project's dependency classpath. Invocations run on
// the fabric's import pool; they are CPU- and process-heavy.
type Importer interface {
	// ResolveClasspath returns the classpath entries for the project at
	// root. An error means the previous classpath (if any) stays in
	// force.
	ResolveClasspath(ctx context.Context, root string) ([]string, error)
}
