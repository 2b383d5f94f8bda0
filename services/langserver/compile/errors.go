// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"errors"
	"fmt"
)

// ErrCompilationFailed is returned by compilation paths while a scope's
// sticky failure flag is set. It wraps the fatal error that latched the flag.
var ErrCompilationFailed = errors.New("compilation previously failed; reset required")

// FatalError marks an unrecoverable compiler or scan failure (memory
// exhaustion class). The scope layer latches sticky failure state on it and
// stops retrying until an explicit reset.
type FatalError struct {
	// Op names the operation that failed ("compile", "classpath scan").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s failure: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError for the given operation.
func Fatal(op string, err error) *FatalError {
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
