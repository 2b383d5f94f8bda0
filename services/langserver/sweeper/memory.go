// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweeper

import (
	"math"
	"runtime"
	"runtime/debug"
)

// MemoryStats is one observation of process memory state.
type MemoryStats struct {
	// HeapUsed is the live heap in bytes.
	HeapUsed uint64

	// HeapMax is the usable ceiling the ratio is computed against:
	// the configured memory limit when one is set, the OS-backed heap
	// reservation otherwise.
	HeapMax uint64

	// Goroutines is the current goroutine count, for the sweep profile.
	Goroutines int
}

// Ratio returns used/max in [0, 1]. A zero ceiling reads as no pressure.
func (m MemoryStats) Ratio() float64 {
	if m.HeapMax == 0 {
		return 0
	}
	r := float64(m.HeapUsed) / float64(m.HeapMax)
	if r > 1 {
		return 1
	}
	return r
}

// MemoryReader supplies memory observations to the sweeper. Injected so
// tests can drive exact ratios.
type MemoryReader interface {
	ReadMemory() MemoryStats
}

// runtimeMemoryReader reads the Go runtime.
type runtimeMemoryReader struct{}

// NewRuntimeMemoryReader returns the production MemoryReader.
func NewRuntimeMemoryReader() MemoryReader {
	return runtimeMemoryReader{}
}

func (runtimeMemoryReader) ReadMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	maxHeap := ms.HeapSys
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		maxHeap = uint64(limit)
	}

	return MemoryStats{
		HeapUsed:   ms.HeapAlloc,
		HeapMax:    maxHeap,
		Goroutines: runtime.NumGoroutine(),
	}
}
