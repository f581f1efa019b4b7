// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package random provides the concurrency-safe random source shared by the
// router's probabilistic decisions (exploration, shadow draws, splits).
//
// A zero seed uses the runtime-seeded top-level math/rand/v2 functions,
// which are safe for concurrent use. A non-zero seed builds a PCG generator
// behind a mutex so tests can replay a decision sequence.
package random

import (
	"math/rand/v2"
	"sync"
)

// Source is a concurrency-safe random source.
type Source interface {
	// Float64 returns a value in [0, 1).
	Float64() float64

	// IntN returns a value in [0, n). Panics if n <= 0.
	IntN(n int) int

	// NormFloat64 returns a standard normal value.
	NormFloat64() float64
}

// New returns a Source. Seed 0 selects the runtime-seeded global generator.
func New(seed uint64) Source {
	if seed == 0 {
		return globalSource{}
	}
	return &lockedSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type globalSource struct{}

func (globalSource) Float64() float64     { return rand.Float64() }
func (globalSource) IntN(n int) int       { return rand.IntN(n) }
func (globalSource) NormFloat64() float64 { return rand.NormFloat64() }

type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

func (s *lockedSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

func (s *lockedSource) NormFloat64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.NormFloat64()
}
