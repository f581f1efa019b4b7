// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianRouter/pkg/random"
	"gonum.org/v1/gonum/stat/distuv"
)

// -----------------------------------------------------------------------------
// Sampling Strategy
// -----------------------------------------------------------------------------

// Sampler names accepted by Config.Sampler.
const (
	SamplerExact       = "exact"
	SamplerApproximate = "approximate"
)

// SamplingStrategy draws one sample from a Beta(alpha, beta) posterior.
//
// Thread Safety: Implementations must be safe for concurrent use.
type SamplingStrategy interface {
	// Sample returns a value in [0, 1].
	Sample(alpha, beta float64) float64

	// Name identifies the strategy in stats and logs.
	Name() string
}

// NewSamplingStrategy returns the strategy registered under name.
//
// Inputs:
//   - name: SamplerExact or SamplerApproximate.
//   - src: Random source for the approximate strategy. Nil uses random.New(0).
//
// Outputs:
//   - SamplingStrategy: The strategy.
//   - error: Non-nil for an unknown name.
func NewSamplingStrategy(name string, src random.Source) (SamplingStrategy, error) {
	switch name {
	case SamplerExact, "":
		return ExactSampler{}, nil
	case SamplerApproximate:
		return NewApproximateSampler(src), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q (want %q or %q)", name, SamplerExact, SamplerApproximate)
	}
}

// -----------------------------------------------------------------------------
// Exact Sampler
// -----------------------------------------------------------------------------

// ExactSampler draws from the Beta distribution with gonum.
//
// Thread Safety: Safe for concurrent use. gonum falls back to the
// runtime-seeded global generator when no source is set.
type ExactSampler struct{}

// Sample draws from Beta(alpha, beta).
func (ExactSampler) Sample(alpha, beta float64) float64 {
	return clamp01(distuv.Beta{Alpha: alpha, Beta: beta}.Rand())
}

// Name returns "exact".
func (ExactSampler) Name() string { return SamplerExact }

// -----------------------------------------------------------------------------
// Approximate Sampler
// -----------------------------------------------------------------------------

// ApproximateSampler approximates a Beta draw with a normal perturbation of
// the posterior mean.
//
// Description:
//
//	The sample is mean + z*stddev with z ~ N(0, 1), clamped to [0, 1].
//	Mean and variance are the exact Beta moments, so the approximation
//	tightens at the same rate as the true posterior.
//
// Thread Safety: Safe for concurrent use.
type ApproximateSampler struct {
	src random.Source
}

// NewApproximateSampler creates an ApproximateSampler. Nil src uses random.New(0).
func NewApproximateSampler(src random.Source) *ApproximateSampler {
	if src == nil {
		src = random.New(0)
	}
	return &ApproximateSampler{src: src}
}

// Sample draws an approximate Beta(alpha, beta) value.
func (s *ApproximateSampler) Sample(alpha, beta float64) float64 {
	mean, variance := betaMoments(alpha, beta)
	return clamp01(mean + s.src.NormFloat64()*math.Sqrt(variance))
}

// Name returns "approximate".
func (s *ApproximateSampler) Name() string { return SamplerApproximate }

// betaMoments returns the mean and variance of Beta(alpha, beta).
func betaMoments(alpha, beta float64) (mean, variance float64) {
	sum := alpha + beta
	mean = alpha / sum
	variance = (alpha * beta) / (sum * sum * (sum + 1))
	return mean, variance
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
