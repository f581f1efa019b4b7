// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reward turns raw execution outcomes into a bounded scalar reward.
//
// # Overview
//
// The reward is the bandit's only learning signal. It combines five
// component scores, each in [0, 1]:
//
//	latency   1.0 at or below target, 0.0 at or above max, linear to a 0.1 floor between
//	success   1.0 or 0.0
//	cost      1.0 at or below the low threshold, 0.0 at or above the ceiling, linear between
//	ux        mean of explicit satisfaction and engagement; 0.5 when absent
//	business  conversion 1.0 or 0.0; 0.5 when absent
//
// The total is the weighted sum divided by the weight total, so a weight
// table that does not sum to 1 still yields a reward in [0, 1].
//
// # Thread Safety
//
// Calculator is immutable and safe for concurrent use. BudgetAwareCalculator
// guards its spend window with a mutex.
package reward

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/AleutianAI/AleutianRouter/pkg/validation"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// ExecutionMetrics is the raw outcome of one arm execution.
type ExecutionMetrics struct {
	// Latency is the wall-clock execution time.
	Latency time.Duration

	// Success is true when the executor returned without error.
	Success bool

	// Cost is the execution cost in USD. Zero when unknown.
	Cost float64

	// UserSatisfaction is explicit user feedback normalized to [0, 1].
	UserSatisfaction *float64

	// Engaged reports an engagement signal (follow-up, click-through).
	Engaged *bool

	// Converted reports a business conversion.
	Converted *bool
}

// Weights holds the component weights. They are expected to sum to 1.
type Weights struct {
	Latency  float64 `yaml:"latency" json:"latency" validate:"gte=0"`
	Success  float64 `yaml:"success" json:"success" validate:"gte=0"`
	Cost     float64 `yaml:"cost" json:"cost" validate:"gte=0"`
	UX       float64 `yaml:"ux" json:"ux" validate:"gte=0"`
	Business float64 `yaml:"business" json:"business" validate:"gte=0"`
}

// Total returns the sum of all weights.
func (w Weights) Total() float64 {
	return w.Latency + w.Success + w.Cost + w.UX + w.Business
}

// RewardBreakdown is the reward and the component scores that produced it.
//
// Thread Safety: Value type; immutable once returned.
type RewardBreakdown struct {
	// Total is the final reward in [0, 1].
	Total float64 `json:"total"`

	Latency  float64 `json:"latency"`
	Success  float64 `json:"success"`
	Cost     float64 `json:"cost"`
	UX       float64 `json:"ux"`
	Business float64 `json:"business"`

	// Weights are the weights used for this calculation.
	Weights Weights `json:"weights"`

	// Penalty is the multiplicative budget penalty applied to Total (1 = none).
	Penalty float64 `json:"penalty"`
}

// Scorer produces a reward for an execution outcome.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Scorer interface {
	CalculateReward(metrics ExecutionMetrics) RewardBreakdown
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

const (
	// neutralScore is used for components without data.
	neutralScore = 0.5

	// latencyFloor is the lowest latency score inside the (target, max) window.
	latencyFloor = 0.1

	// weightTolerance is the allowed deviation of the weight total from 1.
	weightTolerance = 1e-6
)

// Config configures the Calculator.
type Config struct {
	// TargetLatency scores 1.0 at or below. Default: 2s
	TargetLatency time.Duration `yaml:"target_latency" validate:"gt=0"`

	// MaxLatency scores 0.0 at or above. Must exceed TargetLatency. Default: 10s
	MaxLatency time.Duration `yaml:"max_latency" validate:"gtfield=TargetLatency"`

	// LowCost scores 1.0 at or below (USD). Default: 0.001
	LowCost float64 `yaml:"low_cost" validate:"gte=0"`

	// HighCost scores 0.0 at or above (USD). Must exceed LowCost. Default: 0.05
	HighCost float64 `yaml:"high_cost" validate:"gtfield=LowCost"`

	// Weights are the component weights. Default: 0.25/0.35/0.15/0.15/0.10
	Weights Weights `yaml:"weights"`
}

// DefaultConfig returns the default reward configuration.
func DefaultConfig() Config {
	return Config{
		TargetLatency: 2 * time.Second,
		MaxLatency:    10 * time.Second,
		LowCost:       0.001,
		HighCost:      0.05,
		Weights: Weights{
			Latency:  0.25,
			Success:  0.35,
			Cost:     0.15,
			UX:       0.15,
			Business: 0.10,
		},
	}
}

// Validate checks the configuration. A weight total other than 1 is not
// an error; it is logged by NewCalculator.
func (c Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("reward config: %w", err)
	}
	if c.Weights.Total() <= 0 {
		return fmt.Errorf("reward config: %w: weights must not all be zero", validation.ErrInvalid)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Calculator
// -----------------------------------------------------------------------------

// Calculator computes rewards from execution metrics.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Calculator struct {
	config      Config
	weightTotal float64
}

// NewCalculator creates a Calculator.
//
// Inputs:
//   - config: Reward configuration.
//   - logger: Receives the weight-mismatch warning. Nil uses slog.Default().
//
// Outputs:
//   - *Calculator: The calculator.
//   - error: Non-nil if the configuration is invalid.
func NewCalculator(config Config, logger *slog.Logger) (*Calculator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	total := config.Weights.Total()
	if math.Abs(total-1) > weightTolerance {
		logger.Warn("reward weights do not sum to 1; rewards will be normalized",
			slog.Float64("weight_total", total),
		)
	}

	return &Calculator{config: config, weightTotal: total}, nil
}

// Config returns the calculator configuration.
func (c *Calculator) Config() Config {
	return c.config
}

// CalculateReward scores an execution outcome.
//
// Description:
//
//	Pure function of metrics and configuration. Components with missing
//	data score 0.5 so totals stay comparable across partial inputs.
//
// Thread Safety: Safe for concurrent use.
func (c *Calculator) CalculateReward(m ExecutionMetrics) RewardBreakdown {
	w := c.config.Weights
	b := RewardBreakdown{
		Latency:  c.LatencyScore(m.Latency),
		Success:  successScore(m.Success),
		Cost:     c.CostScore(m.Cost),
		UX:       uxScore(m.UserSatisfaction, m.Engaged),
		Business: businessScore(m.Converted),
		Weights:  w,
		Penalty:  1,
	}

	sum := w.Latency*b.Latency +
		w.Success*b.Success +
		w.Cost*b.Cost +
		w.UX*b.UX +
		w.Business*b.Business

	b.Total = clamp01(sum / c.weightTotal)
	return b
}

// LatencyScore scores a latency against the target/max window.
//
// Exactly target scores 1.0, exactly max scores 0.0, and the score is
// non-increasing in between with a floor of 0.1 inside the window.
func (c *Calculator) LatencyScore(latency time.Duration) float64 {
	target, limit := c.config.TargetLatency, c.config.MaxLatency
	switch {
	case latency <= target:
		return 1
	case latency >= limit:
		return 0
	}
	fraction := float64(latency-target) / float64(limit-target)
	return math.Max(latencyFloor, 1-(1-latencyFloor)*fraction)
}

// CostScore scores a cost against the low/high window.
func (c *Calculator) CostScore(cost float64) float64 {
	low, high := c.config.LowCost, c.config.HighCost
	switch {
	case cost <= low:
		return 1
	case cost >= high:
		return 0
	}
	return 1 - (cost-low)/(high-low)
}

func successScore(success bool) float64 {
	if success {
		return 1
	}
	return 0
}

func uxScore(satisfaction *float64, engaged *bool) float64 {
	var sum float64
	var n int
	if satisfaction != nil {
		sum += clamp01(*satisfaction)
		n++
	}
	if engaged != nil {
		sum += successScore(*engaged)
		n++
	}
	if n == 0 {
		return neutralScore
	}
	return sum / float64(n)
}

func businessScore(converted *bool) float64 {
	if converted == nil {
		return neutralScore
	}
	return successScore(*converted)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
