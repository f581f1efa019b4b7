// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reward

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRouter/pkg/validation"
)

// penaltyFloor is the lowest multiplier the budget penalty applies.
const penaltyFloor = 0.1

// BudgetConfig configures the BudgetAwareCalculator.
type BudgetConfig struct {
	// Enabled turns on budget tracking. When false the plain Calculator is used.
	Enabled bool `yaml:"enabled"`

	// Budget is the spend ceiling in USD per window.
	Budget float64 `yaml:"budget" validate:"gt=0"`

	// Window is the rolling spend window. Default: 24h
	Window time.Duration `yaml:"window" validate:"gt=0"`

	// PenaltyThreshold is the budget fraction above which rewards are penalized.
	// Default: 0.8
	PenaltyThreshold float64 `yaml:"penalty_threshold" validate:"unit,lt=1"`
}

// DefaultBudgetConfig returns a disabled budget configuration with
// sensible values for when it is enabled.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Enabled:          false,
		Budget:           100,
		Window:           24 * time.Hour,
		PenaltyThreshold: 0.8,
	}
}

// Validate checks the configuration.
func (c BudgetConfig) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("budget config: %w", err)
	}
	return nil
}

// BudgetAwareCalculator scales rewards down as spend approaches the budget.
//
// Description:
//
//	Every scored execution adds its cost to a rolling spend total. Once the
//	spend exceeds PenaltyThreshold of the budget, the reward total is
//	multiplied by a penalty that falls linearly to 0.1 at full budget and
//	stays there. The window restarts once it has elapsed.
//
// Thread Safety: Safe for concurrent use.
type BudgetAwareCalculator struct {
	base   *Calculator
	config BudgetConfig

	mu          sync.Mutex
	spend       float64
	windowStart time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewBudgetAwareCalculator wraps base with budget tracking.
//
// Inputs:
//   - base: The calculator producing the unpenalized breakdown. Must not be nil.
//   - config: Budget configuration.
//
// Outputs:
//   - *BudgetAwareCalculator: The calculator.
//   - error: Non-nil if base is nil or the configuration is invalid.
func NewBudgetAwareCalculator(base *Calculator, config BudgetConfig) (*BudgetAwareCalculator, error) {
	if base == nil {
		return nil, fmt.Errorf("budget calculator: base calculator must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &BudgetAwareCalculator{
		base:        base,
		config:      config,
		windowStart: time.Now(),
		now:         time.Now,
	}, nil
}

// CalculateReward records the execution cost and returns the penalized reward.
func (b *BudgetAwareCalculator) CalculateReward(m ExecutionMetrics) RewardBreakdown {
	breakdown := b.base.CalculateReward(m)

	b.mu.Lock()
	b.rollWindowLocked()
	if m.Cost > 0 {
		b.spend += m.Cost
	}
	penalty := b.penaltyLocked()
	b.mu.Unlock()

	breakdown.Penalty = penalty
	breakdown.Total = clamp01(breakdown.Total * penalty)
	return breakdown
}

// Spend returns the spend in the current window.
func (b *BudgetAwareCalculator) Spend() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowLocked()
	return b.spend
}

// Penalty returns the multiplier that the next reward would receive
// before its own cost is added.
func (b *BudgetAwareCalculator) Penalty() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowLocked()
	return b.penaltyLocked()
}

func (b *BudgetAwareCalculator) rollWindowLocked() {
	now := b.now()
	if now.Sub(b.windowStart) >= b.config.Window {
		b.spend = 0
		b.windowStart = now
	}
}

func (b *BudgetAwareCalculator) penaltyLocked() float64 {
	fraction := b.spend / b.config.Budget
	threshold := b.config.PenaltyThreshold
	if fraction <= threshold {
		return 1
	}
	return math.Max(penaltyFloor, 1-(fraction-threshold)/(1-threshold))
}
