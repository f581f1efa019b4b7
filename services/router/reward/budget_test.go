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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBudget(t *testing.T, budget float64) *BudgetAwareCalculator {
	t.Helper()
	cfg := DefaultBudgetConfig()
	cfg.Enabled = true
	cfg.Budget = budget
	b, err := NewBudgetAwareCalculator(newTestCalculator(t), cfg)
	require.NoError(t, err)
	return b
}

func TestBudgetAwareCalculator_Penalty(t *testing.T) {
	b := newTestBudget(t, 10)
	ok := ExecutionMetrics{Latency: time.Second, Success: true}

	t.Run("no penalty under threshold", func(t *testing.T) {
		ok.Cost = 8
		r := b.CalculateReward(ok)
		assert.Equal(t, 1.0, r.Penalty)
		assert.InDelta(t, 8.0, b.Spend(), 1e-9)
	})

	t.Run("linear above threshold", func(t *testing.T) {
		ok.Cost = 1
		r := b.CalculateReward(ok)
		// spend 9/10, threshold 0.8: 1 - 0.1/0.2
		assert.InDelta(t, 0.5, r.Penalty, 1e-9)

		unpenalized := b.base.CalculateReward(ok)
		assert.InDelta(t, unpenalized.Total*0.5, r.Total, 1e-9)
	})

	t.Run("floored once exhausted", func(t *testing.T) {
		ok.Cost = 5
		r := b.CalculateReward(ok)
		assert.Equal(t, 0.1, r.Penalty)
		assert.Equal(t, 0.1, b.Penalty())
	})
}

func TestBudgetAwareCalculator_WindowResets(t *testing.T) {
	b := newTestBudget(t, 1)
	now := time.Now()
	b.now = func() time.Time { return now }
	b.windowStart = now

	b.CalculateReward(ExecutionMetrics{Cost: 2})
	assert.Equal(t, 0.1, b.Penalty())

	now = now.Add(25 * time.Hour)
	assert.Equal(t, 0.0, b.Spend())
	assert.Equal(t, 1.0, b.Penalty())
}

func TestBudgetAwareCalculator_Concurrent(t *testing.T) {
	b := newTestBudget(t, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.CalculateReward(ExecutionMetrics{Cost: 0.01})
			}
		}()
	}
	wg.Wait()

	assert.InDelta(t, 50.0, b.Spend(), 1e-6)
}

func TestNewBudgetAwareCalculator_Invalid(t *testing.T) {
	_, err := NewBudgetAwareCalculator(nil, DefaultBudgetConfig())
	assert.Error(t, err)

	cfg := DefaultBudgetConfig()
	cfg.PenaltyThreshold = 1
	_, err = NewBudgetAwareCalculator(newTestCalculator(t), cfg)
	assert.Error(t, err)
}
