// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollout

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testConfig shortens the first two stages so scenarios stay small.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Stages[StageShadowOnly] = StageConfig{StageShadowOnly, 0, time.Minute, 30, 0.05, 0.20, 0.60}
	cfg.Stages[StageCanary] = StageConfig{StageCanary, 0.01, time.Minute, 30, 0.05, 0.20, 0.60}
	cfg.Seed = 1
	return cfg
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m, err := NewManager(cfg, WithClock(clock.Now), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	return m, clock
}

func setStage(m *Manager, s Stage) {
	m.mu.Lock()
	m.stage = s
	m.enteredAt = m.now()
	m.current = window{}
	m.mu.Unlock()
}

func feedBaseline(m *Manager, n int, latency time.Duration) {
	for i := 0; i < n; i++ {
		m.RecordRequestMetrics(RequestMetrics{Success: true, Latency: latency, Cost: 0.01})
	}
}

func feedBandit(m *Manager, n int, success bool, latency time.Duration, confidence float64) {
	for i := 0; i < n; i++ {
		m.RecordRequestMetrics(RequestMetrics{
			Success:    success,
			Latency:    latency,
			Cost:       0.01,
			Confidence: confidence,
			IsBandit:   true,
		})
	}
}

// =============================================================================
// Configuration
// =============================================================================

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	t.Run("wrong length", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Stages = cfg.Stages[:7]
		assert.Error(t, cfg.Validate())
	})

	t.Run("out of order", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Stages[2], cfg.Stages[3] = cfg.Stages[3], cfg.Stages[2]
		assert.Error(t, cfg.Validate())
	})

	t.Run("decreasing fraction", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Stages[StageLarge].TrafficFraction = 0.1
		assert.Error(t, cfg.Validate())
	})

	t.Run("regression factor below one", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RegressionFactor = 0.5
		assert.Error(t, cfg.Validate())
	})
}

func TestStageText(t *testing.T) {
	for s := StageShadowOnly; s <= StageComplete; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back Stage
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	_, err := ParseStage("warp")
	assert.Error(t, err)
	assert.Equal(t, "stage(42)", Stage(42).String())
}

// =============================================================================
// Traffic Assignment
// =============================================================================

func TestShouldUseBandit_Sticky(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	setStage(m, StageMedium)

	for i := 0; i < 500; i++ {
		user := fmt.Sprintf("user-%d", i)
		assert.Equal(t, m.ShouldUseBandit(user), m.ShouldUseBandit(user), user)
	}
}

func TestShouldUseBandit_Proportion(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	shapes := map[string]string{
		"prefixed": "user-%d",
		"numeric":  "%d",
	}
	for name, format := range shapes {
		t.Run(name, func(t *testing.T) {
			for _, s := range []Stage{StageCanary, StageSmall, StageMedium, StageLarge, StageMajority} {
				setStage(m, s)
				want := m.cfg.Stages[s].TrafficFraction

				const n = 20000
				hits := 0
				for i := range n {
					if m.ShouldUseBandit(fmt.Sprintf(format, i)) {
						hits++
					}
				}
				assert.InDelta(t, want, float64(hits)/n, 0.015, s.String())
			}
		})
	}
}

func TestBucket_Uniform(t *testing.T) {
	const n = 20000
	var deciles [10]int
	for i := range n {
		b := Bucket("rollout", fmt.Sprintf("%d", i))
		require.GreaterOrEqual(t, b, 0.0)
		require.Less(t, b, 1.0)
		deciles[int(b*10)]++
	}
	for d, c := range deciles {
		assert.InDelta(t, 0.1, float64(c)/n, 0.01, "decile %d", d)
	}
	assert.Equal(t, Bucket("a", "user-1"), Bucket("a", "user-1"))
	assert.NotEqual(t, Bucket("a", "user-1"), Bucket("b", "user-1"), "salt changes the bucket")
}

func TestShouldUseBandit_Boundaries(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	assert.False(t, m.ShouldUseBandit("u1"), "shadow only")

	setStage(m, StageFull)
	assert.True(t, m.ShouldUseBandit("u1"))
	assert.True(t, m.ShouldUseBandit(""))

	m.Hold("investigating")
	assert.False(t, m.ShouldUseBandit("u1"), "held")
	m.Resume()
	assert.True(t, m.ShouldUseBandit("u1"))

	m.EmergencyStop("manual")
	assert.False(t, m.ShouldUseBandit("u1"), "inactive")
}

func TestShouldUseBandit_Anonymous(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	setStage(m, StageLarge)

	const n = 10000
	hits := 0
	for i := 0; i < n; i++ {
		if m.ShouldUseBandit("") {
			hits++
		}
	}
	assert.InDelta(t, 0.5, float64(hits)/n, 0.03)
}

func TestBucket(t *testing.T) {
	assert.Equal(t, Bucket("s", "alice"), Bucket("s", "alice"))
	assert.NotEqual(t, Bucket("s1", "alice"), Bucket("s2", "alice"))
	for i := 0; i < 1000; i++ {
		b := Bucket("", fmt.Sprint(i))
		assert.GreaterOrEqual(t, b, 0.0)
		assert.Less(t, b, 1.0)
	}
}

// =============================================================================
// Advancement
// =============================================================================

func TestAdvancement_AllCriteriaMet(t *testing.T) {
	m, clock := newTestManager(t, testConfig())

	var transitions []Transition
	m.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	feedBaseline(m, 50, 100*time.Millisecond)
	clock.Advance(2 * time.Minute)
	feedBandit(m, 30, true, 100*time.Millisecond, 0.9)

	state := m.State()
	assert.Equal(t, StageCanary, state.Stage)
	assert.True(t, state.Active)
	assert.Equal(t, int64(0), state.StageMetrics.Requests, "counters reset on advance")
	assert.Equal(t, clock.Now(), state.StageEnteredAt)

	require.Len(t, transitions, 1)
	assert.Equal(t, TransitionAdvance, transitions[0].Kind)
	assert.Equal(t, StageShadowOnly, transitions[0].From)
	assert.Equal(t, StageCanary, transitions[0].To)
}

func TestAdvancement_SingleCriterionBlocks(t *testing.T) {
	tests := []struct {
		name      string
		criterion string
		run       func(m *Manager, clock *fakeClock)
	}{
		{
			name:      "time in stage",
			criterion: CriterionDuration,
			run: func(m *Manager, clock *fakeClock) {
				clock.Advance(30 * time.Second)
				feedBandit(m, 30, true, 100*time.Millisecond, 0.9)
			},
		},
		{
			name:      "request count",
			criterion: CriterionRequests,
			run: func(m *Manager, clock *fakeClock) {
				clock.Advance(2 * time.Minute)
				feedBandit(m, 29, true, 100*time.Millisecond, 0.9)
			},
		},
		{
			name:      "error rate",
			criterion: CriterionErrorRate,
			run: func(m *Manager, clock *fakeClock) {
				clock.Advance(2 * time.Minute)
				feedBandit(m, 28, true, 100*time.Millisecond, 0.9)
				// 2/30 = 0.067: above 0.05, below the 0.075 regression limit.
				feedBandit(m, 2, false, 100*time.Millisecond, 0.9)
			},
		},
		{
			name:      "latency degradation",
			criterion: CriterionLatencyDegradation,
			run: func(m *Manager, clock *fakeClock) {
				clock.Advance(2 * time.Minute)
				// 25% slower: above 0.20, below the 0.30 regression limit.
				feedBandit(m, 30, true, 125*time.Millisecond, 0.9)
			},
		},
		{
			name:      "confidence",
			criterion: CriterionConfidence,
			run: func(m *Manager, clock *fakeClock) {
				clock.Advance(2 * time.Minute)
				feedBandit(m, 30, true, 100*time.Millisecond, 0.5)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clock := newTestManager(t, testConfig())
			feedBaseline(m, 50, 100*time.Millisecond)

			tt.run(m, clock)

			state := m.State()
			assert.Equal(t, StageShadowOnly, state.Stage)
			assert.True(t, state.Active)

			report := m.Criteria()
			assert.False(t, report.Met)
			assert.Equal(t, []string{tt.criterion}, report.Failing())
			assert.Empty(t, m.History(), "no transition of any kind")

			err := m.ManualAdvance()
			assert.True(t, errors.Is(err, ErrCriteriaNotMet))
			assert.Contains(t, err.Error(), tt.criterion)
		})
	}
}

func TestAdvancement_NoSkipAndTerminal(t *testing.T) {
	cfg := testConfig()
	for i := range cfg.Stages {
		cfg.Stages[i].MinDuration = 0
		cfg.Stages[i].MinRequests = 1
		cfg.Stages[i].MinConfidence = 0
	}
	m, _ := newTestManager(t, cfg)
	feedBaseline(m, 10, 100*time.Millisecond)

	var seen []Stage
	m.OnTransition(func(tr Transition) { seen = append(seen, tr.To) })

	feedBandit(m, 20, true, 100*time.Millisecond, 0.9)

	assert.Equal(t, []Stage{
		StageCanary, StageSmall, StageMedium, StageLarge, StageMajority, StageFull, StageComplete,
	}, seen[:7])
	assert.Equal(t, StageComplete, m.State().Stage)
	assert.True(t, errors.Is(m.ManualAdvance(), ErrTerminalStage))
	assert.False(t, m.Criteria().Met)
}

func TestAdvancement_HeldDoesNotAdvance(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	feedBaseline(m, 50, 100*time.Millisecond)
	m.Hold("change freeze")

	clock.Advance(2 * time.Minute)
	feedBandit(m, 40, true, 100*time.Millisecond, 0.9)
	assert.Equal(t, StageShadowOnly, m.State().Stage)
	assert.True(t, m.Criteria().Met)

	require.NoError(t, m.ManualAdvance())
	assert.Equal(t, StageCanary, m.State().Stage)
}

// =============================================================================
// Safety
// =============================================================================

func TestEmergencyRollback_FromAnyStage(t *testing.T) {
	for s := StageCanary; s <= StageComplete; s++ {
		t.Run("error rate at "+s.String(), func(t *testing.T) {
			m, _ := newTestManager(t, testConfig())
			setStage(m, s)
			feedBaseline(m, 50, 100*time.Millisecond)

			feedBandit(m, 4, false, 100*time.Millisecond, 0.9)
			feedBandit(m, 16, true, 100*time.Millisecond, 0.9)

			state := m.State()
			assert.Equal(t, StageShadowOnly, state.Stage)
			assert.False(t, state.Active)
			assert.Contains(t, state.RollbackReason, "emergency")

			history := m.History()
			require.NotEmpty(t, history)
			assert.Equal(t, TransitionEmergency, history[len(history)-1].Kind)
			assert.Equal(t, s, history[len(history)-1].From)
		})
	}

	t.Run("latency degradation", func(t *testing.T) {
		m, _ := newTestManager(t, testConfig())
		setStage(m, StageLarge)
		feedBaseline(m, 50, 100*time.Millisecond)
		feedBandit(m, 20, true, 160*time.Millisecond, 0.9)

		state := m.State()
		assert.Equal(t, StageShadowOnly, state.Stage)
		assert.False(t, state.Active)
	})
}

func TestEmergencyRollback_RequiresManualReactivation(t *testing.T) {
	m, clock := newTestManager(t, testConfig())
	setStage(m, StageMedium)
	feedBaseline(m, 50, 100*time.Millisecond)
	feedBandit(m, 20, false, 100*time.Millisecond, 0.9)
	require.False(t, m.State().Active)

	// Healthy traffic does not re-enable it.
	clock.Advance(time.Hour)
	feedBandit(m, 100, true, 100*time.Millisecond, 0.9)
	assert.False(t, m.State().Active)
	assert.Equal(t, StageShadowOnly, m.State().Stage)
	assert.True(t, errors.Is(m.ManualAdvance(), ErrInactive))

	m.Reactivate()
	state := m.State()
	assert.True(t, state.Active)
	assert.Equal(t, StageShadowOnly, state.Stage)
	assert.Empty(t, state.RollbackReason)
}

func TestEvaluationFloor(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	setStage(m, StageLarge)
	feedBaseline(m, 50, 100*time.Millisecond)

	feedBandit(m, 19, false, 100*time.Millisecond, 0.9)
	state := m.State()
	assert.Equal(t, StageLarge, state.Stage)
	assert.True(t, state.Active)

	feedBandit(m, 1, false, 100*time.Millisecond, 0.9)
	assert.False(t, m.State().Active)
}

func TestRegression_StepsBackOneStage(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	setStage(m, StageMedium)
	feedBaseline(m, 50, 100*time.Millisecond)

	// 1/20 = 0.05: above 1.5 * 0.03, below the 0.15 emergency limit.
	feedBandit(m, 1, false, 100*time.Millisecond, 0.9)
	feedBandit(m, 19, true, 100*time.Millisecond, 0.9)

	state := m.State()
	assert.Equal(t, StageSmall, state.Stage)
	assert.True(t, state.Active)
	assert.Contains(t, state.RollbackReason, "regression")
	assert.Equal(t, int64(0), state.StageMetrics.Requests)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, TransitionRegression, history[0].Kind)
	assert.Equal(t, StageMedium, history[0].From)
	assert.Equal(t, StageSmall, history[0].To)
}

func TestRegression_SkippedAtComplete(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	setStage(m, StageComplete)
	feedBaseline(m, 50, 100*time.Millisecond)

	// 2/20 = 0.10: a regression anywhere else, below the 0.15 emergency limit.
	for range 3 {
		feedBandit(m, 2, false, 100*time.Millisecond, 0.9)
		feedBandit(m, 18, true, 100*time.Millisecond, 0.9)
	}

	state := m.State()
	assert.Equal(t, StageComplete, state.Stage)
	assert.True(t, state.Active)
	assert.Empty(t, state.RollbackReason)
	assert.Empty(t, m.History())

	m.ManualRollback("operator decision")
	assert.Equal(t, StageFull, m.State().Stage)
}

func TestRegression_LatencyAtShadowOnlyResetsWindow(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	feedBaseline(m, 50, 100*time.Millisecond)

	// 40% slower: above 1.5 * 0.20, below the 0.5 emergency limit.
	feedBandit(m, 20, true, 140*time.Millisecond, 0.9)

	state := m.State()
	assert.Equal(t, StageShadowOnly, state.Stage)
	assert.True(t, state.Active)
	assert.Equal(t, int64(0), state.StageMetrics.Requests)
	require.Len(t, m.History(), 1)
}

func TestLatencyDegradation_NoBaseline(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	feedBandit(m, 5, true, time.Second, 0.9)
	assert.Equal(t, 0.0, m.State().LatencyDegradation)
}

// =============================================================================
// Manual Controls
// =============================================================================

func TestManualControls(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	var kinds []TransitionKind
	m.OnTransition(func(tr Transition) { kinds = append(kinds, tr.Kind) })
	m.OnTransition(func(Transition) { panic("hook bug") })

	setStage(m, StageLarge)

	m.Hold("freeze")
	m.Hold("freeze again")
	assert.True(t, m.State().Held)
	m.Resume()
	m.Resume()
	assert.False(t, m.State().Held)

	m.ManualRollback("customer report")
	assert.Equal(t, StageMedium, m.State().Stage)
	assert.Equal(t, "customer report", m.State().RollbackReason)

	m.EmergencyStop("pager")
	state := m.State()
	assert.Equal(t, StageShadowOnly, state.Stage)
	assert.False(t, state.Active)

	m.Reactivate()
	m.Reactivate()

	assert.Equal(t, []TransitionKind{
		TransitionHold, TransitionResume, TransitionManualRollback, TransitionEmergencyStop, TransitionReactivate,
	}, kinds)
}

func TestManualRollback_AtShadowOnly(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	feedBandit(m, 3, true, time.Millisecond, 0.9)

	m.ManualRollback("reset")
	state := m.State()
	assert.Equal(t, StageShadowOnly, state.Stage)
	assert.Equal(t, int64(0), state.StageMetrics.Requests)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 3
	m, _ := newTestManager(t, cfg)

	for i := 0; i < 5; i++ {
		m.Hold(fmt.Sprint(i))
		m.Resume()
	}
	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, TransitionResume, history[2].Kind)
}

// =============================================================================
// Persistence
// =============================================================================

func TestSaveLoadState(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	setStage(m, StageSmall)
	feedBaseline(m, 10, 80*time.Millisecond)
	feedBandit(m, 7, true, 90*time.Millisecond, 0.7)
	m.Hold("weekend")

	data, err := m.SaveState()
	require.NoError(t, err)

	restored, _ := newTestManager(t, testConfig())
	require.NoError(t, restored.LoadState(data))

	want, got := m.State(), restored.State()
	assert.Equal(t, want.Stage, got.Stage)
	assert.Equal(t, want.Active, got.Active)
	assert.Equal(t, want.Held, got.Held)
	assert.True(t, want.StageEnteredAt.Equal(got.StageEnteredAt))
	assert.Equal(t, want.StageMetrics.Requests, got.StageMetrics.Requests)
	assert.Equal(t, want.StageMetrics.AvgConfidence, got.StageMetrics.AvgConfidence)
	assert.Equal(t, want.Baseline.AvgLatency, got.Baseline.AvgLatency)
	assert.Equal(t, want.LatencyDegradation, got.LatencyDegradation)

	history := restored.History()
	require.NotEmpty(t, history)
	assert.Equal(t, TransitionRestored, history[len(history)-1].Kind)

	assert.Error(t, restored.LoadState([]byte("nope")))
	assert.Error(t, restored.LoadState([]byte(`{"version":1,"stage":"warp"}`)))
	assert.Error(t, restored.LoadState([]byte(`{"version":7,"stage":"canary"}`)))
}

// =============================================================================
// Concurrency
// =============================================================================

func TestConcurrentRecording(t *testing.T) {
	cfg := testConfig()
	cfg.Stages[StageShadowOnly].MinRequests = 1 << 40
	m, _ := newTestManager(t, cfg)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.RecordRequestMetrics(RequestMetrics{Success: true, Latency: time.Millisecond, IsBandit: w%2 == 0, Confidence: 0.9})
				m.ShouldUseBandit(fmt.Sprint(i))
			}
		}(w)
	}
	wg.Wait()

	state := m.State()
	assert.Equal(t, int64(1600), state.StageMetrics.Requests)
	assert.Equal(t, int64(1600), state.Baseline.Requests)
}
