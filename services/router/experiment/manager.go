// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment runs a three-arm A/B experiment comparing the
// fallback strategy with the bandit.
//
// Users are assigned sticky arms against a traffic split. Outcomes are
// aggregated per arm and the experiment stops itself when it runs too
// long, when the bandit is unsafe, or when the bandit clearly wins.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRouter/pkg/random"
	"github.com/AleutianAI/AleutianRouter/pkg/validation"
)

// ErrInvalidSplit is returned when the traffic split does not sum to 1.
var ErrInvalidSplit = errors.New("experiment: traffic split must sum to 1")

// -----------------------------------------------------------------------------
// Arms
// -----------------------------------------------------------------------------

// Arm is an experiment arm.
type Arm string

const (
	// ArmBaseline serves the fallback strategy with shadow testing.
	ArmBaseline Arm = "baseline"

	// ArmBandit serves the bandit route.
	ArmBandit Arm = "bandit"

	// ArmControl serves the fallback strategy without shadow testing.
	ArmControl Arm = "control"
)

// Arms lists every arm in split order.
var Arms = []Arm{ArmBaseline, ArmBandit, ArmControl}

// Valid reports whether a is a known arm.
func (a Arm) Valid() bool {
	switch a {
	case ArmBaseline, ArmBandit, ArmControl:
		return true
	}
	return false
}

// TrafficSplit is the fraction of users assigned to each arm.
type TrafficSplit struct {
	Baseline float64 `yaml:"baseline" json:"baseline" validate:"unit"`
	Bandit   float64 `yaml:"bandit" json:"bandit" validate:"unit"`
	Control  float64 `yaml:"control" json:"control" validate:"unit"`
}

const splitTolerance = 1e-9

// Validate checks each fraction is in [0, 1] and the total is 1.
func (s TrafficSplit) Validate() error {
	for _, v := range []float64{s.Baseline, s.Bandit, s.Control} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: fraction %v outside [0, 1]", ErrInvalidSplit, v)
		}
	}
	if !validation.SumsToOne(splitTolerance, s.Baseline, s.Bandit, s.Control) {
		return fmt.Errorf("%w: got %v", ErrInvalidSplit, s.Baseline+s.Bandit+s.Control)
	}
	return nil
}

// pick maps a uniform draw in [0, 1) onto an arm.
func (s TrafficSplit) pick(u float64) Arm {
	switch {
	case u < s.Baseline:
		return ArmBaseline
	case u < s.Baseline+s.Bandit:
		return ArmBandit
	default:
		return ArmControl
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Improvement holds minimum relative improvements of the bandit over the
// baseline. Success rate must rise, cost and latency must fall.
type Improvement struct {
	SuccessRate float64 `yaml:"success_rate" validate:"gte=0"`
	Cost        float64 `yaml:"cost" validate:"gte=0"`
	Latency     float64 `yaml:"latency" validate:"gte=0"`
}

// Config configures an experiment.
type Config struct {
	// ID identifies the experiment in assignment keys. Empty generates a UUID.
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// Split of users across arms. Default: 0.4 / 0.5 / 0.1
	Split TrafficSplit `yaml:"traffic_split"`

	// MinSampleSize is the total result count before stopping rules run.
	// Default: 1000
	MinSampleSize int64 `yaml:"min_sample_size" validate:"gte=1"`

	// MaxDuration stops the experiment once exceeded. Default: 14 days
	MaxDuration time.Duration `yaml:"max_duration" validate:"gt=0"`

	// MinArmSamples is the per-arm count needed for the improvement rule.
	// Default: 100
	MinArmSamples int64 `yaml:"min_arm_samples" validate:"gte=1"`

	// MinImprovement thresholds. Default: success 0.05, cost 0.10, latency 0.10
	MinImprovement Improvement `yaml:"min_improvement"`

	// SafetyRatio stops the experiment when the bandit success rate falls
	// below this fraction of the baseline's. Default: 0.9
	SafetyRatio float64 `yaml:"safety_ratio" validate:"unit"`

	// SafetyMinSamples is the per-arm count that must be exceeded before
	// the safety rule runs. Default: 100
	SafetyMinSamples int64 `yaml:"safety_min_samples" validate:"gte=0"`

	// AssignmentTTL is the expiry for assignments in a shared store.
	// Default: 30 days
	AssignmentTTL time.Duration `yaml:"assignment_ttl" validate:"gte=0"`

	// Seed for assignment draws. Zero uses the global generator.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the default experiment configuration.
func DefaultConfig() Config {
	return Config{
		Name:             "bandit-vs-baseline",
		Split:            TrafficSplit{Baseline: 0.4, Bandit: 0.5, Control: 0.1},
		MinSampleSize:    1000,
		MaxDuration:      14 * 24 * time.Hour,
		MinArmSamples:    100,
		MinImprovement:   Improvement{SuccessRate: 0.05, Cost: 0.10, Latency: 0.10},
		SafetyRatio:      0.9,
		SafetyMinSamples: 100,
		AssignmentTTL:    DefaultAssignmentTTL,
	}
}

// Validate checks field ranges and the traffic split.
func (c Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("experiment config: %w", err)
	}
	return c.Split.Validate()
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Result is the outcome of one request served under the experiment.
type Result struct {
	UserID  string
	Arm     Arm // empty uses the user's assignment
	Latency time.Duration
	Success bool
	Cost    float64

	// Feedback in [0, 1], when the user rated the response.
	Feedback *float64

	// Converted, when the request could lead to a conversion.
	Converted *bool
}

// ArmStats aggregates the results of one arm with running means.
type ArmStats struct {
	Assigned       int64   `json:"assigned"`
	Count          int64   `json:"count"`
	Successes      int64   `json:"successes"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	AvgCost        float64 `json:"avg_cost"`
	FeedbackCount  int64   `json:"feedback_count"`
	AvgFeedback    float64 `json:"avg_feedback"`
	ConversionBase int64   `json:"conversion_base"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

func (s *ArmStats) add(r Result) {
	s.Count++
	n := float64(s.Count)
	if r.Success {
		s.Successes++
	}
	s.SuccessRate = float64(s.Successes) / n
	s.AvgLatencyMs += (float64(r.Latency)/float64(time.Millisecond) - s.AvgLatencyMs) / n
	s.AvgCost += (r.Cost - s.AvgCost) / n
	s.addSignals(r.Feedback, r.Converted)
}

// addSignals folds qualitative signals into their own means. Count is
// left alone so late feedback does not look like extra traffic.
func (s *ArmStats) addSignals(feedback *float64, converted *bool) {
	if feedback != nil {
		s.FeedbackCount++
		s.AvgFeedback += (*feedback - s.AvgFeedback) / float64(s.FeedbackCount)
	}
	if converted != nil {
		s.ConversionBase++
		if *converted {
			s.Conversions++
		}
		s.ConversionRate = float64(s.Conversions) / float64(s.ConversionBase)
	}
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSource overrides the random source for assignment draws.
func WithSource(src random.Source) Option {
	return func(m *Manager) {
		if src != nil {
			m.src = src
		}
	}
}

// WithAssignmentStore persists assignments outside the process. Lookups
// happen only on a cache miss.
func WithAssignmentStore(store AssignmentStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// Manager runs one experiment.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	src    random.Source
	store  AssignmentStore

	mu          sync.RWMutex
	active      bool
	startedAt   time.Time
	stoppedAt   time.Time
	stopReason  string
	assignments map[string]Arm
	stats       map[Arm]*ArmStats
}

// New creates and starts an experiment.
//
// Outputs:
//   - *Manager: The running experiment.
//   - error: ErrInvalidSplit or a validation error.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	m := &Manager{
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		src:         random.New(cfg.Seed),
		assignments: make(map[string]Arm),
		stats:       make(map[Arm]*ArmStats, len(Arms)),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, a := range Arms {
		m.stats[a] = &ArmStats{}
	}
	m.active = true
	m.startedAt = m.now()

	m.logger.Info("experiment started",
		slog.String("id", cfg.ID),
		slog.String("name", cfg.Name),
		slog.Float64("baseline", cfg.Split.Baseline),
		slog.Float64("bandit", cfg.Split.Bandit),
		slog.Float64("control", cfg.Split.Control),
	)
	return m, nil
}

// ID returns the experiment ID.
func (m *Manager) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.ID
}

// Active reports whether the experiment is still running.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// AssignUser returns the user's arm.
//
// Description:
//
//	A stopped experiment returns ArmBaseline without caching it. An empty
//	userID cannot be sticky and also gets ArmBaseline. Otherwise the
//	cached arm is returned, then the AssignmentStore is consulted, and
//	only then is a new arm drawn against the split and cached. Store
//	failures are logged and ignored.
func (m *Manager) AssignUser(ctx context.Context, userID string) Arm {
	m.mu.RLock()
	if !m.active || userID == "" {
		m.mu.RUnlock()
		return ArmBaseline
	}
	if arm, ok := m.assignments[userID]; ok {
		m.mu.RUnlock()
		return arm
	}
	id := m.cfg.ID
	m.mu.RUnlock()

	if m.store != nil {
		arm, found, err := m.store.Lookup(ctx, id, userID)
		if err != nil {
			m.logger.Warn("assignment lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else if found {
			m.mu.Lock()
			defer m.mu.Unlock()
			if existing, ok := m.assignments[userID]; ok {
				return existing
			}
			m.assignments[userID] = arm
			m.stats[arm].Assigned++
			return arm
		}
	}

	arm := m.cfg.Split.pick(m.src.Float64())

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ArmBaseline
	}
	if existing, ok := m.assignments[userID]; ok {
		m.mu.Unlock()
		return existing
	}
	m.assignments[userID] = arm
	m.stats[arm].Assigned++
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, id, userID, arm); err != nil {
			m.logger.Warn("assignment save failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	m.logger.Debug("user assigned", slog.String("user_id", userID), slog.String("arm", string(arm)))
	return arm
}

// RecordResult adds one outcome and evaluates the stopping rules.
//
// Results are ignored once the experiment has stopped and when the arm
// cannot be resolved.
func (m *Manager) RecordResult(r Result) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	arm := r.Arm
	if arm == "" {
		arm = m.assignments[r.UserID]
	}
	if !arm.Valid() {
		m.mu.Unlock()
		m.logger.Warn("experiment result without a known arm",
			slog.String("user_id", r.UserID),
			slog.String("arm", string(r.Arm)),
		)
		return
	}
	m.stats[arm].add(r)

	reason, stop := m.stopRuleLocked(m.now())
	if stop {
		m.stopLocked(reason)
	}
	id := m.cfg.ID
	m.mu.Unlock()

	if stop {
		m.logger.Info("experiment stopped", slog.String("id", id), slog.String("reason", reason))
	}
}

// RecordFeedback adds late qualitative signals for userID to the user's
// arm. It reports whether they were applied: signals are dropped once the
// experiment has stopped, for users without an assignment and when both
// signals are nil. Stopping rules are not evaluated since no result was
// added.
func (m *Manager) RecordFeedback(userID string, feedback *float64, converted *bool) bool {
	if feedback == nil && converted == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return false
	}
	arm, ok := m.assignments[userID]
	if !ok {
		return false
	}
	m.stats[arm].addSignals(feedback, converted)
	return true
}

// Stop ends the experiment. Stopping a stopped experiment is a no-op.
func (m *Manager) Stop(reason string) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.stopLocked(reason)
	id := m.cfg.ID
	m.mu.Unlock()

	m.logger.Info("experiment stopped", slog.String("id", id), slog.String("reason", reason))
}

func (m *Manager) stopLocked(reason string) {
	m.active = false
	m.stopReason = reason
	m.stoppedAt = m.now()
}

func (m *Manager) totalLocked() int64 {
	var total int64
	for _, s := range m.stats {
		total += s.Count
	}
	return total
}

// stopRuleLocked applies, in order, the duration, safety and improvement
// rules once the total sample size is reached.
func (m *Manager) stopRuleLocked(now time.Time) (string, bool) {
	if m.totalLocked() < m.cfg.MinSampleSize {
		return "", false
	}
	if elapsed := now.Sub(m.startedAt); elapsed > m.cfg.MaxDuration {
		return fmt.Sprintf("max duration %s reached", m.cfg.MaxDuration), true
	}

	base, bandit := m.stats[ArmBaseline], m.stats[ArmBandit]
	if base.Count > m.cfg.SafetyMinSamples && bandit.Count > m.cfg.SafetyMinSamples &&
		bandit.SuccessRate < m.cfg.SafetyRatio*base.SuccessRate {
		return fmt.Sprintf("safety: bandit success rate %.3f below %.2f x baseline %.3f",
			bandit.SuccessRate, m.cfg.SafetyRatio, base.SuccessRate), true
	}

	if base.Count >= m.cfg.MinArmSamples && bandit.Count >= m.cfg.MinArmSamples {
		if sig := m.significantLocked(base, bandit); len(sig) > 0 {
			return fmt.Sprintf("bandit significantly better: %v", sig), true
		}
	}
	return "", false
}

// relative improvements of bandit over base; ok is false when the
// baseline value is zero.
func successGain(base, bandit *ArmStats) (float64, bool) {
	if base.SuccessRate == 0 {
		return 0, false
	}
	return (bandit.SuccessRate - base.SuccessRate) / base.SuccessRate, true
}

func costReduction(base, bandit *ArmStats) (float64, bool) {
	if base.AvgCost == 0 {
		return 0, false
	}
	return (base.AvgCost - bandit.AvgCost) / base.AvgCost, true
}

func latencyReduction(base, bandit *ArmStats) (float64, bool) {
	if base.AvgLatencyMs == 0 {
		return 0, false
	}
	return (base.AvgLatencyMs - bandit.AvgLatencyMs) / base.AvgLatencyMs, true
}

// Significant metric names.
const (
	MetricSuccessRate = "success_rate"
	MetricCost        = "cost"
	MetricLatency     = "latency"
)

func (m *Manager) significantLocked(base, bandit *ArmStats) []string {
	var sig []string
	if g, ok := successGain(base, bandit); ok && g > m.cfg.MinImprovement.SuccessRate {
		sig = append(sig, MetricSuccessRate)
	}
	if g, ok := costReduction(base, bandit); ok && g > m.cfg.MinImprovement.Cost {
		sig = append(sig, MetricCost)
	}
	if g, ok := latencyReduction(base, bandit); ok && g > m.cfg.MinImprovement.Latency {
		sig = append(sig, MetricLatency)
	}
	return sig
}
