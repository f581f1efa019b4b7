// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollout gradually moves production traffic onto the bandit.
//
// # Overview
//
// The Manager is a staged state machine. Each stage routes a fixed share of
// production traffic to the bandit, chosen per user by a stable hash so a
// user keeps the same answer while the stage holds. Bandit outcomes are
// folded into running stage metrics and compared against a running
// baseline of non-bandit outcomes.
//
// After every bandit outcome the manager runs, in order:
//
//  1. Emergency check: error rate or latency degradation above the fixed
//     emergency limits deactivates the rollout and returns to ShadowOnly.
//     Only Reactivate re-enables it.
//  2. Regression check: error rate or latency degradation above
//     RegressionFactor times the stage limit steps back one stage.
//  3. Advancement check: all five stage criteria (time, requests, error
//     rate, latency degradation, confidence) must hold to move forward
//     one stage.
//
// The safety checks wait until the stage has MinRequestsForEvaluation
// bandit outcomes.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Transition hooks run after the lock
// is released.
package rollout

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/AleutianRouter/pkg/random"
	"github.com/AleutianAI/AleutianRouter/pkg/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrCriteriaNotMet is returned by ManualAdvance when the stage criteria fail.
	ErrCriteriaNotMet = errors.New("advancement criteria not met")

	// ErrInactive is returned by operations that need an active rollout.
	ErrInactive = errors.New("rollout is inactive")

	// ErrTerminalStage is returned when advancing past Complete.
	ErrTerminalStage = errors.New("rollout is complete")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the Manager.
type Config struct {
	// Stages is the stage table, one row per stage in order.
	Stages []StageConfig `yaml:"stages" validate:"len=8,dive"`

	// EmergencyErrorRate triggers an emergency rollback. Default: 0.15
	EmergencyErrorRate float64 `yaml:"emergency_error_rate" validate:"unit"`

	// EmergencyLatencyDegradation triggers an emergency rollback. Default: 0.5
	EmergencyLatencyDegradation float64 `yaml:"emergency_latency_degradation" validate:"gt=0"`

	// RegressionFactor multiplies stage limits for the step-back check.
	// Default: 1.5
	RegressionFactor float64 `yaml:"regression_factor" validate:"gte=1"`

	// MinRequestsForEvaluation is the number of stage bandit outcomes
	// needed before safety checks run. Default: 20
	MinRequestsForEvaluation int64 `yaml:"min_requests_for_evaluation" validate:"gte=1"`

	// HistoryLimit bounds the transition history. Default: 100
	HistoryLimit int `yaml:"history_limit" validate:"gte=1"`

	// Salt is mixed into user bucketing. Changing it reshuffles users.
	Salt string `yaml:"salt"`

	// Seed makes anonymous-user draws reproducible. Zero uses a runtime seed.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the default rollout configuration.
func DefaultConfig() Config {
	return Config{
		Stages:                      DefaultStages(),
		EmergencyErrorRate:          0.15,
		EmergencyLatencyDegradation: 0.5,
		RegressionFactor:            1.5,
		MinRequestsForEvaluation:    20,
		HistoryLimit:                100,
		Salt:                        "rollout",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("rollout config: %w", err)
	}
	prev := 0.0
	for i, sc := range c.Stages {
		if sc.Stage != Stage(i) {
			return fmt.Errorf("rollout config: %w: stage row %d is %s, want %s",
				validation.ErrInvalid, i, sc.Stage, Stage(i))
		}
		if sc.TrafficFraction < prev {
			return fmt.Errorf("rollout config: %w: %s traffic fraction %v below previous stage %v",
				validation.ErrInvalid, sc.Stage, sc.TrafficFraction, prev)
		}
		prev = sc.TrafficFraction
	}
	return nil
}

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

// WithSource sets the random source for anonymous users.
func WithSource(src random.Source) Option {
	return func(m *Manager) {
		if src != nil {
			m.src = src
		}
	}
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// RequestMetrics is one request outcome reported to the Manager.
type RequestMetrics struct {
	// Success is false when the executor failed.
	Success bool

	// Latency is the execution time.
	Latency time.Duration

	// Cost is the execution cost in USD.
	Cost float64

	// Confidence is the bandit confidence. Ignored for non-bandit requests.
	Confidence float64

	// IsBandit is true when the bandit served (or shadowed) the request.
	IsBandit bool
}

// runningMean is an incremental (Welford) mean.
type runningMean struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"`
}

func (r *runningMean) add(x float64) {
	r.N++
	r.Mean += (x - r.Mean) / float64(r.N)
}

// window accumulates outcomes without storing individual samples.
type window struct {
	Requests   int64       `json:"requests"`
	Errors     int64       `json:"errors"`
	ErrorRate  runningMean `json:"error_rate"`
	LatencyMs  runningMean `json:"latency_ms"`
	Cost       runningMean `json:"cost"`
	Confidence runningMean `json:"confidence"`
	LastAt     time.Time   `json:"last_at"`
}

func (w *window) add(m RequestMetrics, at time.Time, withConfidence bool) {
	w.Requests++
	failed := 0.0
	if !m.Success {
		w.Errors++
		failed = 1
	}
	w.ErrorRate.add(failed)
	w.LatencyMs.add(float64(m.Latency) / float64(time.Millisecond))
	w.Cost.add(m.Cost)
	if withConfidence {
		w.Confidence.add(m.Confidence)
	}
	w.LastAt = at
}

// WindowMetrics summarizes a metrics window.
type WindowMetrics struct {
	Requests      int64         `json:"requests"`
	Errors        int64         `json:"errors"`
	ErrorRate     float64       `json:"error_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
	AvgCost       float64       `json:"avg_cost"`
	AvgConfidence float64       `json:"avg_confidence"`
	LastRequestAt time.Time     `json:"last_request_at"`
}

func (w window) summary() WindowMetrics {
	return WindowMetrics{
		Requests:      w.Requests,
		Errors:        w.Errors,
		ErrorRate:     w.ErrorRate.Mean,
		AvgLatency:    time.Duration(w.LatencyMs.Mean * float64(time.Millisecond)),
		AvgCost:       w.Cost.Mean,
		AvgConfidence: w.Confidence.Mean,
		LastRequestAt: w.LastAt,
	}
}

// -----------------------------------------------------------------------------
// Transitions
// -----------------------------------------------------------------------------

// TransitionKind names the cause of a state change.
type TransitionKind string

const (
	TransitionAdvance        TransitionKind = "advance"
	TransitionManualAdvance  TransitionKind = "manual_advance"
	TransitionRegression     TransitionKind = "regression"
	TransitionManualRollback TransitionKind = "manual_rollback"
	TransitionEmergency      TransitionKind = "emergency_rollback"
	TransitionEmergencyStop  TransitionKind = "emergency_stop"
	TransitionReactivate     TransitionKind = "reactivate"
	TransitionHold           TransitionKind = "hold"
	TransitionResume         TransitionKind = "resume"
	TransitionRestored       TransitionKind = "restored"
)

// Transition records one state change.
type Transition struct {
	Kind    TransitionKind `json:"kind"`
	From    Stage          `json:"from"`
	To      Stage          `json:"to"`
	Reason  string         `json:"reason,omitempty"`
	At      time.Time      `json:"at"`
	Metrics WindowMetrics  `json:"metrics"`
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager runs the staged rollout state machine.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	cfg    Config
	logger *slog.Logger
	src    random.Source
	now    func() time.Time

	stage          Stage
	enteredAt      time.Time
	active         bool
	held           bool
	heldSince      time.Time
	rollbackReason string
	current        window
	baseline       window
	history        []Transition

	hooksMu sync.RWMutex
	hooks   []func(Transition)
}

// NewManager creates a Manager in ShadowOnly, active and not held.
//
// Inputs:
//   - cfg: Rollout configuration.
//   - opts: Optional settings.
//
// Outputs:
//   - *Manager: The manager.
//   - error: Non-nil if the configuration is invalid.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
		src:    random.New(cfg.Seed),
		now:    time.Now,
		stage:  StageShadowOnly,
		active: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.enteredAt = m.now()
	return m, nil
}

// OnTransition registers a hook called after every state change.
func (m *Manager) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hooksMu.Unlock()
}

// Bucket maps a key into [0, 1) with salted xxHash64.
//
// The same salt and key always produce the same value. Sequential and
// short keys spread uniformly.
func Bucket(salt, key string) float64 {
	h := xxhash.New()
	_, _ = h.WriteString(salt)
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(key)
	// Top 53 bits give an exact float64 in [0, 1).
	return float64(h.Sum64()>>11) / (1 << 53)
}

// ShouldUseBandit reports whether userID's production request goes to the bandit.
//
// Description:
//
//	False when inactive or held. Otherwise the stage fraction decides:
//	0 is always false, 1 is always true, and anything between compares
//	the user's stable bucket against the fraction. Anonymous users get an
//	independent random draw.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) ShouldUseBandit(userID string) bool {
	m.mu.RLock()
	active, held := m.active, m.held
	fraction := m.cfg.Stages[m.stage].TrafficFraction
	m.mu.RUnlock()

	switch {
	case !active || held:
		return false
	case fraction <= 0:
		return false
	case fraction >= 1:
		return true
	case userID == "":
		return m.src.Float64() < fraction
	default:
		return Bucket(m.cfg.Salt, userID) < fraction
	}
}

// RecordRequestMetrics folds one outcome into the rollout metrics.
//
// Description:
//
//	Non-bandit outcomes update the baseline. Bandit outcomes update the
//	stage window and then run the emergency, regression and advancement
//	checks in that order. At most one transition happens per call.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) RecordRequestMetrics(rm RequestMetrics) {
	m.mu.Lock()
	now := m.now()
	if !rm.IsBandit {
		m.baseline.add(rm, now, false)
		m.mu.Unlock()
		return
	}

	m.current.add(rm, now, true)
	var t *Transition
	if m.active {
		t = m.checkSafetyLocked(now)
		if t == nil && !m.held {
			t = m.tryAdvanceLocked(now)
		}
	}
	m.mu.Unlock()

	if t != nil {
		m.fire(*t)
	}
}

// checkSafetyLocked runs the emergency and regression checks.
func (m *Manager) checkSafetyLocked(now time.Time) *Transition {
	if m.current.Requests < m.cfg.MinRequestsForEvaluation {
		return nil
	}

	errRate := m.current.ErrorRate.Mean
	degradation := m.latencyDegradationLocked()

	if errRate > m.cfg.EmergencyErrorRate || degradation > m.cfg.EmergencyLatencyDegradation {
		reason := fmt.Sprintf("emergency: error rate %.3f (limit %.3f), latency degradation %.3f (limit %.3f)",
			errRate, m.cfg.EmergencyErrorRate, degradation, m.cfg.EmergencyLatencyDegradation)
		t := m.transitionLocked(TransitionEmergency, StageShadowOnly, reason, now)
		m.active = false
		m.rollbackReason = reason
		m.logger.Error("rollout emergency rollback",
			slog.String("from", t.From.String()),
			slog.Float64("error_rate", errRate),
			slog.Float64("latency_degradation", degradation),
		)
		return &t
	}

	// Only an emergency or a manual rollback leaves the terminal stage.
	if m.stage.Terminal() {
		return nil
	}

	sc := m.cfg.Stages[m.stage]
	factor := m.cfg.RegressionFactor
	if errRate > factor*sc.MaxErrorRate || degradation > factor*sc.MaxLatencyDegradation {
		target := m.stage
		if target > StageShadowOnly {
			target--
		}
		reason := fmt.Sprintf("regression at %s: error rate %.3f (limit %.3f), latency degradation %.3f (limit %.3f)",
			m.stage, errRate, factor*sc.MaxErrorRate, degradation, factor*sc.MaxLatencyDegradation)
		t := m.transitionLocked(TransitionRegression, target, reason, now)
		m.rollbackReason = reason
		m.logger.Warn("rollout regression rollback",
			slog.String("from", t.From.String()),
			slog.String("to", t.To.String()),
			slog.Float64("error_rate", errRate),
			slog.Float64("latency_degradation", degradation),
		)
		return &t
	}
	return nil
}

// tryAdvanceLocked advances one stage when every criterion holds.
func (m *Manager) tryAdvanceLocked(now time.Time) *Transition {
	report := m.criteriaLocked(now)
	if !report.Met {
		return nil
	}
	t := m.transitionLocked(TransitionAdvance, m.stage+1, "criteria met", now)
	m.logger.Info("rollout advanced",
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.Float64("traffic_fraction", m.cfg.Stages[t.To].TrafficFraction),
	)
	return &t
}

// latencyDegradationLocked returns (stage - baseline) / baseline latency,
// or 0 without a baseline.
func (m *Manager) latencyDegradationLocked() float64 {
	base := m.baseline.LatencyMs.Mean
	if m.baseline.Requests == 0 || base <= 0 || m.current.Requests == 0 {
		return 0
	}
	return (m.current.LatencyMs.Mean - base) / base
}

// transitionLocked moves to stage `to`, resets the stage window and
// appends history. The caller adjusts active/held.
func (m *Manager) transitionLocked(kind TransitionKind, to Stage, reason string, now time.Time) Transition {
	t := Transition{
		Kind:    kind,
		From:    m.stage,
		To:      to,
		Reason:  reason,
		At:      now,
		Metrics: m.current.summary(),
	}
	m.stage = to
	m.enteredAt = now
	m.current = window{}
	m.appendHistoryLocked(t)
	return t
}

// markLocked records a transition that does not change the stage window.
func (m *Manager) markLocked(kind TransitionKind, reason string, now time.Time) Transition {
	t := Transition{
		Kind:    kind,
		From:    m.stage,
		To:      m.stage,
		Reason:  reason,
		At:      now,
		Metrics: m.current.summary(),
	}
	m.appendHistoryLocked(t)
	return t
}

func (m *Manager) appendHistoryLocked(t Transition) {
	m.history = append(m.history, t)
	if over := len(m.history) - m.cfg.HistoryLimit; over > 0 {
		m.history = append([]Transition(nil), m.history[over:]...)
	}
}

func (m *Manager) fire(t Transition) {
	m.hooksMu.RLock()
	hooks := m.hooks
	m.hooksMu.RUnlock()

	for _, fn := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.logger.Error("rollout transition hook panicked", slog.Any("panic", p))
				}
			}()
			fn(t)
		}()
	}
}

// -----------------------------------------------------------------------------
// Criteria
// -----------------------------------------------------------------------------

// Criterion names.
const (
	CriterionDuration           = "duration"
	CriterionRequests           = "requests"
	CriterionErrorRate          = "error_rate"
	CriterionLatencyDegradation = "latency_degradation"
	CriterionConfidence         = "confidence"
)

// CriterionCheck is one advancement criterion.
type CriterionCheck struct {
	Name     string  `json:"name"`
	Met      bool    `json:"met"`
	Actual   float64 `json:"actual"`
	Required float64 `json:"required"`
}

// CriteriaReport is the advancement evaluation for the current stage.
type CriteriaReport struct {
	Stage  Stage            `json:"stage"`
	Next   Stage            `json:"next"`
	Met    bool             `json:"met"`
	Checks []CriterionCheck `json:"checks"`
}

// Failing returns the names of criteria that are not met.
func (r CriteriaReport) Failing() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Met {
			out = append(out, c.Name)
		}
	}
	return out
}

// Criteria evaluates the advancement criteria for the current stage.
func (m *Manager) Criteria() CriteriaReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.criteriaLocked(m.now())
}

func (m *Manager) criteriaLocked(now time.Time) CriteriaReport {
	report := CriteriaReport{Stage: m.stage, Next: m.stage}
	if m.stage.Terminal() {
		return report
	}
	report.Next = m.stage + 1

	sc := m.cfg.Stages[m.stage]
	elapsed := now.Sub(m.enteredAt)
	errRate := m.current.ErrorRate.Mean
	degradation := m.latencyDegradationLocked()
	confidence := m.current.Confidence.Mean

	report.Checks = []CriterionCheck{
		{CriterionDuration, elapsed >= sc.MinDuration, elapsed.Seconds(), sc.MinDuration.Seconds()},
		{CriterionRequests, m.current.Requests >= sc.MinRequests, float64(m.current.Requests), float64(sc.MinRequests)},
		{CriterionErrorRate, errRate <= sc.MaxErrorRate, errRate, sc.MaxErrorRate},
		{CriterionLatencyDegradation, degradation <= sc.MaxLatencyDegradation, degradation, sc.MaxLatencyDegradation},
		{CriterionConfidence, confidence >= sc.MinConfidence, confidence, sc.MinConfidence},
	}
	report.Met = true
	for _, c := range report.Checks {
		report.Met = report.Met && c.Met
	}
	return report
}

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

// State is a point-in-time copy of the rollout state.
type State struct {
	Stage              Stage         `json:"stage"`
	StageEnteredAt     time.Time     `json:"stage_entered_at"`
	TimeInStage        time.Duration `json:"time_in_stage"`
	TrafficFraction    float64       `json:"traffic_fraction"`
	Active             bool          `json:"active"`
	Held               bool          `json:"held"`
	HeldSince          time.Time     `json:"held_since,omitempty"`
	RollbackReason     string        `json:"rollback_reason,omitempty"`
	StageMetrics       WindowMetrics `json:"stage_metrics"`
	Baseline           WindowMetrics `json:"baseline"`
	LatencyDegradation float64       `json:"latency_degradation"`
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	return State{
		Stage:              m.stage,
		StageEnteredAt:     m.enteredAt,
		TimeInStage:        now.Sub(m.enteredAt),
		TrafficFraction:    m.cfg.Stages[m.stage].TrafficFraction,
		Active:             m.active,
		Held:               m.held,
		HeldSince:          m.heldSince,
		RollbackReason:     m.rollbackReason,
		StageMetrics:       m.current.summary(),
		Baseline:           m.baseline.summary(),
		LatencyDegradation: m.latencyDegradationLocked(),
	}
}

// Active reports whether the rollout is enabled. Emergency rollbacks
// disable it until Reactivate.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Held reports whether an operator hold is in place.
func (m *Manager) Held() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.held
}

// History returns the recorded transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}

// StageConfig returns the configuration of stage s.
func (m *Manager) StageConfig(s Stage) (StageConfig, error) {
	if !s.Valid() {
		return StageConfig{}, fmt.Errorf("invalid rollout stage %d", int(s))
	}
	return m.cfg.Stages[s], nil
}

// MinRequestsForEvaluation returns the safety-check floor.
func (m *Manager) MinRequestsForEvaluation() int64 {
	return m.cfg.MinRequestsForEvaluation
}

func joinFailing(report CriteriaReport) string {
	failing := report.Failing()
	if len(failing) == 0 {
		return "none"
	}
	return strings.Join(failing, ", ")
}
