// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// -----------------------------------------------------------------------------
// Recommendation Types
// -----------------------------------------------------------------------------

// Recommendation is the suggested action from the current results.
type Recommendation int

const (
	// NeedMoreData indicates an arm has fewer than MinArmSamples results.
	NeedMoreData Recommendation = iota

	// KeepBaseline indicates the bandit is unsafe or worse.
	KeepBaseline

	// SwitchToBandit indicates the bandit beats the baseline on at least
	// one metric by more than the configured improvement.
	SwitchToBandit

	// NoDifference indicates no metric moved past its threshold.
	NoDifference
)

// String returns the string representation.
func (r Recommendation) String() string {
	switch r {
	case NeedMoreData:
		return "need_more_data"
	case KeepBaseline:
		return "keep_baseline"
	case SwitchToBandit:
		return "switch_to_bandit"
	case NoDifference:
		return "no_difference"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Recommendation) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Verdict compares the bandit arm with the baseline arm using relative
// improvements. It carries no p-values.
type Verdict struct {
	Recommendation     Recommendation `json:"recommendation"`
	SuccessRateGain    float64        `json:"success_rate_gain"`
	CostReduction      float64        `json:"cost_reduction"`
	LatencyReduction   float64        `json:"latency_reduction"`
	SignificantMetrics []string       `json:"significant_metrics,omitempty"`
	SafetyBreach       bool           `json:"safety_breach"`
}

// Status is a snapshot of the experiment.
type Status struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Active           bool             `json:"active"`
	StopReason       string           `json:"stop_reason,omitempty"`
	StartedAt        time.Time        `json:"started_at"`
	StoppedAt        time.Time        `json:"stopped_at,omitzero"`
	Elapsed          time.Duration    `json:"elapsed"`
	DurationProgress float64          `json:"duration_progress"`
	SampleProgress   float64          `json:"sample_progress"`
	TotalSamples     int64            `json:"total_samples"`
	AssignedUsers    int              `json:"assigned_users"`
	Split            TrafficSplit     `json:"traffic_split"`
	Arms             map[Arm]ArmStats `json:"arms"`
	Verdict          Verdict          `json:"verdict"`
}

// Status returns the current aggregates and verdict.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	end := m.now()
	if !m.active {
		end = m.stoppedAt
	}
	elapsed := end.Sub(m.startedAt)
	total := m.totalLocked()

	st := Status{
		ID:               m.cfg.ID,
		Name:             m.cfg.Name,
		Active:           m.active,
		StopReason:       m.stopReason,
		StartedAt:        m.startedAt,
		StoppedAt:        m.stoppedAt,
		Elapsed:          elapsed,
		DurationProgress: min(1, float64(elapsed)/float64(m.cfg.MaxDuration)),
		SampleProgress:   min(1, float64(total)/float64(m.cfg.MinSampleSize)),
		TotalSamples:     total,
		AssignedUsers:    len(m.assignments),
		Split:            m.cfg.Split,
		Arms:             make(map[Arm]ArmStats, len(m.stats)),
		Verdict:          m.verdictLocked(),
	}
	for arm, s := range m.stats {
		st.Arms[arm] = *s
	}
	return st
}

func (m *Manager) verdictLocked() Verdict {
	base, bandit := m.stats[ArmBaseline], m.stats[ArmBandit]
	var v Verdict
	v.SuccessRateGain, _ = successGain(base, bandit)
	v.CostReduction, _ = costReduction(base, bandit)
	v.LatencyReduction, _ = latencyReduction(base, bandit)
	v.SafetyBreach = base.Count > m.cfg.SafetyMinSamples && bandit.Count > m.cfg.SafetyMinSamples &&
		bandit.SuccessRate < m.cfg.SafetyRatio*base.SuccessRate

	switch {
	case v.SafetyBreach:
		v.Recommendation = KeepBaseline
	case base.Count < m.cfg.MinArmSamples || bandit.Count < m.cfg.MinArmSamples:
		v.Recommendation = NeedMoreData
	default:
		v.SignificantMetrics = m.significantLocked(base, bandit)
		switch {
		case len(v.SignificantMetrics) > 0:
			v.Recommendation = SwitchToBandit
		case v.SuccessRateGain < -m.cfg.MinImprovement.SuccessRate:
			v.Recommendation = KeepBaseline
		default:
			v.Recommendation = NoDifference
		}
	}
	return v
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

const stateVersion = 1

type persistedState struct {
	Version     int              `json:"version"`
	ID          string           `json:"id"`
	Active      bool             `json:"active"`
	StartedAt   time.Time        `json:"started_at"`
	StoppedAt   time.Time        `json:"stopped_at"`
	StopReason  string           `json:"stop_reason,omitempty"`
	Arms        map[Arm]ArmStats `json:"arms"`
	Assignments map[string]Arm   `json:"assignments"`
}

// SaveState serializes the experiment to JSON.
func (m *Manager) SaveState() ([]byte, error) {
	m.mu.RLock()
	ps := persistedState{
		Version:     stateVersion,
		ID:          m.cfg.ID,
		Active:      m.active,
		StartedAt:   m.startedAt,
		StoppedAt:   m.stoppedAt,
		StopReason:  m.stopReason,
		Arms:        make(map[Arm]ArmStats, len(m.stats)),
		Assignments: make(map[string]Arm, len(m.assignments)),
	}
	for arm, s := range m.stats {
		ps.Arms[arm] = *s
	}
	for user, arm := range m.assignments {
		ps.Assignments[user] = arm
	}
	m.mu.RUnlock()

	data, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("experiment save: %w", err)
	}
	return data, nil
}

// LoadState restores SaveState output. The experiment takes the saved ID
// so assignment keys keep matching.
func (m *Manager) LoadState(data []byte) error {
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("experiment load: %w", err)
	}
	if ps.Version != stateVersion {
		return fmt.Errorf("experiment load: unsupported state version %d", ps.Version)
	}
	for arm := range ps.Arms {
		if !arm.Valid() {
			return fmt.Errorf("experiment load: unknown arm %q", arm)
		}
	}
	for user, arm := range ps.Assignments {
		if !arm.Valid() {
			return fmt.Errorf("experiment load: user %s has unknown arm %q", user, arm)
		}
	}

	m.mu.Lock()
	if ps.ID != "" {
		m.cfg.ID = ps.ID
	}
	m.active = ps.Active
	m.startedAt = ps.StartedAt
	m.stoppedAt = ps.StoppedAt
	m.stopReason = ps.StopReason
	for _, arm := range Arms {
		s := ps.Arms[arm]
		m.stats[arm] = &s
	}
	m.assignments = make(map[string]Arm, len(ps.Assignments))
	for user, arm := range ps.Assignments {
		m.assignments[user] = arm
	}
	m.mu.Unlock()

	m.logger.Info("experiment state restored",
		slog.String("id", ps.ID),
		slog.Bool("active", ps.Active),
		slog.Int("assignments", len(ps.Assignments)),
	)
	return nil
}
