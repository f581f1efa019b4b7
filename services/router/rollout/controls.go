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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// -----------------------------------------------------------------------------
// Manual Controls
// -----------------------------------------------------------------------------

// Hold pauses bandit traffic and automatic advancement.
//
// Safety checks keep running while held. Holding twice is a no-op.
func (m *Manager) Hold(reason string) {
	m.mu.Lock()
	if m.held {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.held = true
	m.heldSince = now
	t := m.markLocked(TransitionHold, reason, now)
	m.mu.Unlock()

	m.logger.Info("rollout held", slog.String("stage", t.From.String()), slog.String("reason", reason))
	m.fire(t)
}

// Resume lifts a hold. Resuming when not held is a no-op.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.held {
		m.mu.Unlock()
		return
	}
	m.held = false
	m.heldSince = time.Time{}
	t := m.markLocked(TransitionResume, "", m.now())
	m.mu.Unlock()

	m.logger.Info("rollout resumed", slog.String("stage", t.From.String()))
	m.fire(t)
}

// ManualAdvance advances one stage if the current criteria already hold.
//
// Outputs:
//   - error: ErrInactive, ErrTerminalStage, or ErrCriteriaNotMet listing
//     the failing criteria.
func (m *Manager) ManualAdvance() error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrInactive
	}
	if m.stage.Terminal() {
		m.mu.Unlock()
		return ErrTerminalStage
	}
	now := m.now()
	report := m.criteriaLocked(now)
	if !report.Met {
		m.mu.Unlock()
		return fmt.Errorf("%w: failing %s", ErrCriteriaNotMet, joinFailing(report))
	}
	t := m.transitionLocked(TransitionManualAdvance, m.stage+1, "manual advance", now)
	m.mu.Unlock()

	m.logger.Info("rollout manually advanced",
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
	)
	m.fire(t)
	return nil
}

// ManualRollback steps back one stage. At ShadowOnly it restarts the
// stage window.
func (m *Manager) ManualRollback(reason string) {
	m.mu.Lock()
	target := m.stage
	if target > StageShadowOnly {
		target--
	}
	t := m.transitionLocked(TransitionManualRollback, target, reason, m.now())
	m.rollbackReason = reason
	m.mu.Unlock()

	m.logger.Warn("rollout manually rolled back",
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.String("reason", reason),
	)
	m.fire(t)
}

// EmergencyStop deactivates the rollout and returns to ShadowOnly.
// Only Reactivate re-enables it.
func (m *Manager) EmergencyStop(reason string) {
	m.mu.Lock()
	t := m.transitionLocked(TransitionEmergencyStop, StageShadowOnly, reason, m.now())
	m.active = false
	m.rollbackReason = reason
	m.mu.Unlock()

	m.logger.Error("rollout emergency stop",
		slog.String("from", t.From.String()),
		slog.String("reason", reason),
	)
	m.fire(t)
}

// Reactivate re-enables an inactive rollout at ShadowOnly with a fresh
// stage window. Reactivating an active rollout is a no-op.
func (m *Manager) Reactivate() {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	t := m.transitionLocked(TransitionReactivate, StageShadowOnly, "manual reactivation", m.now())
	m.active = true
	m.rollbackReason = ""
	m.mu.Unlock()

	m.logger.Info("rollout reactivated")
	m.fire(t)
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// persistedState is the JSON layout written by SaveState.
type persistedState struct {
	Version        int          `json:"version"`
	Stage          Stage        `json:"stage"`
	EnteredAt      time.Time    `json:"entered_at"`
	Active         bool         `json:"active"`
	Held           bool         `json:"held"`
	HeldSince      time.Time    `json:"held_since"`
	RollbackReason string       `json:"rollback_reason,omitempty"`
	Current        window       `json:"current"`
	Baseline       window       `json:"baseline"`
	History        []Transition `json:"history"`
}

const stateVersion = 1

// SaveState serializes the rollout state to JSON.
func (m *Manager) SaveState() ([]byte, error) {
	m.mu.RLock()
	ps := persistedState{
		Version:        stateVersion,
		Stage:          m.stage,
		EnteredAt:      m.enteredAt,
		Active:         m.active,
		Held:           m.held,
		HeldSince:      m.heldSince,
		RollbackReason: m.rollbackReason,
		Current:        m.current,
		Baseline:       m.baseline,
		History:        append([]Transition(nil), m.history...),
	}
	m.mu.RUnlock()

	data, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("rollout save: %w", err)
	}
	return data, nil
}

// LoadState restores the rollout state from SaveState output.
func (m *Manager) LoadState(data []byte) error {
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("rollout load: %w", err)
	}
	if ps.Version != stateVersion {
		return fmt.Errorf("rollout load: unsupported state version %d", ps.Version)
	}
	if !ps.Stage.Valid() {
		return fmt.Errorf("rollout load: invalid stage %d", int(ps.Stage))
	}

	m.mu.Lock()
	m.stage = ps.Stage
	m.enteredAt = ps.EnteredAt
	m.active = ps.Active
	m.held = ps.Held
	m.heldSince = ps.HeldSince
	m.rollbackReason = ps.RollbackReason
	m.current = ps.Current
	m.baseline = ps.Baseline
	m.history = ps.History
	if over := len(m.history) - m.cfg.HistoryLimit; over > 0 {
		m.history = append([]Transition(nil), m.history[over:]...)
	}
	t := m.markLocked(TransitionRestored, "state loaded", m.now())
	m.mu.Unlock()

	m.logger.Info("rollout state restored",
		slog.String("stage", ps.Stage.String()),
		slog.Bool("active", ps.Active),
	)
	m.fire(t)
	return nil
}
