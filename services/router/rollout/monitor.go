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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// AlertLevel is the severity of an Alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert signals.
const (
	SignalInactive     = "rollout_inactive"
	SignalStalled      = "stage_stalled"
	SignalHoldExceeded = "hold_exceeded"
	SignalErrorRate    = "error_rate_elevated"
)

// Alert is one condition found by the Monitor.
type Alert struct {
	Level  AlertLevel `json:"level"`
	Signal string     `json:"signal"`
	Stage  Stage      `json:"stage"`
	Reason string     `json:"reason"`
	At     time.Time  `json:"at"`
}

// AlertHandler receives alerts. It runs on the monitor goroutine.
type AlertHandler func(Alert)

// MonitorConfig configures the Monitor.
type MonitorConfig struct {
	// Interval between checks. Default: 30s
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// StallAfter raises stage_stalled when no bandit outcome arrives for
	// this long. Default: 1h
	StallAfter time.Duration `yaml:"stall_after" validate:"gt=0"`

	// MaxHold raises hold_exceeded when a hold lasts longer. Default: 24h
	MaxHold time.Duration `yaml:"max_hold" validate:"gt=0"`
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   30 * time.Second,
		StallAfter: time.Hour,
		MaxHold:    24 * time.Hour,
	}
}

// -----------------------------------------------------------------------------
// Monitor
// -----------------------------------------------------------------------------

// Monitor periodically checks the rollout for conditions that need an
// operator and reports them as alerts.
//
// Description:
//
//	The check loop runs on a ticker until Stop is called or the context
//	passed to Start ends. Start and Stop are idempotent and Stop waits
//	for the loop to exit.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	mgr     *Manager
	cfg     MonitorConfig
	handler AlertHandler
	logger  *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	mu        sync.Mutex
}

// NewMonitor creates a Monitor.
//
// Inputs:
//   - mgr: The rollout to watch. Must not be nil.
//   - cfg: Monitor configuration.
//   - handler: Receives alerts. Nil logs them only.
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - *Monitor: Not started until Start is called.
//   - error: Non-nil for a nil manager or invalid interval.
func NewMonitor(mgr *Manager, cfg MonitorConfig, handler AlertHandler, logger *slog.Logger) (*Monitor, error) {
	if mgr == nil {
		return nil, errors.New("rollout monitor: manager must not be nil")
	}
	if cfg.Interval <= 0 || cfg.StallAfter <= 0 || cfg.MaxHold <= 0 {
		return nil, fmt.Errorf("rollout monitor: interval, stall_after and max_hold must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		mgr:     mgr,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins periodic checks. Subsequent calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.run(ctx)
	})
}

// Stop halts the check loop and waits for it to exit. Safe to call
// multiple times and before Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.doneCh
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			for _, alert := range m.Check() {
				m.emit(alert)
			}
		}
	}
}

// Check evaluates the rollout once and returns the current alerts.
func (m *Monitor) Check() []Alert {
	state := m.mgr.State()
	now := m.mgr.now()
	var alerts []Alert

	if !state.Active {
		alerts = append(alerts, Alert{
			Level:  AlertCritical,
			Signal: SignalInactive,
			Stage:  state.Stage,
			Reason: fmt.Sprintf("rollout inactive: %s", state.RollbackReason),
			At:     now,
		})
		return alerts
	}

	if state.Held && now.Sub(state.HeldSince) > m.cfg.MaxHold {
		alerts = append(alerts, Alert{
			Level:  AlertWarning,
			Signal: SignalHoldExceeded,
			Stage:  state.Stage,
			Reason: fmt.Sprintf("held for %s (limit %s)", now.Sub(state.HeldSince).Round(time.Second), m.cfg.MaxHold),
			At:     now,
		})
	}

	if !state.Held && !state.Stage.Terminal() {
		last := state.StageMetrics.LastRequestAt
		if last.IsZero() {
			last = state.StageEnteredAt
		}
		if idle := now.Sub(last); idle > m.cfg.StallAfter {
			alerts = append(alerts, Alert{
				Level:  AlertWarning,
				Signal: SignalStalled,
				Stage:  state.Stage,
				Reason: fmt.Sprintf("no bandit outcomes for %s", idle.Round(time.Second)),
				At:     now,
			})
		}
	}

	sc := m.mgr.cfg.Stages[state.Stage]
	sm := state.StageMetrics
	if sm.Requests > 0 && sm.Requests < m.mgr.MinRequestsForEvaluation() && sm.ErrorRate > sc.MaxErrorRate {
		alerts = append(alerts, Alert{
			Level:  AlertWarning,
			Signal: SignalErrorRate,
			Stage:  state.Stage,
			Reason: fmt.Sprintf("error rate %.3f above stage limit %.3f after %d requests (evaluation starts at %d)",
				sm.ErrorRate, sc.MaxErrorRate, sm.Requests, m.mgr.MinRequestsForEvaluation()),
			At: now,
		})
	}
	return alerts
}

func (m *Monitor) emit(alert Alert) {
	level := slog.LevelWarn
	if alert.Level == AlertCritical {
		level = slog.LevelError
	}
	m.logger.Log(context.Background(), level, "rollout alert",
		slog.String("signal", alert.Signal),
		slog.String("stage", alert.Stage.String()),
		slog.String("reason", alert.Reason),
	)
	if m.handler != nil {
		m.handler(alert)
	}
}
