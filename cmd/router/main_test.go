// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRouter/pkg/extensions"
	"github.com/AleutianAI/AleutianRouter/pkg/logging"
	"github.com/AleutianAI/AleutianRouter/services/router/config"
	"github.com/AleutianAI/AleutianRouter/services/router/datatypes"
	"github.com/AleutianAI/AleutianRouter/services/router/rollout"
	"github.com/AleutianAI/AleutianRouter/services/router/storage"
	"github.com/AleutianAI/AleutianRouter/services/router/telemetry"
)

// =============================================================================
// Test Helpers
// =============================================================================

type transitionSink struct {
	telemetry.NoOpSink
	mu     sync.Mutex
	events []telemetry.TransitionEvent
}

func (s *transitionSink) RecordTransition(_ context.Context, e *telemetry.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Quiet = true
	cfg.Simulation.Scenario.Seed = 42
	cfg.Bandit.Seed = 42
	return cfg
}

func newTestStack(t *testing.T, cfg config.Config) *stack {
	t.Helper()
	st, err := buildStack(context.Background(), cfg, logging.Discard(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.close(ctx)
	})
	return st
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// =============================================================================
// Stack Tests
// =============================================================================

func TestBuildStack_Defaults(t *testing.T) {
	st := newTestStack(t, testConfig(t))

	assert.NotNil(t, st.orch)
	assert.NotNil(t, st.monitor)
	assert.Nil(t, st.experiment)
	assert.Equal(t, []string{checkpointBandit, checkpointRollout}, st.checkpointer.Names())
	assert.Len(t, st.sim.Executors(), len(config.Default().Simulation.Arms))
}

func TestBuildStack_WithExperiment(t *testing.T) {
	cfg := testConfig(t)
	cfg.Experiment.Enabled = true
	cfg.Experiment.ID = "exp-cli"

	st := newTestStack(t, cfg)

	require.NotNil(t, st.experiment)
	assert.Equal(t, "exp-cli", st.experiment.ID())
	assert.Contains(t, st.checkpointer.Names(), checkpointExperiment)
}

func TestBuildStack_BudgetScorer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Budget.Enabled = true

	st := newTestStack(t, cfg)

	_, ok := st.scorer.(interface{ Spend() float64 })
	assert.True(t, ok, "budget-aware scorer expected")
}

func TestBuildStack_InvalidStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "etcd"

	_, err := buildStack(context.Background(), cfg, logging.Discard(), nil)
	assert.Error(t, err)
}

func TestBuildStack_HandlesRequests(t *testing.T) {
	st := newTestStack(t, testConfig(t))

	for range 20 {
		_, _ = st.orch.Handle(context.Background(), datatypes.NewRequest("user", "session", "query"))
	}
	assert.Equal(t, int64(20), st.orch.Status().Routes.Requests)
}

func TestBuildStack_CheckpointRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = storage.BackendBadger
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Storage.Badger.GCInterval = 0
	cfg.Storage.CheckpointInterval = 0

	first, err := buildStack(context.Background(), cfg, logging.Discard(), nil)
	require.NoError(t, err)
	first.bandit.UpdateArm(datatypes.ArmFast, 1)
	first.bandit.UpdateArm(datatypes.ArmFast, 1)
	first.rollout.Hold("maintenance")
	want := first.bandit.Stats().Arms
	require.NoError(t, first.checkpointer.Stop())
	require.NoError(t, first.close(context.Background()))

	second := newTestStack(t, cfg)
	restored, err := second.checkpointer.RestoreAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{checkpointBandit, checkpointRollout}, restored)
	got := second.bandit.Stats().Arms
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.InDelta(t, want[i].Alpha, got[i].Alpha, 1e-9)
		assert.InDelta(t, want[i].Beta, got[i].Beta, 1e-9)
	}
	assert.True(t, second.rollout.State().Held)
}

func TestStack_ApplyReload(t *testing.T) {
	st := newTestStack(t, testConfig(t))

	next := testConfig(t)
	next.Shadow.ShadowRate = 0.5
	st.applyReload(next)
	assert.InDelta(t, 0.5, st.shadow.Stats().ShadowRate, 1e-9)

	next.Shadow.ShadowRate = 2
	st.applyReload(next)
	assert.InDelta(t, 0.5, st.shadow.Stats().ShadowRate, 1e-9, "invalid rate ignored")
}

func TestStack_OnAlert(t *testing.T) {
	st := newTestStack(t, testConfig(t))
	sink := &transitionSink{}
	st.sink = sink

	st.onAlert(rollout.Alert{
		Level:  rollout.AlertCritical,
		Signal: rollout.SignalErrorRate,
		Stage:  rollout.StageCanary,
		Reason: "errors doubled",
		At:     time.Now(),
	})

	require.Len(t, sink.events, 1)
	assert.Equal(t, "rollout", sink.events[0].Component)
	assert.Equal(t, "alert:"+rollout.SignalErrorRate, sink.events[0].Kind)
	assert.Equal(t, "errors doubled", sink.events[0].Reason)
}

func TestOperatorOptions(t *testing.T) {
	ctx := context.Background()

	open := operatorOptions(testConfig(t), logging.Discard())
	info, err := open.AuthProvider.Validate(ctx, "")
	require.NoError(t, err)
	assert.True(t, info.HasRole(extensions.RoleOperator))
	_, ok := open.AuditLogger.(*extensions.SlogAuditLogger)
	assert.True(t, ok)

	cfg := testConfig(t)
	cfg.Server.OperatorToken = "s3cret"
	guarded := operatorOptions(cfg, logging.Discard())
	_, err = guarded.AuthProvider.Validate(ctx, "")
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)
	info, err = guarded.AuthProvider.Validate(ctx, "s3cret")
	require.NoError(t, err)
	assert.NoError(t, guarded.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{User: info, Action: extensions.ActionControl}))
}

// =============================================================================
// Command Tests
// =============================================================================

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "router.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err, "existing file is not overwritten")

	_, err = execute(t, "config", "init", path, "--force")
	assert.NoError(t, err)

	out, err = execute(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestConfigValidate_Rejects(t *testing.T) {
	path := writeConfig(t, "shadow:\n  shadow_rate: 3\n")
	_, err := execute(t, "config", "validate", path)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSimulateCommand_JSON(t *testing.T) {
	path := writeConfig(t, "logging:\n  quiet: true\n")

	out, err := execute(t, "simulate", "-c", path, "--requests", "200", "--users", "20", "--seed", "7", "--json")
	require.NoError(t, err)

	var report struct {
		Summary struct {
			Requests  int64 `json:"requests"`
			Succeeded int64 `json:"succeeded"`
		} `json:"summary"`
		Status struct {
			Routes struct {
				Requests int64 `json:"requests"`
			} `json:"routes"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, int64(200), report.Summary.Requests)
	assert.Equal(t, int64(200), report.Status.Routes.Requests)
	assert.Positive(t, report.Summary.Succeeded)
}

func TestSimulateCommand_Plain(t *testing.T) {
	path := writeConfig(t, "logging:\n  quiet: true\n")

	out, err := execute(t, "simulate", "-c", path, "--requests", "50", "--plain")
	require.NoError(t, err)
	assert.Contains(t, out, "requests\t50")
	assert.Contains(t, out, "arm\talpha")
}

func TestInspectCommand_Empty(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "logging:\n  quiet: true\nstorage:\n  backend: badger\n  badger:\n    path: "+dir+"\n    gc_interval: 0s\n")

	out, err := execute(t, "inspect", "-c", path, "--plain")
	require.NoError(t, err)
	assert.Contains(t, out, "WARN: no checkpoints")
}

func TestRootOptions_LogLevel(t *testing.T) {
	opts := &rootOptions{logLevel: "debug"}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	opts.logLevel = "loud"
	_, err = opts.loadConfig()
	assert.ErrorIs(t, err, logging.ErrUnknownLevel)
}
