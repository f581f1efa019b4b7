// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRouter/services/router/rollout"
	"github.com/AleutianAI/AleutianRouter/services/router/storage"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, storage.BackendMemory, cfg.Storage.Backend)
	assert.False(t, cfg.Experiment.Enabled)
	assert.Len(t, cfg.Rollout.Stages, 8)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
shadow:
  shadow_rate: 0.25
  timeout: 5s
rollout:
  stages:
    - {stage: shadow_only, traffic_fraction: 0, min_duration: 1m, min_requests: 10, max_error_rate: 0.05, max_latency_degradation: 0.2, min_confidence: 0.6}
    - {stage: canary, traffic_fraction: 0.01, min_duration: 1m, min_requests: 10, max_error_rate: 0.05, max_latency_degradation: 0.2, min_confidence: 0.6}
    - {stage: small, traffic_fraction: 0.05, min_duration: 1m, min_requests: 10, max_error_rate: 0.05, max_latency_degradation: 0.2, min_confidence: 0.6}
    - {stage: medium, traffic_fraction: 0.2, min_duration: 1m, min_requests: 10, max_error_rate: 0.05, max_latency_degradation: 0.2, min_confidence: 0.6}
    - {stage: large, traffic_fraction: 0.5, min_duration: 1m, min_requests: 10, max_error_rate: 0.05, max_latency_degradation: 0.2, min_confidence: 0.6}
    - {stage: majority, traffic_fraction: 0.75, min_duration: 1m, min_requests: 10, max_error_rate: 0.05, max_latency_degradation: 0.2, min_confidence: 0.6}
    - {stage: full, traffic_fraction: 1, min_duration: 1m, min_requests: 10, max_error_rate: 0.05, max_latency_degradation: 0.2, min_confidence: 0.6}
    - {stage: complete, traffic_fraction: 1, min_duration: 0s, min_requests: 0, max_error_rate: 0.05, max_latency_degradation: 0.2, min_confidence: 0}
experiment:
  enabled: true
  id: exp-1
  traffic_split: {baseline: 0.5, bandit: 0.5, control: 0}
server:
  addr: ":9000"
`))
	require.NoError(t, err)

	assert.InDelta(t, 0.25, cfg.Shadow.ShadowRate, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Shadow.Timeout)
	assert.Equal(t, int64(64), cfg.Shadow.MaxConcurrent, "unset keys keep defaults")
	assert.Equal(t, rollout.StageCanary, cfg.Rollout.Stages[1].Stage)
	assert.Equal(t, time.Minute, cfg.Rollout.Stages[1].MinDuration)
	assert.True(t, cfg.Experiment.Enabled)
	assert.Equal(t, "exp-1", cfg.Experiment.ID)
	assert.InDelta(t, 0.5, cfg.Experiment.Split.Bandit, 1e-9)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "shadow:\n  shadw_rate: 0.1\n"},
		{"rate out of range", "shadow:\n  shadow_rate: 1.5\n"},
		{"bad backend", "storage:\n  backend: etcd\n"},
		{"bad experiment split", "experiment:\n  enabled: true\n  traffic_split: {baseline: 0.5, bandit: 0.2, control: 0.1}\n"},
		{"influx without bucket", "telemetry:\n  influx:\n    enabled: true\n    bucket: \"\"\n"},
		{"empty bandit", "bandit:\n  arms: []\n"},
		{"bad stage name", "rollout:\n  stages:\n    - {stage: huge}\n"},
		{"bad trace exporter", "observability:\n  trace_exporter: zipkin\n"},
		{"no simulated arms", "simulation:\n  arms: []\n"},
		{"zero scenario concurrency", "simulation:\n  scenario:\n    concurrency: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_ValidationErrorIsWrapped(t *testing.T) {
	_, err := Parse([]byte("server:\n  addr: \"\"\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParse_DisabledExperimentNotCrossChecked(t *testing.T) {
	_, err := Parse([]byte("experiment:\n  enabled: false\n  traffic_split: {baseline: 0.5, bandit: 0.2, control: 0.1}\n"))
	assert.NoError(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvInfluxToken:   "secret-token",
		EnvRedisPassword: "hunter2",
		EnvLogLevel:      "debug",
		EnvServerAddr:    "",
		EnvOTLPEndpoint:  "collector:4317",
		EnvOperatorToken: "op-token",
	}
	cfg := Default()
	applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "secret-token", cfg.Telemetry.Influx.Token)
	assert.Equal(t, "hunter2", cfg.Storage.Redis.Password)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":8090", cfg.Server.Addr, "empty override ignored")
	assert.Equal(t, "collector:4317", cfg.Observability.OTLPEndpoint)
	assert.Equal(t, "op-token", cfg.Server.OperatorToken)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv(EnvInfluxToken, "from-env")
	path := filepath.Join(t.TempDir(), "router.yaml")
	writeFile(t, path, "telemetry:\n  influx:\n    token: from-file\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telemetry.Influx.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "router.yaml")
	require.NoError(t, WriteDefault(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	want := Default()
	assert.Equal(t, want.Rollout.Stages, cfg.Rollout.Stages)
	assert.Equal(t, want.Shadow, cfg.Shadow)
	assert.Equal(t, want.Experiment.Split, cfg.Experiment.Split)

	assert.Error(t, WriteDefault(path, false), "refuses to overwrite")
	assert.NoError(t, WriteDefault(path, true))
}

// =============================================================================
// Watcher
// =============================================================================

func TestWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	writeFile(t, path, "shadow:\n  shadow_rate: 0.1\n")

	var mu sync.Mutex
	var got []Config
	w, err := NewWatcher(path, func(c Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Stop()
	})

	writeFile(t, filepath.Join(dir, "other.yaml"), "ignored: true\n")
	writeFile(t, path, "shadow:\n  shadow_rate: 0.5\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Shadow.ShadowRate == 0.5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	n := len(got)
	mu.Unlock()
	writeFile(t, path, "shadow:\n  shadow_rate: 7\n")
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, n, "invalid file must not reach the callback")
}

func TestWatcher_StopEndsStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	writeFile(t, path, "")

	w, err := NewWatcher(path, func(Config) {}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestNewWatcher_Invalid(t *testing.T) {
	_, err := NewWatcher("router.yaml", nil, nil)
	assert.Error(t, err)

	_, err = NewWatcher(filepath.Join(t.TempDir(), "missing", "router.yaml"), func(Config) {}, nil)
	assert.Error(t, err)
}
