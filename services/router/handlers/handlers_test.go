// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRouter/pkg/extensions"
	"github.com/AleutianAI/AleutianRouter/services/router/bandit"
	"github.com/AleutianAI/AleutianRouter/services/router/datatypes"
	"github.com/AleutianAI/AleutianRouter/services/router/experiment"
	"github.com/AleutianAI/AleutianRouter/services/router/orchestrator"
	"github.com/AleutianAI/AleutianRouter/services/router/reward"
	"github.com/AleutianAI/AleutianRouter/services/router/rollout"
	"github.com/AleutianAI/AleutianRouter/services/router/shadow"
	"github.com/AleutianAI/AleutianRouter/services/router/telemetry"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

var discard = slog.New(slog.DiscardHandler)

type testEnv struct {
	router   *gin.Engine
	orch     *orchestrator.Orchestrator
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, withExperiment bool, fallback datatypes.Executor) *testEnv {
	t.Helper()
	return newTestEnvWithOptions(t, withExperiment, fallback, extensions.DefaultOptions())
}

func newTestEnvWithOptions(t *testing.T, withExperiment bool, fallback datatypes.Executor, ext extensions.ServiceOptions) *testEnv {
	t.Helper()
	b, err := bandit.New(bandit.DefaultConfig(), bandit.WithLogger(discard))
	require.NoError(t, err)
	calc, err := reward.NewCalculator(reward.DefaultConfig(), discard)
	require.NoError(t, err)
	sr, err := shadow.NewRouter(shadow.DefaultConfig(), b, calc, shadow.WithLogger(discard))
	require.NoError(t, err)
	rm, err := rollout.NewManager(rollout.DefaultConfig(), rollout.WithLogger(discard))
	require.NoError(t, err)

	var exp *experiment.Manager
	if withExperiment {
		ecfg := experiment.DefaultConfig()
		ecfg.ID = "exp-api"
		exp, err = experiment.New(ecfg, experiment.WithLogger(discard))
		require.NoError(t, err)
	}

	registry := prometheus.NewRegistry()
	pcfg := telemetry.DefaultPrometheusConfig()
	pcfg.Registry = registry
	sink, err := telemetry.NewPrometheusSink(pcfg)
	require.NoError(t, err)

	if fallback == nil {
		fallback = datatypes.ExecutorFunc(func(context.Context, *datatypes.Request) (any, error) {
			return "fallback answer", nil
		})
	}
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Components{
		Bandit:     b,
		Scorer:     calc,
		Shadow:     sr,
		Rollout:    rm,
		Experiment: exp,
		Sink:       sink,
		Executors:  map[string]datatypes.Executor{datatypes.ArmFallback: fallback},
	}, orchestrator.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	router := gin.New()
	SetupRoutes(router, orch, registry, ext)
	return &testEnv{router: router, orch: orch, registry: registry}
}

func performRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return performAuthed(router, method, path, "", body)
}

func performAuthed(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// =============================================================================
// Routes
// =============================================================================

func TestSetupRoutes_Registered(t *testing.T) {
	env := newTestEnv(t, false, nil)

	expected := []struct{ method, path string }{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/router/status"},
		{"GET", "/v1/router/bandit"},
		{"POST", "/v1/router/route"},
		{"POST", "/v1/router/feedback"},
		{"POST", "/v1/router/shadow/rate"},
		{"GET", "/v1/router/rollout"},
		{"POST", "/v1/router/rollout/hold"},
		{"POST", "/v1/router/rollout/resume"},
		{"POST", "/v1/router/rollout/advance"},
		{"POST", "/v1/router/rollout/rollback"},
		{"POST", "/v1/router/rollout/emergency-stop"},
		{"POST", "/v1/router/rollout/reactivate"},
		{"GET", "/v1/router/experiment"},
		{"POST", "/v1/router/experiment/stop"},
	}
	routes := env.router.Routes()
	for _, e := range expected {
		found := false
		for _, r := range routes {
			if r.Method == e.method && r.Path == e.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", e.method, e.path)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := performRequest(env.router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

// =============================================================================
// Routing
// =============================================================================

func TestHandleRoute(t *testing.T) {
	env := newTestEnv(t, false, nil)

	w := performRequest(env.router, "POST", "/v1/router/route", RouteRequest{UserID: "u1", Query: "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[map[string]any](t, w)
	assert.Equal(t, "fallback", body["route"])
	assert.Equal(t, "fallback", body["arm_id"])
	assert.Equal(t, "fallback answer", body["payload"])
	assert.NotEmpty(t, body["request_id"])

	assert.Equal(t, int64(1), env.orch.Status().Routes.Requests)

	metrics := performRequest(env.router, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "aleutian_router_decisions_total")
}

func TestHandleRoute_ProductionError(t *testing.T) {
	env := newTestEnv(t, false, datatypes.ExecutorFunc(func(context.Context, *datatypes.Request) (any, error) {
		return nil, errors.New("model offline")
	}))

	w := performRequest(env.router, "POST", "/v1/router/route", RouteRequest{Query: "hello"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "model offline", body["error"])
	assert.Equal(t, "fallback", body["arm_id"])
}

func TestHandleRoute_BadRequest(t *testing.T) {
	env := newTestEnv(t, false, nil)
	w := performRequest(env.router, "POST", "/v1/router/route", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordFeedback(t *testing.T) {
	env := newTestEnv(t, false, nil)
	score := 0.9
	w := performRequest(env.router, "POST", "/v1/router/feedback", FeedbackRequest{RequestID: "r1", Satisfaction: &score})
	assert.Equal(t, http.StatusAccepted, w.Code)

	bad := 3.0
	w = performRequest(env.router, "POST", "/v1/router/feedback", FeedbackRequest{RequestID: "r1", Satisfaction: &bad})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordFeedback_ReachesExperiment(t *testing.T) {
	env := newTestEnv(t, true, nil)

	w := performRequest(env.router, "POST", "/v1/router/route", RouteRequest{UserID: "alice", Query: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	score := 0.6
	w = performRequest(env.router, "POST", "/v1/router/feedback", FeedbackRequest{RequestID: "r1", UserID: "alice", Satisfaction: &score})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = performRequest(env.router, "GET", "/v1/router/experiment", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[struct {
		Arms map[string]experiment.ArmStats `json:"arms"`
	}](t, w)
	var feedbacks int64
	var avg float64
	for _, arm := range st.Arms {
		feedbacks += arm.FeedbackCount
		if arm.FeedbackCount > 0 {
			avg = arm.AvgFeedback
		}
	}
	assert.Equal(t, int64(1), feedbacks)
	assert.InDelta(t, 0.6, avg, 1e-9)
}

func TestSetShadowRate(t *testing.T) {
	env := newTestEnv(t, false, nil)

	rate := 0.5
	w := performRequest(env.router, "POST", "/v1/router/shadow/rate", ShadowRateRequest{Rate: &rate})
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.5, env.orch.Shadow().ShadowRate(), 1e-9)

	invalid := 2.0
	w = performRequest(env.router, "POST", "/v1/router/shadow/rate", ShadowRateRequest{Rate: &invalid})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(env.router, "POST", "/v1/router/shadow/rate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Status and Rollout Controls
// =============================================================================

func TestGetStatusAndBandit(t *testing.T) {
	env := newTestEnv(t, false, nil)

	w := performRequest(env.router, "GET", "/v1/router/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[map[string]any](t, w)
	assert.Contains(t, status, "routes")
	assert.Contains(t, status, "rollout")
	assert.NotContains(t, status, "experiment")

	w = performRequest(env.router, "GET", "/v1/router/bandit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[bandit.Stats](t, w)
	assert.Len(t, stats.Arms, 3)
}

func TestRolloutControls(t *testing.T) {
	env := newTestEnv(t, false, nil)

	w := performRequest(env.router, "POST", "/v1/router/rollout/hold", ControlRequest{Reason: "freeze"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.orch.Rollout().Held())

	w = performRequest(env.router, "POST", "/v1/router/rollout/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.orch.Rollout().Held())

	w = performRequest(env.router, "POST", "/v1/router/rollout/advance", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[map[string]any](t, w)["error"], rollout.ErrCriteriaNotMet.Error())

	w = performRequest(env.router, "POST", "/v1/router/rollout/emergency-stop", ControlRequest{Reason: "pager"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.orch.Rollout().Active())
	assert.Equal(t, "pager", env.orch.Rollout().State().RollbackReason)

	w = performRequest(env.router, "POST", "/v1/router/rollout/reactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.orch.Rollout().Active())

	w = performRequest(env.router, "POST", "/v1/router/rollout/rollback", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(env.router, "GET", "/v1/router/rollout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	history, ok := body["history"].([]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(history), 5)
	assert.Contains(t, body, "criteria")
}

func TestRolloutControls_MalformedBody(t *testing.T) {
	env := newTestEnv(t, false, nil)
	req, _ := http.NewRequest("POST", "/v1/router/rollout/hold", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.orch.Rollout().Held())
}

// =============================================================================
// Experiment
// =============================================================================

func TestExperimentEndpoints(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, false, nil)
		assert.Equal(t, http.StatusNotFound, performRequest(env.router, "GET", "/v1/router/experiment", nil).Code)
		assert.Equal(t, http.StatusNotFound, performRequest(env.router, "POST", "/v1/router/experiment/stop", nil).Code)
	})

	t.Run("configured", func(t *testing.T) {
		env := newTestEnv(t, true, nil)

		w := performRequest(env.router, "GET", "/v1/router/experiment", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[map[string]any](t, w)
		assert.Equal(t, "exp-api", body["id"])
		assert.Equal(t, true, body["active"])

		w = performRequest(env.router, "POST", "/v1/router/experiment/stop", ControlRequest{Reason: "enough data"})
		require.Equal(t, http.StatusOK, w.Code)
		body = decode[map[string]any](t, w)
		assert.Equal(t, false, body["active"])
		assert.Equal(t, "enough data", body["stop_reason"])
	})
}

// =============================================================================
// Access Control
// =============================================================================

// viewerAuth accepts any non-empty token as a read-only user.
type viewerAuth struct{}

func (viewerAuth) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" {
		return nil, extensions.ErrUnauthorized
	}
	return &extensions.AuthInfo{UserID: "watcher", Roles: []string{extensions.RoleViewer}}, nil
}

func TestAccessControl_Token(t *testing.T) {
	audit := extensions.NewSlogAuditLogger(discard)
	ext := extensions.DefaultOptions().
		WithAuth(extensions.NewTokenAuthProvider("s3cret")).
		WithAuthz(&extensions.RoleAuthzProvider{}).
		WithAudit(audit)
	env := newTestEnvWithOptions(t, false, nil, ext)

	assert.Equal(t, http.StatusOK, performRequest(env.router, "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, performRequest(env.router, "GET", "/v1/router/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, performAuthed(env.router, "GET", "/v1/router/status", "wrong", nil).Code)
	assert.Equal(t, http.StatusOK, performAuthed(env.router, "GET", "/v1/router/status", "s3cret", nil).Code)

	w := performAuthed(env.router, "POST", "/v1/router/rollout/hold", "s3cret", ControlRequest{Reason: "freeze"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.orch.Rollout().Held())

	held, err := audit.Query(context.Background(), extensions.AuditFilter{EventTypes: []string{"rollout.hold"}})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "operator", held[0].UserID)
	assert.Equal(t, "success", held[0].Outcome)
	assert.Equal(t, "freeze", held[0].Metadata["reason"])

	failed, err := audit.Query(context.Background(), extensions.AuditFilter{EventTypes: []string{"auth.failed"}})
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestAccessControl_ViewerCannotControl(t *testing.T) {
	audit := extensions.NewSlogAuditLogger(discard)
	ext := extensions.ServiceOptions{
		AuthProvider:  viewerAuth{},
		AuthzProvider: &extensions.RoleAuthzProvider{},
		AuditLogger:   audit,
	}
	env := newTestEnvWithOptions(t, true, nil, ext)

	assert.Equal(t, http.StatusOK, performAuthed(env.router, "GET", "/v1/router/rollout", "any", nil).Code)
	assert.Equal(t, http.StatusOK, performAuthed(env.router, "POST", "/v1/router/route", "any", RouteRequest{Query: "hi"}).Code)

	assert.Equal(t, http.StatusForbidden, performAuthed(env.router, "POST", "/v1/router/rollout/emergency-stop", "any", nil).Code)
	assert.True(t, env.orch.Rollout().Active())
	assert.Equal(t, http.StatusForbidden, performAuthed(env.router, "POST", "/v1/router/experiment/stop", "any", nil).Code)
	assert.True(t, env.orch.Experiment().Status().Active)

	denied, err := audit.Query(context.Background(), extensions.AuditFilter{EventTypes: []string{"authz.denied"}})
	require.NoError(t, err)
	require.Len(t, denied, 2)
	assert.Equal(t, "watcher", denied[0].UserID)
	assert.Equal(t, "experiment", denied[0].ResourceType)
}

func TestAccessControl_RefusedControlAuditedAsFailure(t *testing.T) {
	audit := extensions.NewSlogAuditLogger(discard)
	env := newTestEnvWithOptions(t, false, nil, extensions.DefaultOptions().WithAudit(audit))

	assert.Equal(t, http.StatusConflict, performRequest(env.router, "POST", "/v1/router/rollout/advance", nil).Code)

	events, err := audit.Query(context.Background(), extensions.AuditFilter{EventTypes: []string{"rollout.advance"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "failure", events[0].Outcome)
	assert.Equal(t, "local-operator", events[0].UserID)
}
