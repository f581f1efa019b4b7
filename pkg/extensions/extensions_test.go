// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("DefaultOptions().AuthProvider should be *NopAuthProvider")
	}
	if _, ok := opts.AuthzProvider.(*NopAuthzProvider); !ok {
		t.Error("DefaultOptions().AuthzProvider should be *NopAuthzProvider")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("DefaultOptions().AuditLogger should be *NopAuditLogger")
	}
}

func TestServiceOptions_With(t *testing.T) {
	original := DefaultOptions()
	auth := NewTokenAuthProvider("secret")
	audit := NewSlogAuditLogger(nil)

	opts := original.WithAuth(auth).WithAuthz(&RoleAuthzProvider{}).WithAudit(audit)

	if opts.AuthProvider != auth {
		t.Error("WithAuth should set the AuthProvider")
	}
	if _, ok := opts.AuthzProvider.(*RoleAuthzProvider); !ok {
		t.Error("WithAuthz should set the AuthzProvider")
	}
	if opts.AuditLogger != audit {
		t.Error("WithAudit should set the AuditLogger")
	}
	if _, ok := original.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("original options should be unchanged")
	}
}

func TestServiceOptions_Normalize(t *testing.T) {
	opts := ServiceOptions{AuthProvider: NewTokenAuthProvider("x")}.Normalize()

	if _, ok := opts.AuthProvider.(*TokenAuthProvider); !ok {
		t.Error("Normalize should keep set fields")
	}
	if opts.AuthzProvider == nil || opts.AuditLogger == nil {
		t.Error("Normalize should fill nil fields")
	}
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestNopAuthProvider(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.HasRole(RoleOperator) {
		t.Error("local operator should have the operator role")
	}
}

func TestTokenAuthProvider(t *testing.T) {
	p := NewTokenAuthProvider("s3cret")

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", "s3cret", false},
		{"wrong", "guess", true},
		{"empty", "", true},
		{"prefix", "s3c", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := p.Validate(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !info.HasRole(RoleOperator) {
				t.Error("token holder should be an operator")
			}
		})
	}

	if _, err := NewTokenAuthProvider("").Validate(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Error("an unset token should reject everything")
	}
}

func TestRoleAuthzProvider(t *testing.T) {
	p := &RoleAuthzProvider{}
	viewer := &AuthInfo{UserID: "v", Roles: []string{RoleViewer}}
	operator := &AuthInfo{UserID: "o", Roles: []string{RoleOperator}}
	nobody := &AuthInfo{UserID: "n"}

	tests := []struct {
		name    string
		user    *AuthInfo
		action  string
		allowed bool
	}{
		{"viewer reads", viewer, ActionRead, true},
		{"viewer controls", viewer, ActionControl, false},
		{"operator reads", operator, ActionRead, true},
		{"operator controls", operator, ActionControl, true},
		{"no roles", nobody, ActionRead, false},
		{"no identity", nil, ActionRead, false},
		{"unknown action", operator, "delete", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Authorize(context.Background(), AuthzRequest{User: tt.user, Action: tt.action, ResourceType: "rollout"})
			if tt.allowed && err != nil {
				t.Errorf("expected allowed, got %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestAuthInfo_HasRole_Nil(t *testing.T) {
	var info *AuthInfo
	if info.HasRole(RoleOperator) {
		t.Error("nil AuthInfo has no roles")
	}
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestNopAuditLogger(t *testing.T) {
	l := &NopAuditLogger{}
	if err := l.Log(context.Background(), AuditEvent{EventType: "rollout.hold"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	events, err := l.Query(context.Background(), AuditFilter{})
	if err != nil || events == nil || len(events) != 0 {
		t.Errorf("expected empty non-nil slice, got %v, %v", events, err)
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSlogAuditLogger_LogAndQuery(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAuditLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	ctx := context.Background()

	start := time.Now().UTC()
	_ = l.Log(ctx, AuditEvent{EventType: "rollout.hold", UserID: "alice", Outcome: "success", Metadata: map[string]any{"reason": "incident"}})
	_ = l.Log(ctx, AuditEvent{EventType: "authz.denied", UserID: "bob", Outcome: "denied"})
	_ = l.Log(ctx, AuditEvent{EventType: "rollout.resume", UserID: "alice", Outcome: "success"})

	if !strings.Contains(buf.String(), "event_type=rollout.hold") || !strings.Contains(buf.String(), "reason:incident") {
		t.Errorf("log output missing fields: %s", buf.String())
	}

	all, _ := l.Query(ctx, AuditFilter{})
	if len(all) != 3 || all[0].EventType != "rollout.resume" {
		t.Fatalf("expected 3 events newest first, got %+v", all)
	}
	if all[2].Timestamp.Before(start) {
		t.Error("zero timestamps should be filled")
	}

	alice, _ := l.Query(ctx, AuditFilter{UserID: "alice", Limit: 1})
	if len(alice) != 1 || alice[0].EventType != "rollout.resume" {
		t.Errorf("unexpected filtered result %+v", alice)
	}

	denied, _ := l.Query(ctx, AuditFilter{EventTypes: []string{"authz.denied"}})
	if len(denied) != 1 || denied[0].UserID != "bob" {
		t.Errorf("unexpected type filter result %+v", denied)
	}

	future, _ := l.Query(ctx, AuditFilter{StartTime: time.Now().Add(time.Hour)})
	if len(future) != 0 {
		t.Errorf("expected no events after start time, got %d", len(future))
	}
}

func TestSlogAuditLogger_Retention(t *testing.T) {
	l := NewSlogAuditLogger(slog.New(slog.DiscardHandler))
	l.limit = 5
	for i := range 8 {
		_ = l.Log(context.Background(), AuditEvent{EventType: "e", Metadata: map[string]any{"i": i}})
	}
	events, _ := l.Query(context.Background(), AuditFilter{})
	if len(events) != 5 {
		t.Fatalf("expected 5 retained events, got %d", len(events))
	}
	if events[0].Metadata["i"] != 7 || events[4].Metadata["i"] != 3 {
		t.Errorf("expected the newest events to survive, got %v..%v", events[0].Metadata, events[4].Metadata)
	}
}
