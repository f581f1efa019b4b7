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
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication or authorization fails.
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by RoleAuthzProvider.
const (
	// RoleViewer may read router state.
	RoleViewer = "viewer"

	// RoleOperator may also change rollout, experiment and shadow settings.
	RoleOperator = "operator"
)

// Actions checked by the operator API.
const (
	ActionRead    = "read"
	ActionControl = "control"
)

// AuthInfo contains identity information returned after successful
// authentication.
type AuthInfo struct {
	// UserID is the unique identifier for the caller. Never empty.
	UserID string

	// Roles lists the caller's roles.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// AuthProvider validates authentication tokens and returns the caller's
// identity.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns:
	//   - *AuthInfo: Identity if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as (subject, action,
// resource).
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
}

// AuthzProvider checks if a caller is authorized to perform an action.
type AuthzProvider interface {
	// Authorize returns nil when the action is permitted and
	// ErrUnauthorized (or wrapped) otherwise.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider returns the local operator for every token.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always succeeds. The token is ignored.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-operator",
		Roles:  []string{RoleOperator},
	}, nil
}

// NopAuthzProvider allows every action.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// TokenAuthProvider accepts one static bearer token and maps it to an
// operator identity.
//
// Thread-safe: This implementation has no mutable state.
type TokenAuthProvider struct {
	token []byte
}

// NewTokenAuthProvider creates a provider for token. An empty token
// rejects every request.
func NewTokenAuthProvider(token string) *TokenAuthProvider {
	return &TokenAuthProvider{token: []byte(token)}
}

// Validate compares the token in constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if len(p.token) == 0 || token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare(p.token, []byte(token)) != 1 {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: "operator", Roles: []string{RoleOperator}}, nil
}

// RoleAuthzProvider permits reads to viewers and operators and controls
// to operators only.
//
// Thread-safe: This implementation has no mutable state.
type RoleAuthzProvider struct{}

// Authorize checks the caller's roles against the action.
func (p *RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no identity: %w", ErrUnauthorized)
	}
	switch req.Action {
	case ActionRead:
		if req.User.HasRole(RoleViewer) || req.User.HasRole(RoleOperator) {
			return nil
		}
	case ActionControl:
		if req.User.HasRole(RoleOperator) {
			return nil
		}
	}
	return fmt.Errorf("user %s cannot %s %s: %w", req.User.UserID, req.Action, req.ResourceType, ErrUnauthorized)
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*TokenAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)
