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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRouter/services/router/storage"
)

// AssignmentStore persists sticky user assignments outside the process so
// they survive restarts and are shared across router instances.
//
// Thread Safety: Implementations must be safe for concurrent use.
type AssignmentStore interface {
	// Lookup returns the stored arm. found is false when the user has no
	// assignment in this experiment.
	Lookup(ctx context.Context, experimentID, userID string) (arm Arm, found bool, err error)

	// Save records the user's arm.
	Save(ctx context.Context, experimentID, userID string, arm Arm) error
}

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// MemoryAssignments is a process-local AssignmentStore.
type MemoryAssignments struct {
	mu sync.RWMutex
	m  map[string]Arm
}

// NewMemoryAssignments returns an empty MemoryAssignments.
func NewMemoryAssignments() *MemoryAssignments {
	return &MemoryAssignments{m: make(map[string]Arm)}
}

// Lookup implements AssignmentStore.
func (s *MemoryAssignments) Lookup(_ context.Context, experimentID, userID string) (Arm, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arm, ok := s.m[experimentID+"/"+userID]
	return arm, ok, nil
}

// Save implements AssignmentStore.
func (s *MemoryAssignments) Save(_ context.Context, experimentID, userID string, arm Arm) error {
	s.mu.Lock()
	s.m[experimentID+"/"+userID] = arm
	s.mu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------
// Store-backed
// -----------------------------------------------------------------------------

// DefaultAssignmentTTL keeps a sticky assignment for 30 days.
const DefaultAssignmentTTL = 30 * 24 * time.Hour

// StoreAssignments keeps assignments in a storage.Store under
// "<prefix>exp:<experiment>:user:<user>". With a Redis store the
// assignments are shared by every instance and expire after the TTL.
type StoreAssignments struct {
	store  storage.Store
	prefix string
	ttl    time.Duration
}

// NewStoreAssignments wraps store. ttl applies only to stores that
// implement storage.TTLSetter; zero keeps assignments forever.
func NewStoreAssignments(store storage.Store, prefix string, ttl time.Duration) *StoreAssignments {
	return &StoreAssignments{store: store, prefix: prefix, ttl: ttl}
}

func (s *StoreAssignments) key(experimentID, userID string) string {
	return s.prefix + "exp:" + experimentID + ":user:" + userID
}

// Lookup implements AssignmentStore.
func (s *StoreAssignments) Lookup(ctx context.Context, experimentID, userID string) (Arm, bool, error) {
	raw, err := s.store.Get(ctx, s.key(experimentID, userID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	arm := Arm(raw)
	if !arm.Valid() {
		return "", false, fmt.Errorf("stored assignment %q is not a valid arm", raw)
	}
	return arm, true, nil
}

// Save implements AssignmentStore.
func (s *StoreAssignments) Save(ctx context.Context, experimentID, userID string, arm Arm) error {
	key := s.key(experimentID, userID)
	if ts, ok := s.store.(storage.TTLSetter); ok && s.ttl > 0 {
		return ts.SetWithTTL(ctx, key, []byte(arm), s.ttl)
	}
	return s.store.Set(ctx, key, []byte(arm))
}
