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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRouter/services/router/storage"
)

func TestStoreAssignments(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()
	s := NewStoreAssignments(backend, "router:", time.Hour)

	_, found, err := s.Lookup(ctx, "exp", "u1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save(ctx, "exp", "u1", ArmBandit))
	raw, err := backend.Get(ctx, "router:exp:exp:user:u1")
	require.NoError(t, err)
	assert.Equal(t, "bandit", string(raw))

	arm, found, err := s.Lookup(ctx, "exp", "u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, ArmBandit, arm)

	_, found, err = s.Lookup(ctx, "other-exp", "u1")
	require.NoError(t, err)
	assert.False(t, found, "assignments are scoped per experiment")

	require.NoError(t, backend.Set(ctx, "router:exp:exp:user:bad", []byte("treatment")))
	_, _, err = s.Lookup(ctx, "exp", "bad")
	assert.Error(t, err)
}

func TestStoreAssignments_WithManager(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()
	m, _ := newTestManager(t, testConfig(), WithAssignmentStore(NewStoreAssignments(backend, "", 0)))

	arm := m.AssignUser(ctx, "user-1")
	raw, err := backend.Get(ctx, "exp:exp-test:user:user-1")
	require.NoError(t, err)
	assert.Equal(t, string(arm), string(raw))
}
