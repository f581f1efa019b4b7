// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// snapshotVersion is bumped when the snapshot layout changes.
const snapshotVersion = 1

// Snapshot is the persistent form of a Bandit.
//
// Arms are sorted by ID so equal bandits serialize to equal bytes.
type Snapshot struct {
	Version               int   `json:"version"`
	Arms                  []Arm `json:"arms"`
	TotalSelections       int64 `json:"total_selections"`
	ExplorationSelections int64 `json:"exploration_selections"`
	TotalUpdates          int64 `json:"total_updates"`
}

// Snapshot captures all arm parameters and bandit counters.
//
// Thread Safety: Safe for concurrent use.
func (b *Bandit) Snapshot() Snapshot {
	arms := b.Arms()
	sort.Slice(arms, func(i, j int) bool { return arms[i].ID < arms[j].ID })
	return Snapshot{
		Version:               snapshotVersion,
		Arms:                  arms,
		TotalSelections:       b.totalSelections.Load(),
		ExplorationSelections: b.explorationSelections.Load(),
		TotalUpdates:          b.totalUpdates.Load(),
	}
}

// Restore replaces arm parameters and counters from a snapshot.
//
// Description:
//
//	Arms in the snapshot overwrite same-named arms and are added if
//	missing. Configured arms absent from the snapshot keep their current
//	parameters. A snapshot with a duplicate arm ID, or with alpha or beta
//	below 1 or not finite, is rejected whole.
//
// Thread Safety: Safe for concurrent use.
func (b *Bandit) Restore(s Snapshot) error {
	if s.Version != snapshotVersion {
		return fmt.Errorf("bandit restore: unsupported snapshot version %d", s.Version)
	}
	seen := make(map[string]struct{}, len(s.Arms))
	for _, arm := range s.Arms {
		if arm.ID == "" {
			return fmt.Errorf("bandit restore: arm with empty id")
		}
		if _, dup := seen[arm.ID]; dup {
			return fmt.Errorf("bandit restore: duplicate arm %q", arm.ID)
		}
		seen[arm.ID] = struct{}{}
		if !validParam(arm.Alpha) || !validParam(arm.Beta) {
			return fmt.Errorf("bandit restore: arm %q has alpha=%v beta=%v below the prior floor", arm.ID, arm.Alpha, arm.Beta)
		}
	}

	b.mu.Lock()
	for _, arm := range s.Arms {
		restored := arm
		if _, exists := b.arms[arm.ID]; exists {
			b.arms[arm.ID] = &restored
			continue
		}
		b.insertLocked(&restored)
	}
	b.mu.Unlock()

	b.totalSelections.Store(s.TotalSelections)
	b.explorationSelections.Store(s.ExplorationSelections)
	b.totalUpdates.Store(s.TotalUpdates)

	b.logger.Info("bandit state restored", slog.Int("arms", len(s.Arms)))
	return nil
}

// validParam reports whether v is a usable Beta parameter.
func validParam(v float64) bool {
	return v >= 1 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SaveState serializes the bandit to JSON.
func (b *Bandit) SaveState() ([]byte, error) {
	data, err := json.Marshal(b.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("bandit save: %w", err)
	}
	return data, nil
}

// LoadState restores the bandit from SaveState output.
func (b *Bandit) LoadState(data []byte) error {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("bandit load: %w", err)
	}
	return b.Restore(s)
}
