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
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Stage
// -----------------------------------------------------------------------------

// Stage is a rollout stage. Stages are ordered by traffic exposure.
type Stage int

const (
	// StageShadowOnly sends no production traffic to the bandit.
	StageShadowOnly Stage = iota
	StageCanary
	StageSmall
	StageMedium
	StageLarge
	StageMajority
	StageFull

	// StageComplete is terminal.
	StageComplete
)

// stageCount is the number of stages.
const stageCount = int(StageComplete) + 1

var stageNames = [stageCount]string{
	"shadow_only",
	"canary",
	"small",
	"medium",
	"large",
	"majority",
	"full",
	"complete",
}

// String returns the stage name.
func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= StageShadowOnly && s <= StageComplete
}

// Terminal reports whether s is the final stage.
func (s Stage) Terminal() bool {
	return s == StageComplete
}

// MarshalText encodes the stage name.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid rollout stage %d", int(s))
	}
	return []byte(stageNames[s]), nil
}

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(text []byte) error {
	stage, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// ParseStage parses a stage name such as "canary".
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown rollout stage %q", name)
}

// -----------------------------------------------------------------------------
// Stage Configuration
// -----------------------------------------------------------------------------

// StageConfig holds the traffic fraction and advancement thresholds for
// one stage.
type StageConfig struct {
	// Stage identifies the stage this row configures.
	Stage Stage `yaml:"stage" json:"stage"`

	// TrafficFraction is the share of production traffic routed to the bandit.
	TrafficFraction float64 `yaml:"traffic_fraction" json:"traffic_fraction" validate:"unit"`

	// MinDuration is the minimum time in stage before advancing.
	MinDuration time.Duration `yaml:"min_duration" json:"min_duration" validate:"gte=0"`

	// MinRequests is the minimum bandit requests in stage before advancing.
	MinRequests int64 `yaml:"min_requests" json:"min_requests" validate:"gte=0"`

	// MaxErrorRate is the highest tolerated bandit error rate.
	MaxErrorRate float64 `yaml:"max_error_rate" json:"max_error_rate" validate:"unit"`

	// MaxLatencyDegradation is the highest tolerated relative latency
	// increase over the baseline (0.2 = 20% slower).
	MaxLatencyDegradation float64 `yaml:"max_latency_degradation" json:"max_latency_degradation" validate:"gte=0"`

	// MinConfidence is the lowest tolerated average bandit confidence.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence" validate:"unit"`
}

// DefaultStages returns the default stage table.
//
// The table moves from shadow-only through 1%, 5%, 20%, 50% and 75% to
// full traffic, tightening error and latency limits as exposure grows.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{StageShadowOnly, 0.00, time.Hour, 100, 0.05, 0.20, 0.60},
		{StageCanary, 0.01, time.Hour, 100, 0.05, 0.20, 0.60},
		{StageSmall, 0.05, 2 * time.Hour, 500, 0.04, 0.15, 0.65},
		{StageMedium, 0.20, 4 * time.Hour, 1000, 0.03, 0.15, 0.70},
		{StageLarge, 0.50, 6 * time.Hour, 2500, 0.03, 0.10, 0.70},
		{StageMajority, 0.75, 12 * time.Hour, 5000, 0.02, 0.10, 0.75},
		{StageFull, 1.00, 24 * time.Hour, 10000, 0.02, 0.10, 0.75},
		{StageComplete, 1.00, 0, 0, 0.02, 0.10, 0},
	}
}
