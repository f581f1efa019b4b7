// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRouter/pkg/random"
	"github.com/AleutianAI/AleutianRouter/services/router/datatypes"
)

// ErrArmFailed is returned when a synthetic arm draws a failure.
var ErrArmFailed = errors.New("simulate: arm failed")

// ArmSpec describes a synthetic arm.
type ArmSpec struct {
	ID string `yaml:"id" json:"id" validate:"armid"`

	// SuccessProb is the chance an execution succeeds.
	SuccessProb float64 `yaml:"success_prob" json:"success_prob" validate:"unit"`

	// LatencyMin and LatencyMax bound the uniform latency draw.
	LatencyMin time.Duration `yaml:"latency_min" json:"latency_min" validate:"gte=0"`
	LatencyMax time.Duration `yaml:"latency_max" json:"latency_max" validate:"gtefield=LatencyMin"`

	// Cost is the USD cost reported by every execution.
	Cost float64 `yaml:"cost" json:"cost" validate:"gte=0"`
}

// DefaultArms returns arms matching the default bandit and fallback
// configuration, with the augmented arm the most reliable.
func DefaultArms() []ArmSpec {
	return []ArmSpec{
		{ID: datatypes.ArmFallback, SuccessProb: 0.90, LatencyMin: 2 * time.Millisecond, LatencyMax: 4 * time.Millisecond, Cost: 0.002},
		{ID: datatypes.ArmFast, SuccessProb: 0.85, LatencyMin: time.Millisecond, LatencyMax: 2 * time.Millisecond, Cost: 0.001},
		{ID: datatypes.ArmAugmented, SuccessProb: 0.97, LatencyMin: 3 * time.Millisecond, LatencyMax: 6 * time.Millisecond, Cost: 0.004},
		{ID: datatypes.ArmHybrid, SuccessProb: 0.92, LatencyMin: 2 * time.Millisecond, LatencyMax: 5 * time.Millisecond, Cost: 0.003},
	}
}

// Payload is the result returned by a synthetic arm.
type Payload struct {
	ArmID     string  `json:"arm_id"`
	RequestID string  `json:"request_id"`
	USD       float64 `json:"cost"`
}

// Cost implements datatypes.CostReporter.
func (p Payload) Cost() float64 { return p.USD }

// Arm is a synthetic executor.
//
// Thread Safety: Safe for concurrent use.
type Arm struct {
	spec ArmSpec
	src  random.Source

	mu     sync.RWMutex
	faults []Fault

	calls    atomic.Int64
	failures atomic.Int64
}

// NewArm creates an Arm. Nil src uses the global generator.
func NewArm(spec ArmSpec, src random.Source) *Arm {
	return &Arm{spec: spec, src: orGlobal(src)}
}

// ID returns the arm ID.
func (a *Arm) ID() string { return a.spec.ID }

// AddFault attaches a fault. It has no effect until injected.
func (a *Arm) AddFault(f Fault) {
	a.mu.Lock()
	a.faults = append(a.faults, f)
	a.mu.Unlock()
}

// Calls returns the number of executions started.
func (a *Arm) Calls() int64 { return a.calls.Load() }

// Failures returns the number of executions that returned an error.
func (a *Arm) Failures() int64 { return a.failures.Load() }

// Execute sleeps for the drawn latency, draws success, then applies any
// active faults in attach order.
func (a *Arm) Execute(ctx context.Context, req *datatypes.Request) (any, error) {
	a.calls.Add(1)

	latency := a.spec.LatencyMin
	if span := a.spec.LatencyMax - a.spec.LatencyMin; span > 0 {
		latency += time.Duration(a.src.Float64() * float64(span))
	}
	err := sleep(ctx, latency)
	if err == nil && a.src.Float64() >= a.spec.SuccessProb {
		err = ErrArmFailed
	}

	a.mu.RLock()
	faults := a.faults
	a.mu.RUnlock()
	for _, f := range faults {
		err = f.Apply(ctx, err)
	}

	if err != nil {
		a.failures.Add(1)
		return nil, err
	}
	return Payload{ArmID: a.spec.ID, RequestID: req.ID, USD: a.spec.Cost}, nil
}
