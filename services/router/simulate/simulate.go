// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulate drives synthetic traffic through the router.
//
// A Simulator owns one synthetic Arm per ArmSpec. Its executors are handed
// to the orchestrator like real ones, and Run sends a Scenario's requests
// through the orchestrator while faults switch on and off at fixed points
// of the run.
package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRouter/pkg/random"
	"github.com/AleutianAI/AleutianRouter/pkg/validation"
	"github.com/AleutianAI/AleutianRouter/services/router/datatypes"
	"github.com/AleutianAI/AleutianRouter/services/router/orchestrator"
)

// Target serves simulated requests. *orchestrator.Orchestrator satisfies it.
type Target interface {
	Handle(ctx context.Context, req *datatypes.Request) (orchestrator.Response, error)
}

// FeedbackRecorder is implemented by targets that accept late feedback.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, requestID, userID string, satisfaction *float64, converted *bool)
}

// Scenario describes one simulated run.
type Scenario struct {
	// Requests is the number of requests to send. Default: 1000
	Requests int `yaml:"requests" json:"requests" validate:"gte=1"`

	// Users is the size of the user population. Zero sends anonymous
	// requests only. Default: 200
	Users int `yaml:"users" json:"users" validate:"gte=0"`

	// Concurrency is the number of requests in flight. Default: 8
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=1"`

	// FeedbackRate is the chance a successful request reports feedback.
	FeedbackRate float64 `yaml:"feedback_rate" json:"feedback_rate" validate:"unit"`

	// Faults switch on and off during the run.
	Faults []FaultSpec `yaml:"faults" json:"faults" validate:"dive"`

	// Seed makes user choice and feedback reproducible.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// DefaultScenario returns a small fault-free scenario.
func DefaultScenario() Scenario {
	return Scenario{Requests: 1000, Users: 200, Concurrency: 8, FeedbackRate: 0.1}
}

// Validate checks the scenario.
func (s Scenario) Validate() error {
	if err := validation.Struct(s); err != nil {
		return fmt.Errorf("simulate scenario: %w", err)
	}
	return nil
}

// Summary aggregates a run.
type Summary struct {
	Requests       int64            `json:"requests"`
	Succeeded      int64            `json:"succeeded"`
	Failed         int64            `json:"failed"`
	Panics         int64            `json:"panics"`
	Routes         map[string]int64 `json:"routes"`
	ProductionArms map[string]int64 `json:"production_arms"`
	ExperimentArms map[string]int64 `json:"experiment_arms,omitempty"`
	ArmCalls       map[string]int64 `json:"arm_calls"`
	MeanLatency    time.Duration    `json:"mean_latency"`
	MeanReward     float64          `json:"mean_reward"`
	Elapsed        time.Duration    `json:"elapsed"`
}

// SuccessRate returns Succeeded / Requests, or 0 for an empty run.
func (s *Summary) SuccessRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Requests)
}

// SortedKeys returns the keys of m in order.
func SortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Simulator owns the synthetic arms.
//
// Thread Safety: Run may not be called concurrently with itself.
type Simulator struct {
	arms   map[string]*Arm
	order  []string
	seed   uint64
	logger *slog.Logger
}

// New creates a Simulator with one Arm per spec.
//
// Inputs:
//   - specs: Arm definitions. IDs must be unique.
//   - seed: Seeds every arm. Zero uses the global generator.
//   - logger: Nil uses slog.Default().
func New(specs []ArmSpec, seed uint64, logger *slog.Logger) (*Simulator, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("simulate: at least one arm is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulator{arms: make(map[string]*Arm, len(specs)), seed: seed, logger: logger}
	for i, spec := range specs {
		if err := validation.Struct(spec); err != nil {
			return nil, fmt.Errorf("simulate: arm %q: %w", spec.ID, err)
		}
		if _, dup := s.arms[spec.ID]; dup {
			return nil, fmt.Errorf("simulate: duplicate arm %q", spec.ID)
		}
		src := random.New(0)
		if seed != 0 {
			src = random.New(seed + uint64(i) + 1)
		}
		s.arms[spec.ID] = NewArm(spec, src)
		s.order = append(s.order, spec.ID)
	}
	return s, nil
}

// Executors returns the arms as executors keyed by arm ID.
func (s *Simulator) Executors() map[string]datatypes.Executor {
	out := make(map[string]datatypes.Executor, len(s.arms))
	for id, arm := range s.arms {
		out[id] = arm
	}
	return out
}

// Arm returns the arm with the given ID.
func (s *Simulator) Arm(id string) (*Arm, bool) {
	a, ok := s.arms[id]
	return a, ok
}

type scheduledFault struct {
	fault        Fault
	start, until int
}

// Run sends sc.Requests requests to target.
//
// Description:
//
//	Requests are dispatched in order with at most sc.Concurrency in
//	flight. Each fault is injected when the dispatch index reaches
//	From*Requests and reverted at Until*Requests. A production panic is
//	recovered and counted. Faults still active at the end are reverted.
//
// Outputs:
//   - *Summary: Aggregates, including a partial run on cancellation.
//   - error: Invalid scenario, unknown fault arm, or ctx.Err().
func (s *Simulator) Run(ctx context.Context, target Target, sc Scenario) (*Summary, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	src := random.New(sc.Seed)

	var schedule []scheduledFault
	for _, spec := range sc.Faults {
		arm, ok := s.arms[spec.Arm]
		if !ok {
			return nil, fmt.Errorf("simulate: fault targets unknown arm %q", spec.Arm)
		}
		f, err := NewFault(spec, src)
		if err != nil {
			return nil, err
		}
		arm.AddFault(f)
		until := sc.Requests
		if spec.Until > 0 {
			until = int(spec.Until * float64(sc.Requests))
		}
		schedule = append(schedule, scheduledFault{fault: f, start: int(spec.From * float64(sc.Requests)), until: until})
	}
	defer func() {
		for _, sf := range schedule {
			if sf.fault.IsActive() {
				_ = sf.fault.Revert()
			}
		}
	}()

	callsBefore := make(map[string]int64, len(s.arms))
	for id, arm := range s.arms {
		callsBefore[id] = arm.Calls()
	}

	agg := newAggregator()
	feedback, _ := target.(FeedbackRecorder)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.Concurrency)

dispatch:
	for i := range sc.Requests {
		for _, sf := range schedule {
			switch i {
			case sf.start:
				if sf.start < sf.until && sf.fault.Inject() == nil {
					s.logger.Info("fault injected", slog.String("fault", sf.fault.Name()), slog.Int("at", i))
				}
			case sf.until:
				if sf.fault.Revert() == nil {
					s.logger.Info("fault reverted", slog.String("fault", sf.fault.Name()), slog.Int("at", i))
				}
			}
		}

		if gctx.Err() != nil {
			break dispatch
		}
		req := datatypes.NewRequest(userFor(src, sc.Users), "", "simulated request")
		wantFeedback := feedback != nil && src.Float64() < sc.FeedbackRate
		satisfaction := src.Float64()
		converted := src.Float64() < satisfaction

		g.Go(func() error {
			resp, panicked, err := serve(gctx, target, req)
			agg.add(resp, err, panicked)
			if wantFeedback && err == nil && !panicked {
				feedback.RecordFeedback(gctx, req.ID, req.UserID, &satisfaction, &converted)
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := agg.summary()
	sum.Elapsed = time.Since(start)
	sum.ArmCalls = make(map[string]int64, len(s.arms))
	for id, arm := range s.arms {
		sum.ArmCalls[id] = arm.Calls() - callsBefore[id]
	}
	s.logger.Info("simulation finished",
		slog.Int64("requests", sum.Requests),
		slog.Float64("success_rate", sum.SuccessRate()),
		slog.Duration("elapsed", sum.Elapsed),
	)
	return sum, ctx.Err()
}

// serve calls target and converts a panic into a failed request.
func serve(ctx context.Context, target Target, req *datatypes.Request) (resp orchestrator.Response, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("simulate: production panic: %v", r)
			panicked = true
		}
	}()
	resp, err = target.Handle(ctx, req)
	return resp, false, err
}

func userFor(src random.Source, users int) string {
	if users <= 0 {
		return ""
	}
	return fmt.Sprintf("user-%d", src.IntN(users))
}

// -----------------------------------------------------------------------------
// Aggregation
// -----------------------------------------------------------------------------

type aggregator struct {
	mu           sync.Mutex
	sum          Summary
	totalLatency time.Duration
	totalReward  float64
}

func newAggregator() *aggregator {
	return &aggregator{sum: Summary{
		Routes:         make(map[string]int64),
		ProductionArms: make(map[string]int64),
		ExperimentArms: make(map[string]int64),
	}}
}

func (a *aggregator) add(resp orchestrator.Response, err error, panicked bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum.Requests++
	switch {
	case panicked:
		a.sum.Panics++
		a.sum.Failed++
		return
	case err != nil:
		a.sum.Failed++
	default:
		a.sum.Succeeded++
	}
	a.sum.Routes[resp.Route]++
	a.sum.ProductionArms[resp.ArmID]++
	if resp.ExperimentArm != "" {
		a.sum.ExperimentArms[string(resp.ExperimentArm)]++
	}
	a.totalLatency += resp.Latency
	a.totalReward += resp.Reward
}

func (a *aggregator) summary() *Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.sum
	if served := a.sum.Requests - a.sum.Panics; served > 0 {
		out.MeanLatency = a.totalLatency / time.Duration(served)
		out.MeanReward = a.totalReward / float64(served)
	}
	return &out
}
