// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator routes each request to an arm executor and feeds
// the outcome back to the learning components.
//
// Routing order:
//
//	experiment assignment (when an experiment is running)
//	  bandit   -> bandit route, if the rollout accepts bandit traffic
//	  baseline -> fallback route with shadow testing
//	  control  -> control executor, no shadow
//	otherwise the rollout decides between bandit and fallback routes
//
// Outcome reporting is best-effort and never changes the response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRouter/pkg/validation"
	"github.com/AleutianAI/AleutianRouter/services/router/bandit"
	"github.com/AleutianAI/AleutianRouter/services/router/datatypes"
	"github.com/AleutianAI/AleutianRouter/services/router/experiment"
	"github.com/AleutianAI/AleutianRouter/services/router/reward"
	"github.com/AleutianAI/AleutianRouter/services/router/rollout"
	"github.com/AleutianAI/AleutianRouter/services/router/shadow"
	"github.com/AleutianAI/AleutianRouter/services/router/telemetry"
)

var (
	// ErrUnknownArm is returned by New when the fallback or control arm
	// has no executor.
	ErrUnknownArm = errors.New("orchestrator: no executor for arm")

	// ErrMissingComponent is returned by New when a required component is nil.
	ErrMissingComponent = errors.New("orchestrator: missing component")

	// ErrNoExperiment is returned by StopExperiment when no experiment is
	// configured.
	ErrNoExperiment = errors.New("orchestrator: no experiment configured")
)

// Config configures the Orchestrator.
type Config struct {
	// FallbackArm serves non-bandit traffic. Default: "fallback"
	FallbackArm string `yaml:"fallback_arm" validate:"armid"`

	// ControlArm serves the experiment control arm. Empty uses FallbackArm.
	ControlArm string `yaml:"control_arm" validate:"omitempty,armid"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{FallbackArm: datatypes.ArmFallback}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("orchestrator config: %w", err)
	}
	return nil
}

// Components are the collaborators the Orchestrator wires together.
type Components struct {
	Bandit  *bandit.Bandit
	Scorer  reward.Scorer
	Shadow  *shadow.Router
	Rollout *rollout.Manager

	// Experiment is optional.
	Experiment *experiment.Manager

	// Sink is optional. Nil discards telemetry.
	Sink telemetry.Sink

	// Executors maps arm IDs to executors. Must contain the fallback arm.
	Executors map[string]datatypes.Executor
}

// Response is the result of Handle.
type Response struct {
	RequestID     string         `json:"request_id"`
	Payload       any            `json:"-"`
	Route         string         `json:"route"`
	ArmID         string         `json:"arm_id"`
	Confidence    float64        `json:"confidence"`
	Explored      bool           `json:"explored"`
	ExperimentArm experiment.Arm `json:"experiment_arm,omitempty"`
	Shadowed      bool           `json:"shadowed"`
	Latency       time.Duration  `json:"latency"`
	Reward        float64        `json:"reward"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer sets the tracer. Default: otel.Tracer("orchestrator").
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock sets the time source used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator serves requests through the bandit, rollout, shadow and
// experiment components.
//
// Thread Safety: Safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	bandit     *bandit.Bandit
	scorer     reward.Scorer
	shadow     *shadow.Router
	rollout    *rollout.Manager
	experiment *experiment.Manager
	sink       telemetry.Sink
	executors  map[string]datatypes.Executor
	shadows    map[string]datatypes.Executor

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	expStopped atomic.Bool
	counters   counters
}

type counters struct {
	requests atomic.Int64
	bandit   atomic.Int64
	fallback atomic.Int64
	control  atomic.Int64
	errors   atomic.Int64
	shadows  atomic.Int64
}

// New wires the components.
//
// Description:
//
//	Registers an observer on the shadow router so shadow outcomes reach
//	the rollout and the sink, and a transition hook on the rollout so
//	stage changes reach the sink. Bandit arms without an executor are
//	logged; selecting one falls back to the fallback executor.
//
// Outputs:
//   - *Orchestrator: Ready to serve.
//   - error: ErrMissingComponent, ErrUnknownArm or a config error.
func New(cfg Config, comps Components, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case comps.Bandit == nil:
		return nil, fmt.Errorf("%w: bandit", ErrMissingComponent)
	case comps.Scorer == nil:
		return nil, fmt.Errorf("%w: scorer", ErrMissingComponent)
	case comps.Shadow == nil:
		return nil, fmt.Errorf("%w: shadow router", ErrMissingComponent)
	case comps.Rollout == nil:
		return nil, fmt.Errorf("%w: rollout", ErrMissingComponent)
	}
	if cfg.ControlArm == "" {
		cfg.ControlArm = cfg.FallbackArm
	}
	for _, arm := range []string{cfg.FallbackArm, cfg.ControlArm} {
		if _, ok := comps.Executors[arm]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownArm, arm)
		}
	}

	o := &Orchestrator{
		cfg:        cfg,
		bandit:     comps.Bandit,
		scorer:     comps.Scorer,
		shadow:     comps.Shadow,
		rollout:    comps.Rollout,
		experiment: comps.Experiment,
		sink:       comps.Sink,
		executors:  make(map[string]datatypes.Executor, len(comps.Executors)),
		shadows:    make(map[string]datatypes.Executor, len(comps.Executors)),
		logger:     slog.Default(),
		tracer:     otel.Tracer("orchestrator"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = telemetry.NewNoOpSink()
	}
	for id, exec := range comps.Executors {
		o.executors[id] = exec
		if id != cfg.FallbackArm {
			o.shadows[id] = exec
		}
	}
	for _, arm := range o.bandit.Arms() {
		if _, ok := o.executors[arm.ID]; !ok {
			o.logger.Warn("bandit arm has no executor", slog.String("arm", arm.ID))
		}
	}

	o.shadow.OnResult(o.onShadowResult)
	o.rollout.OnTransition(o.onTransition)
	return o, nil
}

// Bandit returns the bandit.
func (o *Orchestrator) Bandit() *bandit.Bandit { return o.bandit }

// Rollout returns the rollout manager.
func (o *Orchestrator) Rollout() *rollout.Manager { return o.rollout }

// Shadow returns the shadow router.
func (o *Orchestrator) Shadow() *shadow.Router { return o.shadow }

// Experiment returns the experiment, or nil.
func (o *Orchestrator) Experiment() *experiment.Manager { return o.experiment }

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// StopExperiment stops the experiment and emits its stop transition. It
// returns ErrNoExperiment when none is configured. Stopping a stopped
// experiment is a no-op.
func (o *Orchestrator) StopExperiment(ctx context.Context, reason string) error {
	if o.experiment == nil {
		return ErrNoExperiment
	}
	o.experiment.Stop(reason)
	o.checkExperimentStopped(ctx)
	return nil
}

// Handle serves one request.
//
// Inputs:
//   - ctx: Request context. Cancels production only.
//   - req: The request. Must not be nil.
//
// Outputs:
//   - Response: Route, arm and payload. Populated on error as well.
//   - error: The production executor's error, unchanged.
func (o *Orchestrator) Handle(ctx context.Context, req *datatypes.Request) (Response, error) {
	if req == nil {
		return Response{}, errors.New("orchestrator: nil request")
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.Handle",
		trace.WithAttributes(attribute.String("request_id", req.ID)),
	)
	defer span.End()
	o.counters.requests.Add(1)

	resp := Response{RequestID: req.ID}
	route := telemetry.RouteFallback
	if o.experiment != nil && o.experiment.Active() {
		resp.ExperimentArm = o.experiment.AssignUser(ctx, req.UserID)
		switch resp.ExperimentArm {
		case experiment.ArmBandit:
			if o.rollout.Active() && !o.rollout.Held() {
				route = telemetry.RouteBandit
			}
		case experiment.ArmControl:
			route = telemetry.RouteControl
		}
	} else if o.rollout.ShouldUseBandit(req.UserID) {
		route = telemetry.RouteBandit
	}

	var (
		payload any
		err     error
		start   = o.now()
	)
	switch route {
	case telemetry.RouteBandit:
		payload, err = o.serveBandit(ctx, req, &resp)
	case telemetry.RouteControl:
		o.counters.control.Add(1)
		resp.Route, resp.ArmID = telemetry.RouteControl, o.cfg.ControlArm
		payload, err = o.executors[o.cfg.ControlArm].Execute(ctx, req)
	default:
		payload, err = o.serveFallback(ctx, req, &resp)
	}
	resp.Latency = o.now().Sub(start)
	resp.Payload = payload

	span.SetAttributes(
		attribute.String("route", resp.Route),
		attribute.String("arm", resp.ArmID),
	)
	if err != nil {
		o.counters.errors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "production failed")
	}

	o.report(ctx, req, &resp, err)
	return resp, err
}

// serveBandit runs the bandit-selected arm as production. Selection
// failures and arms without executors fall back.
func (o *Orchestrator) serveBandit(ctx context.Context, req *datatypes.Request, resp *Response) (any, error) {
	sel, err := o.bandit.SelectArm(req.Context)
	if err != nil {
		o.logger.Warn("bandit selection failed, using fallback", slog.String("error", err.Error()))
		return o.serveFallback(ctx, req, resp)
	}
	exec, ok := o.executors[sel.ArmID]
	if !ok {
		o.logger.Warn("selected arm has no executor, using fallback", slog.String("arm", sel.ArmID))
		return o.serveFallback(ctx, req, resp)
	}
	o.counters.bandit.Add(1)
	resp.Route = telemetry.RouteBandit
	resp.ArmID = sel.ArmID
	resp.Confidence = sel.Confidence
	resp.Explored = sel.Explored
	return exec.Execute(ctx, req)
}

// serveFallback runs the fallback arm as production with shadow testing.
func (o *Orchestrator) serveFallback(ctx context.Context, req *datatypes.Request, resp *Response) (any, error) {
	o.counters.fallback.Add(1)
	resp.Route = telemetry.RouteFallback
	resp.ArmID = o.cfg.FallbackArm
	payload, results, err := o.shadow.RouteWithShadow(ctx, req, o.executors[o.cfg.FallbackArm], o.shadows)
	resp.Shadowed = results != nil
	return payload, err
}

// report feeds the outcome to every learning component and the sink.
func (o *Orchestrator) report(ctx context.Context, req *datatypes.Request, resp *Response, err error) {
	success := err == nil
	cost := datatypes.CostOf(resp.Payload)
	breakdown := o.scorer.CalculateReward(reward.ExecutionMetrics{
		Latency: resp.Latency,
		Success: success,
		Cost:    cost,
	})
	resp.Reward = breakdown.Total

	isBandit := resp.Route == telemetry.RouteBandit
	if isBandit {
		o.bandit.UpdateArm(resp.ArmID, breakdown.Total)
	}
	o.rollout.RecordRequestMetrics(rollout.RequestMetrics{
		Success:    success,
		Latency:    resp.Latency,
		Cost:       cost,
		Confidence: resp.Confidence,
		IsBandit:   isBandit,
	})

	if resp.ExperimentArm != "" && o.experiment != nil {
		o.experiment.RecordResult(experiment.Result{
			UserID:  req.UserID,
			Arm:     resp.ExperimentArm,
			Latency: resp.Latency,
			Success: success,
			Cost:    cost,
		})
		o.checkExperimentStopped(ctx)
	}

	now := o.now()
	o.emit("decision", o.sink.RecordDecision(ctx, &telemetry.DecisionEvent{
		Timestamp:     now,
		RequestID:     req.ID,
		Route:         resp.Route,
		ArmID:         resp.ArmID,
		Confidence:    resp.Confidence,
		Explored:      resp.Explored,
		Stage:         o.rollout.State().Stage.String(),
		ExperimentArm: string(resp.ExperimentArm),
	}))
	o.emit("outcome", o.sink.RecordOutcome(ctx, &telemetry.OutcomeEvent{
		Timestamp: now,
		RequestID: req.ID,
		Route:     resp.Route,
		ArmID:     resp.ArmID,
		Success:   success,
		ErrorKind: string(datatypes.ClassifyError(err)),
		Latency:   resp.Latency,
		Cost:      cost,
		Reward:    breakdown.Total,
	}))

	o.logger.Debug("request served",
		slog.String("request_id", req.ID),
		slog.String("route", resp.Route),
		slog.String("arm", resp.ArmID),
		slog.Bool("success", success),
		slog.Duration("latency", resp.Latency),
		slog.Float64("reward", breakdown.Total),
	)
}

func (o *Orchestrator) checkExperimentStopped(ctx context.Context) {
	if o.experiment.Active() || !o.expStopped.CompareAndSwap(false, true) {
		return
	}
	st := o.experiment.Status()
	o.emit("transition", o.sink.RecordTransition(ctx, &telemetry.TransitionEvent{
		Timestamp: o.now(),
		Component: "experiment",
		Kind:      "stop",
		From:      "running",
		To:        "stopped",
		Reason:    st.StopReason,
	}))
}

// onShadowResult reports a shadow outcome as a bandit observation.
func (o *Orchestrator) onShadowResult(res shadow.Result) {
	o.counters.shadows.Add(1)
	o.rollout.RecordRequestMetrics(rollout.RequestMetrics{
		Success:    res.Success,
		Latency:    res.Latency,
		Cost:       res.Cost,
		Confidence: res.Confidence,
		IsBandit:   true,
	})
	o.emit("outcome", o.sink.RecordOutcome(context.Background(), &telemetry.OutcomeEvent{
		Timestamp: o.now(),
		RequestID: res.RequestID,
		Route:     telemetry.RouteShadow,
		ArmID:     res.ArmID,
		Success:   res.Success,
		ErrorKind: string(res.ErrorKind),
		Latency:   res.Latency,
		Cost:      res.Cost,
		Reward:    res.Reward,
	}))
}

func (o *Orchestrator) onTransition(t rollout.Transition) {
	o.emit("transition", o.sink.RecordTransition(context.Background(), &telemetry.TransitionEvent{
		Timestamp: t.At,
		Component: "rollout",
		Kind:      string(t.Kind),
		From:      t.From.String(),
		To:        t.To.String(),
		Reason:    t.Reason,
	}))
}

func (o *Orchestrator) emit(kind string, err error) {
	if err != nil {
		o.logger.Debug("telemetry export failed", slog.String("event", kind), slog.String("error", err.Error()))
	}
}

// RecordFeedback forwards late user feedback for a request to the sink and
// folds it into the user's experiment arm when an experiment runs.
func (o *Orchestrator) RecordFeedback(ctx context.Context, requestID, userID string, satisfaction *float64, converted *bool) {
	if o.experiment != nil && userID != "" {
		if !o.experiment.RecordFeedback(userID, satisfaction, converted) {
			o.logger.Debug("feedback not applied to the experiment",
				slog.String("request_id", requestID),
				slog.String("user_id", userID),
			)
		}
	}
	o.emit("business", o.sink.RecordBusiness(ctx, &telemetry.BusinessEvent{
		Timestamp:    o.now(),
		RequestID:    requestID,
		UserID:       userID,
		Satisfaction: satisfaction,
		Converted:    converted,
	}))
}

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// RouteCounts counts served requests per route.
type RouteCounts struct {
	Requests int64 `json:"requests"`
	Bandit   int64 `json:"bandit"`
	Fallback int64 `json:"fallback"`
	Control  int64 `json:"control"`
	Errors   int64 `json:"errors"`
	Shadows  int64 `json:"shadow_results"`
}

// Status aggregates the state of every component.
type Status struct {
	Routes     RouteCounts        `json:"routes"`
	Bandit     bandit.Stats       `json:"bandit"`
	Shadow     shadow.Stats       `json:"shadow"`
	Rollout    rollout.State      `json:"rollout"`
	Experiment *experiment.Status `json:"experiment,omitempty"`
}

// Status returns a snapshot of all components.
func (o *Orchestrator) Status() Status {
	st := Status{
		Routes: RouteCounts{
			Requests: o.counters.requests.Load(),
			Bandit:   o.counters.bandit.Load(),
			Fallback: o.counters.fallback.Load(),
			Control:  o.counters.control.Load(),
			Errors:   o.counters.errors.Load(),
			Shadows:  o.counters.shadows.Load(),
		},
		Bandit:  o.bandit.Stats(),
		Shadow:  o.shadow.Stats(),
		Rollout: o.rollout.State(),
	}
	if o.experiment != nil {
		es := o.experiment.Status()
		st.Experiment = &es
	}
	return st
}

// Shutdown waits for in-flight shadow attempts and flushes telemetry.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var errs []error
	if err := o.shadow.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shadow shutdown: %w", err))
	}
	if err := o.sink.Flush(ctx); err != nil && !errors.Is(err, telemetry.ErrSinkClosed) {
		errs = append(errs, fmt.Errorf("telemetry flush: %w", err))
	}
	return errors.Join(errs...)
}
