// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shadow runs a bandit-selected arm alongside the production path.
//
// # Overview
//
// The production executor always runs synchronously on the caller's
// goroutine and its result and error are returned unchanged. With
// probability ShadowRate a shadow attempt starts first, in its own
// goroutine, so both run concurrently. The shadow gets a context that is
// detached from the caller's cancellation and bounded by Timeout.
//
// Every shadow outcome (success, error, timeout, panic) is scored and fed
// back to the bandit. Shadow failures are counted and logged, never
// returned.
//
// # Thread Safety
//
// Router is safe for concurrent use.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRouter/pkg/random"
	"github.com/AleutianAI/AleutianRouter/pkg/validation"
	"github.com/AleutianAI/AleutianRouter/services/router/bandit"
	"github.com/AleutianAI/AleutianRouter/services/router/datatypes"
	"github.com/AleutianAI/AleutianRouter/services/router/reward"
)

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// ArmSelector picks shadow arms and learns from their rewards.
//
// *bandit.Bandit satisfies this interface.
type ArmSelector interface {
	SelectArm(reqCtx map[string]any) (bandit.Selection, error)
	UpdateArm(armID string, reward float64)
}

// Observer receives every completed shadow Result.
//
// Observers run on the shadow goroutine and must not block.
type Observer func(Result)

// errPanic marks an executor that panicked.
var errPanic = errors.New("shadow executor panicked")

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Result is the outcome of one shadow attempt.
type Result struct {
	// RequestID is the ID of the request that was shadowed.
	RequestID string `json:"request_id"`

	// ArmID is the arm that ran.
	ArmID string `json:"arm_id"`

	// Confidence is the bandit confidence for the selection.
	Confidence float64 `json:"confidence"`

	// Success is true when the executor returned without error in time.
	Success bool `json:"success"`

	// Latency is the observed execution time. Timeouts report the timeout.
	Latency time.Duration `json:"latency"`

	// Cost is the cost reported by the payload, if any.
	Cost float64 `json:"cost"`

	// ErrorKind classifies a failure. Empty on success.
	ErrorKind datatypes.ErrorKind `json:"error_kind,omitempty"`

	// Err is the executor error. Nil on success.
	Err error `json:"-"`

	// Payload is the executor result. Nil on failure.
	Payload any `json:"-"`

	// Reward is the reward fed to the bandit.
	Reward float64 `json:"reward"`
}

// Stats holds the shadow counters.
type Stats struct {
	Attempts   int64   `json:"attempts"`
	Successes  int64   `json:"successes"`
	Timeouts   int64   `json:"timeouts"`
	Errors     int64   `json:"errors"`
	Panics     int64   `json:"panics"`
	Skipped    int64   `json:"skipped"`
	InFlight   int64   `json:"in_flight"`
	ShadowRate float64 `json:"shadow_rate"`
}

// SuccessRate returns successes / completed attempts.
func (s Stats) SuccessRate() float64 {
	done := s.Successes + s.Timeouts + s.Errors
	if done == 0 {
		return 0
	}
	return float64(s.Successes) / float64(done)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the Router.
type Config struct {
	// ShadowRate is the probability that a request gets a shadow attempt.
	// Default: 0.1
	ShadowRate float64 `yaml:"shadow_rate" validate:"unit"`

	// Timeout bounds each shadow attempt. Default: 20s
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// MaxConcurrent caps in-flight shadow attempts. Zero means no cap.
	// Default: 64
	MaxConcurrent int64 `yaml:"max_concurrent" validate:"gte=0"`

	// MaxPerSecond caps shadow attempt starts. Zero means no cap.
	MaxPerSecond float64 `yaml:"max_per_second" validate:"gte=0"`

	// Seed makes the shadow draw reproducible. Zero uses a runtime seed.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the default shadow configuration.
func DefaultConfig() Config {
	return Config{
		ShadowRate:    0.1,
		Timeout:       20 * time.Second,
		MaxConcurrent: 64,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("shadow config: %w", err)
	}
	return nil
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSource overrides the random source for the shadow draw.
func WithSource(src random.Source) Option {
	return func(r *Router) {
		if src != nil {
			r.src = src
		}
	}
}

// WithTracer overrides the tracer. Default: otel.Tracer("shadow").
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// -----------------------------------------------------------------------------
// Router
// -----------------------------------------------------------------------------

// Router executes production requests and optional shadow attempts.
//
// Thread Safety: Safe for concurrent use.
type Router struct {
	selector ArmSelector
	scorer   reward.Scorer
	timeout  time.Duration
	rateBits atomic.Uint64

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	src     random.Source
	logger  *slog.Logger
	tracer  trace.Tracer

	observersMu sync.RWMutex
	observers   []Observer

	lifecycle sync.RWMutex
	wg        sync.WaitGroup
	closed    atomic.Bool

	attempts  atomic.Int64
	successes atomic.Int64
	timeouts  atomic.Int64
	errs      atomic.Int64
	panics    atomic.Int64
	skipped   atomic.Int64
	inFlight  atomic.Int64
}

// NewRouter creates a Router.
//
// Inputs:
//   - cfg: Shadow configuration.
//   - selector: Chooses shadow arms and receives their rewards. Must not be nil.
//   - scorer: Turns shadow outcomes into rewards. Must not be nil.
//   - opts: Optional settings.
//
// Outputs:
//   - *Router: The router.
//   - error: Non-nil if the configuration is invalid or a dependency is nil.
func NewRouter(cfg Config, selector ArmSelector, scorer reward.Scorer, opts ...Option) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if selector == nil {
		return nil, fmt.Errorf("shadow router: selector must not be nil")
	}
	if scorer == nil {
		return nil, fmt.Errorf("shadow router: scorer must not be nil")
	}

	r := &Router{
		selector: selector,
		scorer:   scorer,
		timeout:  cfg.Timeout,
		src:      random.New(cfg.Seed),
		logger:   slog.Default(),
		tracer:   otel.Tracer("shadow"),
	}
	r.rateBits.Store(math.Float64bits(cfg.ShadowRate))
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	if cfg.MaxPerSecond > 0 {
		burst := int(math.Ceil(cfg.MaxPerSecond))
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// OnResult registers an observer for completed shadow attempts.
func (r *Router) OnResult(fn Observer) {
	if fn == nil {
		return
	}
	r.observersMu.Lock()
	r.observers = append(r.observers, fn)
	r.observersMu.Unlock()
}

// ShadowRate returns the current shadow rate.
func (r *Router) ShadowRate() float64 {
	return math.Float64frombits(r.rateBits.Load())
}

// SetShadowRate changes the shadow rate at runtime.
func (r *Router) SetShadowRate(shadowRate float64) error {
	if math.IsNaN(shadowRate) || shadowRate < 0 || shadowRate > 1 {
		return fmt.Errorf("%w: shadow rate %v outside [0, 1]", validation.ErrInvalid, shadowRate)
	}
	old := math.Float64frombits(r.rateBits.Swap(math.Float64bits(shadowRate)))
	if old != shadowRate {
		r.logger.Info("shadow rate changed",
			slog.Float64("old", old),
			slog.Float64("new", shadowRate),
		)
	}
	return nil
}

// RouteWithShadow serves a request from production and maybe shadows it.
//
// Description:
//
//	Decides whether to shadow, starts the shadow attempt if so, then runs
//	production synchronously. Production's result and error are returned
//	unchanged. The returned channel delivers the shadow Result once and is
//	then closed; it is nil when no shadow attempt started. Callers never
//	need to read it.
//
// Inputs:
//   - ctx: Request context. Its cancellation affects production only.
//   - req: The request snapshot. Must not be nil.
//   - production: The executor whose result is returned.
//   - shadows: Shadow executors keyed by arm ID.
//
// Outputs:
//   - any: Production result.
//   - <-chan Result: Shadow outcome, or nil.
//   - error: Production error, unchanged.
//
// Thread Safety: Safe for concurrent use.
func (r *Router) RouteWithShadow(
	ctx context.Context,
	req *datatypes.Request,
	production datatypes.Executor,
	shadows map[string]datatypes.Executor,
) (any, <-chan Result, error) {
	ctx, span := r.tracer.Start(ctx, "shadow.Router.RouteWithShadow",
		trace.WithAttributes(attribute.String("request_id", req.ID)),
	)
	defer span.End()

	results := r.maybeStartShadow(ctx, req, shadows)
	span.SetAttributes(attribute.Bool("shadowed", results != nil))

	out, err := production.Execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "production failed")
	}
	return out, results, err
}

// maybeStartShadow starts a shadow attempt and returns its channel, or nil.
func (r *Router) maybeStartShadow(
	ctx context.Context,
	req *datatypes.Request,
	shadows map[string]datatypes.Executor,
) <-chan Result {
	if r.closed.Load() || len(shadows) == 0 {
		return nil
	}
	shadowRate := r.ShadowRate()
	if shadowRate <= 0 || (shadowRate < 1 && r.src.Float64() >= shadowRate) {
		return nil
	}

	sel, err := r.selector.SelectArm(req.Context)
	if err != nil {
		r.skipped.Add(1)
		r.logger.Warn("shadow arm selection failed", slog.String("error", err.Error()))
		return nil
	}
	exec, ok := shadows[sel.ArmID]
	if !ok {
		r.skipped.Add(1)
		r.logger.Debug("no shadow executor for arm", slog.String("arm", sel.ArmID))
		return nil
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.skipped.Add(1)
		return nil
	}
	if r.sem != nil && !r.sem.TryAcquire(1) {
		r.skipped.Add(1)
		r.logger.Debug("shadow capacity exhausted", slog.String("arm", sel.ArmID))
		return nil
	}

	r.lifecycle.RLock()
	if r.closed.Load() {
		r.lifecycle.RUnlock()
		if r.sem != nil {
			r.sem.Release(1)
		}
		return nil
	}
	r.wg.Add(1)
	r.lifecycle.RUnlock()

	r.attempts.Add(1)
	r.inFlight.Add(1)

	results := make(chan Result, 1)
	shadowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if r.sem != nil {
			defer r.sem.Release(1)
		}
		defer r.inFlight.Add(-1)

		res := r.runShadow(shadowCtx, req, sel, exec)
		r.notify(res)
		results <- res
		close(results)
	}()
	return results
}

type execOutcome struct {
	payload any
	err     error
}

// runShadow executes one shadow attempt and records its reward.
func (r *Router) runShadow(ctx context.Context, req *datatypes.Request, sel bandit.Selection, exec datatypes.Executor) Result {
	ctx, span := r.tracer.Start(ctx, "shadow.Router.runShadow",
		trace.WithAttributes(
			attribute.String("request_id", req.ID),
			attribute.String("arm", sel.ArmID),
		),
	)
	defer span.End()

	start := time.Now()
	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- execOutcome{err: fmt.Errorf("%w: %v", errPanic, p)}
			}
		}()
		payload, err := exec.Execute(ctx, req)
		done <- execOutcome{payload: payload, err: err}
	}()

	var outcome execOutcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		outcome = execOutcome{err: ctx.Err()}
	}
	latency := time.Since(start)

	res := Result{
		RequestID:  req.ID,
		ArmID:      sel.ArmID,
		Confidence: sel.Confidence,
		Latency:    latency,
		Success:    outcome.err == nil,
		Err:        outcome.err,
	}

	switch {
	case outcome.err == nil:
		res.Payload = outcome.payload
		res.Cost = datatypes.CostOf(outcome.payload)
		r.successes.Add(1)
	case errors.Is(outcome.err, errPanic):
		res.ErrorKind = datatypes.ErrorKindPanic
		r.errs.Add(1)
		r.panics.Add(1)
	case errors.Is(outcome.err, context.DeadlineExceeded):
		res.ErrorKind = datatypes.ErrorKindTimeout
		res.Latency = r.timeout
		r.timeouts.Add(1)
	default:
		res.ErrorKind = datatypes.ClassifyError(outcome.err)
		r.errs.Add(1)
	}

	breakdown := r.scorer.CalculateReward(reward.ExecutionMetrics{
		Latency: res.Latency,
		Success: res.Success,
		Cost:    res.Cost,
	})
	res.Reward = breakdown.Total
	r.selector.UpdateArm(sel.ArmID, res.Reward)

	span.SetAttributes(
		attribute.Bool("success", res.Success),
		attribute.Float64("reward", res.Reward),
	)
	if !res.Success {
		span.SetStatus(codes.Error, string(res.ErrorKind))
		r.logger.Debug("shadow attempt failed",
			slog.String("request_id", req.ID),
			slog.String("arm", sel.ArmID),
			slog.String("error_kind", string(res.ErrorKind)),
			slog.String("error", outcome.err.Error()),
		)
	}
	return res
}

func (r *Router) notify(res Result) {
	r.observersMu.RLock()
	observers := r.observers
	r.observersMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("shadow observer panicked", slog.Any("panic", p))
				}
			}()
			fn(res)
		}()
	}
}

// Stats returns a snapshot of the shadow counters.
func (r *Router) Stats() Stats {
	return Stats{
		Attempts:   r.attempts.Load(),
		Successes:  r.successes.Load(),
		Timeouts:   r.timeouts.Load(),
		Errors:     r.errs.Load(),
		Panics:     r.panics.Load(),
		Skipped:    r.skipped.Load(),
		InFlight:   r.inFlight.Load(),
		ShadowRate: r.ShadowRate(),
	}
}

// Shutdown stops new shadow attempts and waits for in-flight ones.
//
// Outputs:
//   - error: ctx.Err() if ctx ends before all attempts finish.
func (r *Router) Shutdown(ctx context.Context) error {
	r.lifecycle.Lock()
	r.closed.Store(true)
	r.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
