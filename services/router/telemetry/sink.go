// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports routing events to metrics backends.
//
// The router never reads telemetry back; sinks are write-only and their
// failures are logged by the caller and otherwise ignored.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilData is returned when nil data is provided to a recording method.
	ErrNilData = errors.New("data must not be nil")

	// ErrSinkClosed is returned when attempting to use a closed sink.
	ErrSinkClosed = errors.New("sink has been closed")

	// ErrNoSinks is returned when creating a composite sink with no children.
	ErrNoSinks = errors.New("at least one sink is required")
)

// -----------------------------------------------------------------------------
// Interface
// -----------------------------------------------------------------------------

// Sink records routing telemetry.
//
// Thread Safety: All implementations must be safe for concurrent use.
type Sink interface {
	// RecordDecision records which route and arm served a request.
	RecordDecision(ctx context.Context, data *DecisionEvent) error

	// RecordOutcome records the completion of a production or shadow
	// execution.
	RecordOutcome(ctx context.Context, data *OutcomeEvent) error

	// RecordTransition records a rollout or experiment state change.
	RecordTransition(ctx context.Context, data *TransitionEvent) error

	// RecordBusiness records user feedback and conversions.
	RecordBusiness(ctx context.Context, data *BusinessEvent) error

	// Flush forces export of any buffered data.
	Flush(ctx context.Context) error

	// Close flushes and releases resources. After Close all recording
	// methods return ErrSinkClosed. Idempotent.
	Close() error
}

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// Route names.
const (
	RouteBandit   = "bandit"
	RouteFallback = "fallback"
	RouteControl  = "control"
	RouteShadow   = "shadow"
)

// DecisionEvent is emitted once per request when its route is chosen.
type DecisionEvent struct {
	Timestamp     time.Time
	RequestID     string
	Route         string
	ArmID         string
	Confidence    float64
	Explored      bool
	Stage         string
	ExperimentArm string
}

// OutcomeEvent is emitted when an execution finishes.
type OutcomeEvent struct {
	Timestamp time.Time
	RequestID string
	Route     string
	ArmID     string
	Success   bool
	ErrorKind string
	Latency   time.Duration
	Cost      float64
	Reward    float64
}

// TransitionEvent is emitted on rollout stage changes and experiment stops.
type TransitionEvent struct {
	Timestamp time.Time
	Component string
	Kind      string
	From      string
	To        string
	Reason    string
}

// BusinessEvent carries user feedback for a request.
type BusinessEvent struct {
	Timestamp    time.Time
	RequestID    string
	UserID       string
	Satisfaction *float64
	Converted    *bool
}

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

// Config enables the exporters.
type Config struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Influx     InfluxConfig     `yaml:"influx"`
}

// DefaultConfig enables Prometheus only.
func DefaultConfig() Config {
	return Config{
		Prometheus: DefaultPrometheusConfig(),
		Influx:     DefaultInfluxConfig(),
	}
}

// New builds the sink described by cfg.
//
// Inputs:
//   - cfg: Exporter configuration.
//   - reg: Registry for Prometheus collectors. Nil uses the default registerer.
//   - logger: Receives async export errors. Nil uses slog.Default().
//
// Outputs:
//   - Sink: A composite of the enabled exporters, or a NoOpSink.
//   - error: Non-nil if an enabled exporter cannot be created.
func New(cfg Config, reg prometheus.Registerer, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sinks []Sink
	if cfg.Prometheus.Enabled {
		pcfg := cfg.Prometheus
		pcfg.Registry = reg
		ps, err := NewPrometheusSink(pcfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ps)
	}
	if cfg.Influx.Enabled {
		is, err := NewInfluxSink(cfg.Influx, logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, is)
	}
	switch len(sinks) {
	case 0:
		return NewNoOpSink(), nil
	case 1:
		return sinks[0], nil
	default:
		return NewCompositeSink(sinks...)
	}
}

// -----------------------------------------------------------------------------
// Composite Sink
// -----------------------------------------------------------------------------

// CompositeSink multiplexes telemetry to multiple sinks.
//
// Description:
//
//	Errors from individual sinks are joined; one sink's failure does not
//	prevent the others from receiving the data.
//
// Thread Safety: Safe for concurrent use.
type CompositeSink struct {
	sinks  []Sink
	mu     sync.RWMutex
	closed bool
}

// NewCompositeSink creates a sink forwarding to every non-nil child.
//
// Outputs:
//   - *CompositeSink: Never nil on success.
//   - error: ErrNoSinks if no non-nil sinks were provided.
func NewCompositeSink(sinks ...Sink) (*CompositeSink, error) {
	valid := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil, ErrNoSinks
	}
	return &CompositeSink{sinks: valid}, nil
}

func (c *CompositeSink) children() ([]Sink, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrSinkClosed
	}
	return c.sinks, nil
}

func (c *CompositeSink) each(fn func(Sink) error) error {
	sinks, err := c.children()
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range sinks {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordDecision forwards to every child.
func (c *CompositeSink) RecordDecision(ctx context.Context, data *DecisionEvent) error {
	if data == nil {
		return ErrNilData
	}
	return c.each(func(s Sink) error { return s.RecordDecision(ctx, data) })
}

// RecordOutcome forwards to every child.
func (c *CompositeSink) RecordOutcome(ctx context.Context, data *OutcomeEvent) error {
	if data == nil {
		return ErrNilData
	}
	return c.each(func(s Sink) error { return s.RecordOutcome(ctx, data) })
}

// RecordTransition forwards to every child.
func (c *CompositeSink) RecordTransition(ctx context.Context, data *TransitionEvent) error {
	if data == nil {
		return ErrNilData
	}
	return c.each(func(s Sink) error { return s.RecordTransition(ctx, data) })
}

// RecordBusiness forwards to every child.
func (c *CompositeSink) RecordBusiness(ctx context.Context, data *BusinessEvent) error {
	if data == nil {
		return ErrNilData
	}
	return c.each(func(s Sink) error { return s.RecordBusiness(ctx, data) })
}

// Flush flushes all children concurrently.
func (c *CompositeSink) Flush(ctx context.Context) error {
	sinks, err := c.children()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(sinks))
	for _, sink := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Flush(ctx); err != nil {
				errChan <- err
			}
		}(sink)
	}
	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close closes all children. Idempotent.
func (c *CompositeSink) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sinks := c.sinks
	c.mu.Unlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// No-Op Sink
// -----------------------------------------------------------------------------

// NoOpSink discards all data. It is the default when no exporter is
// configured.
type NoOpSink struct{}

// NewNoOpSink creates a new no-op sink.
func NewNoOpSink() *NoOpSink {
	return &NoOpSink{}
}

func (n *NoOpSink) RecordDecision(context.Context, *DecisionEvent) error     { return nil }
func (n *NoOpSink) RecordOutcome(context.Context, *OutcomeEvent) error       { return nil }
func (n *NoOpSink) RecordTransition(context.Context, *TransitionEvent) error { return nil }
func (n *NoOpSink) RecordBusiness(context.Context, *BusinessEvent) error     { return nil }
func (n *NoOpSink) Flush(context.Context) error                              { return nil }
func (n *NoOpSink) Close() error                                             { return nil }

// Verify interface compliance at compile time.
var (
	_ Sink = (*CompositeSink)(nil)
	_ Sink = (*NoOpSink)(nil)
)
