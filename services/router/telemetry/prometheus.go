// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrInvalidConfig is returned when the Prometheus configuration is invalid.
	ErrInvalidConfig = errors.New("invalid prometheus configuration")

	// ErrRegistrationFailed is returned when metric registration fails.
	ErrRegistrationFailed = errors.New("metric registration failed")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// PrometheusConfig configures the Prometheus sink.
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"`

	// Namespace is the metrics namespace. Default: "aleutian"
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`

	// Subsystem is the metrics subsystem. Default: "router"
	Subsystem string `yaml:"subsystem" validate:"required_if=Enabled true"`

	// Registry is the Prometheus registry to use.
	// If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer `yaml:"-"`

	// LatencyBuckets defines histogram buckets for latency (seconds).
	LatencyBuckets []float64 `yaml:"latency_buckets"`

	// MaxLabelCardinality is the maximum number of unique label values to track.
	// When exceeded, new label values are mapped to "_other".
	// Default: 1000
	MaxLabelCardinality int `yaml:"max_label_cardinality" validate:"gte=0"`
}

// DefaultPrometheusConfig returns a configuration with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Enabled:   true,
		Namespace: "aleutian",
		Subsystem: "router",
		LatencyBuckets: []float64{
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 30.0,
		},
		MaxLabelCardinality: 1000,
	}
}

// Validate checks that the configuration is valid.
func (c PrometheusConfig) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.Subsystem == "" {
		return errors.New("subsystem is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Prometheus Sink
// -----------------------------------------------------------------------------

// PrometheusSink exposes routing telemetry as Prometheus metrics.
//
// Description:
//
//	Metrics are registered on creation and unregistered on Close when the
//	registry is a *prometheus.Registry.
//
// Thread Safety: Safe for concurrent use.
type PrometheusSink struct {
	config   PrometheusConfig
	registry prometheus.Registerer

	decisions   *prometheus.CounterVec
	confidence  *prometheus.HistogramVec
	outcomes    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	reward      *prometheus.HistogramVec
	cost        *prometheus.CounterVec
	transitions *prometheus.CounterVec
	stateInfo   *prometheus.GaugeVec
	feedback    prometheus.Histogram
	conversions *prometheus.CounterVec

	mu     sync.RWMutex
	closed bool

	collectors []prometheus.Collector

	labelMu        sync.RWMutex
	seenLabels     map[string]map[string]struct{}
	maxCardinality int
}

// NewPrometheusSink creates and registers the router metrics.
//
// Outputs:
//   - *PrometheusSink: Never nil on success.
//   - error: Non-nil if configuration is invalid or registration fails.
func NewPrometheusSink(config PrometheusConfig) (*PrometheusSink, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	cfg := config
	if cfg.LatencyBuckets == nil {
		cfg.LatencyBuckets = DefaultPrometheusConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	maxCard := cfg.MaxLabelCardinality
	if maxCard <= 0 {
		maxCard = 1000
	}

	s := &PrometheusSink{
		config:         cfg,
		registry:       registry,
		seenLabels:     make(map[string]map[string]struct{}),
		maxCardinality: maxCard,
	}

	s.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "decisions_total",
		Help: "Routing decisions by route and arm",
	}, []string{"route", "arm", "explored"})

	s.confidence = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name:    "decision_confidence",
		Help:    "Winning Thompson sample of bandit decisions",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"arm"})

	s.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "outcomes_total",
		Help: "Completed executions by route, arm and result",
	}, []string{"route", "arm", "success", "error_kind"})

	s.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name:    "execution_latency_seconds",
		Help:    "Execution latency in seconds",
		Buckets: cfg.LatencyBuckets,
	}, []string{"route", "arm"})

	s.reward = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name:    "reward",
		Help:    "Scalar reward per execution",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"route", "arm"})

	s.cost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "cost_usd_total",
		Help: "Accumulated execution cost in USD",
	}, []string{"route", "arm"})

	s.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "transitions_total",
		Help: "Rollout and experiment state changes",
	}, []string{"component", "kind", "to"})

	s.stateInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "state_info",
		Help: "Current state per component (1 for the active state)",
	}, []string{"component", "state"})

	s.feedback = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name:    "user_satisfaction",
		Help:    "User satisfaction ratings",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	s.conversions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "conversions_total",
		Help: "Conversion signals by outcome",
	}, []string{"converted"})

	s.collectors = []prometheus.Collector{
		s.decisions, s.confidence, s.outcomes, s.latency, s.reward,
		s.cost, s.transitions, s.stateInfo, s.feedback, s.conversions,
	}
	for _, c := range s.collectors {
		if err := registry.Register(c); err != nil {
			var alreadyErr prometheus.AlreadyRegisteredError
			if !errors.As(err, &alreadyErr) {
				return nil, errors.Join(ErrRegistrationFailed, err)
			}
		}
	}
	return s, nil
}

func (s *PrometheusSink) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}

// RecordDecision counts the decision and observes bandit confidence.
func (s *PrometheusSink) RecordDecision(_ context.Context, data *DecisionEvent) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	route := s.sanitizeLabel("route", orUnknown(data.Route))
	arm := s.sanitizeLabel("arm", orUnknown(data.ArmID))
	s.decisions.WithLabelValues(route, arm, strconv.FormatBool(data.Explored)).Inc()
	if data.Route == RouteBandit && !data.Explored {
		s.confidence.WithLabelValues(arm).Observe(data.Confidence)
	}
	return nil
}

// RecordOutcome counts the outcome and observes latency, reward and cost.
func (s *PrometheusSink) RecordOutcome(_ context.Context, data *OutcomeEvent) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	route := s.sanitizeLabel("route", orUnknown(data.Route))
	arm := s.sanitizeLabel("arm", orUnknown(data.ArmID))
	kind := "none"
	if data.ErrorKind != "" {
		kind = s.sanitizeLabel("error_kind", data.ErrorKind)
	}
	s.outcomes.WithLabelValues(route, arm, strconv.FormatBool(data.Success), kind).Inc()
	s.latency.WithLabelValues(route, arm).Observe(data.Latency.Seconds())
	s.reward.WithLabelValues(route, arm).Observe(data.Reward)
	if data.Cost > 0 {
		s.cost.WithLabelValues(route, arm).Add(data.Cost)
	}
	return nil
}

// RecordTransition counts the transition and moves the state gauge.
func (s *PrometheusSink) RecordTransition(_ context.Context, data *TransitionEvent) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	component := s.sanitizeLabel("component", orUnknown(data.Component))
	to := s.sanitizeLabel("state", orUnknown(data.To))
	s.transitions.WithLabelValues(component, s.sanitizeLabel("kind", orUnknown(data.Kind)), to).Inc()
	if data.From != "" && data.From != data.To {
		s.stateInfo.WithLabelValues(component, s.sanitizeLabel("state", data.From)).Set(0)
	}
	s.stateInfo.WithLabelValues(component, to).Set(1)
	return nil
}

// RecordBusiness observes satisfaction and counts conversions.
func (s *PrometheusSink) RecordBusiness(_ context.Context, data *BusinessEvent) error {
	if data == nil {
		return ErrNilData
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if data.Satisfaction != nil {
		s.feedback.Observe(*data.Satisfaction)
	}
	if data.Converted != nil {
		s.conversions.WithLabelValues(strconv.FormatBool(*data.Converted)).Inc()
	}
	return nil
}

// Flush is a no-op; Prometheus pulls.
func (s *PrometheusSink) Flush(context.Context) error {
	return s.checkOpen()
}

// Close unregisters the collectors. Idempotent.
func (s *PrometheusSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if reg, ok := s.registry.(*prometheus.Registry); ok {
		for _, c := range s.collectors {
			reg.Unregister(c)
		}
	}
	return nil
}

// sanitizeLabel caps the number of distinct values per label. Values past
// the cap are reported as "_other".
func (s *PrometheusSink) sanitizeLabel(labelName, labelValue string) string {
	s.labelMu.RLock()
	seen := s.seenLabels[labelName]
	if seen != nil {
		if _, exists := seen[labelValue]; exists {
			s.labelMu.RUnlock()
			return labelValue
		}
		if len(seen) >= s.maxCardinality {
			s.labelMu.RUnlock()
			return "_other"
		}
	}
	s.labelMu.RUnlock()

	s.labelMu.Lock()
	defer s.labelMu.Unlock()
	if s.seenLabels[labelName] == nil {
		s.seenLabels[labelName] = make(map[string]struct{})
	}
	if _, exists := s.seenLabels[labelName][labelValue]; exists {
		return labelValue
	}
	if len(s.seenLabels[labelName]) >= s.maxCardinality {
		return "_other"
	}
	s.seenLabels[labelName][labelValue] = struct{}{}
	return labelValue
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

var _ Sink = (*PrometheusSink)(nil)
