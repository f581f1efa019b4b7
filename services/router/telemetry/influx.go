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
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by InfluxSink.
const (
	MeasurementDecision   = "router_decision"
	MeasurementOutcome    = "router_outcome"
	MeasurementTransition = "router_transition"
	MeasurementBusiness   = "router_business"
)

// InfluxConfig configures the InfluxDB exporter.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`

	// Token is usually supplied through ROUTER_INFLUX_TOKEN.
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required_if=Enabled true"`
	Bucket string `yaml:"bucket" validate:"required_if=Enabled true"`

	// BatchSize is the number of points per write. Default: 500
	BatchSize uint `yaml:"batch_size"`

	// FlushInterval is the longest a point waits in the buffer. Default: 1s
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`
}

// DefaultInfluxConfig returns a disabled exporter pointing at a local InfluxDB.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:           "http://localhost:12130",
		Org:           "aleutian",
		Bucket:        "router",
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// drainTimeout bounds how long Close waits for the error channel to close.
const drainTimeout = 5 * time.Second

// InfluxSink writes every event as a point through the non-blocking write
// API, so recording never waits on the network.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	drained chan struct{}
}

// NewInfluxSink creates the exporter. Write errors are logged at warn.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink: url, org and bucket are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval / time.Millisecond))
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
		drained:  make(chan struct{}),
	}

	errCh := s.writeAPI.Errors()
	go func() {
		defer close(s.drained)
		for err := range errCh {
			s.logger.Warn("influx write failed", slog.String("error", err.Error()))
		}
	}()
	return s, nil
}

func (s *InfluxSink) write(p *write.Point) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.writeAPI.WritePoint(p)
	return nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// RecordDecision writes a router_decision point.
func (s *InfluxSink) RecordDecision(_ context.Context, data *DecisionEvent) error {
	if data == nil {
		return ErrNilData
	}
	p := influxdb2.NewPointWithMeasurement(MeasurementDecision).
		AddTag("route", orUnknown(data.Route)).
		AddTag("arm", orUnknown(data.ArmID)).
		AddTag("stage", orUnknown(data.Stage)).
		AddField("request_id", data.RequestID).
		AddField("confidence", data.Confidence).
		AddField("explored", data.Explored).
		SetTime(stamp(data.Timestamp))
	if data.ExperimentArm != "" {
		p.AddTag("experiment_arm", data.ExperimentArm)
	}
	return s.write(p)
}

// RecordOutcome writes a router_outcome point.
func (s *InfluxSink) RecordOutcome(_ context.Context, data *OutcomeEvent) error {
	if data == nil {
		return ErrNilData
	}
	p := influxdb2.NewPointWithMeasurement(MeasurementOutcome).
		AddTag("route", orUnknown(data.Route)).
		AddTag("arm", orUnknown(data.ArmID)).
		AddField("request_id", data.RequestID).
		AddField("success", data.Success).
		AddField("latency_ms", float64(data.Latency)/float64(time.Millisecond)).
		AddField("cost", data.Cost).
		AddField("reward", data.Reward).
		SetTime(stamp(data.Timestamp))
	if data.ErrorKind != "" {
		p.AddTag("error_kind", data.ErrorKind)
	}
	return s.write(p)
}

// RecordTransition writes a router_transition point.
func (s *InfluxSink) RecordTransition(_ context.Context, data *TransitionEvent) error {
	if data == nil {
		return ErrNilData
	}
	p := influxdb2.NewPointWithMeasurement(MeasurementTransition).
		AddTag("component", orUnknown(data.Component)).
		AddTag("kind", orUnknown(data.Kind)).
		AddField("from", data.From).
		AddField("to", data.To).
		AddField("reason", data.Reason).
		SetTime(stamp(data.Timestamp))
	return s.write(p)
}

// RecordBusiness writes a router_business point. Events without either
// signal are dropped.
func (s *InfluxSink) RecordBusiness(_ context.Context, data *BusinessEvent) error {
	if data == nil {
		return ErrNilData
	}
	if data.Satisfaction == nil && data.Converted == nil {
		return nil
	}
	p := influxdb2.NewPointWithMeasurement(MeasurementBusiness).
		AddField("request_id", data.RequestID).
		SetTime(stamp(data.Timestamp))
	if data.Satisfaction != nil {
		p.AddField("satisfaction", *data.Satisfaction)
	}
	if data.Converted != nil {
		p.AddField("converted", *data.Converted)
	}
	return s.write(p)
}

// Flush writes buffered points.
func (s *InfluxSink) Flush(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.writeAPI.Flush()
	return nil
}

// Close flushes, closes the client and waits for the error drain to end.
func (s *InfluxSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeAPI.Flush()
	s.client.Close()
	select {
	case <-s.drained:
	case <-time.After(drainTimeout):
		s.logger.Warn("influx error drain did not finish")
	}
	return nil
}

var _ Sink = (*InfluxSink)(nil)
