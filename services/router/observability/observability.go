// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability installs the OpenTelemetry providers for the router.
//
// Spans come from the shadow router, the orchestrator and the otelgin
// middleware. OTel metrics (the otelgin HTTP instruments) are bridged into
// the same Prometheus registry that carries the router's own collectors,
// so one /metrics endpoint serves both.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("observability: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("observability: unknown exporter")
)

// Exporter names.
const (
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
	ExporterNone       = "none"
)

// Config selects the trace and metric exporters.
type Config struct {
	// ServiceName identifies the router in traces. Default: "aleutian-router"
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the service.version attribute.
	ServiceVersion string `yaml:"service_version"`

	// Environment is the deployment.environment attribute. Default: "development"
	Environment string `yaml:"environment"`

	// TraceExporter is otlp, stdout or none. Default: "none"
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is prometheus, stdout or none. Default: "prometheus"
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP gRPC receiver. Default: "localhost:4317"
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS for the OTLP connection. Default: true
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// SampleRatio is the fraction of root spans kept. Default: 1
	SampleRatio float64 `yaml:"sample_ratio" validate:"unit"`
}

// DefaultConfig disables tracing and bridges OTel metrics to Prometheus.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "aleutian-router",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterPrometheus,
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
		SampleRatio:    1,
	}
}

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Options are the non-config inputs of Init.
type Options struct {
	// Registerer receives the OTel Prometheus bridge. Nil uses the
	// default registerer.
	Registerer prometheus.Registerer

	// Stdout receives the stdout exporters' output. Nil uses os.Stdout.
	Stdout io.Writer
}

// Init installs global tracer and meter providers.
//
// Inputs:
//   - ctx: Used to dial the OTLP exporter. Must not be nil.
//   - cfg: Exporter selection.
//   - opts: Registry and writer overrides.
//
// Outputs:
//   - ShutdownFunc: Flushes and stops every installed provider.
//   - error: ErrNilContext, ErrUnknownExporter or an exporter failure.
func Init(ctx context.Context, cfg Config, opts Options) (ShutdownFunc, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			if err := shutdownFuncs[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	if cfg.TraceExporter != ExporterNone {
		tp, err := newTracerProvider(ctx, cfg, res, opts.Stdout)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	if cfg.MetricExporter != ExporterNone {
		mp, err := newMeterProvider(cfg, res, opts)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource, stdout io.Writer) (*trace.TracerProvider, error) {
	var (
		exporter trace.SpanExporter
		err      error
	)
	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		stOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if stdout != nil {
			stOpts = append(stOpts, stdouttrace.WithWriter(stdout))
		}
		exporter, err = stdouttrace.New(stOpts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRatio))),
	), nil
}

func newMeterProvider(cfg Config, res *resource.Resource, opts Options) (*metric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		var promOpts []promexporter.Option
		if opts.Registerer != nil {
			promOpts = append(promOpts, promexporter.WithRegisterer(opts.Registerer))
		}
		exporter, err := promexporter.New(promOpts...)
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(exporter),
		), nil

	case ExporterStdout:
		var smOpts []stdoutmetric.Option
		smOpts = append(smOpts, stdoutmetric.WithPrettyPrint())
		if opts.Stdout != nil {
			smOpts = append(smOpts, stdoutmetric.WithWriter(opts.Stdout))
		}
		exporter, err := stdoutmetric.New(smOpts...)
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter)),
		), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}
