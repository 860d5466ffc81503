// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel builds the tracer and meter providers connection telemetry is
// exported through. Signals that are disabled get no-op providers.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxamqp/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout  = 30 * time.Second
	exportInterval = 10 * time.Second
)

// Providers holds the providers handed to client.Options.
type Providers struct {
	Tracer trace.TracerProvider
	Meter  metric.MeterProvider

	shutdown []func(context.Context) error
}

// New creates providers exporting to cfg.Endpoint over OTLP gRPC. instanceID
// tags every exported resource.
func New(ctx context.Context, cfg config.TelemetryConfig, instanceID string) (*Providers, error) {
	p := &Providers{
		Tracer: tracenoop.NewTracerProvider(),
		Meter:  metricnoop.NewMeterProvider(),
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return p, nil
	}

	res, err := newResource(ctx, cfg, instanceID)
	if err != nil {
		return nil, err
	}

	if cfg.TracesEnabled {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(exportTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRate))),
			sdktrace.WithBatcher(exporter),
		)
		p.Tracer = tp
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	if cfg.MetricsEnabled {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithTimeout(exportTimeout),
		)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
		)
		p.Meter = mp
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}

	return p, nil
}

// Shutdown flushes pending telemetry and stops the exporters.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg config.TelemetryConfig, instanceID string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(instanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
