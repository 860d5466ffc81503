// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxamqp/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/fluxamqp/client"

// metrics holds OpenTelemetry instruments for connection lifecycles.
type metrics struct {
	attempts   metric.Int64Counter
	failures   metric.Int64Counter
	heartbeats metric.Int64Counter
	frames     metric.Int64Counter
	open       metric.Int64UpDownCounter
	handshake  metric.Float64Histogram

	tracer trace.Tracer
}

// newMetrics creates the instruments. Nil providers fall back to the
// global ones.
func newMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &metrics{tracer: tp.Tracer(instrumentationName)}

	var err error
	m.attempts, err = meter.Int64Counter(
		"amqp.connection.attempts.total",
		metric.WithDescription("Total number of connection attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	m.failures, err = meter.Int64Counter(
		"amqp.connection.failures.total",
		metric.WithDescription("Total connection failures by phase and cause"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}

	m.heartbeats, err = meter.Int64Counter(
		"amqp.heartbeats.sent.total",
		metric.WithDescription("Total empty frames sent to keep connections alive"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeats counter: %w", err)
	}

	m.frames, err = meter.Int64Counter(
		"amqp.frames.received.total",
		metric.WithDescription("Total AMQP frames received, heartbeats included"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frames counter: %w", err)
	}

	m.open, err = meter.Int64UpDownCounter(
		"amqp.connections.open",
		metric.WithDescription("Current number of open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create open connections gauge: %w", err)
	}

	m.handshake, err = meter.Float64Histogram(
		"amqp.handshake.duration.ms",
		metric.WithDescription("Time from connect until the peer Open in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake histogram: %w", err)
	}

	return m, nil
}

func (m *metrics) recordAttempt(scheme string, secure bool) {
	m.attempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("transport", scheme),
		attribute.Bool("tls", secure),
	))
}

func (m *metrics) recordOpened(d time.Duration) {
	ctx := context.Background()
	m.open.Add(ctx, 1)
	m.handshake.Record(ctx, float64(d.Microseconds())/1000)
}

func (m *metrics) recordEnded(wasOpen bool) {
	if wasOpen {
		m.open.Add(context.Background(), -1)
	}
}

func (m *metrics) recordFailure(phase State, err error) {
	m.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("phase", phase.String()),
		attribute.String("cause", failureCause(err)),
	))
}

func (m *metrics) recordHeartbeat() {
	m.heartbeats.Add(context.Background(), 1)
}

func (m *metrics) recordFrame() {
	m.frames.Add(context.Background(), 1)
}

// failureCause names the error category for metric attributes.
func failureCause(err error) string {
	var terr *transport.Error
	switch {
	case errors.As(err, &terr):
		return "transport:" + terr.Kind.String()
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrLifecycle):
		return "lifecycle"
	default:
		return "other"
	}
}
