// Package telemetry holds the OpenTelemetry tracer and metric instruments
// shared by the pool, backend, and session packages. Instruments are
// registered against the global provider at init time, so they forward to
// a real provider once a caller installs one (no-op otherwise).
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/openwallet-labs/agentstore/store"

// Tracer is the shared store tracer for SQL-level and lifecycle spans.
var Tracer = otel.Tracer(instrumentationName)

// Metrics holds the metric instruments incremented by the pool and session
// packages. Errors from instrument creation are ignored the same way the
// teacher's doltMetrics does: a nil instrument silently no-ops on Add/Record.
var Metrics struct {
	RetryCount    metric.Int64Counter
	AcquireWaitMs metric.Float64Histogram
	SessionOpen   metric.Int64UpDownCounter
	SessionLeaked metric.Int64Counter
}

func init() {
	m := otel.Meter(instrumentationName)
	Metrics.RetryCount, _ = m.Int64Counter("agentstore.db.retry_count",
		metric.WithDescription("backend operations retried due to transient errors"),
		metric.WithUnit("{retry}"),
	)
	Metrics.AcquireWaitMs, _ = m.Float64Histogram("agentstore.pool.acquire_wait_ms",
		metric.WithDescription("time spent waiting to acquire a pooled connection"),
		metric.WithUnit("ms"),
	)
	Metrics.SessionOpen, _ = m.Int64UpDownCounter("agentstore.session.open",
		metric.WithDescription("currently open sessions and transactions"),
		metric.WithUnit("{session}"),
	)
	Metrics.SessionLeaked, _ = m.Int64Counter("agentstore.session.leaked",
		metric.WithDescription("sessions force-closed by the background monitor"),
		metric.WithUnit("{session}"),
	)
}

// SpanAttrs returns the fixed attributes shared by every SQL span.
func SpanAttrs(system string, op string, statement string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", system),
		attribute.String("db.operation", op),
		attribute.String("db.statement", truncate(statement)),
	}
}

// truncate keeps spans readable by capping the recorded statement length.
func truncate(q string) string {
	const max = 300
	if len(q) > max {
		return q[:max] + "…"
	}
	return q
}

// EndSpan records an error, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartSpan starts a client-kind span named name with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}
