// Package telemetry provides thin helpers over OpenTelemetry for the
// orchestration core. Spans and metrics are recorded against whatever
// global providers the embedding process has installed; with no provider
// configured every call is a cheap no-op.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/viralforge/orchestrator"

// StartSpan begins a span under the orchestrator tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name)
}

// AddSpanEvent records an event on the current span, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordSpanError marks the current span as failed and attaches the error.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanAttributes sets attributes on the current span, if any.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attrs...)
}

// Instruments are created on first use and cached; the meter is resolved
// lazily so telemetry initialization order does not matter.
var (
	instrumentsMu sync.Mutex
	counters      = map[string]metric.Int64Counter{}
	histograms    = map[string]metric.Float64Histogram{}
)

// Counter increments a counter metric by 1.
// Labels are provided as alternating key-value pairs.
func Counter(name string, labels ...string) {
	counter, err := getCounter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution (latencies, durations).
func Histogram(name string, value float64, labels ...string) {
	hist, err := getHistogram(name)
	if err != nil {
		return
	}
	hist.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed milliseconds since startTime.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

func getCounter(name string) (metric.Int64Counter, error) {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	if c, ok := counters[name]; ok {
		return c, nil
	}
	c, err := otel.Meter(instrumentationName).Int64Counter(name)
	if err != nil {
		return nil, err
	}
	counters[name] = c
	return c, nil
}

func getHistogram(name string) (metric.Float64Histogram, error) {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	if h, ok := histograms[name]; ok {
		return h, nil
	}
	h, err := otel.Meter(instrumentationName).Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	histograms[name] = h
	return h, nil
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
