package obs

import (
	"sync"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Package-level defaults so instrumented packages don't thread the
// provider through every constructor. Init replaces them; before that
// (and in tests) they are noop.
var (
	defaultMu      sync.RWMutex
	defaultTracer  trace.Tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	defaultMetrics *Instruments
)

func setDefaults(tracer trace.Tracer, metrics *Instruments) {
	defaultMu.Lock()
	defaultTracer = tracer
	defaultMetrics = metrics
	defaultMu.Unlock()
}

// Tracer returns the process tracer.
func Tracer() trace.Tracer {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultTracer
}

// Metrics returns the process instrument set, noop until Init runs.
func Metrics() *Instruments {
	defaultMu.RLock()
	m := defaultMetrics
	defaultMu.RUnlock()
	if m != nil {
		return m
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMetrics == nil {
		// NewInstruments cannot fail on a noop meter.
		defaultMetrics, _ = NewInstruments(noop.NewMeterProvider().Meter(MeterName))
	}
	return defaultMetrics
}
