package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// Recorder captures finished spans in memory. Components take a
// trace.TracerProvider so tests can hand them a Recorder instead of touching
// the global provider.
type Recorder struct {
	*tracetest.SpanRecorder
	Provider *sdktrace.TracerProvider
}

// NewRecorder returns a provider wired to an in-memory span recorder.
func NewRecorder() *Recorder {
	sr := tracetest.NewSpanRecorder()
	return &Recorder{
		SpanRecorder: sr,
		Provider:     sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)),
	}
}

// Tracer returns a tracer from the recording provider.
func (r *Recorder) Tracer() trace.Tracer {
	return r.Provider.Tracer(InstrumentationName)
}

// Named returns ended spans with the given name, in end order.
func (r *Recorder) Named(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range r.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// Shutdown stops the provider.
func (r *Recorder) Shutdown() error {
	return r.Provider.Shutdown(context.Background())
}

// Attrs flattens a span's attributes into a map keyed by attribute name.
func Attrs(s sdktrace.ReadOnlySpan) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		out[string(kv.Key)] = kv.Value
	}
	return out
}
