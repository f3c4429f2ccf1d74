package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"lukhas/internal/config"
)

func TestSetupStdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), config.TelemetryConfig{ServiceName: "lukhas-test", Exporter: "stdout"}, &buf)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "unit")
	span.SetAttributes(AttrModule.String("content"))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name": "unit"`)
	assert.Contains(t, buf.String(), "lukhas.module")
	assert.Contains(t, buf.String(), "lukhas-test")
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestRecorderCapturesSpans(t *testing.T) {
	rec := NewRecorder()
	defer rec.Shutdown()

	_, a := rec.Tracer().Start(context.Background(), SpanAuthzDecide)
	a.SetAttributes(AttrDecision.String("allow"), AttrTier.String("T3"))
	a.End()
	_, b := rec.Tracer().Start(context.Background(), "other")
	b.End()

	spans := rec.Named(SpanAuthzDecide)
	require.Len(t, spans, 1)
	attrs := Attrs(spans[0])
	assert.Equal(t, "allow", attrs["lukhas.decision"].AsString())
	assert.Equal(t, "T3", attrs["lukhas.tier"].AsString())
	assert.Len(t, rec.Ended(), 2)
}
